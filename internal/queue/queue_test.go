package queue

import "testing"

func TestQueue_PriorityOrder(t *testing.T) {
	q := New()
	q.Push(1, 0, "low")
	q.Push(2, 5, "high")
	q.Push(3, 2, "mid")

	item, ok := q.Pop()
	if !ok || item.Payload != "high" {
		t.Fatalf("expected high first, got %+v", item)
	}
	item, ok = q.Pop()
	if !ok || item.Payload != "mid" {
		t.Fatalf("expected mid second, got %+v", item)
	}
	item, ok = q.Pop()
	if !ok || item.Payload != "low" {
		t.Fatalf("expected low third, got %+v", item)
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue")
	}
}

func TestQueue_FIFOWithinSamePriority(t *testing.T) {
	q := New()
	q.Push(1, 1, "first")
	q.Push(2, 1, "second")
	q.Push(3, 1, "third")

	for _, want := range []string{"first", "second", "third"} {
		item, ok := q.Pop()
		if !ok || item.Payload != want {
			t.Fatalf("expected %q, got %+v", want, item)
		}
	}
}

func TestQueue_Remove(t *testing.T) {
	q := New()
	q.Push(1, 0, "a")
	q.Push(2, 0, "b")
	q.Push(3, 0, "c")

	if !q.Remove(2) {
		t.Fatal("expected remove of id 2 to succeed")
	}
	if q.Remove(2) {
		t.Error("expected second remove of id 2 to fail")
	}
	if q.Len() != 2 {
		t.Errorf("expected len 2, got %d", q.Len())
	}

	item, _ := q.Pop()
	if item.Payload != "a" {
		t.Errorf("expected a first, got %v", item.Payload)
	}
	item, _ = q.Pop()
	if item.Payload != "c" {
		t.Errorf("expected c second (b removed), got %v", item.Payload)
	}
}

func TestQueue_Peek(t *testing.T) {
	q := New()
	q.Push(1, 1, "a")
	q.Push(2, 5, "b")

	item, ok := q.Peek()
	if !ok || item.Payload != "b" {
		t.Fatalf("expected peek to return highest priority without removing, got %+v", item)
	}
	if q.Len() != 2 {
		t.Error("peek should not remove")
	}
}

func TestQueue_Drain(t *testing.T) {
	q := New()
	q.Push(1, 0, "a")
	q.Push(2, 0, "b")
	q.Push(3, 0, "c")

	items := q.Drain()
	if len(items) != 3 {
		t.Fatalf("expected 3 drained items, got %d", len(items))
	}
	if q.Len() != 0 {
		t.Error("expected queue empty after drain")
	}
	if _, ok := q.Pop(); ok {
		t.Error("expected empty queue after drain")
	}
}

func TestQueue_LenAndEmptyPeek(t *testing.T) {
	q := New()
	if q.Len() != 0 {
		t.Errorf("expected 0, got %d", q.Len())
	}
	if _, ok := q.Peek(); ok {
		t.Error("expected peek on empty queue to fail")
	}
}
