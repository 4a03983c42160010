package logsink

import (
	"path/filepath"
	"testing"
	"time"
)

func intPtr(v int) *int       { return &v }
func strPtr(v string) *string { return &v }

func TestSink_InsertAndComplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.InsertPending(LogRow{ClientID: "c1", ProviderID: "anthropic", Method: "POST", Path: "/v1/messages", RouteType: "route"})
	s.UpdateCompleted("c1", intPtr(200), strPtr(`{"ok":true}`), 42, true, nil)

	time.Sleep(flushInterval + 50*time.Millisecond)

	rows, err := s.index.recentCompleted(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected 1 completed row, got %d", len(rows))
	}
	if rows[0].ClientID != "c1" || rows[0].StatusCode == nil || *rows[0].StatusCode != 200 {
		t.Errorf("unexpected row: %+v", rows[0])
	}
}

func TestSink_ChainAdvancesAcrossCompletions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.InsertPending(LogRow{ClientID: "a", RouteType: "route"})
	s.UpdateCompleted("a", intPtr(200), nil, 1, true, nil)
	s.InsertPending(LogRow{ClientID: "b", RouteType: "route"})
	s.UpdateCompleted("b", intPtr(500), nil, 2, false, strPtr("boom"))

	time.Sleep(flushInterval + 50*time.Millisecond)

	rows, err := s.index.recentCompleted(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 completed rows, got %d", len(rows))
	}
}

func TestSink_RecoverChainStateAfterReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.db")
	s, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	s.InsertPending(LogRow{ClientID: "x", RouteType: "route"})
	s.UpdateCompleted("x", intPtr(200), nil, 1, true, nil)
	time.Sleep(flushInterval + 50*time.Millisecond)
	firstHash := s.lastHash
	s.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	if s2.lastHash != firstHash {
		t.Errorf("expected recovered lastHash %q, got %q", firstHash, s2.lastHash)
	}
	if s2.seq != 1 {
		t.Errorf("expected recovered seq 1, got %d", s2.seq)
	}
}
