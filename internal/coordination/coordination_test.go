package coordination

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestBackoffDelay_Schedule(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, c := range cases {
		if got := backoffDelay(c.attempt); got != c.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func newTestHub(t *testing.T, currentID string, onSwitch SwitchHandler) (*Hub, *httptest.Server, string) {
	t.Helper()
	hub := NewHub(currentID, onSwitch)
	go hub.Run()
	srv := httptest.NewServer(hub)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return hub, srv, wsURL
}

func TestSwitchProvider_AlreadyCurrent_NoSwitchInvoked(t *testing.T) {
	var switchCalled bool
	_, srv, wsURL := newTestHub(t, "anthropic", func(id string) (string, error) {
		switchCalled = true
		return "unused", nil
	})
	defer srv.Close()

	changed := make(chan struct{}, 1)
	follower := NewFollower(wsURL, Callbacks{
		OnProviderChanged: func(id, name string) { changed <- struct{}{} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go follower.Run(ctx)

	waitForState(t, follower, StateConnected)

	result, err := follower.SwitchProvider(context.Background(), "anthropic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success {
		t.Errorf("expected success=true for already-current id, got %+v", result)
	}
	if switchCalled {
		t.Error("onSwitch should not be invoked for the already-current provider")
	}

	select {
	case <-changed:
		t.Error("expected no provider_changed broadcast for a no-op switch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSwitchProvider_ChangesAndBroadcasts(t *testing.T) {
	_, srv, wsURL := newTestHub(t, "anthropic", func(id string) (string, error) {
		return "OpenAI", nil
	})
	defer srv.Close()

	changed := make(chan [2]string, 1)
	follower := NewFollower(wsURL, Callbacks{
		OnProviderChanged: func(id, name string) { changed <- [2]string{id, name} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go follower.Run(ctx)
	waitForState(t, follower, StateConnected)

	result, err := follower.SwitchProvider(context.Background(), "openai")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.ProviderID != "openai" {
		t.Errorf("unexpected switch result: %+v", result)
	}

	select {
	case pair := <-changed:
		if pair[0] != "openai" {
			t.Errorf("expected provider_changed for openai, got %v", pair)
		}
	case <-time.After(time.Second):
		t.Fatal("expected provider_changed broadcast")
	}
}

func TestFollower_ReceivesConnectedOnAccept(t *testing.T) {
	_, srv, wsURL := newTestHub(t, "anthropic", nil)
	defer srv.Close()

	var mu sync.Mutex
	var states []ConnState
	follower := NewFollower(wsURL, Callbacks{
		OnStateChange: func(s ConnState) {
			mu.Lock()
			states = append(states, s)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go follower.Run(ctx)
	waitForState(t, follower, StateConnected)

	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, s := range states {
		if s == StateConnected {
			found = true
		}
	}
	if !found {
		t.Error("expected follower to reach StateConnected")
	}
}

func waitForState(t *testing.T, f *Follower, want ConnState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, f.State())
}
