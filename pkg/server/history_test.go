package server

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/hennii/dr-client/pkg/events"
)

func openHistory(t *testing.T) *HistoryStore {
	t.Helper()
	h, err := OpenHistoryStore(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestHistoryStoresTrackedChannelsOnly(t *testing.T) {
	h := openHistory(t)
	h.Deliver([]events.Event{
		{Type: events.EvStream, ID: "thoughts", Text: "a thought"},
		{Type: events.EvStream, ID: "combat", Text: "a swing"},
		{Type: events.EvStream, ID: "inv", Text: "a backpack"},
		{Type: events.EvText, Text: "plain text"},
		{Type: events.EvStream, ID: "death", Text: "a death"},
	}, nil)

	recent, err := h.Recent(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("stored %d events, want 3: %+v", len(recent), recent)
	}
	for _, ev := range recent {
		if ev.Type != events.EvStream || !historyChannels[ev.ID] {
			t.Errorf("untracked event stored: %+v", ev)
		}
	}
}

func TestHistoryRecentOrderAndLimit(t *testing.T) {
	h := openHistory(t)
	for i := 0; i < 10; i++ {
		h.Deliver([]events.Event{
			{Type: events.EvStream, ID: "combat", Text: fmt.Sprintf("swing %d", i)},
		}, nil)
	}

	recent, err := h.Recent(3)
	if err != nil {
		t.Fatal(err)
	}
	if len(recent) != 3 {
		t.Fatalf("got %d events, want 3", len(recent))
	}
	// Oldest first within the window, ending at the newest entry.
	want := []string{"swing 7", "swing 8", "swing 9"}
	for i, ev := range recent {
		if ev.Text != want[i] {
			t.Errorf("recent[%d] = %q, want %q", i, ev.Text, want[i])
		}
	}
}

func TestHistoryRecentZeroLimit(t *testing.T) {
	h := openHistory(t)
	h.Deliver([]events.Event{{Type: events.EvStream, ID: "combat", Text: "x"}}, nil)
	recent, err := h.Recent(0)
	if err != nil {
		t.Fatal(err)
	}
	if recent != nil {
		t.Errorf("limit 0 returned %+v", recent)
	}
}

func TestRetentionSweepStopsOnClose(t *testing.T) {
	h := openHistory(t)
	h.cleanupTick = 5 * time.Millisecond

	// One stale entry, one fresh.
	if _, err := h.db.Exec(
		"INSERT INTO stream_history (channel, text, created_at) VALUES (?, ?, ?)",
		"combat", "ancient swing", time.Now().Add(-2*time.Hour).Unix(),
	); err != nil {
		t.Fatal(err)
	}
	h.Deliver([]events.Event{{Type: events.EvStream, ID: "combat", Text: "fresh swing"}}, nil)

	h.StartRetentionCleanup(1 * time.Hour)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recent, err := h.Recent(10)
		if err != nil {
			t.Fatal(err)
		}
		if len(recent) == 1 {
			if recent[0].Text != "fresh swing" {
				t.Fatalf("sweep kept the wrong entry: %+v", recent)
			}
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if recent, err := h.Recent(10); err != nil || len(recent) != 1 {
		t.Fatalf("stale entry not purged: %+v (%v)", recent, err)
	}

	// Close tears the sweep down; the next tick must not touch the
	// closed handle. Double close stays a no-op.
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
}
