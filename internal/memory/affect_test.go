package memory

import (
	"math"
	"testing"
)

func TestSessionStartPullsTowardBaseline(t *testing.T) {
	a := NewAffectState(Temperament{Valence: 0.1, Arousal: 0.5})
	a.Mood.Valence = -0.8

	before := math.Abs(a.Mood.Valence - a.Temperament.Valence)
	a.SessionStart()
	after := math.Abs(a.Mood.Valence - a.Temperament.Valence)
	if after >= before {
		t.Errorf("mood did not drift toward temperament: %v -> %v", before, after)
	}
}

func TestUpdateShiftIsBounded(t *testing.T) {
	a := NewAffectState(Temperament{Valence: 0, Arousal: 0.5})
	events := []EpisodeEvent{
		{Kind: "search_failure", Valence: -1, Arousal: 1},
		{Kind: "search_failure", Valence: -1, Arousal: 1},
		{Kind: "search_failure", Valence: -1, Arousal: 1},
	}
	before := a.Mood.Valence
	a.Update(events)
	if shift := math.Abs(a.Mood.Valence - before); shift > 0.3+1e-9 {
		t.Errorf("valence shift %v exceeds bound", shift)
	}
	if a.Mood.Valence < -1 || a.Mood.Valence > 1 {
		t.Errorf("valence out of range: %v", a.Mood.Valence)
	}
}

func TestSnapshotLabels(t *testing.T) {
	cases := []struct {
		valence, arousal float64
		want             string
	}{
		{0.5, 0.8, "energized"},
		{0.5, 0.2, "content"},
		{-0.5, 0.8, "frustrated"},
		{-0.5, 0.2, "deflated"},
		{0.0, 0.5, "neutral"},
	}
	for _, c := range cases {
		a := AffectState{Mood: Mood{Valence: c.valence, Arousal: c.arousal}}
		snap := a.Snapshot()
		if snap.Dominant != c.want {
			t.Errorf("valence=%v arousal=%v: got %q, want %q", c.valence, c.arousal, snap.Dominant, c.want)
		}
		if snap.Tendency == "" {
			t.Errorf("%s: missing action tendency", c.want)
		}
	}
}

func TestEventsFromSession(t *testing.T) {
	threads := []Thread{
		{Name: "ship feature", Status: ThreadCompleted},
		{Name: "debug flake", Status: ThreadBlocked},
		{Name: "refactor", Status: ThreadInProgress},
	}
	events := EventsFromSession(threads, 2)
	// completed + blocked + two lessons; in-progress is affect-neutral
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	if events[0].Valence <= 0 {
		t.Error("completed thread should be positive")
	}
	if events[1].Valence >= 0 {
		t.Error("blocked thread should be negative")
	}
}
