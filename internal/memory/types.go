package memory

import (
	"time"
)

// Tier classifies how durable a memory is.
type Tier string

const (
	TierCore    Tier = "core"    // permanent, exempt from decay
	TierActive  Tier = "active"  // normal decaying memory
	TierArchive Tier = "archive" // grace period before deletion
)

// ValidTier reports whether t is one of the known tiers.
func ValidTier(t Tier) bool {
	switch t {
	case TierCore, TierActive, TierArchive:
		return true
	}
	return false
}

// Memory is a discrete unit of recalled experience.
type Memory struct {
	ID                  string            `json:"id"`
	Tier                Tier              `json:"tier"`
	Content             string            `json:"content"`
	Tags                []string          `json:"tags"`
	Created             time.Time         `json:"created"`
	LastRecalled        *time.Time        `json:"last_recalled,omitempty"`
	RecallCount         int               `json:"recall_count"`
	SessionsSinceRecall int               `json:"sessions_since_recall"`
	EmotionalWeight     float64           `json:"emotional_weight"`
	EventTime           *time.Time        `json:"event_time,omitempty"`
	Entities            map[string]string `json:"entities,omitempty"`
	CausedBy            []string          `json:"caused_by,omitempty"`
	Causes              []string          `json:"causes,omitempty"`
	Outcomes            Outcomes          `json:"outcomes"`
	Importance          float64           `json:"importance"`
	Freshness           float64           `json:"freshness"`
	QValue              float64           `json:"q_value"`
	LowPasses           int               `json:"low_passes"`
}

// Outcomes counts what happened after this memory was surfaced.
type Outcomes struct {
	Productive int `json:"productive"`
	Generative int `json:"generative"`
	DeadEnd    int `json:"dead_end"`
	Total      int `json:"total"`
}

// SuccessRate returns the fraction of surfacings that led somewhere.
func (o Outcomes) SuccessRate() float64 {
	if o.Total == 0 {
		return 0
	}
	return float64(o.Productive+o.Generative) / float64(o.Total)
}

// Lesson is a distilled heuristic extracted from sessions.
type Lesson struct {
	ID           int64      `json:"id"`
	Category     string     `json:"category"`
	Text         string     `json:"text"`
	Evidence     string     `json:"evidence"`
	Confidence   float64    `json:"confidence"`
	Origin       string     `json:"origin"`
	Applications int        `json:"applications"`
	LastApplied  *time.Time `json:"last_applied,omitempty"`
	SupersededBy *int64     `json:"superseded_by,omitempty"`
	Created      time.Time  `json:"created"`
}

// Candidate is an externally extracted memory awaiting ingestion.
// The summarizer produces these from a session transcript; the engine
// never invents them itself.
type Candidate struct {
	Content         string
	Tags            []string
	EmotionalWeight float64
	Importance      float64
	Entities        map[string]string
}

// ThreadStatus is the state of an unresolved line of work at session end.
type ThreadStatus string

const (
	ThreadCompleted  ThreadStatus = "completed"
	ThreadBlocked    ThreadStatus = "blocked"
	ThreadInProgress ThreadStatus = "in-progress"
)

// Thread is a named line of work extracted from a session transcript.
type Thread struct {
	Name    string       `json:"name"`
	Summary string       `json:"summary"`
	Status  ThreadStatus `json:"status"`
}

// Extraction is the summarizer's structured output for one session.
type Extraction struct {
	Threads []Thread `json:"threads"`
	Lessons []string `json:"lessons"`
	Facts   []string `json:"facts"`
}

// Empty reports whether the extraction carries nothing usable.
func (e Extraction) Empty() bool {
	return len(e.Threads) == 0 && len(e.Lessons) == 0 && len(e.Facts) == 0
}

// RecallMechanism names how a memory ended up in a context bundle.
type RecallMechanism string

const (
	RecallRecent RecallMechanism = "recent"
	RecallCore   RecallMechanism = "core"
	RecallLesson RecallMechanism = "lesson"
	RecallHighQ  RecallMechanism = "high_q"
	RecallSearch RecallMechanism = "search"
	RecallShared RecallMechanism = "shared"
)
