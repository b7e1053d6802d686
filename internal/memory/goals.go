package memory

import (
	"sort"
	"strings"
	"time"
)

// GoalStatus tracks a goal through the deliberation/commitment boundary.
type GoalStatus string

const (
	GoalCandidate GoalStatus = "candidate"
	GoalCommitted GoalStatus = "committed"
	GoalActive    GoalStatus = "active"
	GoalCompleted GoalStatus = "completed"
	GoalAbandoned GoalStatus = "abandoned"
)

// Goal is one tracked intention.
type Goal struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      GoalStatus `json:"status"`
	Source      string     `json:"source"` // generator that proposed it
	Progress    float64    `json:"progress"`
	Reason      string     `json:"reason,omitempty"` // why completed/abandoned
	Created     time.Time  `json:"created"`
	Updated     time.Time  `json:"updated"`
}

// GoalBook is the per-agent goal list persisted in key-value state.
type GoalBook struct {
	Goals []Goal `json:"goals"`
}

// Active returns the current active goal, if any.
func (b *GoalBook) Active() *Goal {
	for i := range b.Goals {
		if b.Goals[i].Status == GoalActive {
			return &b.Goals[i]
		}
	}
	return nil
}

// Background returns committed-but-not-active goals.
func (b *GoalBook) Background() []Goal {
	var out []Goal
	for _, g := range b.Goals {
		if g.Status == GoalCommitted {
			out = append(out, g)
		}
	}
	return out
}

// GoalInput is the state the generator strategies read.
type GoalInput struct {
	Lessons   []Lesson
	Threads   []Thread
	Affect    AffectSnapshot
	Now       time.Time
	NewGoalID func() string
}

// GoalProposal is a candidate goal with its generator's own value estimate.
type GoalProposal struct {
	Description string
	Source      string
	Value       float64
}

// generators is the fixed closed set of goal strategies. The set is small
// and known, so there is no plugin registry.
var generators = []func(GoalInput) []GoalProposal{
	proposeFromLessons,
	proposeFromThreads,
	proposeFromAffect,
}

func proposeFromLessons(in GoalInput) []GoalProposal {
	var out []GoalProposal
	for _, l := range in.Lessons {
		if l.SupersededBy != nil || l.Confidence < 0.6 {
			continue
		}
		out = append(out, GoalProposal{
			Description: "Apply lesson: " + l.Text,
			Source:      "lesson",
			Value:       l.Confidence,
		})
	}
	return out
}

func proposeFromThreads(in GoalInput) []GoalProposal {
	var out []GoalProposal
	for _, t := range in.Threads {
		if t.Status == ThreadCompleted {
			continue
		}
		v := 0.6
		if t.Status == ThreadBlocked {
			v = 0.7 // unblocking is worth more than routine continuation
		}
		out = append(out, GoalProposal{
			Description: "Resolve thread: " + t.Name,
			Source:      "thread",
			Value:       v,
		})
	}
	return out
}

func proposeFromAffect(in GoalInput) []GoalProposal {
	if in.Affect.Dominant != "frustrated" && in.Affect.Dominant != "deflated" {
		return nil
	}
	return []GoalProposal{{
		Description: "Recover momentum: " + in.Affect.Tendency,
		Source:      "affect",
		Value:       0.4 + in.Affect.Intensity*0.3,
	}}
}

// Generate runs every strategy, filters against current commitments, and
// commits at most one proposal per session across the Rubicon. Once
// committed a goal is never silently dropped.
func (b *GoalBook) Generate(in GoalInput) *Goal {
	var proposals []GoalProposal
	for _, gen := range generators {
		proposals = append(proposals, gen(in)...)
	}
	proposals = b.filter(proposals)
	if len(proposals) == 0 {
		return nil
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].Value > proposals[j].Value })

	best := proposals[0]
	status := GoalCommitted
	if b.Active() == nil {
		status = GoalActive
	}
	g := Goal{
		ID:          in.NewGoalID(),
		Description: best.Description,
		Status:      status,
		Source:      best.Source,
		Created:     in.Now,
		Updated:     in.Now,
	}
	b.Goals = append(b.Goals, g)
	return &b.Goals[len(b.Goals)-1]
}

// filter drops proposals that duplicate an existing commitment or carry
// too little value to bother with.
func (b *GoalBook) filter(proposals []GoalProposal) []GoalProposal {
	var out []GoalProposal
	for _, p := range proposals {
		if p.Value < 0.4 {
			continue
		}
		dup := false
		for _, g := range b.Goals {
			if g.Status != GoalActive && g.Status != GoalCommitted {
				continue
			}
			if similarText(g.Description, p.Description) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, p)
		}
	}
	return out
}

// EvaluateProgress inspects the session's threads for evidence bearing on
// the active goal. Completion and abandonment are always explicit.
func (b *GoalBook) EvaluateProgress(threads []Thread, now time.Time) {
	active := b.Active()
	if active == nil {
		// Promote the oldest committed goal so there is always a focus.
		for i := range b.Goals {
			if b.Goals[i].Status == GoalCommitted {
				b.Goals[i].Status = GoalActive
				b.Goals[i].Updated = now
				break
			}
		}
		return
	}
	for _, t := range threads {
		if !similarText(active.Description, t.Name) && !similarText(active.Description, t.Summary) {
			continue
		}
		active.Updated = now
		switch t.Status {
		case ThreadCompleted:
			active.Status = GoalCompleted
			active.Progress = 1
			active.Reason = "thread completed: " + t.Name
			return
		case ThreadBlocked:
			active.Progress = clamp01(active.Progress - 0.1)
		default:
			active.Progress = clamp01(active.Progress + 0.2)
		}
	}
	// A goal stalled at zero progress for a long time gets abandoned with
	// a recorded reason rather than lingering forever.
	if active.Progress == 0 && now.Sub(active.Created) > 30*24*time.Hour {
		active.Status = GoalAbandoned
		active.Reason = "no progress after 30 days"
		active.Updated = now
	}
}

// similarText is a cheap token-overlap check used for dedup and for
// matching threads to goals.
func similarText(a, b string) bool {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return false
	}
	overlap := 0
	for w := range tb {
		if ta[w] {
			overlap++
		}
	}
	smaller := len(ta)
	if len(tb) < smaller {
		smaller = len(tb)
	}
	return float64(overlap)/float64(smaller) >= 0.5
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,:;!?\"'")
		if len(w) > 2 {
			set[w] = true
		}
	}
	return set
}
