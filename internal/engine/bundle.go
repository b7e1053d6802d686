package engine

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nidhogg/drift/internal/memory"
	"github.com/nidhogg/drift/internal/store"
)

// BundleEntry is one memory selected for the wake context.
type BundleEntry struct {
	ID        string                 `json:"id"`
	Content   string                 `json:"content"`
	Tier      memory.Tier            `json:"tier"`
	Mechanism memory.RecallMechanism `json:"mechanism"`
	QValue    float64                `json:"q_value"`
	Score     float64                `json:"score"`
}

// SharedEntry is a cross-agent item included at reduced trust.
type SharedEntry struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	CreatedBy string `json:"created_by"`
}

// ContextBundle is everything wake hands to a fresh session: ranked
// memories, lessons, shared items, affect, goals, and the running
// self-narrative.
type ContextBundle struct {
	Agent       string                 `json:"agent"`
	SessionID   string                 `json:"session_id"`
	Entries     []BundleEntry          `json:"entries"`
	Lessons     []memory.Lesson        `json:"lessons,omitempty"`
	Shared      []SharedEntry          `json:"shared,omitempty"`
	Affect      *memory.AffectSnapshot `json:"affect,omitempty"`
	ActiveGoal  *memory.Goal           `json:"active_goal,omitempty"`
	Background  []memory.Goal          `json:"background_goals,omitempty"`
	Narrative   string                 `json:"narrative,omitempty"`
	Stats       *store.Stats           `json:"stats,omitempty"`
	Degraded    []string               `json:"degraded,omitempty"`
	GeneratedAt time.Time              `json:"generated_at"`
}

const previewChars = 150

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= previewChars {
		return s
	}
	cut := previewChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

// Format renders the bundle as the plain-text preamble injected into the
// agent's context window.
func (b *ContextBundle) Format() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "=== MEMORY: %s ===\n", b.Agent)

	if b.Narrative != "" {
		fmt.Fprintf(&sb, "\n%s\n", b.Narrative)
	}

	if b.Affect != nil {
		fmt.Fprintf(&sb, "\nMood: %s (%.2f) — %s\n",
			b.Affect.Dominant, b.Affect.Intensity, b.Affect.Tendency)
	}

	if b.ActiveGoal != nil {
		fmt.Fprintf(&sb, "\nActive goal: %s (progress %.0f%%)\n",
			b.ActiveGoal.Description, b.ActiveGoal.Progress*100)
	}
	for _, g := range b.Background {
		fmt.Fprintf(&sb, "Background goal: %s\n", g.Description)
	}

	if len(b.Entries) > 0 {
		sb.WriteString("\n")
		for _, e := range b.Entries {
			label := labelFor(e.Mechanism)
			fmt.Fprintf(&sb, "[%s] %s\n", label, preview(e.Content))
		}
	}

	for _, l := range b.Lessons {
		fmt.Fprintf(&sb, "[Lesson/%s] %s\n", l.Category, preview(l.Text))
	}

	for _, s := range b.Shared {
		fmt.Fprintf(&sb, "[Shared/%s] %s\n", s.CreatedBy, preview(s.Content))
	}

	if b.Stats != nil {
		fmt.Fprintf(&sb, "\n%d memories (%d core / %d active / %d archive), %d lessons, avg q %.2f\n",
			b.Stats.Total, b.Stats.Core, b.Stats.Active, b.Stats.Archive, b.Stats.Lessons, b.Stats.AvgQ)
		if b.Stats.LastSession != nil {
			fmt.Fprintf(&sb, "Last session %s ago.\n", sinceRough(*b.Stats.LastSession, b.GeneratedAt))
		}
	}

	if len(b.Degraded) > 0 {
		fmt.Fprintf(&sb, "\n(partial recall: %s unavailable)\n", strings.Join(b.Degraded, ", "))
	}

	fmt.Fprintf(&sb, "\n=== END MEMORY (session %s) ===\n", b.SessionID)
	return sb.String()
}

// sinceRough renders an elapsed duration at the precision a preamble
// needs: minutes under an hour, hours under two days, days beyond.
func sinceRough(then, now time.Time) string {
	d := now.Sub(then)
	switch {
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func labelFor(m memory.RecallMechanism) string {
	switch m {
	case memory.RecallRecent:
		return "Recent"
	case memory.RecallCore:
		return "Core"
	case memory.RecallHighQ:
		return "HighQ"
	case memory.RecallSearch:
		return "Search"
	case memory.RecallShared:
		return "Shared"
	default:
		return string(m)
	}
}
