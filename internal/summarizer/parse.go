package summarizer

import (
	"strings"

	"github.com/nidhogg/drift/internal/memory"
)

// ParseExtraction parses THREAD/LESSON/FACT lines out of the model's
// output. Unknown lines are ignored; a sloppy model degrades to fewer
// memories, never to an error.
func ParseExtraction(raw string) memory.Extraction {
	var ex memory.Extraction
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "THREAD:"):
			if t, ok := parseThread(strings.TrimPrefix(line, "THREAD:")); ok {
				ex.Threads = append(ex.Threads, t)
			}
		case strings.HasPrefix(line, "LESSON:"):
			if text := strings.TrimSpace(strings.TrimPrefix(line, "LESSON:")); text != "" {
				ex.Lessons = append(ex.Lessons, text)
			}
		case strings.HasPrefix(line, "FACT:"):
			if text := strings.TrimSpace(strings.TrimPrefix(line, "FACT:")); text != "" {
				ex.Facts = append(ex.Facts, text)
			}
		}
	}
	return ex
}

func parseThread(rest string) (memory.Thread, bool) {
	parts := strings.SplitN(rest, "|", 3)
	if len(parts) < 3 {
		return memory.Thread{}, false
	}
	t := memory.Thread{
		Name:    strings.TrimSpace(parts[0]),
		Summary: strings.TrimSpace(parts[2]),
	}
	switch strings.ToLower(strings.TrimSpace(parts[1])) {
	case "completed", "complete", "done":
		t.Status = memory.ThreadCompleted
	case "blocked", "stuck":
		t.Status = memory.ThreadBlocked
	default:
		t.Status = memory.ThreadInProgress
	}
	if t.Name == "" || t.Summary == "" {
		return memory.Thread{}, false
	}
	return t, true
}

// Categorize assigns a lesson to a coarse category from keyword cues.
func Categorize(lesson string) string {
	l := strings.ToLower(lesson)
	switch {
	case containsAny(l, "api", "endpoint", "rate limit", "format", "character limit"):
		return "platform"
	case containsAny(l, "bug", "error", "workaround", "fix", "config"):
		return "tooling"
	case containsAny(l, "people", "community", "reply", "conversation", "contact"):
		return "social"
	case containsAny(l, "plan", "goal", "priorit", "strategy", "time"):
		return "strategy"
	}
	return "general"
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
