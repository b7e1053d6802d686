package summarizer

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nidhogg/drift/internal/memory"
)

const relationPrompt = `Two memories from the same agent:

A: %s
B: %s

Pick the single best relation from A to B out of:
causes, enables, contradicts, elaborates, follows, related_to, none.
Answer with exactly one word.`

// ClassifyRelation asks the model for the typed relation between two
// memories. Returns ok=false when the model sees no relation. The caller
// validates the label against the fixed vocabulary before persisting;
// this function only proposes.
func (c *Client) ClassifyRelation(ctx context.Context, contentA, contentB string) (memory.Relation, bool, error) {
	prompt := fmt.Sprintf(relationPrompt, clip(contentA, 300), clip(contentB, 300))
	raw, err := c.generate(ctx, prompt)
	if err != nil {
		return "", false, err
	}

	answer := strings.ToLower(strings.TrimSpace(raw))
	// Models pad answers; take the first word that parses.
	for _, word := range strings.Fields(answer) {
		word = strings.Trim(word, ".,:;\"'")
		if word == "none" {
			return "", false, nil
		}
		rel := memory.Relation(word)
		if memory.ValidateRelation(rel) == nil {
			return rel, true, nil
		}
	}
	return "", false, nil
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
