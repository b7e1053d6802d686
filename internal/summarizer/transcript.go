package summarizer

import (
	"encoding/json"
	"strings"
)

// noisePrefixes are tool/cost bookkeeping lines filtered out of plain
// text logs before summarization.
var noisePrefixes = []string{
	"ToolUse:", "ToolResult:", "Cost:", "Duration:",
	"Input tokens:", "Output tokens:",
}

// ExtractText pulls meaningful content out of a raw session log. Handles
// both plain text and JSONL stream output, then truncates to maxChars
// keeping the head, middle, and tail of the session.
func ExtractText(raw string, maxChars int) string {
	if maxChars <= 0 {
		maxChars = 10000
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		return truncate(extractJSONL(trimmed), maxChars)
	}

	var meaningful []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		noise := false
		for _, p := range noisePrefixes {
			if strings.HasPrefix(line, p) {
				noise = true
				break
			}
		}
		if !noise {
			meaningful = append(meaningful, line)
		}
	}
	return truncate(strings.Join(meaningful, "\n"), maxChars)
}

type jsonlEntry struct {
	Type    string `json:"type"`
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"message"`
}

// extractJSONL pulls assistant and user text blocks from stream-JSON logs.
func extractJSONL(content string) string {
	var texts []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry jsonlEntry
		if json.Unmarshal([]byte(line), &entry) != nil {
			continue
		}
		switch entry.Type {
		case "assistant":
			for _, b := range entry.Message.Content {
				if b.Type == "text" {
					texts = append(texts, "[ASSISTANT] "+b.Text)
				}
			}
		case "human", "user":
			for _, b := range entry.Message.Content {
				if b.Type == "text" && !strings.HasPrefix(b.Text, "<system-reminder>") {
					texts = append(texts, "[USER] "+b.Text)
				}
			}
		}
	}
	return strings.Join(texts, "\n")
}

const (
	midMarker  = "\n\n[... middle of session ...]\n\n"
	tailMarker = "\n\n[... later ...]\n\n"
)

// truncate keeps the start, middle, and end of a long session so the
// summarizer sees how it opened, turned, and closed. The three sections
// plus the markers always fit within maxChars.
func truncate(text string, maxChars int) string {
	if len(text) <= maxChars {
		return text
	}
	chunk := (maxChars - len(midMarker) - len(tailMarker)) / 6
	if chunk < 1 {
		return text[:maxChars]
	}
	start := text[:chunk*2]
	mid := len(text) / 2
	middle := text[mid-chunk : mid+chunk]
	end := text[len(text)-chunk*2:]
	return start + midMarker + middle + tailMarker + end
}
