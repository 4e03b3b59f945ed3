package stages

import (
	"encoding/json"
	"strings"
)

// stripFence removes a surrounding markdown code fence from a model
// response, if present.
func stripFence(text string) string {
	stripped := strings.TrimSpace(text)
	if strings.HasPrefix(stripped, "```") {
		if _, rest, ok := strings.Cut(stripped, "\n"); ok {
			stripped = rest
		}
		if idx := strings.LastIndex(stripped, "```"); idx >= 0 {
			stripped = stripped[:idx]
		}
	}
	return strings.TrimSpace(stripped)
}

// decodeModelJSON parses a model response as JSON after stripping any
// markdown fence.
func decodeModelJSON(text string, v any) error {
	return json.Unmarshal([]byte(stripFence(text)), v)
}

// encodePrompt renders a prompt payload as indented JSON.
func encodePrompt(payload map[string]any) (string, error) {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
