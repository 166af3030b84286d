package cloud

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*\n?(.*?)\n?```")

// ExtractJSON returns the JSON payload of a model response. The text is
// accepted as-is when it is already valid JSON; otherwise the first fenced
// code block is tried. Anything else is an error, never a coerced value.
func ExtractJSON(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}

	if m := fencedBlockRe.FindStringSubmatch(trimmed); m != nil {
		inner := strings.TrimSpace(m[1])
		if json.Valid([]byte(inner)) {
			return inner, nil
		}
	}

	return "", fmt.Errorf("no valid JSON found in response (%d bytes)", len(text))
}
