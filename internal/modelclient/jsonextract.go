package modelclient

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON tolerates fenced code blocks and leading/trailing prose around
// a JSON value by locating the first balanced {…} or […] span in text and
// decoding it. Bracket/brace counting ignores characters inside JSON string
// literals so braces in string values don't throw off the balance.
func ExtractJSON(text string) (any, error) {
	start := strings.IndexAny(text, "{[")
	if start < 0 {
		return nil, fmt.Errorf("modelclient: no JSON object or array found in response")
	}
	open := rune(text[start])
	close := '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := rune(text[i])
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				candidate := text[start : i+1]
				var decoded any
				if err := json.Unmarshal([]byte(candidate), &decoded); err != nil {
					return nil, fmt.Errorf("modelclient: candidate JSON span failed to decode: %w", err)
				}
				return decoded, nil
			}
		}
	}
	return nil, fmt.Errorf("modelclient: unbalanced JSON span starting at offset %d", start)
}
