package gmail

import (
	"encoding/base64"
	"strings"

	"google.golang.org/api/gmail/v1"
)

const (
	maxPartDepth = 8
	maxParts     = 64
	snippetLimit = 500
)

// extractText pulls the first text/plain body out of a multipart message.
// The part tree is walked with an explicit stack and hard depth/part bounds,
// so adversarially nested payloads always terminate.
func extractText(payload *gmail.MessagePart) string {
	type frame struct {
		part  *gmail.MessagePart
		depth int
	}

	stack := []frame{{part: payload, depth: 0}}
	visited := 0

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		visited++
		if visited > maxParts || f.depth > maxPartDepth || f.part == nil {
			continue
		}

		if strings.HasPrefix(f.part.MimeType, "text/plain") && f.part.Body != nil && f.part.Body.Data != "" {
			if text := decodeBody(f.part.Body.Data); text != "" {
				return truncate(text, snippetLimit)
			}
		}

		// Push children in reverse so the first part is visited first
		for i := len(f.part.Parts) - 1; i >= 0; i-- {
			stack = append(stack, frame{part: f.part.Parts[i], depth: f.depth + 1})
		}
	}
	return ""
}

func decodeBody(data string) string {
	b, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		if b, err = base64.RawURLEncoding.DecodeString(data); err != nil {
			return ""
		}
	}
	return strings.TrimSpace(string(b))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
