package gmail

import (
	"encoding/base64"
	"strings"
	"testing"

	"google.golang.org/api/gmail/v1"
)

func b64(s string) string {
	return base64.URLEncoding.EncodeToString([]byte(s))
}

func TestExtractTextPlainBody(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "text/plain",
		Body:     &gmail.MessagePartBody{Data: b64("hello there\n")},
	}
	if got := extractText(payload); got != "hello there" {
		t.Errorf("got %q", got)
	}
}

func TestExtractTextPrefersFirstPlainPart(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "multipart/alternative",
		Parts: []*gmail.MessagePart{
			{MimeType: "text/html", Body: &gmail.MessagePartBody{Data: b64("<p>html</p>")}},
			{
				MimeType: "multipart/mixed",
				Parts: []*gmail.MessagePart{
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("plain wins")}},
					{MimeType: "text/plain", Body: &gmail.MessagePartBody{Data: b64("second plain")}},
				},
			},
		},
	}
	if got := extractText(payload); got != "plain wins" {
		t.Errorf("got %q", got)
	}
}

func TestExtractTextRawBase64Fallback(t *testing.T) {
	payload := &gmail.MessagePart{
		MimeType: "text/plain",
		Body:     &gmail.MessagePartBody{Data: base64.RawURLEncoding.EncodeToString([]byte("unpadded"))},
	}
	if got := extractText(payload); got != "unpadded" {
		t.Errorf("got %q", got)
	}
}

func TestExtractTextTruncatesLongBodies(t *testing.T) {
	long := strings.Repeat("x", snippetLimit*3)
	payload := &gmail.MessagePart{
		MimeType: "text/plain",
		Body:     &gmail.MessagePartBody{Data: b64(long)},
	}
	if got := extractText(payload); len(got) != snippetLimit {
		t.Errorf("len = %d, want %d", len(got), snippetLimit)
	}
}

func TestExtractTextBoundsAdversarialNesting(t *testing.T) {
	// Deeper than maxPartDepth; the only text/plain part sits at the bottom
	// and must be skipped without hanging.
	leaf := &gmail.MessagePart{
		MimeType: "text/plain",
		Body:     &gmail.MessagePartBody{Data: b64("buried")},
	}
	node := leaf
	for i := 0; i < maxPartDepth+5; i++ {
		node = &gmail.MessagePart{MimeType: "multipart/mixed", Parts: []*gmail.MessagePart{node}}
	}
	if got := extractText(node); got != "" {
		t.Errorf("got %q, want empty for an over-deep tree", got)
	}

	// A wide tree past maxParts terminates too
	wide := &gmail.MessagePart{MimeType: "multipart/mixed"}
	for i := 0; i < maxParts*2; i++ {
		wide.Parts = append(wide.Parts, &gmail.MessagePart{MimeType: "text/html"})
	}
	if got := extractText(wide); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestExtractTextHandlesGarbage(t *testing.T) {
	if got := extractText(nil); got != "" {
		t.Errorf("nil payload: got %q", got)
	}
	payload := &gmail.MessagePart{
		MimeType: "text/plain",
		Body:     &gmail.MessagePartBody{Data: "!!not base64!!"},
	}
	if got := extractText(payload); got != "" {
		t.Errorf("invalid encoding: got %q", got)
	}
}
