package auth

import (
	"context"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/relayforge/crm-sync/internal/sync"
)

type recordingWriter struct {
	writes chan TokenUpdate
}

func (w *recordingWriter) UpdateCredentialToken(ctx context.Context, userID string, source sync.Source, accessToken, refreshToken string, expiresAt time.Time) error {
	w.writes <- TokenUpdate{
		UserID: userID,
		Source: source,
		Token:  Token{AccessToken: accessToken, RefreshToken: refreshToken, Expiry: expiresAt},
	}
	return nil
}

func TestRefresherPersistsPublishedUpdates(t *testing.T) {
	writer := &recordingWriter{writes: make(chan TokenUpdate, 1)}
	r := NewRefresher(writer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	exp := time.Unix(1767229200, 0)
	r.Publish(TokenUpdate{
		UserID: "u1",
		Source: sync.SourceMail,
		Token:  Token{AccessToken: "at-new", RefreshToken: "rt-new", Expiry: exp},
	})

	select {
	case got := <-writer.writes:
		if got.UserID != "u1" || got.Source != sync.SourceMail {
			t.Errorf("wrote %+v", got)
		}
		if got.Token.AccessToken != "at-new" || got.Token.RefreshToken != "rt-new" {
			t.Errorf("token fields lost: %+v", got.Token)
		}
		if !got.Token.Expiry.Equal(exp) {
			t.Errorf("expiry = %v, want %v", got.Token.Expiry, exp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("token update never persisted")
	}
}

type scriptedSource struct {
	tokens []*oauth2.Token
	calls  int
}

func (s *scriptedSource) Token() (*oauth2.Token, error) {
	i := s.calls
	if i >= len(s.tokens) {
		i = len(s.tokens) - 1
	}
	s.calls++
	return s.tokens[i], nil
}

func TestNotifyingSourcePublishesOnChangeOnly(t *testing.T) {
	r := NewRefresher(&recordingWriter{writes: make(chan TokenUpdate, 8)})
	src := &notifyingSource{
		base: &scriptedSource{tokens: []*oauth2.Token{
			{AccessToken: "at-1", RefreshToken: "rt-1"},
			{AccessToken: "at-1", RefreshToken: "rt-1"},
			{AccessToken: "at-2", RefreshToken: "rt-1"},
		}},
		refresher:  r,
		userID:     "u1",
		source:     sync.SourceMail,
		lastAccess: "at-1",
	}

	for i := 0; i < 3; i++ {
		if _, err := src.Token(); err != nil {
			t.Fatalf("token call %d: %v", i, err)
		}
	}

	// Only the at-1 -> at-2 transition publishes
	if n := len(r.updates); n != 1 {
		t.Fatalf("published %d updates, want 1", n)
	}
	u := <-r.updates
	if u.Token.AccessToken != "at-2" {
		t.Errorf("published token = %q, want at-2", u.Token.AccessToken)
	}
}

func TestPublishNeverBlocks(t *testing.T) {
	r := NewRefresher(&recordingWriter{writes: make(chan TokenUpdate)})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < cap(r.updates)+10; i++ {
			r.Publish(TokenUpdate{UserID: "u1", Source: sync.SourceMail})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full queue")
	}
}
