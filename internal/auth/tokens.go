package auth

import (
	"context"
	"log"
	stdsync "sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/relayforge/crm-sync/internal/sync"
)

// Token represents OAuth tokens for one integration
type Token struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time
}

// TokenUpdate is the message a refresh publishes instead of mutating the
// credential row a running sync also holds in memory.
type TokenUpdate struct {
	UserID string
	Source sync.Source
	Token  Token
}

// CredentialWriter persists token fields only
type CredentialWriter interface {
	UpdateCredentialToken(ctx context.Context, userID string, source sync.Source, accessToken, refreshToken string, expiresAt time.Time) error
}

// Refresher serializes token-update persistence. Token writes and sync-state
// writes are independently-ordered: a sync run persisting progress can never
// clobber a concurrently-refreshed token.
type Refresher struct {
	store   CredentialWriter
	updates chan TokenUpdate
}

// NewRefresher creates a refresher backed by the credential store
func NewRefresher(store CredentialWriter) *Refresher {
	return &Refresher{
		store:   store,
		updates: make(chan TokenUpdate, 64),
	}
}

// Run persists published token updates until the context is cancelled
func (r *Refresher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-r.updates:
			writeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := r.store.UpdateCredentialToken(writeCtx, u.UserID, u.Source, u.Token.AccessToken, u.Token.RefreshToken, u.Token.Expiry)
			cancel()
			if err != nil {
				log.Printf("persist token update for user %s: %v", u.UserID, err)
			}
		}
	}
}

// Publish queues a token update. Never blocks a sync run; a full queue drops
// the update and the next refresh re-publishes it.
func (r *Refresher) Publish(u TokenUpdate) {
	select {
	case r.updates <- u:
	default:
		log.Printf("token update queue full, dropping update for user %s", u.UserID)
	}
}

// TokenSource wraps the oauth2 refresh flow for a credential and publishes
// every token change to the refresher.
func (r *Refresher) TokenSource(ctx context.Context, cfg *oauth2.Config, cred *sync.Credential) oauth2.TokenSource {
	base := cfg.TokenSource(ctx, &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	})
	return &notifyingSource{
		base:       base,
		refresher:  r,
		userID:     cred.UserID,
		source:     cred.Source,
		lastAccess: cred.AccessToken,
	}
}

type notifyingSource struct {
	base      oauth2.TokenSource
	refresher *Refresher
	userID    string
	source    sync.Source

	mu         stdsync.Mutex
	lastAccess string
}

func (s *notifyingSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	changed := tok.AccessToken != s.lastAccess
	s.lastAccess = tok.AccessToken
	s.mu.Unlock()

	if changed {
		s.refresher.Publish(TokenUpdate{
			UserID: s.userID,
			Source: s.source,
			Token: Token{
				AccessToken:  tok.AccessToken,
				RefreshToken: tok.RefreshToken,
				Expiry:       tok.Expiry,
			},
		})
	}
	return tok, nil
}
