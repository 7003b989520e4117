package outlook

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/oauth2"

	"github.com/relayforge/crm-sync/internal/sync"
)

const pageSize = 100

var selectFields = []string{
	"id", "conversationId", "subject", "from", "toRecipients",
	"ccRecipients", "bodyPreview", "receivedDateTime",
}

// Adapter implements sync.MailProvider for Outlook via Microsoft Graph.
// The cursor is the receivedDateTime of the newest ingested message.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
	userID string
}

// New creates an Outlook adapter from an OAuth token source
func New(ctx context.Context, ts oauth2.TokenSource, accountEmail string) (*Adapter, error) {
	cred := &tokenSourceCredential{ts: ts}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Graph client: %w", err)
	}
	return &Adapter{client: client, userID: accountEmail}, nil
}

// InitialBackfill imports messages newer than the lookback window
func (a *Adapter) InitialBackfill(ctx context.Context, lookback time.Duration, fn sync.MessagePageFunc) (*sync.Checkpoint, error) {
	since := time.Now().Add(-lookback)
	last, err := a.scan(ctx, since, fn)
	if err != nil {
		return nil, err
	}
	if last.IsZero() {
		last = since
	}
	return &sync.Checkpoint{Cursor: last.UTC().Format(time.RFC3339)}, nil
}

// IncrementalSync fetches messages received after the checkpoint timestamp
func (a *Adapter) IncrementalSync(ctx context.Context, cp sync.Checkpoint, fn sync.MessagePageFunc) (*sync.Checkpoint, error) {
	since, err := time.Parse(time.RFC3339, cp.Cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable cursor %q", sync.ErrCursorExpired, cp.Cursor)
	}
	last, err := a.scan(ctx, since, fn)
	if err != nil {
		return nil, err
	}
	if last.IsZero() || last.Before(since) {
		last = since
	}
	return &sync.Checkpoint{Cursor: last.UTC().Format(time.RFC3339)}, nil
}

// scan pages forward through messages received at or after since, oldest
// first, returning the newest receivedDateTime seen. The filter uses ge, not
// gt: a message timestamped exactly at the checkpoint must not be skipped.
// Re-fetched duplicates at the cursor timestamp are dropped by id; ingestion
// downstream is idempotent, so messages re-fetched across runs are harmless.
func (a *Adapter) scan(ctx context.Context, since time.Time, fn sync.MessagePageFunc) (time.Time, error) {
	cursor := since
	var newest time.Time
	seen := make(map[string]bool)

	for {
		filter := fmt.Sprintf("receivedDateTime ge %s", cursor.UTC().Format(time.RFC3339))
		top := int32(pageSize)
		requestConfig := &users.ItemMessagesRequestBuilderGetRequestConfiguration{
			QueryParameters: &users.ItemMessagesRequestBuilderGetQueryParameters{
				Top:     &top,
				Filter:  &filter,
				Orderby: []string{"receivedDateTime asc"},
				Select:  selectFields,
			},
		}

		result, err := a.client.Users().ByUserId(a.userID).Messages().Get(ctx, requestConfig)
		if err != nil {
			return newest, fmt.Errorf("failed to list messages: %w", err)
		}

		msgs := result.GetValue()
		if len(msgs) == 0 {
			return newest, nil
		}

		metas := make([]sync.MessageMeta, 0, len(msgs))
		for _, m := range msgs {
			metas = append(metas, normalize(m))
		}
		page := dedupe(metas, seen)
		for _, meta := range page {
			if meta.Date.After(newest) {
				newest = meta.Date
			}
			if meta.Date.After(cursor) {
				cursor = meta.Date
			}
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return newest, err
			}
		}

		// A short page means the mailbox is drained; an all-duplicate page
		// means the cursor cannot advance further.
		if len(msgs) < pageSize || len(page) == 0 {
			return newest, nil
		}
	}
}

// dedupe drops messages already emitted this run. With a ge filter, every
// page re-fetches the messages sitting exactly at the cursor timestamp.
func dedupe(metas []sync.MessageMeta, seen map[string]bool) []sync.MessageMeta {
	out := make([]sync.MessageMeta, 0, len(metas))
	for _, m := range metas {
		if seen[m.ExternalID] {
			continue
		}
		seen[m.ExternalID] = true
		out = append(out, m)
	}
	return out
}

// normalize converts a Graph message to MessageMeta
func normalize(m models.Messageable) sync.MessageMeta {
	meta := sync.MessageMeta{}

	if id := m.GetId(); id != nil {
		meta.ExternalID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		meta.ThreadID = *convID
	}
	if subject := m.GetSubject(); subject != nil {
		meta.Subject = *subject
	}
	if from := m.GetFrom(); from != nil {
		if emailAddr := from.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				meta.Sender = strings.ToLower(*addr)
			}
			if name := emailAddr.GetName(); name != nil {
				meta.SenderName = *name
			}
		}
	}
	meta.To = extractAddresses(m.GetToRecipients())
	meta.Cc = extractAddresses(m.GetCcRecipients())
	if preview := m.GetBodyPreview(); preview != nil {
		meta.Snippet = *preview
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.Date = *rcvd
	}
	return meta
}

func extractAddresses(recipients []models.Recipientable) []string {
	var addrs []string
	for _, r := range recipients {
		if emailAddr := r.GetEmailAddress(); emailAddr != nil {
			if addr := emailAddr.GetAddress(); addr != nil {
				addrs = append(addrs, strings.ToLower(*addr))
			}
		}
	}
	return addrs
}

// tokenSourceCredential bridges an oauth2 token source to the Azure SDK
type tokenSourceCredential struct {
	ts oauth2.TokenSource
}

func (c *tokenSourceCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	tok, err := c.ts.Token()
	if err != nil {
		return azcore.AccessToken{}, fmt.Errorf("failed to get token: %w", err)
	}
	expires := tok.Expiry
	if expires.IsZero() {
		expires = time.Now().Add(time.Hour)
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: expires}, nil
}
