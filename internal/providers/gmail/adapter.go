package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/relayforge/crm-sync/internal/sync"
)

const pageSize = 100

// Adapter implements sync.MailProvider for Gmail
type Adapter struct {
	svc *gmail.Service
}

// New creates a Gmail adapter from an OAuth token source
func New(ctx context.Context, ts oauth2.TokenSource) (*Adapter, error) {
	svc, err := gmail.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// InitialBackfill imports all messages newer than the lookback window,
// invoking fn once per provider page, and returns the history-id cursor to
// resume from.
func (a *Adapter) InitialBackfill(ctx context.Context, lookback time.Duration, fn sync.MessagePageFunc) (*sync.Checkpoint, error) {
	query := fmt.Sprintf("after:%s", time.Now().Add(-lookback).Format("2006/01/02"))

	pageToken := ""
	for {
		call := a.svc.Users.Messages.List("me").
			Q(query).
			IncludeSpamTrash(false).
			MaxResults(pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to list messages: %w", err)
		}

		page := make([]sync.MessageMeta, 0, len(resp.Messages))
		for _, m := range resp.Messages {
			meta, err := a.fetch(ctx, m.Id)
			if err != nil {
				return nil, err
			}
			page = append(page, meta)
		}
		if err := fn(page); err != nil {
			return nil, err
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err == nil && profile.HistoryId != 0 {
		return &sync.Checkpoint{Cursor: strconv.FormatUint(profile.HistoryId, 10)}, nil
	}
	return &sync.Checkpoint{}, nil
}

// IncrementalSync fetches history since the checkpoint. A rejected history
// id surfaces as sync.ErrCursorExpired; the engine decides the fallback.
func (a *Adapter) IncrementalSync(ctx context.Context, cp sync.Checkpoint, fn sync.MessagePageFunc) (*sync.Checkpoint, error) {
	startHistoryID, err := strconv.ParseUint(cp.Cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: unparsable history id %q", sync.ErrCursorExpired, cp.Cursor)
	}

	latest := startHistoryID
	seen := make(map[string]bool)

	pageToken := ""
	for {
		call := a.svc.Users.History.List("me").
			StartHistoryId(startHistoryID).
			HistoryTypes("messageAdded").
			MaxResults(pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			if historyExpired(err) {
				return nil, fmt.Errorf("%w: history id %d too old", sync.ErrCursorExpired, startHistoryID)
			}
			return nil, fmt.Errorf("failed to list history: %w", err)
		}

		var page []sync.MessageMeta
		for _, h := range resp.History {
			if h.Id > latest {
				latest = h.Id
			}
			for _, added := range h.MessagesAdded {
				id := added.Message.Id
				if seen[id] {
					continue
				}
				seen[id] = true

				meta, err := a.fetch(ctx, id)
				if err != nil {
					// Messages can vanish between history and fetch
					if isNotFound(err) {
						continue
					}
					return nil, err
				}
				page = append(page, meta)
			}
		}
		if len(page) > 0 {
			if err := fn(page); err != nil {
				return nil, err
			}
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	return &sync.Checkpoint{Cursor: strconv.FormatUint(latest, 10)}, nil
}

func (a *Adapter) fetch(ctx context.Context, id string) (sync.MessageMeta, error) {
	m, err := a.svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
	if err != nil {
		return sync.MessageMeta{}, fmt.Errorf("failed to get message %s: %w", id, err)
	}
	return normalize(m), nil
}

// historyExpired reports whether the error is Gmail rejecting a stale
// startHistoryId (404 per the History API contract)
func historyExpired(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == 404
	}
	return strings.Contains(err.Error(), "historyId")
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// normalize converts a Gmail message to MessageMeta
func normalize(m *gmail.Message) sync.MessageMeta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	sender, senderName := parseFrom(headers["From"])

	snippet := m.Snippet
	if snippet == "" && m.Payload != nil {
		snippet = extractText(m.Payload)
	}

	return sync.MessageMeta{
		ExternalID: m.Id,
		ThreadID:   m.ThreadId,
		Subject:    headers["Subject"],
		Sender:     sender,
		SenderName: senderName,
		To:         splitAddrs(headers["To"]),
		Cc:         splitAddrs(headers["Cc"]),
		Snippet:    snippet,
		Date:       time.UnixMilli(m.InternalDate),
	}
}

// parseFrom extracts the bare address and display name from a From header
func parseFrom(from string) (address, name string) {
	if from == "" {
		return "", ""
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address), addr.Name
	}
	return strings.ToLower(strings.TrimSpace(from)), ""
}

// splitAddrs parses a comma-separated recipient header into bare addresses
func splitAddrs(s string) []string {
	if s == "" {
		return nil
	}
	if list, err := mail.ParseAddressList(s); err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, strings.ToLower(a.Address))
		}
		return out
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.ToLower(strings.TrimSpace(p))
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
