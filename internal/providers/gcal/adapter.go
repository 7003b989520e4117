package gcal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/relayforge/crm-sync/internal/sync"
)

const pageSize = 100

// Adapter implements sync.CalendarProvider for Google Calendar
type Adapter struct {
	svc *calendar.Service
}

// New creates a Google Calendar adapter from an OAuth token source
func New(ctx context.Context, ts oauth2.TokenSource) (*Adapter, error) {
	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// ListEvents scans the primary calendar inside [from, to], expanding
// recurring events, and invokes fn once per provider page
func (a *Adapter) ListEvents(ctx context.Context, from, to time.Time, fn sync.EventPageFunc) error {
	pageToken := ""
	for {
		call := a.svc.Events.List("primary").
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			MaxResults(pageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return fmt.Errorf("failed to list events: %w", err)
		}

		page := make([]sync.EventMeta, 0, len(resp.Items))
		for _, ev := range resp.Items {
			if ev.Status == "cancelled" {
				continue
			}
			page = append(page, normalize(ev))
		}
		if err := fn(page); err != nil {
			return err
		}

		if resp.NextPageToken == "" {
			return nil
		}
		pageToken = resp.NextPageToken
	}
}

// normalize converts a Calendar event to EventMeta
func normalize(ev *calendar.Event) sync.EventMeta {
	meta := sync.EventMeta{
		ExternalID: ev.Id,
		Title:      ev.Summary,
		Location:   ev.Location,
	}

	if ev.Start != nil {
		if ev.Start.Date != "" {
			meta.AllDay = true
			if t, err := time.Parse("2006-01-02", ev.Start.Date); err == nil {
				meta.Start = t
			}
		} else if t, err := time.Parse(time.RFC3339, ev.Start.DateTime); err == nil {
			meta.Start = t
		}
	}
	if ev.End != nil {
		if ev.End.Date != "" {
			if t, err := time.Parse("2006-01-02", ev.End.Date); err == nil {
				meta.End = t
			}
		} else if t, err := time.Parse(time.RFC3339, ev.End.DateTime); err == nil {
			meta.End = t
		}
	}

	meta.ConferenceURL = ev.HangoutLink
	if meta.ConferenceURL == "" && ev.ConferenceData != nil {
		for _, ep := range ev.ConferenceData.EntryPoints {
			if ep.EntryPointType == "video" {
				meta.ConferenceURL = ep.Uri
				break
			}
		}
	}

	for _, att := range ev.Attendees {
		if att.Resource {
			continue
		}
		meta.Attendees = append(meta.Attendees, sync.Attendee{
			Email:     strings.ToLower(att.Email),
			Name:      att.DisplayName,
			Organizer: att.Organizer,
		})
	}
	// Some events list only an organizer, no attendee entries
	if len(meta.Attendees) == 0 && ev.Organizer != nil && ev.Organizer.Email != "" {
		meta.Attendees = append(meta.Attendees, sync.Attendee{
			Email:     strings.ToLower(ev.Organizer.Email),
			Name:      ev.Organizer.DisplayName,
			Organizer: true,
		})
	}

	return meta
}
