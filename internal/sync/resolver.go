package sync

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// genericDomains are consumer mail providers that never map to a company
var genericDomains = map[string]bool{
	"gmail.com":      true,
	"googlemail.com": true,
	"yahoo.com":      true,
	"ymail.com":      true,
	"hotmail.com":    true,
	"outlook.com":    true,
	"live.com":       true,
	"msn.com":        true,
	"icloud.com":     true,
	"me.com":         true,
	"aol.com":        true,
	"protonmail.com": true,
	"proton.me":      true,
	"gmx.com":        true,
}

// automated senders produce no CRM signal
var automatedLocalPart = regexp.MustCompile(`(?i)^(no[-_.]?reply|do[-_.]?not[-_.]?reply|mailer[-_.]?daemon|postmaster|bounce|notifications?)($|[-_.+])`)

// Resolver performs idempotent contact/company resolution.
// Source tags provenance on new contacts; Confidence is the fixed score for
// automatically inferred contacts.
type Resolver struct {
	Contacts   ContactDirectory
	Source     string
	Confidence float64
}

// NewResolver creates a resolver tagging new contacts with the given source
func NewResolver(contacts ContactDirectory, source Source) *Resolver {
	r := &Resolver{Contacts: contacts}
	switch source {
	case SourceCalendar:
		r.Source = "calendar_sync"
		r.Confidence = 0.6
	default:
		r.Source = "email_sync"
		r.Confidence = 0.7
	}
	return r
}

// Resolve returns the contact for (tenantID, email), creating it if absent.
// Returns (nil, nil) for addresses that should not be ingested against:
// malformed addresses and automated senders (no-reply, mailer-daemon).
// An existing contact is returned as-is; sync never overwrites names.
func (r *Resolver) Resolve(ctx context.Context, tenantID, email, displayNameHint string) (*Contact, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	local, domain, ok := splitAddress(email)
	if !ok {
		return nil, nil
	}
	if automatedLocalPart.MatchString(local) {
		return nil, nil
	}

	existing, err := r.Contacts.FindContactByEmail(ctx, tenantID, email)
	if err != nil {
		return nil, fmt.Errorf("find contact %s: %w", email, err)
	}
	if existing != nil {
		return existing, nil
	}

	first, last := parseDisplayName(displayNameHint, local)

	contact := &Contact{
		TenantID:        tenantID,
		Email:           email,
		FirstName:       first,
		LastName:        last,
		Source:          r.Source,
		ConfidenceScore: r.Confidence,
	}

	if !genericDomains[domain] {
		company, err := r.Contacts.FindOrCreateCompany(ctx, tenantID, domain, companyNameFromDomain(domain))
		if err != nil {
			return nil, fmt.Errorf("resolve company %s: %w", domain, err)
		}
		contact.CompanyID = company.ID
	}

	created, err := r.Contacts.CreateContact(ctx, contact)
	if err != nil {
		return nil, fmt.Errorf("create contact %s: %w", email, err)
	}
	return created, nil
}

// splitAddress splits a bare email address into local part and domain
func splitAddress(email string) (local, domain string, ok bool) {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return "", "", false
	}
	domain = email[at+1:]
	if !strings.Contains(domain, ".") {
		return "", "", false
	}
	return email[:at], domain, true
}

// parseDisplayName splits a display-name hint into first/last name,
// falling back to the local part of the address
func parseDisplayName(hint, local string) (first, last string) {
	hint = strings.Trim(strings.TrimSpace(hint), `"'`)
	if hint == "" || strings.Contains(hint, "@") {
		return local, ""
	}

	// "Last, First" is common in corporate directories
	if i := strings.Index(hint, ","); i > 0 {
		last = strings.TrimSpace(hint[:i])
		first = strings.TrimSpace(hint[i+1:])
		if first != "" {
			return first, last
		}
		return last, ""
	}

	parts := strings.Fields(hint)
	switch len(parts) {
	case 0:
		return local, ""
	case 1:
		return parts[0], ""
	default:
		return parts[0], strings.Join(parts[1:], " ")
	}
}

// companyNameFromDomain derives a display name from the registrable label
func companyNameFromDomain(domain string) string {
	label := domain
	if i := strings.Index(domain, "."); i > 0 {
		label = domain[:i]
	}
	if label == "" {
		return domain
	}
	return strings.ToUpper(label[:1]) + label[1:]
}
