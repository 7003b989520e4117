package sync

import (
	"context"
	"testing"
)

func TestResolveCreatesContactWithCompany(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, SourceMail)

	contact, err := r.Resolve(context.Background(), "t1", "Jane.Doe@Acme.com", "Jane Doe")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if contact == nil {
		t.Fatal("expected a contact")
	}
	if contact.Email != "jane.doe@acme.com" {
		t.Errorf("email not normalized: %q", contact.Email)
	}
	if contact.FirstName != "Jane" || contact.LastName != "Doe" {
		t.Errorf("name not parsed: %q %q", contact.FirstName, contact.LastName)
	}
	if contact.CompanyID == "" {
		t.Error("expected a company link for a corporate domain")
	}
	if contact.Source != "email_sync" {
		t.Errorf("wrong provenance tag: %q", contact.Source)
	}
	if contact.ConfidenceScore != 0.7 {
		t.Errorf("wrong confidence score: %v", contact.ConfidenceScore)
	}

	co := dir.companies["t1|acme.com"]
	if co == nil {
		t.Fatal("company not created")
	}
	if co.Name != "Acme" {
		t.Errorf("company name not derived from domain: %q", co.Name)
	}
}

func TestResolveGenericDomainCreatesNoCompany(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, SourceMail)

	contact, err := r.Resolve(context.Background(), "t1", "jane@gmail.com", "Jane")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if contact == nil {
		t.Fatal("expected a contact")
	}
	if contact.CompanyID != "" {
		t.Error("generic consumer domain must not link a company")
	}
	if len(dir.companies) != 0 {
		t.Errorf("expected zero companies, got %d", len(dir.companies))
	}
}

func TestResolveRejectsAutomatedSenders(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, SourceMail)

	for _, email := range []string{
		"no-reply@acme.com",
		"noreply@acme.com",
		"do-not-reply@billing.acme.com",
		"mailer-daemon@acme.com",
		"notifications@github.com",
		"not-an-address",
		"@acme.com",
	} {
		contact, err := r.Resolve(context.Background(), "t1", email, "")
		if err != nil {
			t.Fatalf("resolve %s failed: %v", email, err)
		}
		if contact != nil {
			t.Errorf("expected nil contact for %q", email)
		}
	}
	if len(dir.contacts) != 0 {
		t.Errorf("expected zero contacts, got %d", len(dir.contacts))
	}
}

func TestResolveNeverOverwritesExistingContact(t *testing.T) {
	dir := newFakeDirectory()
	dir.contacts["t1|jane@acme.com"] = &Contact{
		ID: "c-existing", TenantID: "t1", Email: "jane@acme.com",
		FirstName: "Janet", LastName: "Original", Source: "manual", ConfidenceScore: 1.0,
	}
	r := NewResolver(dir, SourceMail)

	contact, err := r.Resolve(context.Background(), "t1", "jane@acme.com", "Jane Doe")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if contact.ID != "c-existing" {
		t.Fatalf("expected the existing contact, got %q", contact.ID)
	}
	if contact.FirstName != "Janet" || contact.LastName != "Original" {
		t.Error("sync must not overwrite an existing contact's name")
	}
	if contact.Source != "manual" {
		t.Error("sync must not overwrite provenance")
	}
}

func TestResolveCalendarTagging(t *testing.T) {
	dir := newFakeDirectory()
	r := NewResolver(dir, SourceCalendar)

	contact, err := r.Resolve(context.Background(), "t1", "bob@initech.com", "")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if contact.Source != "calendar_sync" {
		t.Errorf("wrong provenance tag: %q", contact.Source)
	}
	if contact.ConfidenceScore != 0.6 {
		t.Errorf("wrong confidence score: %v", contact.ConfidenceScore)
	}
	if contact.FirstName != "bob" {
		t.Errorf("expected local-part fallback, got %q", contact.FirstName)
	}
}

func TestParseDisplayName(t *testing.T) {
	tests := []struct {
		hint, local, first, last string
	}{
		{"Jane Doe", "jane", "Jane", "Doe"},
		{"Doe, Jane", "jane", "Jane", "Doe"},
		{"Jane", "jane.doe", "Jane", ""},
		{"Jane van der Berg", "jane", "Jane", "van der Berg"},
		{"", "jane.doe", "jane.doe", ""},
		{`"Jane Doe"`, "jane", "Jane", "Doe"},
		{"jane@acme.com", "jane", "jane", ""},
	}
	for _, tt := range tests {
		first, last := parseDisplayName(tt.hint, tt.local)
		if first != tt.first || last != tt.last {
			t.Errorf("parseDisplayName(%q, %q) = %q, %q; want %q, %q",
				tt.hint, tt.local, first, last, tt.first, tt.last)
		}
	}
}
