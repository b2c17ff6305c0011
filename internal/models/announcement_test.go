package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestFinalStatus(t *testing.T) {
	cases := []struct {
		total, ok, failed int
		want              Status
	}{
		{3, 3, 0, StatusSent},
		{3, 2, 1, StatusPartiallyFailed},
		{3, 0, 3, StatusFailed},
		{1, 0, 1, StatusFailed},
		{5, 1, 4, StatusPartiallyFailed},
	}
	for _, tc := range cases {
		if got := FinalStatus(tc.total, tc.ok, tc.failed); got != tc.want {
			t.Fatalf("FinalStatus(%d,%d,%d)=%s want %s", tc.total, tc.ok, tc.failed, got, tc.want)
		}
	}
}

func TestStatusGuards(t *testing.T) {
	for _, s := range []Status{StatusDraft, StatusScheduled} {
		if !s.Editable() || !s.Sendable() || s.Resendable() || !s.Deletable() {
			t.Fatalf("unexpected guards for %s", s)
		}
	}
	if StatusSending.Sendable() || StatusSending.Deletable() || StatusSending.Resendable() || StatusSending.Editable() {
		t.Fatalf("sending must reject send, delete, resend and edit")
	}
	for _, s := range []Status{StatusPartiallyFailed, StatusFailed} {
		if !s.Resendable() || s.Sendable() || s.Editable() {
			t.Fatalf("unexpected guards for %s", s)
		}
	}
	if StatusSent.Resendable() || StatusSent.Sendable() {
		t.Fatalf("sent is terminal")
	}
}

func TestDraftStatus(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)
	if DraftStatus(nil, now) != StatusDraft {
		t.Fatalf("no schedule should be draft")
	}
	if DraftStatus(&future, now) != StatusScheduled {
		t.Fatalf("future schedule should be scheduled")
	}
	if DraftStatus(&past, now) != StatusDraft {
		t.Fatalf("elapsed schedule should be draft")
	}
}

func TestParseAudience(t *testing.T) {
	aud, err := ParseAudience("Specific", []string{"t2", " t1 ", "t2", ""})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	spec, ok := aud.(AudienceSpecific)
	if !ok {
		t.Fatalf("expected specific, got %T", aud)
	}
	if len(spec.TenantIDs) != 2 || spec.TenantIDs[0] != "t2" || spec.TenantIDs[1] != "t1" {
		t.Fatalf("unexpected ids %v", spec.TenantIDs)
	}

	if _, err := ParseAudience("specific", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for empty specific, got %v", err)
	}
	if _, err := ParseAudience("everyone", nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for unknown kind, got %v", err)
	}
	for kind, want := range map[string]Audience{
		"all":            AudienceAll{},
		"active_only":    AudienceActiveOnly{},
		"trial_only":     AudienceTrialOnly{},
		"suspended_only": AudienceSuspendedOnly{},
	} {
		got, err := ParseAudience(kind, []string{"ignored"})
		if err != nil || got != want {
			t.Fatalf("ParseAudience(%q)=%v,%v", kind, got, err)
		}
	}
}

func TestAnnouncementJSONRoundTripsAudience(t *testing.T) {
	a := Announcement{
		ID:       "a1",
		Title:    "Maintenance",
		Status:   StatusDraft,
		Audience: AudienceSpecific{TenantIDs: []string{"t1", "t2"}},
	}
	raw, err := json.Marshal(a)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		t.Fatalf("unmarshal map: %v", err)
	}
	if fields["target_audience"] != "specific" {
		t.Fatalf("target_audience missing: %s", raw)
	}

	var back Announcement
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	spec, ok := back.Audience.(AudienceSpecific)
	if !ok || len(spec.TenantIDs) != 2 || back.Title != "Maintenance" {
		t.Fatalf("unexpected decode %+v", back)
	}
}

func TestGuardErrorsWrapInvalidState(t *testing.T) {
	var err error = &StateError{Op: "delete", Status: StatusSending}
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("state error must wrap ErrInvalidState")
	}
	if !errors.Is(ErrEmptyAudience, ErrInvalidState) || !errors.Is(ErrNoFailedRecipients, ErrInvalidState) {
		t.Fatalf("guard sentinels must wrap ErrInvalidState")
	}
}
