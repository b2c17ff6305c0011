package models

import (
	"fmt"
	"strings"
)

// AudienceKind is the persisted discriminator of an Audience.
type AudienceKind string

const (
	AudienceKindAll           AudienceKind = "all"
	AudienceKindActiveOnly    AudienceKind = "active_only"
	AudienceKindTrialOnly     AudienceKind = "trial_only"
	AudienceKindSuspendedOnly AudienceKind = "suspended_only"
	AudienceKindSpecific      AudienceKind = "specific"
)

// Audience selects the tenants an announcement is delivered to.
// The set of implementations is closed; switch over them exhaustively.
type Audience interface {
	Kind() AudienceKind
	audience()
}

// AudienceAll targets every tenant.
type AudienceAll struct{}

// AudienceActiveOnly targets tenants with an active subscription.
type AudienceActiveOnly struct{}

// AudienceTrialOnly targets tenants on a trial.
type AudienceTrialOnly struct{}

// AudienceSuspendedOnly targets suspended tenants.
type AudienceSuspendedOnly struct{}

// AudienceSpecific targets an explicit set of tenants.
type AudienceSpecific struct {
	TenantIDs []string
}

func (AudienceAll) Kind() AudienceKind           { return AudienceKindAll }
func (AudienceActiveOnly) Kind() AudienceKind    { return AudienceKindActiveOnly }
func (AudienceTrialOnly) Kind() AudienceKind     { return AudienceKindTrialOnly }
func (AudienceSuspendedOnly) Kind() AudienceKind { return AudienceKindSuspendedOnly }
func (AudienceSpecific) Kind() AudienceKind      { return AudienceKindSpecific }

func (AudienceAll) audience()           {}
func (AudienceActiveOnly) audience()    {}
func (AudienceTrialOnly) audience()     {}
func (AudienceSuspendedOnly) audience() {}
func (AudienceSpecific) audience()      {}

// ParseAudience builds an Audience from its persisted form. ids is only
// meaningful for the specific kind and is deduplicated there.
func ParseAudience(kind string, ids []string) (Audience, error) {
	switch AudienceKind(strings.ToLower(strings.TrimSpace(kind))) {
	case AudienceKindAll:
		return AudienceAll{}, nil
	case AudienceKindActiveOnly:
		return AudienceActiveOnly{}, nil
	case AudienceKindTrialOnly:
		return AudienceTrialOnly{}, nil
	case AudienceKindSuspendedOnly:
		return AudienceSuspendedOnly{}, nil
	case AudienceKindSpecific:
		clean := dedupeIDs(ids)
		if len(clean) == 0 {
			return nil, &ValidationError{Field: "tenant_ids", Reason: "specific audience needs at least one tenant id"}
		}
		return AudienceSpecific{TenantIDs: clean}, nil
	}
	return nil, &ValidationError{Field: "target_audience", Reason: fmt.Sprintf("unknown audience %q", kind)}
}

// AudienceTenantIDs returns the explicit ids of a specific audience, nil otherwise.
func AudienceTenantIDs(a Audience) []string {
	if s, ok := a.(AudienceSpecific); ok {
		return s.TenantIDs
	}
	return nil
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
