// Package audience turns an announcement's target audience into concrete recipients.
package audience

import (
	"context"
	"fmt"
	"net/mail"
	"sort"
	"strings"

	"announcement-dispatcher/internal/models"
)

// Directory is the read-only tenant source.
type Directory interface {
	ListTenants(ctx context.Context, f models.TenantFilter) ([]models.Tenant, error)
}

// Resolver performs one directory read per fan-out and has no side effects.
type Resolver struct {
	dir Directory
}

func NewResolver(dir Directory) *Resolver {
	return &Resolver{dir: dir}
}

// Resolve returns the recipients of aud ordered by tenant id. Tenants without a
// usable contact address are dropped, as are duplicates.
func (r *Resolver) Resolve(ctx context.Context, aud models.Audience) ([]models.Target, error) {
	filter, err := filterFor(aud)
	if err != nil {
		return nil, err
	}
	if filter.IDs != nil && len(filter.IDs) == 0 {
		return []models.Target{}, nil
	}
	tenants, err := r.dir.ListTenants(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}

	seen := make(map[string]struct{}, len(tenants))
	out := make([]models.Target, 0, len(tenants))
	for _, t := range tenants {
		if _, dup := seen[t.ID]; dup {
			continue
		}
		addr, ok := usableAddress(t.ContactEmail)
		if !ok {
			continue
		}
		seen[t.ID] = struct{}{}
		out = append(out, models.Target{TenantID: t.ID, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TenantID < out[j].TenantID })
	return out, nil
}

func filterFor(aud models.Audience) (models.TenantFilter, error) {
	status := func(s models.SubscriptionStatus) models.TenantFilter {
		return models.TenantFilter{Status: &s}
	}
	switch a := aud.(type) {
	case models.AudienceAll:
		return models.TenantFilter{}, nil
	case models.AudienceActiveOnly:
		return status(models.SubscriptionActive), nil
	case models.AudienceTrialOnly:
		return status(models.SubscriptionTrial), nil
	case models.AudienceSuspendedOnly:
		return status(models.SubscriptionSuspended), nil
	case models.AudienceSpecific:
		ids := a.TenantIDs
		if ids == nil {
			ids = []string{}
		}
		return models.TenantFilter{IDs: ids}, nil
	case nil:
		return models.TenantFilter{}, &models.ValidationError{Field: "target_audience", Reason: "missing"}
	default:
		return models.TenantFilter{}, fmt.Errorf("unsupported audience %T", aud)
	}
}

// usableAddress accepts exactly one well-formed mailbox and returns its bare address.
func usableAddress(raw string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", false
	}
	parsed, err := mail.ParseAddress(raw)
	if err != nil || parsed.Address == "" {
		return "", false
	}
	return parsed.Address, true
}
