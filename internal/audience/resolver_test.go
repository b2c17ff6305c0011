package audience

import (
	"context"
	"errors"
	"testing"

	"announcement-dispatcher/internal/directory"
	"announcement-dispatcher/internal/models"
)

func fixtureDirectory() *directory.Static {
	return directory.NewStatic(
		models.Tenant{ID: "t3", ContactEmail: "ops@gamma.example", SubscriptionStatus: models.SubscriptionSuspended},
		models.Tenant{ID: "t1", ContactEmail: "Alpha Admin <admin@alpha.example>", SubscriptionStatus: models.SubscriptionActive},
		models.Tenant{ID: "t2", ContactEmail: "billing@beta.example", SubscriptionStatus: models.SubscriptionTrial},
		models.Tenant{ID: "t4", ContactEmail: "", SubscriptionStatus: models.SubscriptionActive},
		models.Tenant{ID: "t5", ContactEmail: "not-an-address", SubscriptionStatus: models.SubscriptionActive},
	)
}

func tenantIDs(ts []models.Target) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.TenantID
	}
	return out
}

func TestResolveVariants(t *testing.T) {
	r := NewResolver(fixtureDirectory())
	ctx := context.Background()

	cases := []struct {
		name string
		aud  models.Audience
		want []string
	}{
		{"all", models.AudienceAll{}, []string{"t1", "t2", "t3"}},
		{"active", models.AudienceActiveOnly{}, []string{"t1"}},
		{"trial", models.AudienceTrialOnly{}, []string{"t2"}},
		{"suspended", models.AudienceSuspendedOnly{}, []string{"t3"}},
		{"specific", models.AudienceSpecific{TenantIDs: []string{"t3", "t2", "gone", "t4"}}, []string{"t2", "t3"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tc.aud)
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			ids := tenantIDs(got)
			if len(ids) != len(tc.want) {
				t.Fatalf("got %v want %v", ids, tc.want)
			}
			for i := range ids {
				if ids[i] != tc.want[i] {
					t.Fatalf("got %v want %v", ids, tc.want)
				}
			}
		})
	}
}

func TestResolveNormalizesAddress(t *testing.T) {
	r := NewResolver(fixtureDirectory())
	got, err := r.Resolve(context.Background(), models.AudienceActiveOnly{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(got) != 1 || got[0].Address != "admin@alpha.example" {
		t.Fatalf("expected bare address, got %+v", got)
	}
}

func TestResolvePropagatesDirectoryErrors(t *testing.T) {
	dir := fixtureDirectory()
	boom := errors.New("connection refused")
	dir.FailWith(boom)
	_, err := NewResolver(dir).Resolve(context.Background(), models.AudienceAll{})
	if !errors.Is(err, boom) {
		t.Fatalf("expected directory error, got %v", err)
	}
}

func TestResolveRejectsMissingAudience(t *testing.T) {
	_, err := NewResolver(fixtureDirectory()).Resolve(context.Background(), nil)
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}
