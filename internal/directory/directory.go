// Package directory provides read-only access to the tenant directory.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"announcement-dispatcher/internal/models"
)

// Postgres reads tenants from the shared database.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// ListTenants returns tenants matching the filter ordered by id.
func (p *Postgres) ListTenants(ctx context.Context, f models.TenantFilter) ([]models.Tenant, error) {
	var status *string
	if f.Status != nil {
		v := string(*f.Status)
		status = &v
	}
	// A nil IDs slice encodes as NULL and disables the id filter.
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, contact_email, subscription_status
		FROM tenants
		WHERE ($1::text IS NULL OR subscription_status = $1)
		  AND ($2::text[] IS NULL OR id = ANY($2))
		ORDER BY id
	`, status, f.IDs)
	if err != nil {
		return nil, fmt.Errorf("query tenants: %w", err)
	}
	tenants, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Tenant, error) {
		var t models.Tenant
		var sub string
		err := row.Scan(&t.ID, &t.Name, &t.ContactEmail, &sub)
		t.SubscriptionStatus = models.SubscriptionStatus(sub)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tenants: %w", err)
	}
	return tenants, nil
}

// Static is an in-memory directory for local runs and tests.
type Static struct {
	mu      sync.RWMutex
	tenants map[string]models.Tenant
	err     error
}

func NewStatic(tenants ...models.Tenant) *Static {
	s := &Static{tenants: make(map[string]models.Tenant, len(tenants))}
	for _, t := range tenants {
		s.tenants[t.ID] = t
	}
	return s
}

// Put adds or replaces a tenant.
func (s *Static) Put(t models.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[t.ID] = t
}

// Remove deletes a tenant, as if it had been closed.
func (s *Static) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, id)
}

// FailWith makes every subsequent listing return err; nil restores normal behavior.
func (s *Static) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func (s *Static) ListTenants(_ context.Context, f models.TenantFilter) ([]models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err != nil {
		return nil, s.err
	}
	var allowed map[string]struct{}
	if f.IDs != nil {
		allowed = make(map[string]struct{}, len(f.IDs))
		for _, id := range f.IDs {
			allowed[id] = struct{}{}
		}
	}
	out := make([]models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		if f.Status != nil && t.SubscriptionStatus != *f.Status {
			continue
		}
		if allowed != nil {
			if _, ok := allowed[t.ID]; !ok {
				continue
			}
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
