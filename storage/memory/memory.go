// Package memory provides in-memory implementations of the billsync storage
// interfaces. It is primarily intended for testing and single-node development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

// Store implements billsync.Store using in-memory maps
type Store struct {
	mu        sync.RWMutex
	customers map[string]*billsync.Customer
	products  map[string]*billsync.CustomerProduct
	order     []string
	defaults  map[billsync.Scope][]billsync.Product
	pending   map[string][]billsync.BalanceReset
	invoices  map[string]*billsync.Invoice
	now       func() time.Time
}

// New creates a new in-memory store
func New() *Store {
	return &Store{
		customers: make(map[string]*billsync.Customer),
		products:  make(map[string]*billsync.CustomerProduct),
		defaults:  make(map[billsync.Scope][]billsync.Product),
		pending:   make(map[string][]billsync.BalanceReset),
		invoices:  make(map[string]*billsync.Invoice),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// PutCustomer stores a customer together with its products.
func (s *Store) PutCustomer(c *billsync.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta := *c
	meta.CustomerProducts = nil
	meta.Entities = append([]billsync.Entity(nil), c.Entities...)
	s.customers[c.InternalID] = &meta
	for _, cp := range c.CustomerProducts {
		s.putProductLocked(cp)
	}
}

// SetDefaultProducts replaces the catalog default products of a scope.
func (s *Store) SetDefaultProducts(scope billsync.Scope, products ...billsync.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaults[scope] = append([]billsync.Product(nil), products...)
}

// GetFullCustomer implements billsync.Store
func (s *Store) GetFullCustomer(ctx context.Context, internalCustomerID string) (*billsync.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[internalCustomerID]
	if !ok {
		return nil, billsync.ErrCustomerNotFound
	}

	out := *c
	out.Entities = append([]billsync.Entity(nil), c.Entities...)
	out.CustomerProducts = nil
	for _, id := range s.order {
		cp := s.products[id]
		if cp.InternalCustomerID == internalCustomerID {
			out.CustomerProducts = append(out.CustomerProducts, cp.Clone())
		}
	}
	return &out, nil
}

// ListCustomerProductsBySubscription implements billsync.Store
func (s *Store) ListCustomerProductsBySubscription(ctx context.Context, scope billsync.Scope,
	externalID string, statuses []billsync.Status) ([]*billsync.CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*billsync.CustomerProduct
	for _, id := range s.order {
		cp := s.products[id]
		c, ok := s.customers[cp.InternalCustomerID]
		if !ok || c.OrgID != scope.OrgID || c.Env != scope.Env {
			continue
		}
		if !cp.HasSubscription(externalID) && !cp.HasSchedule(externalID) {
			continue
		}
		if !statusIn(cp.Status, statuses) {
			continue
		}
		out = append(out, cp.Clone())
	}
	return out, nil
}

// GetCustomerProducts implements billsync.Store
func (s *Store) GetCustomerProducts(ctx context.Context, ids []string) ([]*billsync.CustomerProduct, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*billsync.CustomerProduct, 0, len(ids))
	for _, id := range ids {
		if cp, ok := s.products[id]; ok {
			out = append(out, cp.Clone())
		}
	}
	return out, nil
}

// GetCustomerProduct returns one stored product, for assertions in tests.
func (s *Store) GetCustomerProduct(id string) (*billsync.CustomerProduct, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.products[id]
	if !ok {
		return nil, false
	}
	return cp.Clone(), true
}

// InsertCustomerProduct implements billsync.Store
func (s *Store) InsertCustomerProduct(ctx context.Context, cp *billsync.CustomerProduct) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("invalid customer product")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[cp.ID]; exists {
		return fmt.Errorf("customer product %s already exists", cp.ID)
	}
	s.putProductLocked(cp)
	return nil
}

// UpdateCustomerProduct implements billsync.Store. The stored entitlements are kept.
func (s *Store) UpdateCustomerProduct(ctx context.Context, cp *billsync.CustomerProduct) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.products[cp.ID]
	if !ok {
		return billsync.ErrCustomerProductNotFound
	}
	// entitlement ledgers change only through ApplyBalanceResets
	next := cp.Clone()
	next.CustomerEntitlements = existing.CustomerEntitlements
	s.products[cp.ID] = next
	return nil
}

// DeleteCustomerProduct implements billsync.Store
func (s *Store) DeleteCustomerProduct(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[id]; !ok {
		return billsync.ErrCustomerProductNotFound
	}
	delete(s.products, id)
	for i, existing := range s.order {
		if existing == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return nil
}

// ListDefaultProducts implements billsync.Store
func (s *Store) ListDefaultProducts(ctx context.Context, scope billsync.Scope) ([]billsync.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]billsync.Product(nil), s.defaults[scope]...), nil
}

// ApplyBalanceResets implements billsync.Store
func (s *Store) ApplyBalanceResets(ctx context.Context, resets []billsync.BalanceReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range resets {
		ce := s.findEntitlementLocked(r.CustomerEntitlementID)
		if ce == nil {
			return fmt.Errorf("customer entitlement %s: %w", r.CustomerEntitlementID, billsync.ErrNotFound)
		}
		ce.Usage = r.Usage
		for entity := range ce.EntityUsage {
			ce.EntityUsage[entity] = r.Usage
		}
		if r.NextResetAt != nil {
			t := *r.NextResetAt
			ce.NextResetAt = &t
		}
	}
	return nil
}

// SavePendingResets implements billsync.Store
func (s *Store) SavePendingResets(ctx context.Context, invoiceExternalID string, resets []billsync.BalanceReset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(resets) == 0 {
		return nil
	}
	s.pending[invoiceExternalID] = append([]billsync.BalanceReset(nil), resets...)
	return nil
}

// TakePendingResets implements billsync.Store
func (s *Store) TakePendingResets(ctx context.Context, invoiceExternalID string) ([]billsync.BalanceReset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resets := s.pending[invoiceExternalID]
	delete(s.pending, invoiceExternalID)
	return resets, nil
}

// UpsertInvoice implements billsync.Store
func (s *Store) UpsertInvoice(ctx context.Context, inv *billsync.Invoice) (bool, error) {
	if inv == nil || inv.ExternalID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	existing, ok := s.invoices[inv.ExternalID]
	if ok {
		updated := *inv
		updated.ID = existing.ID
		updated.CreatedAt = existing.CreatedAt
		updated.UpdatedAt = now
		s.invoices[inv.ExternalID] = &updated
		return false, nil
	}

	created := *inv
	if created.CreatedAt.IsZero() {
		created.CreatedAt = now
	}
	created.UpdatedAt = now
	s.invoices[inv.ExternalID] = &created
	return true, nil
}

// GetInvoiceByExternalID implements billsync.Store
func (s *Store) GetInvoiceByExternalID(ctx context.Context, externalID string) (*billsync.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, ok := s.invoices[externalID]
	if !ok {
		return nil, billsync.ErrNotFound
	}
	out := *inv
	return &out, nil
}

// InvoiceCount returns the number of stored invoices.
func (s *Store) InvoiceCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.invoices)
}

// Clear removes all data.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers = make(map[string]*billsync.Customer)
	s.products = make(map[string]*billsync.CustomerProduct)
	s.order = nil
	s.defaults = make(map[billsync.Scope][]billsync.Product)
	s.pending = make(map[string][]billsync.BalanceReset)
	s.invoices = make(map[string]*billsync.Invoice)
}

func (s *Store) putProductLocked(cp *billsync.CustomerProduct) {
	if _, exists := s.products[cp.ID]; !exists {
		s.order = append(s.order, cp.ID)
	}
	s.products[cp.ID] = cp.Clone()
}

func (s *Store) findEntitlementLocked(id string) *billsync.CustomerEntitlement {
	for _, cp := range s.products {
		for _, ce := range cp.CustomerEntitlements {
			if ce.ID == id {
				return ce
			}
		}
	}
	return nil
}

func statusIn(status billsync.Status, statuses []billsync.Status) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
