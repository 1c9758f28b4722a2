package billsync

import (
	"context"
	"fmt"
)

// ChangeEntry is one audited update of a customer product.
type ChangeEntry struct {
	CustomerProductID string                 `json:"customer_product_id"`
	ProductID         string                 `json:"product_id"`
	Changes           map[string]interface{} `json:"changes"`
}

// ChangeTracker records every insert, update and delete applied to customer
// products during one webhook pass. Updates are persisted and then swapped in
// place into both the pass's working list and the customer aggregate, so any
// later task in the same pass sees them.
//
// A ChangeTracker is not safe for concurrent use; tasks within a pass run
// sequentially.
type ChangeTracker struct {
	store    Store
	customer *Customer
	products []*CustomerProduct

	updated  []ChangeEntry
	inserted []*CustomerProduct
	deleted  []*CustomerProduct
}

// NewChangeTracker creates a tracker over the working list products, which
// should share pointers with customer.CustomerProducts.
func NewChangeTracker(store Store, customer *Customer, products []*CustomerProduct) *ChangeTracker {
	if customer == nil {
		customer = &Customer{}
	}
	return &ChangeTracker{
		store:    store,
		customer: customer,
		products: append([]*CustomerProduct(nil), products...),
	}
}

// Customer returns the customer aggregate.
func (t *ChangeTracker) Customer() *Customer { return t.customer }

// Products returns a snapshot of the working list.
func (t *ChangeTracker) Products() []*CustomerProduct {
	return append([]*CustomerProduct(nil), t.products...)
}

// Find returns the latest version of a product from the working list or the
// customer aggregate.
func (t *ChangeTracker) Find(id string) *CustomerProduct {
	if i := indexOf(t.products, id); i >= 0 {
		return t.products[i]
	}
	if i := indexOf(t.customer.CustomerProducts, id); i >= 0 {
		return t.customer.CustomerProducts[i]
	}
	return nil
}

// Merge adds products to the working list without persisting anything.
// Products already present are ignored.
func (t *ChangeTracker) Merge(products ...*CustomerProduct) {
	for _, cp := range products {
		if indexOf(t.products, cp.ID) < 0 {
			t.products = append(t.products, cp)
		}
	}
}

// Update applies upd to the product, persists it and records the change.
func (t *ChangeTracker) Update(ctx context.Context, id string, upd CustomerProductUpdate) (*CustomerProduct, error) {
	current := t.Find(id)
	if current == nil {
		return nil, fmt.Errorf("%w: %s", ErrCustomerProductNotFound, id)
	}
	if upd.Empty() {
		return current, nil
	}

	next := upd.Apply(current)
	if err := t.store.UpdateCustomerProduct(ctx, next); err != nil {
		return nil, fmt.Errorf("failed to update customer product %s: %w", id, err)
	}

	if i := indexOf(t.products, id); i >= 0 {
		t.products[i] = next
	}
	if i := indexOf(t.customer.CustomerProducts, id); i >= 0 {
		t.customer.CustomerProducts[i] = next
	}

	t.updated = append(t.updated, ChangeEntry{
		CustomerProductID: id,
		ProductID:         next.Product.ID,
		Changes:           upd.Changes(),
	})
	return next, nil
}

// Insert persists a new product and adds it to the customer aggregate.
func (t *ChangeTracker) Insert(ctx context.Context, cp *CustomerProduct) error {
	if err := t.store.InsertCustomerProduct(ctx, cp); err != nil {
		return fmt.Errorf("failed to insert customer product: %w", err)
	}
	t.customer.CustomerProducts = append(t.customer.CustomerProducts, cp)
	t.inserted = append(t.inserted, cp)
	return nil
}

// Delete removes a product from storage and from both lists.
func (t *ChangeTracker) Delete(ctx context.Context, id string) error {
	current := t.Find(id)
	if current == nil {
		return fmt.Errorf("%w: %s", ErrCustomerProductNotFound, id)
	}
	if err := t.store.DeleteCustomerProduct(ctx, id); err != nil {
		return fmt.Errorf("failed to delete customer product %s: %w", id, err)
	}
	t.products = removeID(t.products, id)
	t.customer.CustomerProducts = removeID(t.customer.CustomerProducts, id)
	t.deleted = append(t.deleted, current)
	return nil
}

// Updated returns the recorded updates.
func (t *ChangeTracker) Updated() []ChangeEntry { return t.updated }

// Inserted returns the recorded inserts.
func (t *ChangeTracker) Inserted() []*CustomerProduct { return t.inserted }

// Deleted returns the recorded deletions.
func (t *ChangeTracker) Deleted() []*CustomerProduct { return t.deleted }

// Dirty reports whether anything was recorded.
func (t *ChangeTracker) Dirty() bool {
	return len(t.updated)+len(t.inserted)+len(t.deleted) > 0
}

// Fields flattens the ledger into log fields for a single audit line.
func (t *ChangeTracker) Fields() []Field {
	inserted := make([]map[string]interface{}, 0, len(t.inserted))
	for _, cp := range t.inserted {
		inserted = append(inserted, summary(cp))
	}
	deleted := make([]map[string]interface{}, 0, len(t.deleted))
	for _, cp := range t.deleted {
		deleted = append(deleted, summary(cp))
	}
	return []Field{
		F("customer_id", t.customer.ID),
		F("updated", t.updated),
		F("inserted", inserted),
		F("deleted", deleted),
	}
}

func summary(cp *CustomerProduct) map[string]interface{} {
	return map[string]interface{}{
		"customer_product_id": cp.ID,
		"product_id":          cp.Product.ID,
		"entity_id":           cp.EntityID,
		"status":              cp.Status,
	}
}

func indexOf(list []*CustomerProduct, id string) int {
	for i, cp := range list {
		if cp.ID == id {
			return i
		}
	}
	return -1
}

func removeID(list []*CustomerProduct, id string) []*CustomerProduct {
	out := list[:0]
	for _, cp := range list {
		if cp.ID != id {
			out = append(out, cp)
		}
	}
	return out
}
