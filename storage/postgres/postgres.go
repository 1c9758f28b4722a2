// Package postgres provides a PostgreSQL implementation of the billsync.Store interface.
// Entitlement ledger writes run inside transactions with SELECT FOR UPDATE so
// concurrent webhook passes never interleave partial resets.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/useautumn/autumn-sub003/pkg/billsync"
)

//go:embed schema.sql
var schemaSQL string

const uniqueViolation = "23505"

// Storage implements billsync.Store using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies the embedded schema on New.
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration
	PendingResetTTL time.Duration // pending resets whose invoice never settled are dropped after this
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: time.Hour,
		PendingResetTTL: 60 * 24 * time.Hour,
	}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	cleanupCtx, cancel := context.WithCancel(context.Background())
	s := &Storage{
		pool:        pool,
		config:      config,
		stopCleanup: cancel,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
	}

	if config.CleanupEnabled {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *Storage) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// PutCustomer upserts a customer together with its products and entitlements.
func (s *Storage) PutCustomer(ctx context.Context, c *billsync.Customer) error {
	entities, err := json.Marshal(lo.Ternary(c.Entities == nil, []billsync.Entity{}, c.Entities))
	if err != nil {
		return fmt.Errorf("failed to marshal entities: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx,
		`INSERT INTO customers (internal_id, id, org_id, env, processor_id, entities)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb)
			ON CONFLICT (internal_id) DO UPDATE SET
				id = EXCLUDED.id,
				org_id = EXCLUDED.org_id,
				env = EXCLUDED.env,
				processor_id = EXCLUDED.processor_id,
				entities = EXCLUDED.entities`,
		c.InternalID, c.ID, c.OrgID, string(c.Env), c.ProcessorID, string(entities))
	if err != nil {
		return fmt.Errorf("failed to upsert customer: %w", err)
	}

	for _, cp := range c.CustomerProducts {
		if _, err := tx.Exec(ctx, `DELETE FROM customer_products WHERE id = $1`, cp.ID); err != nil {
			return fmt.Errorf("failed to replace customer product: %w", err)
		}
		if err := insertProduct(ctx, tx, cp); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// SetDefaultProducts replaces the catalog default products of a scope.
func (s *Storage) SetDefaultProducts(ctx context.Context, scope billsync.Scope, products ...billsync.Product) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM default_products WHERE org_id = $1 AND env = $2`,
		scope.OrgID, string(scope.Env)); err != nil {
		return fmt.Errorf("failed to clear default products: %w", err)
	}
	for _, p := range products {
		data, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal product %s: %w", p.ID, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO default_products (org_id, env, product_id, product) VALUES ($1, $2, $3, $4::jsonb)`,
			scope.OrgID, string(scope.Env), p.ID, string(data)); err != nil {
			return fmt.Errorf("failed to insert default product %s: %w", p.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// GetFullCustomer implements billsync.Store
func (s *Storage) GetFullCustomer(ctx context.Context, internalCustomerID string) (*billsync.Customer, error) {
	var c billsync.Customer
	var env string
	var entities []byte

	err := s.pool.QueryRow(ctx,
		`SELECT internal_id, id, org_id, env, processor_id, entities
			FROM customers WHERE internal_id = $1`,
		internalCustomerID).Scan(&c.InternalID, &c.ID, &c.OrgID, &env, &c.ProcessorID, &entities)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrCustomerNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.Env = billsync.Env(env)
	if err := json.Unmarshal(entities, &c.Entities); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entities: %w", err)
	}

	c.CustomerProducts, err = loadProducts(ctx, s.pool,
		`WHERE cp.internal_customer_id = $1`, internalCustomerID)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListCustomerProductsBySubscription implements billsync.Store
func (s *Storage) ListCustomerProductsBySubscription(ctx context.Context, scope billsync.Scope,
	externalID string, statuses []billsync.Status) ([]*billsync.CustomerProduct, error) {
	if externalID == "" {
		return nil, nil
	}
	return loadProducts(ctx, s.pool,
		`JOIN customers c ON c.internal_id = cp.internal_customer_id
			WHERE c.org_id = $1 AND c.env = $2
				AND (cp.subscription_ids @> ARRAY[$3::text] OR cp.scheduled_ids @> ARRAY[$3::text])
				AND (cardinality($4::text[]) = 0 OR cp.status = ANY($4::text[]))`,
		scope.OrgID, string(scope.Env), externalID,
		lo.Map(statuses, func(st billsync.Status, _ int) string { return string(st) }))
}

// GetCustomerProducts implements billsync.Store
func (s *Storage) GetCustomerProducts(ctx context.Context, ids []string) ([]*billsync.CustomerProduct, error) {
	if len(ids) == 0 {
		return []*billsync.CustomerProduct{}, nil
	}
	products, err := loadProducts(ctx, s.pool, `WHERE cp.id = ANY($1::text[])`, ids)
	if err != nil {
		return nil, err
	}

	// callers expect the order of ids, not insertion order
	byID := lo.KeyBy(products, func(cp *billsync.CustomerProduct) string { return cp.ID })
	out := make([]*billsync.CustomerProduct, 0, len(products))
	for _, id := range ids {
		if cp, ok := byID[id]; ok {
			out = append(out, cp)
		}
	}
	return out, nil
}

// InsertCustomerProduct implements billsync.Store
func (s *Storage) InsertCustomerProduct(ctx context.Context, cp *billsync.CustomerProduct) error {
	if cp == nil || cp.ID == "" {
		return fmt.Errorf("invalid customer product")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := insertProduct(ctx, tx, cp); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// UpdateCustomerProduct implements billsync.Store. The stored entitlements are kept.
func (s *Storage) UpdateCustomerProduct(ctx context.Context, cp *billsync.CustomerProduct) error {
	product, err := json.Marshal(cp.Product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE customer_products SET
				internal_customer_id = $2, customer_id = $3, internal_entity_id = $4, entity_id = $5,
				product = $6::jsonb, status = $7, subscription_ids = $8, scheduled_ids = $9,
				canceled = $10, canceled_at = $11, ended_at = $12, starts_at = $13, trial_ends_at = $14,
				collection_method = $15, quantity = $16
			WHERE id = $1`,
		cp.ID, cp.InternalCustomerID, cp.CustomerID, cp.InternalEntityID, cp.EntityID,
		string(product), string(cp.Status), nonNil(cp.SubscriptionIDs), nonNil(cp.ScheduledIDs),
		cp.Canceled, cp.CanceledAt, cp.EndedAt, nullTime(cp.StartsAt), cp.TrialEndsAt,
		cp.CollectionMethod, cp.Quantity)
	if err != nil {
		return fmt.Errorf("failed to update customer product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billsync.ErrCustomerProductNotFound
	}
	return nil
}

// DeleteCustomerProduct implements billsync.Store
func (s *Storage) DeleteCustomerProduct(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM customer_products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete customer product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return billsync.ErrCustomerProductNotFound
	}
	return nil
}

// ListDefaultProducts implements billsync.Store
func (s *Storage) ListDefaultProducts(ctx context.Context, scope billsync.Scope) ([]billsync.Product, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT product FROM default_products WHERE org_id = $1 AND env = $2 ORDER BY seq`,
		scope.OrgID, string(scope.Env))
	if err != nil {
		return nil, fmt.Errorf("failed to list default products: %w", err)
	}

	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billsync.Product, error) {
		var data []byte
		var p billsync.Product
		if err := row.Scan(&data); err != nil {
			return p, err
		}
		return p, json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read default products: %w", err)
	}
	return products, nil
}

// ApplyBalanceResets implements billsync.Store
func (s *Storage) ApplyBalanceResets(ctx context.Context, resets []billsync.BalanceReset) error {
	if len(resets) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, r := range resets {
		var entityUsage []byte
		err := tx.QueryRow(ctx,
			`SELECT entity_usage FROM customer_entitlements WHERE id = $1 FOR UPDATE`,
			r.CustomerEntitlementID).Scan(&entityUsage)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("customer entitlement %s: %w", r.CustomerEntitlementID, billsync.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock customer entitlement: %w", err)
		}

		var perEntity map[string]decimal.Decimal
		if len(entityUsage) > 0 {
			if err := json.Unmarshal(entityUsage, &perEntity); err != nil {
				return fmt.Errorf("failed to unmarshal entity usage: %w", err)
			}
			for entity := range perEntity {
				perEntity[entity] = r.Usage
			}
		}
		encoded, err := encodeEntityUsage(perEntity)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE customer_entitlements
				SET usage = $2::numeric, entity_usage = $3::jsonb, next_reset_at = COALESCE($4, next_reset_at)
				WHERE id = $1`,
			r.CustomerEntitlementID, r.Usage.String(), encoded, r.NextResetAt)
		if err != nil {
			return fmt.Errorf("failed to reset customer entitlement: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// SavePendingResets implements billsync.Store
func (s *Storage) SavePendingResets(ctx context.Context, invoiceExternalID string, resets []billsync.BalanceReset) error {
	if len(resets) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM pending_resets WHERE invoice_external_id = $1`, invoiceExternalID)
	for _, r := range resets {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal reset: %w", err)
		}
		batch.Queue(`INSERT INTO pending_resets (invoice_external_id, reset) VALUES ($1, $2::jsonb)`,
			invoiceExternalID, string(data))
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save pending resets: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit pending resets: %w", err)
	}
	return nil
}

// TakePendingResets implements billsync.Store
func (s *Storage) TakePendingResets(ctx context.Context, invoiceExternalID string) ([]billsync.BalanceReset, error) {
	rows, err := s.pool.Query(ctx,
		`WITH taken AS (
				DELETE FROM pending_resets WHERE invoice_external_id = $1 RETURNING seq, reset
			)
			SELECT reset FROM taken ORDER BY seq`,
		invoiceExternalID)
	if err != nil {
		return nil, fmt.Errorf("failed to take pending resets: %w", err)
	}

	resets, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (billsync.BalanceReset, error) {
		var data []byte
		var r billsync.BalanceReset
		if err := row.Scan(&data); err != nil {
			return r, err
		}
		return r, json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read pending resets: %w", err)
	}
	if len(resets) == 0 {
		return nil, nil
	}
	return resets, nil
}

// UpsertInvoice implements billsync.Store
func (s *Storage) UpsertInvoice(ctx context.Context, inv *billsync.Invoice) (bool, error) {
	if inv == nil || inv.ExternalID == "" {
		return false, fmt.Errorf("invalid invoice")
	}

	discounts, err := json.Marshal(lo.Ternary(inv.Discounts == nil, []billsync.InvoiceDiscount{}, inv.Discounts))
	if err != nil {
		return false, fmt.Errorf("failed to marshal discounts: %w", err)
	}

	id := inv.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	createdAt := inv.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var inserted bool
	err = s.pool.QueryRow(ctx,
		`INSERT INTO invoices (id, external_id, org_id, env, internal_customer_id, internal_entity_id,
				product_ids, customer_product_ids, status, total, currency, hosted_url, discounts,
				created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::numeric, $11, $12, $13::jsonb, $14, $15)
			ON CONFLICT (external_id) DO UPDATE SET
				org_id = EXCLUDED.org_id,
				env = EXCLUDED.env,
				internal_customer_id = EXCLUDED.internal_customer_id,
				internal_entity_id = EXCLUDED.internal_entity_id,
				product_ids = EXCLUDED.product_ids,
				customer_product_ids = EXCLUDED.customer_product_ids,
				status = EXCLUDED.status,
				total = EXCLUDED.total,
				currency = EXCLUDED.currency,
				hosted_url = EXCLUDED.hosted_url,
				discounts = EXCLUDED.discounts,
				updated_at = EXCLUDED.updated_at
			RETURNING (xmax = 0)`,
		id, inv.ExternalID, inv.OrgID, string(inv.Env), inv.InternalCustomerID, inv.InternalEntityID,
		nonNil(inv.ProductIDs), nonNil(inv.CustomerProductIDs), inv.Status, inv.Total.String(),
		inv.Currency, inv.HostedURL, string(discounts), createdAt, now).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return inserted, nil
}

// GetInvoiceByExternalID implements billsync.Store
func (s *Storage) GetInvoiceByExternalID(ctx context.Context, externalID string) (*billsync.Invoice, error) {
	var inv billsync.Invoice
	var env, total string
	var discounts []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, external_id, org_id, env, internal_customer_id, internal_entity_id,
				product_ids, customer_product_ids, status, total::text, currency, hosted_url, discounts,
				created_at, updated_at
			FROM invoices WHERE external_id = $1`,
		externalID).Scan(
		&inv.ID, &inv.ExternalID, &inv.OrgID, &env, &inv.InternalCustomerID, &inv.InternalEntityID,
		&inv.ProductIDs, &inv.CustomerProductIDs, &inv.Status, &total, &inv.Currency, &inv.HostedURL,
		&discounts, &inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, billsync.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get invoice: %w", err)
	}

	inv.Env = billsync.Env(env)
	if inv.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("failed to parse invoice total: %w", err)
	}
	if err := json.Unmarshal(discounts, &inv.Discounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal discounts: %w", err)
	}
	return &inv, nil
}

// startCleanup runs periodic cleanup of stale pending resets
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.Cleanup(ctx)
		}
	}
}

// Cleanup drops pending resets older than PendingResetTTL
func (s *Storage) Cleanup(ctx context.Context) error {
	if s.config.PendingResetTTL <= 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `DELETE FROM pending_resets WHERE created_at < $1`,
		time.Now().UTC().Add(-s.config.PendingResetTTL))
	if err != nil {
		return fmt.Errorf("failed to clean up pending resets: %w", err)
	}
	return nil
}

func insertProduct(ctx context.Context, q querier, cp *billsync.CustomerProduct) error {
	product, err := json.Marshal(cp.Product)
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}
	createdAt := cp.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err = q.Exec(ctx,
		`INSERT INTO customer_products (id, internal_customer_id, customer_id, internal_entity_id, entity_id,
				product, status, subscription_ids, scheduled_ids, canceled, canceled_at, ended_at, starts_at,
				trial_ends_at, collection_method, quantity, created_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		cp.ID, cp.InternalCustomerID, cp.CustomerID, cp.InternalEntityID, cp.EntityID,
		string(product), string(cp.Status), nonNil(cp.SubscriptionIDs), nonNil(cp.ScheduledIDs),
		cp.Canceled, cp.CanceledAt, cp.EndedAt, nullTime(cp.StartsAt), cp.TrialEndsAt,
		cp.CollectionMethod, cp.Quantity, createdAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("customer product %s already exists", cp.ID)
		}
		return fmt.Errorf("failed to insert customer product: %w", err)
	}

	for _, ce := range cp.CustomerEntitlements {
		id := ce.ID
		if id == "" {
			id = uuid.NewString()
		}
		encoded, err := encodeEntityUsage(ce.EntityUsage)
		if err != nil {
			return err
		}
		_, err = q.Exec(ctx,
			`INSERT INTO customer_entitlements (id, customer_product_id, entitlement_id, feature_id,
					granted, purchased, usage, entity_usage, next_reset_at)
				VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8::jsonb, $9)`,
			id, cp.ID, ce.EntitlementID, ce.FeatureID,
			ce.Granted.String(), ce.Purchased.String(), ce.Usage.String(), encoded, ce.NextResetAt)
		if err != nil {
			return fmt.Errorf("failed to insert customer entitlement: %w", err)
		}
	}
	return nil
}

// loadProducts selects customer products matching the given clause, in
// insertion order, with their entitlements attached.
func loadProducts(ctx context.Context, q querier, clause string, args ...any) ([]*billsync.CustomerProduct, error) {
	rows, err := q.Query(ctx,
		`SELECT cp.id, cp.internal_customer_id, cp.customer_id, cp.internal_entity_id, cp.entity_id,
				cp.product, cp.status, cp.subscription_ids, cp.scheduled_ids, cp.canceled, cp.canceled_at,
				cp.ended_at, cp.starts_at, cp.trial_ends_at, cp.collection_method, cp.quantity, cp.created_at
			FROM customer_products cp `+clause+` ORDER BY cp.seq`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer products: %w", err)
	}

	products, err := pgx.CollectRows(rows, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("failed to read customer products: %w", err)
	}
	if len(products) == 0 {
		return nil, nil
	}

	byID := lo.KeyBy(products, func(cp *billsync.CustomerProduct) string { return cp.ID })
	rows, err = q.Query(ctx,
		`SELECT id, customer_product_id, entitlement_id, feature_id, granted::text, purchased::text,
				usage::text, entity_usage, next_reset_at
			FROM customer_entitlements WHERE customer_product_id = ANY($1::text[]) ORDER BY seq`,
		lo.Keys(byID))
	if err != nil {
		return nil, fmt.Errorf("failed to query customer entitlements: %w", err)
	}

	entitlements, err := pgx.CollectRows(rows, scanEntitlement)
	if err != nil {
		return nil, fmt.Errorf("failed to read customer entitlements: %w", err)
	}
	for _, ce := range entitlements {
		cp := byID[ce.CustomerProductID]
		cp.CustomerEntitlements = append(cp.CustomerEntitlements, ce)
	}
	return products, nil
}

func scanProduct(row pgx.CollectableRow) (*billsync.CustomerProduct, error) {
	var cp billsync.CustomerProduct
	var product []byte
	var status string
	var startsAt *time.Time

	err := row.Scan(&cp.ID, &cp.InternalCustomerID, &cp.CustomerID, &cp.InternalEntityID, &cp.EntityID,
		&product, &status, &cp.SubscriptionIDs, &cp.ScheduledIDs, &cp.Canceled, &cp.CanceledAt,
		&cp.EndedAt, &startsAt, &cp.TrialEndsAt, &cp.CollectionMethod, &cp.Quantity, &cp.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(product, &cp.Product); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product snapshot: %w", err)
	}
	cp.Status = billsync.Status(status)
	if startsAt != nil {
		cp.StartsAt = *startsAt
	}
	return &cp, nil
}

func scanEntitlement(row pgx.CollectableRow) (*billsync.CustomerEntitlement, error) {
	var ce billsync.CustomerEntitlement
	var granted, purchased, usage string
	var entityUsage []byte

	err := row.Scan(&ce.ID, &ce.CustomerProductID, &ce.EntitlementID, &ce.FeatureID,
		&granted, &purchased, &usage, &entityUsage, &ce.NextResetAt)
	if err != nil {
		return nil, err
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&ce.Granted, granted}, {&ce.Purchased, purchased}, {&ce.Usage, usage}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("failed to parse balance: %w", err)
		}
	}
	if len(entityUsage) > 0 {
		if err := json.Unmarshal(entityUsage, &ce.EntityUsage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal entity usage: %w", err)
		}
	}
	return &ce, nil
}

// encodeEntityUsage returns nil for SQL NULL when usage is not tracked per entity.
func encodeEntityUsage(usage map[string]decimal.Decimal) (*string, error) {
	if usage == nil {
		return nil, nil
	}
	data, err := json.Marshal(usage)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entity usage: %w", err)
	}
	return lo.ToPtr(string(data)), nil
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
