// Package schema carries the business schema for agency tenant databases as
// versioned migration steps. The migration engine treats every statement here
// as opaque text; this package is the only place that knows what the tables
// mean.
package schema

import "github.com/basket/agencydb/internal/migration"

// Steps returns the full versioned history of the tenant schema, ascending.
// Never edit a released step in place; schema changes are new versions.
func Steps() []migration.Step {
	return []migration.Step{
		{
			Version:     1,
			Description: "agencies ledger",
			Up: []string{`
				CREATE TABLE agencies (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					city TEXT NOT NULL DEFAULT '',
					phone TEXT NOT NULL DEFAULT '',
					active INTEGER NOT NULL DEFAULT 1,
					created_at INTEGER NOT NULL
				);`,
			},
			Down: []string{`DROP TABLE agencies;`},
		},
		{
			Version:     2,
			Description: "product catalog",
			Up: []string{`
				CREATE TABLE products (
					id TEXT PRIMARY KEY,
					sku TEXT NOT NULL UNIQUE,
					name TEXT NOT NULL,
					unit TEXT NOT NULL DEFAULT 'piece',
					price_cents INTEGER NOT NULL DEFAULT 0 CHECK(price_cents >= 0),
					stock INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL
				);`,
				`CREATE INDEX idx_products_sku ON products(sku);`,
			},
			Down: []string{`DROP TABLE products;`},
		},
		{
			Version:     3,
			Description: "customers",
			Up: []string{`
				CREATE TABLE customers (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					address TEXT NOT NULL DEFAULT '',
					phone TEXT NOT NULL DEFAULT '',
					balance_cents INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL
				);`,
				`CREATE INDEX idx_customers_name ON customers(name);`,
			},
			Down: []string{`DROP TABLE customers;`},
		},
		{
			Version:     4,
			Description: "orders and order lines",
			Up: []string{`
				CREATE TABLE orders (
					id TEXT PRIMARY KEY,
					customer_id TEXT NOT NULL REFERENCES customers(id),
					status TEXT NOT NULL DEFAULT 'draft'
						CHECK(status IN ('draft', 'confirmed', 'delivered', 'cancelled')),
					total_cents INTEGER NOT NULL DEFAULT 0,
					created_at INTEGER NOT NULL,
					updated_at INTEGER NOT NULL
				);`, `
				CREATE TABLE order_lines (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					order_id TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
					product_id TEXT NOT NULL REFERENCES products(id),
					quantity INTEGER NOT NULL CHECK(quantity > 0),
					unit_price_cents INTEGER NOT NULL
				);`,
				`CREATE INDEX idx_orders_customer ON orders(customer_id);`,
				`CREATE INDEX idx_order_lines_order ON order_lines(order_id);`,
			},
			Down: []string{
				`DROP TABLE order_lines;`,
				`DROP TABLE orders;`,
			},
		},
		{
			Version:     5,
			Description: "stock movements",
			Up: []string{`
				CREATE TABLE stock_movements (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					product_id TEXT NOT NULL REFERENCES products(id),
					delta INTEGER NOT NULL,
					reason TEXT NOT NULL CHECK(reason IN ('purchase', 'sale', 'adjustment', 'return')),
					order_id TEXT REFERENCES orders(id),
					moved_at INTEGER NOT NULL
				);`,
				`CREATE INDEX idx_stock_movements_product ON stock_movements(product_id);`,
			},
			Down: []string{`DROP TABLE stock_movements;`},
		},
		{
			Version:     6,
			Description: "employee accounts",
			Up: []string{`
				CREATE TABLE employees (
					id TEXT PRIMARY KEY,
					username TEXT NOT NULL UNIQUE,
					display_name TEXT NOT NULL,
					role TEXT NOT NULL DEFAULT 'standard'
						CHECK(role IN ('operator', 'standard')),
					password_hash TEXT NOT NULL,
					active INTEGER NOT NULL DEFAULT 1,
					created_at INTEGER NOT NULL
				);`,
			},
			Down: []string{`DROP TABLE employees;`},
		},
		{
			Version:     7,
			Description: "audit log mirror",
			Up: []string{`
				CREATE TABLE audit_log (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					kind TEXT NOT NULL,
					agency_id TEXT,
					actor_id TEXT,
					version INTEGER,
					outcome TEXT,
					detail TEXT,
					created_at INTEGER NOT NULL
				);`,
				`CREATE INDEX idx_audit_log_kind ON audit_log(kind);`,
			},
			Down: []string{`DROP TABLE audit_log;`},
		},
		{
			Version:     8,
			Description: "customer balance backfill",
			// Data backfill over rows created before balances existed. There
			// is no way to unscramble a data migration.
			Up: []string{`
				UPDATE customers SET balance_cents = 0 WHERE balance_cents IS NULL;`,
			},
		},
	}
}

// RequiredTables lists the tables every fully migrated tenant must have.
func RequiredTables() []string {
	return []string{
		"agencies",
		"products",
		"customers",
		"orders",
		"order_lines",
		"stock_movements",
		"employees",
		"audit_log",
		"schema_migrations",
	}
}

// Probes returns the validation rules run by doctor and maintenance sweeps.
// Ordered roughly by severity; the first violated rule names the sweep.
func Probes() []migration.Probe {
	return []migration.Probe{
		{
			Name:  "foreign-key-integrity",
			Kind:  migration.ProbeStructural,
			Query: `PRAGMA foreign_key_check;`,
		},
		{
			Name: "no-orphaned-order-lines",
			Kind: migration.ProbeViolationCount,
			Query: `SELECT COUNT(*) FROM order_lines ol
				LEFT JOIN orders o ON o.id = ol.order_id
				WHERE o.id IS NULL;`,
		},
		{
			Name:  "no-negative-stock",
			Kind:  migration.ProbeViolationCount,
			Query: `SELECT COUNT(*) FROM products WHERE stock < 0;`,
		},
		{
			Name:  "no-negative-prices",
			Kind:  migration.ProbeViolationCount,
			Query: `SELECT COUNT(*) FROM products WHERE price_cents < 0;`,
		},
		{
			Name: "order-totals-match-lines",
			Kind: migration.ProbeViolationCount,
			Query: `SELECT COUNT(*) FROM orders o
				WHERE o.status != 'draft' AND o.total_cents != (
					SELECT COALESCE(SUM(ol.quantity * ol.unit_price_cents), 0)
					FROM order_lines ol WHERE ol.order_id = o.id
				);`,
		},
	}
}

// NewRegistry builds the migration registry for the business schema.
func NewRegistry() (*migration.Registry, error) {
	return migration.NewRegistry(Steps())
}
