// Package catalog is the product catalog: a SQLite store seeded from YAML,
// queried by free-text search, popularity and SKU.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrProductNotFound is returned by Lookup for an unknown SKU.
var ErrProductNotFound = errors.New("product not found")

// Product is one sellable item or modifier.
type Product struct {
	SKU        string  `yaml:"sku" json:"sku"`
	Name       string  `yaml:"name" json:"name"`
	Price      float64 `yaml:"price" json:"price"`
	Category   string  `yaml:"category" json:"category,omitempty"`
	Popularity int     `yaml:"popularity" json:"popularity,omitempty"`
	Modifier   bool    `yaml:"modifier" json:"modifier,omitempty"`
}

// Query is a free-text product search.
type Query struct {
	Text      string
	Max       int
	Modifiers bool // search modifiers instead of sellable items
}

// Catalog is the read side used by tools, stages and the synchronizer.
type Catalog interface {
	Search(ctx context.Context, q Query) ([]Product, error)
	Popular(ctx context.Context, n int) ([]Product, error)
	Lookup(ctx context.Context, sku string) (*Product, error)
	InventoryHint(ctx context.Context, n int) (string, error)
}

// SQLiteCatalog implements Catalog on modernc.org/sqlite.
type SQLiteCatalog struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
}

// Option configures a SQLiteCatalog.
type Option func(*SQLiteCatalog)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *SQLiteCatalog) {
		c.logger = logger
	}
}

var _ Catalog = (*SQLiteCatalog)(nil)

// Open opens (and migrates) the catalog database at path. ":memory:" keeps
// the catalog in process memory.
func Open(path string, opts ...Option) (*SQLiteCatalog, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create catalog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping catalog: %w", err)
	}

	c := &SQLiteCatalog{db: db, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return c, nil
}

func (c *SQLiteCatalog) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS products (
		sku TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		name_lower TEXT NOT NULL,
		price REAL NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		popularity INTEGER NOT NULL DEFAULT 0,
		modifier INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_products_name_lower ON products(name_lower);
	CREATE INDEX IF NOT EXISTS idx_products_popularity ON products(popularity DESC);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Close closes the database.
func (c *SQLiteCatalog) Close() error {
	return c.db.Close()
}

// Upsert inserts or replaces products in one transaction.
func (c *SQLiteCatalog) Upsert(ctx context.Context, products []Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO products (sku, name, name_lower, price, category, popularity, modifier)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(sku) DO UPDATE SET
		name = excluded.name,
		name_lower = excluded.name_lower,
		price = excluded.price,
		category = excluded.category,
		popularity = excluded.popularity,
		modifier = excluded.modifier
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, p := range products {
		if p.SKU == "" || strings.TrimSpace(p.Name) == "" {
			return fmt.Errorf("product %q: sku and name are required", p.SKU)
		}
		if _, err := stmt.ExecContext(ctx, p.SKU, p.Name, strings.ToLower(p.Name), p.Price, p.Category, p.Popularity, boolInt(p.Modifier)); err != nil {
			return fmt.Errorf("upsert %s: %w", p.SKU, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	c.logger.Debug("catalog upserted", zap.Int("products", len(products)))
	return nil
}

// Search matches products whose name contains every query word, falling back
// to any word when nothing matches all of them. Exact name matches rank
// first, then popularity.
func (c *SQLiteCatalog) Search(ctx context.Context, q Query) ([]Product, error) {
	words := strings.Fields(strings.ToLower(q.Text))
	if len(words) == 0 {
		return nil, nil
	}
	limit := q.Max
	if limit <= 0 {
		limit = 10
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	found, err := c.search(ctx, words, " AND ", q, limit)
	if err != nil || len(found) > 0 || len(words) == 1 {
		return found, err
	}
	return c.search(ctx, words, " OR ", q, limit)
}

func (c *SQLiteCatalog) search(ctx context.Context, words []string, join string, q Query, limit int) ([]Product, error) {
	clauses := make([]string, 0, len(words))
	args := make([]interface{}, 0, len(words)+4)
	for _, w := range words {
		clauses = append(clauses, "name_lower LIKE ?")
		args = append(args, "%"+w+"%")
	}
	exact := strings.Join(words, " ")
	query := `
	SELECT sku, name, price, category, popularity, modifier
	FROM products
	WHERE modifier = ? AND ((` + strings.Join(clauses, join) + `) OR lower(sku) = ?)
	ORDER BY CASE WHEN name_lower = ? THEN 0 ELSE 1 END, popularity DESC, name
	LIMIT ?`
	args = append([]interface{}{boolInt(q.Modifiers)}, args...)
	args = append(args, exact, exact, limit)

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q.Text, err)
	}
	return scanProducts(rows)
}

// Popular returns the n most popular sellable items.
func (c *SQLiteCatalog) Popular(ctx context.Context, n int) ([]Product, error) {
	if n <= 0 {
		return nil, nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, `
	SELECT sku, name, price, category, popularity, modifier
	FROM products
	WHERE modifier = 0
	ORDER BY popularity DESC, name
	LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("popular items: %w", err)
	}
	return scanProducts(rows)
}

// Lookup returns the product with the given SKU.
func (c *SQLiteCatalog) Lookup(ctx context.Context, sku string) (*Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var p Product
	var modifier int
	err := c.db.QueryRowContext(ctx, `
	SELECT sku, name, price, category, popularity, modifier
	FROM products WHERE sku = ?`, sku).
		Scan(&p.SKU, &p.Name, &p.Price, &p.Category, &p.Popularity, &modifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrProductNotFound, sku)
	}
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", sku, err)
	}
	p.Modifier = modifier != 0
	return &p, nil
}

// InventoryHint is a short comma-separated list of popular item names.
func (c *SQLiteCatalog) InventoryHint(ctx context.Context, n int) (string, error) {
	products, err := c.Popular(ctx, n)
	if err != nil {
		return "", err
	}
	names := make([]string, len(products))
	for i, p := range products {
		names[i] = p.Name
	}
	return strings.Join(names, ", "), nil
}

// Count returns the number of products, modifiers included.
func (c *SQLiteCatalog) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var n int
	if err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM products").Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func scanProducts(rows *sql.Rows) ([]Product, error) {
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		var modifier int
		if err := rows.Scan(&p.SKU, &p.Name, &p.Price, &p.Category, &p.Popularity, &modifier); err != nil {
			return nil, err
		}
		p.Modifier = modifier != 0
		out = append(out, p)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
