package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Product is one row of the product master table. All columns this pipeline
// reads; the table itself is owned by an external process.
type Product struct {
	ProductIdentifier  string `json:"product_identifier"`
	ProductType        string `json:"product_type"`
	ProductDescription string `json:"product_description"`
	BrandCode          string `json:"brand_code"`
	BrandLabel         string `json:"brand_label"`
	RangeCode          string `json:"range_code"`
	RangeLabel         string `json:"range_label"`
	SubrangeCode       string `json:"subrange_code"`
	SubrangeLabel      string `json:"subrange_label"`
	DeviceTypeLabel    string `json:"devicetype_label"`
	PLServices         string `json:"pl_services"`
	CommercialStatus   string `json:"commercial_status"`
}

// Filters narrows a discovery query. All fields are optional; values are
// bound as parameters, never interpolated, so extractor output cannot reach
// the SQL text.
type Filters struct {
	ProductIdentifier string `json:"product_identifier,omitempty"`
	RangeLabel        string `json:"range_label,omitempty"`
	ProductLine       string `json:"product_line,omitempty"`
	Description       string `json:"product_description,omitempty"`
}

// DiscoveryResult carries the candidates with query provenance.
type DiscoveryResult struct {
	Candidates []Product     `json:"candidates"`
	Strategy   string        `json:"search_strategy"`
	Elapsed    time.Duration `json:"-"`
	ElapsedMs  int64         `json:"processing_time_ms"`
}

// LabelCount is one aggregation bucket.
type LabelCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Stats summarizes the catalog.
type Stats struct {
	TotalProducts int          `json:"total_products"`
	ProductLines  []LabelCount `json:"product_line_distribution"`
	Brands        []LabelCount `json:"brand_distribution"`
}

// Store provides read-only lexical access to the product master table.
type Store struct {
	db *sql.DB
}

// Open connects to an existing catalog database. The connection is opened
// read-only; this subsystem never writes the catalog.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging catalog: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Store{db: db}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// deviceTypeKeywords maps description keywords to a DEVICETYPE_LABEL
// predicate used to prune unrelated rows. First hit wins.
var deviceTypeKeywords = []struct {
	keywords []string
	pattern  string
}{
	{[]string{"switchgear"}, "%switchgear%"},
	{[]string{"transformer"}, "%transformer%"},
	{[]string{"drive", "vsd"}, "%drive%"},
	{[]string{"contactor"}, "%contactor%"},
	{[]string{"relay"}, "%relay%"},
}

// Discover runs a single lexical query over the catalog and returns up to
// limit candidates ordered by product identifier. Primary predicates
// (identifier, range label) are OR-combined; when absent, the product-line
// prefix takes their place; a device-type predicate derived from the
// description keywords is ANDed in when it matches. Errors are soft: the
// caller gets an empty candidate set and a log line, never an error.
func (s *Store) Discover(ctx context.Context, f Filters, limit int) DiscoveryResult {
	start := time.Now()
	if limit <= 0 {
		limit = 1000
	}

	var primary, secondary []string
	var primaryArgs, secondaryArgs []any
	var fired []string

	if f.ProductIdentifier != "" {
		primary = append(primary, "PRODUCT_IDENTIFIER LIKE ?")
		primaryArgs = append(primaryArgs, "%"+f.ProductIdentifier+"%")
		fired = append(fired, "product_identifier")
	}
	if f.RangeLabel != "" {
		primary = append(primary, "RANGE_LABEL LIKE ?")
		primaryArgs = append(primaryArgs, "%"+f.RangeLabel+"%")
		fired = append(fired, "range_label")
	}
	if f.ProductLine != "" {
		// "PSIBS (Power Systems)" filters on the code before the parenthesis.
		prefix := strings.TrimSpace(strings.SplitN(f.ProductLine, "(", 2)[0])
		if prefix != "" {
			secondary = append(secondary, "PL_SERVICES LIKE ?")
			secondaryArgs = append(secondaryArgs, "%"+prefix+"%")
			fired = append(fired, "product_line")
		}
	}

	var devicePattern string
	if f.Description != "" {
		desc := strings.ToLower(f.Description)
		for _, dt := range deviceTypeKeywords {
			for _, kw := range dt.keywords {
				if strings.Contains(desc, kw) {
					devicePattern = dt.pattern
					break
				}
			}
			if devicePattern != "" {
				break
			}
		}
		if devicePattern != "" {
			fired = append(fired, "product_description")
		}
	}

	var conds []string
	var args []any
	switch {
	case len(primary) > 0:
		conds = append(conds, "("+strings.Join(primary, " OR ")+")")
		args = append(args, primaryArgs...)
		if devicePattern != "" {
			conds = append(conds, "DEVICETYPE_LABEL LIKE ?")
			args = append(args, devicePattern)
		}
	case len(secondary) > 0:
		// Only support filters: promote them to the primary position.
		conds = append(conds, "("+strings.Join(secondary, " OR ")+")")
		args = append(args, secondaryArgs...)
		if devicePattern != "" {
			conds = append(conds, "DEVICETYPE_LABEL LIKE ?")
			args = append(args, devicePattern)
		}
	case devicePattern != "":
		conds = append(conds, "DEVICETYPE_LABEL LIKE ?")
		args = append(args, devicePattern)
	}

	query := `
		SELECT PRODUCT_IDENTIFIER, PRODUCT_TYPE, PRODUCT_DESCRIPTION,
			BRAND_CODE, BRAND_LABEL, RANGE_CODE, RANGE_LABEL,
			SUBRANGE_CODE, SUBRANGE_LABEL, DEVICETYPE_LABEL,
			PL_SERVICES, COMMERCIAL_STATUS
		FROM products`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY PRODUCT_IDENTIFIER LIMIT ?"
	args = append(args, limit)

	strategy := "fallback"
	if len(fired) > 0 {
		strategy = strings.Join(fired, "+")
	}

	candidates, err := s.queryProducts(ctx, query, args...)
	if err != nil {
		slog.Error("catalog: discovery query failed", "strategy", strategy, "error", err)
		return DiscoveryResult{Strategy: "error", Elapsed: time.Since(start),
			ElapsedMs: time.Since(start).Milliseconds()}
	}

	elapsed := time.Since(start)
	return DiscoveryResult{
		Candidates: candidates,
		Strategy:   strategy,
		Elapsed:    elapsed,
		ElapsedMs:  elapsed.Milliseconds(),
	}
}

// Stats returns catalog totals and the top-10 product-line and brand buckets.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM products").Scan(&stats.TotalProducts); err != nil {
		return nil, fmt.Errorf("counting products: %w", err)
	}

	var err error
	stats.ProductLines, err = s.labelCounts(ctx, "PL_SERVICES")
	if err != nil {
		return nil, fmt.Errorf("aggregating product lines: %w", err)
	}
	stats.Brands, err = s.labelCounts(ctx, "BRAND_LABEL")
	if err != nil {
		return nil, fmt.Errorf("aggregating brands: %w", err)
	}
	return stats, nil
}

// Healthcheck verifies the catalog connection is usable.
func (s *Store) Healthcheck(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("catalog healthcheck: %w", err)
	}
	return nil
}

// labelCounts aggregates a single whitelisted column, capped at 10 buckets.
func (s *Store) labelCounts(ctx context.Context, column string) ([]LabelCount, error) {
	switch column {
	case "PL_SERVICES", "BRAND_LABEL":
	default:
		return nil, fmt.Errorf("column %q not allowed", column)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(`+column+`, ''), COUNT(*) AS count
		FROM products
		GROUP BY `+column+`
		ORDER BY count DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var counts []LabelCount
	for rows.Next() {
		var lc LabelCount
		if err := rows.Scan(&lc.Label, &lc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, lc)
	}
	return counts, rows.Err()
}

func (s *Store) queryProducts(ctx context.Context, query string, args ...any) ([]Product, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []Product
	for rows.Next() {
		var p Product
		var fields [12]sql.NullString
		if err := rows.Scan(&fields[0], &fields[1], &fields[2], &fields[3],
			&fields[4], &fields[5], &fields[6], &fields[7], &fields[8],
			&fields[9], &fields[10], &fields[11]); err != nil {
			return nil, err
		}
		p.ProductIdentifier = fields[0].String
		p.ProductType = fields[1].String
		p.ProductDescription = fields[2].String
		p.BrandCode = fields[3].String
		p.BrandLabel = fields[4].String
		p.RangeCode = fields[5].String
		p.RangeLabel = fields[6].String
		p.SubrangeCode = fields[7].String
		p.SubrangeLabel = fields[8].String
		p.DeviceTypeLabel = fields[9].String
		p.PLServices = fields[10].String
		p.CommercialStatus = fields[11].String
		products = append(products, p)
	}
	return products, rows.Err()
}
