package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/xuri/excelize/v2"
)

// catalogSchemaSQL is the DDL for the products table. Indexes mirror the
// columns discovery filters on.
const catalogSchemaSQL = `
CREATE TABLE IF NOT EXISTS products (
    PRODUCT_IDENTIFIER TEXT NOT NULL,
    PRODUCT_TYPE TEXT,
    PRODUCT_DESCRIPTION TEXT,
    BRAND_CODE TEXT,
    BRAND_LABEL TEXT,
    RANGE_CODE TEXT,
    RANGE_LABEL TEXT,
    SUBRANGE_CODE TEXT,
    SUBRANGE_LABEL TEXT,
    DEVICETYPE_LABEL TEXT,
    PL_SERVICES TEXT,
    COMMERCIAL_STATUS TEXT
);

CREATE INDEX IF NOT EXISTS idx_products_identifier ON products(PRODUCT_IDENTIFIER);
CREATE INDEX IF NOT EXISTS idx_products_range ON products(RANGE_LABEL);
CREATE INDEX IF NOT EXISTS idx_products_pl ON products(PL_SERVICES);
`

// catalogColumns is the canonical column order used by the importer.
var catalogColumns = []string{
	"PRODUCT_IDENTIFIER", "PRODUCT_TYPE", "PRODUCT_DESCRIPTION",
	"BRAND_CODE", "BRAND_LABEL", "RANGE_CODE", "RANGE_LABEL",
	"SUBRANGE_CODE", "SUBRANGE_LABEL", "DEVICETYPE_LABEL",
	"PL_SERVICES", "COMMERCIAL_STATUS",
}

// Importer builds the catalog database from the vendor's master workbook.
// It is the external construction step; the pipeline itself only ever opens
// the result read-only via Open.
type Importer struct {
	db *sql.DB
}

// NewImporter opens (or creates) a catalog database for writing. The
// rollback journal is kept at its default: the finished database must be
// openable read-only, which WAL mode does not guarantee.
func NewImporter(dbPath string) (*Importer, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening catalog for import: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging catalog: %w", err)
	}
	if _, err := db.Exec(catalogSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating catalog schema: %w", err)
	}
	return &Importer{db: db}, nil
}

// Close closes the underlying database connection.
func (i *Importer) Close() error {
	return i.db.Close()
}

// Import streams the first sheet of the master workbook into the products
// table, mapping columns by header name. Rows already present are replaced
// wholesale: the import truncates first, matching how the master table is
// republished. Returns the number of rows loaded.
func (i *Importer) Import(ctx context.Context, workbookPath string) (int, error) {
	f, err := excelize.OpenFile(workbookPath)
	if err != nil {
		return 0, fmt.Errorf("opening workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return 0, fmt.Errorf("workbook has no sheets")
	}

	rows, err := f.Rows(sheets[0])
	if err != nil {
		return 0, fmt.Errorf("reading sheet %q: %w", sheets[0], err)
	}
	defer rows.Close()

	// Header row maps workbook columns to catalog columns.
	if !rows.Next() {
		return 0, fmt.Errorf("sheet %q is empty", sheets[0])
	}
	header, err := rows.Columns()
	if err != nil {
		return 0, fmt.Errorf("reading header: %w", err)
	}
	colIndex := make(map[string]int, len(header))
	for idx, name := range header {
		colIndex[strings.ToUpper(strings.TrimSpace(name))] = idx
	}
	for _, col := range catalogColumns {
		if _, ok := colIndex[col]; !ok {
			return 0, fmt.Errorf("workbook missing column %s", col)
		}
	}

	start := time.Now()
	var loaded int
	err = i.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM products"); err != nil {
			return fmt.Errorf("truncating products: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO products (`+strings.Join(catalogColumns, ", ")+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for rows.Next() {
			cells, err := rows.Columns()
			if err != nil {
				return fmt.Errorf("reading row: %w", err)
			}

			args := make([]any, len(catalogColumns))
			for ai, col := range catalogColumns {
				idx := colIndex[col]
				if idx < len(cells) {
					args[ai] = strings.TrimSpace(cells[idx])
				} else {
					args[ai] = ""
				}
			}
			// Rows without an identifier are separator/noise rows.
			if args[0] == "" {
				continue
			}

			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return fmt.Errorf("inserting row %d: %w", loaded+1, err)
			}
			loaded++
		}
		return rows.Error()
	})
	if err != nil {
		return 0, err
	}

	slog.Info("catalog: import complete",
		"workbook", workbookPath, "rows", loaded,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return loaded, nil
}

// InsertProducts loads rows directly, for incremental additions and tests.
func (i *Importer) InsertProducts(ctx context.Context, products []Product) error {
	return i.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO products (`+strings.Join(catalogColumns, ", ")+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, p := range products {
			if _, err := stmt.ExecContext(ctx,
				p.ProductIdentifier, p.ProductType, p.ProductDescription,
				p.BrandCode, p.BrandLabel, p.RangeCode, p.RangeLabel,
				p.SubrangeCode, p.SubrangeLabel, p.DeviceTypeLabel,
				p.PLServices, p.CommercialStatus); err != nil {
				return fmt.Errorf("inserting product %q: %w", p.ProductIdentifier, err)
			}
		}
		return nil
	})
}

func (i *Importer) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}
