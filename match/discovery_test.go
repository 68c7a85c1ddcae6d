//go:build cgo

package match

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/humananalog/lettermatch/catalog"
	"github.com/humananalog/lettermatch/extract"
)

func newTestCatalog(t *testing.T, products []catalog.Product) *catalog.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")

	imp, err := catalog.NewImporter(dbPath)
	if err != nil {
		t.Fatalf("creating importer: %v", err)
	}
	if err := imp.InsertProducts(context.Background(), products); err != nil {
		t.Fatalf("seeding catalog: %v", err)
	}
	imp.Close()

	s, err := catalog.Open(dbPath)
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func galaxyProducts() []catalog.Product {
	return []catalog.Product{
		{
			ProductIdentifier:  "GAL6-10KVA",
			ProductDescription: "Galaxy 6000 10kVA three-phase UPS",
			BrandLabel:         "MGE",
			RangeLabel:         "Galaxy 6000",
			SubrangeLabel:      "10-30kVA",
			DeviceTypeLabel:    "UPS",
			PLServices:         "SPIBS",
			CommercialStatus:   "end-of-commercialization",
		},
		{
			ProductIdentifier:  "PIX2B-1234",
			ProductDescription: "PIX medium voltage switchgear",
			RangeLabel:         "PIX",
			DeviceTypeLabel:    "Switchgear",
			PLServices:         "PSIBS",
			CommercialStatus:   "commercialized",
		},
	}
}

func TestDiscoverProjectsCandidates(t *testing.T) {
	d := NewDiscovery(newTestCatalog(t, galaxyProducts()), 1000)

	candidates, trace := d.Discover(context.Background(), extract.RangeInfo{
		RangeLabel:  "Galaxy 6000",
		Description: "UPS system",
		ProductLine: "SPIBS",
	})

	if len(candidates) != 1 {
		t.Fatalf("candidates = %d, want 1", len(candidates))
	}
	c := candidates[0]
	if c.ProductIdentifier != "GAL6-10KVA" {
		t.Errorf("identifier = %q", c.ProductIdentifier)
	}
	if c.BrandLabel != "MGE" || c.SubrangeLabel != "10-30kVA" {
		t.Errorf("projection lost fields: %+v", c)
	}
	if c.CommercialStatus != "end-of-commercialization" {
		t.Errorf("commercial status = %q", c.CommercialStatus)
	}
	// The reranker owns these.
	if c.Confidence != 0 || c.MatchReason != "" {
		t.Errorf("confidence/reason must start empty: %+v", c)
	}

	if trace.RangeLabel != "Galaxy 6000" || trace.Candidates != 1 {
		t.Errorf("trace = %+v", trace)
	}
	if trace.Strategy == "" {
		t.Error("trace missing strategy")
	}
}

func TestDiscoverNoCandidates(t *testing.T) {
	d := NewDiscovery(newTestCatalog(t, galaxyProducts()), 1000)

	candidates, trace := d.Discover(context.Background(), extract.RangeInfo{
		RangeLabel: "Does Not Exist",
	})
	if candidates != nil {
		t.Errorf("candidates = %v, want nil", candidates)
	}
	if trace.Candidates != 0 {
		t.Errorf("trace candidates = %d, want 0", trace.Candidates)
	}
}

func TestDiscoverLimitApplies(t *testing.T) {
	products := galaxyProducts()
	products = append(products, catalog.Product{
		ProductIdentifier: "GAL6-20KVA",
		RangeLabel:        "Galaxy 6000",
		PLServices:        "SPIBS",
	})
	d := NewDiscovery(newTestCatalog(t, products), 1)

	candidates, _ := d.Discover(context.Background(), extract.RangeInfo{RangeLabel: "Galaxy 6000"})
	if len(candidates) != 1 {
		t.Errorf("candidates = %d, want 1 (limit)", len(candidates))
	}
}
