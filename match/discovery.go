// Package match turns extracted product ranges into validated catalog links:
// lexical candidate discovery over the catalog store followed by an LLM
// rerank pass that approves or rejects each candidate.
package match

import (
	"context"
	"log/slog"

	"github.com/humananalog/lettermatch/catalog"
	"github.com/humananalog/lettermatch/extract"
)

// CandidateRef is the projection of a catalog row handed to the reranker.
// Catalog entities never cross this boundary; only the fields the reranker
// needs travel with the candidate.
type CandidateRef struct {
	ProductIdentifier string  `json:"product_identifier"`
	RangeLabel        string  `json:"range_label"`
	SubrangeLabel     string  `json:"subrange_label"`
	Description       string  `json:"product_description"`
	BrandLabel        string  `json:"brand_label"`
	ProductLine       string  `json:"pl_services"`
	DeviceTypeLabel   string  `json:"devicetype_label"`
	CommercialStatus  string  `json:"commercial_status"`
	Confidence        float64 `json:"confidence_score"`
	MatchReason       string  `json:"match_reason"`
}

// RangeDiscovery traces one range's discovery pass.
type RangeDiscovery struct {
	RangeLabel string `json:"range_label"`
	Strategy   string `json:"search_strategy"`
	Candidates int    `json:"candidates"`
	ElapsedMs  int64  `json:"processing_time_ms"`
}

// Discovery finds catalog candidates for extracted ranges.
type Discovery struct {
	catalog *catalog.Store
	limit   int
}

// NewDiscovery creates a discovery stage. limit bounds candidates per range;
// 0 uses the catalog default of 1000.
func NewDiscovery(c *catalog.Store, limit int) *Discovery {
	return &Discovery{catalog: c, limit: limit}
}

// Discover builds a lexical filter from one extracted range and queries the
// catalog. Candidates start with zero confidence and no match reason; the
// reranker fills both. Discovery never fails a document: catalog errors
// surface as an empty candidate set.
func (d *Discovery) Discover(ctx context.Context, r extract.RangeInfo) ([]CandidateRef, RangeDiscovery) {
	result := d.catalog.Discover(ctx, catalog.Filters{
		RangeLabel:  r.RangeLabel,
		ProductLine: r.ProductLine,
		Description: r.Description,
	}, d.limit)

	trace := RangeDiscovery{
		RangeLabel: r.RangeLabel,
		Strategy:   result.Strategy,
		Candidates: len(result.Candidates),
		ElapsedMs:  result.ElapsedMs,
	}

	if len(result.Candidates) == 0 {
		slog.Warn("discovery: no candidates for range",
			"range", r.RangeLabel, "strategy", result.Strategy)
		return nil, trace
	}

	candidates := make([]CandidateRef, len(result.Candidates))
	for i, p := range result.Candidates {
		candidates[i] = CandidateRef{
			ProductIdentifier: p.ProductIdentifier,
			RangeLabel:        p.RangeLabel,
			SubrangeLabel:     p.SubrangeLabel,
			Description:       p.ProductDescription,
			BrandLabel:        p.BrandLabel,
			ProductLine:       p.PLServices,
			DeviceTypeLabel:   p.DeviceTypeLabel,
			CommercialStatus:  p.CommercialStatus,
		}
	}

	slog.Info("discovery: candidates found",
		"range", r.RangeLabel, "candidates", len(candidates),
		"strategy", result.Strategy, "elapsed_ms", result.ElapsedMs)
	return candidates, trace
}
