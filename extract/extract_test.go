package extract

import (
	"encoding/json"
	"testing"
)

func TestNormalizePairsRangesAndDescriptions(t *testing.T) {
	data := map[string]any{
		"document_information": map[string]any{
			"document_type":  "obsolescence_letter",
			"document_title": "Galaxy 6000 end of service",
		},
		"product_identification": map[string]any{
			"ranges":        []any{"Galaxy 6000", "Galaxy PW"},
			"descriptions":  []any{"UPS system"},
			"product_types": []any{"low voltage"},
		},
	}

	letter := Normalize(data)

	if letter.DocumentType != "obsolescence_letter" {
		t.Errorf("document type = %q", letter.DocumentType)
	}
	if len(letter.Ranges) != 2 {
		t.Fatalf("ranges = %d, want 2", len(letter.Ranges))
	}
	if letter.Ranges[0].Description != "UPS system" {
		t.Errorf("range[0] description = %q", letter.Ranges[0].Description)
	}
	// Second range has no aligned description.
	if letter.Ranges[1].Description != "" {
		t.Errorf("range[1] description = %q, want empty", letter.Ranges[1].Description)
	}
	if letter.Ranges[0].ProductLine != LineSecurePower {
		t.Errorf("range[0] product line = %q, want %q", letter.Ranges[0].ProductLine, LineSecurePower)
	}
}

func TestNormalizeEmptyRanges(t *testing.T) {
	data := map[string]any{
		"product_identification": map[string]any{
			"ranges": []any{},
		},
	}

	letter := Normalize(data)
	if len(letter.Ranges) != 0 {
		t.Errorf("ranges = %d, want 0", len(letter.Ranges))
	}
}

func TestNormalizeMissingSections(t *testing.T) {
	letter := Normalize(map[string]any{})
	if letter == nil {
		t.Fatal("Normalize returned nil")
	}
	if len(letter.Ranges) != 0 || letter.DocumentType != "" {
		t.Errorf("letter = %+v, want zero values", letter)
	}
}

func TestNormalizeFromRealEnvelope(t *testing.T) {
	// Envelope shape as the extractor actually returns it.
	raw := `{
		"document_information": {"document_type": "obsolescence_letter", "document_title": "PIX withdrawal"},
		"product_identification": {
			"ranges": ["PIX"],
			"descriptions": ["Medium voltage switchgear"],
			"product_types": ["medium voltage"]
		},
		"extraction_confidence": 0.82
	}`
	var data map[string]any
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}

	letter := Normalize(data)
	if len(letter.Ranges) != 1 {
		t.Fatalf("ranges = %d, want 1", len(letter.Ranges))
	}
	if letter.Ranges[0].ProductLine != LinePowerSystems {
		t.Errorf("product line = %q, want %q (medium voltage)", letter.Ranges[0].ProductLine, LinePowerSystems)
	}
}

func TestInferProductLine(t *testing.T) {
	tests := []struct {
		name         string
		rangeLabel   string
		productTypes []string
		want         string
	}{
		{"galaxy is secure power", "Galaxy 6000", nil, LineSecurePower},
		{"ups keyword", "Silcon UPS", nil, LineSecurePower},
		{"uninterruptible keyword", "Uninterruptible supply X", nil, LineSecurePower},
		{"masterpact is power products", "Masterpact NT", nil, LinePowerProducts},
		{"acb keyword", "ACB frame 2", nil, LinePowerProducts},
		{"easypact keyword", "EasyPact EZC", nil, LinePowerProducts},
		{"plc is digital power", "Modicon PLC", nil, LineDigitalPower},
		{"automation keyword", "Factory automation suite", nil, LineDigitalPower},
		{"transformer is power systems", "Trihal transformer", nil, LinePowerSystems},
		{"distribution keyword", "Distribution panel D", nil, LinePowerSystems},
		{"medium voltage type", "PIX", []string{"Medium Voltage equipment"}, LinePowerSystems},
		{"low voltage type", "NSX", []string{"Low Voltage equipment"}, LinePowerProducts},
		{"default", "Unknowable", nil, LinePowerSystems},
		// Range keywords outrank product types.
		{"keyword beats type", "Galaxy 3500", []string{"low voltage"}, LineSecurePower},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InferProductLine(tt.rangeLabel, tt.productTypes); got != tt.want {
				t.Errorf("InferProductLine(%q, %v) = %q, want %q",
					tt.rangeLabel, tt.productTypes, got, tt.want)
			}
		})
	}
}

func TestStringSliceToleratesMixedTypes(t *testing.T) {
	got := stringSlice([]any{"a", 1.5, "b", nil})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("stringSlice = %v, want [a b]", got)
	}
	if stringSlice("not a slice") != nil {
		t.Error("non-slice input must yield nil")
	}
}
