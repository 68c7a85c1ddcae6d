// Package extract runs the LLM metadata extractor on a raw document and
// normalizes its envelope into a typed record. The document goes to the
// model directly; no text extraction happens here.
package extract

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/humananalog/lettermatch/llm"
)

// Product line tags grouping ranges by business domain.
const (
	LinePowerSystems  = "PSIBS" // power systems
	LinePowerProducts = "PPIBS" // power products
	LineDigitalPower  = "DPIBS" // digital power / automation-control
	LineSecurePower   = "SPIBS" // secure power / UPS
)

// RangeInfo is one extracted product range paired with its description and
// inferred product line.
type RangeInfo struct {
	RangeLabel  string `json:"range_label"`
	Description string `json:"product_description"`
	ProductLine string `json:"product_line"`
}

// ExtractedLetter is the normalized extractor output.
type ExtractedLetter struct {
	DocumentType      string      `json:"document_type"`
	DocumentTitle     string      `json:"document_title"`
	Ranges            []RangeInfo `json:"ranges"`
	ProductTypes      []string    `json:"product_types"`
	OverallConfidence float64     `json:"overall_confidence"`
	// Raw is the extractor's response content, preserved verbatim for
	// forensic replay.
	Raw string `json:"-"`
}

// Extractor drives the "extract" prompt template against the LLM client.
type Extractor struct {
	client *llm.Client
	prompt llm.Prompt
}

// New creates an extraction stage.
func New(client *llm.Client, prompt llm.Prompt) *Extractor {
	return &Extractor{client: client, prompt: prompt}
}

// Extract sends the document to the extractor and normalizes the result.
// The returned llm.Result carries the raw outcome either way; letter is nil
// when the invocation failed.
func (e *Extractor) Extract(ctx context.Context, docName, docPath string, docSize int64) (*ExtractedLetter, *llm.Result) {
	userPrompt := e.prompt.Render(map[string]string{
		"document_name":    docName,
		"document_content": docPath,
	})

	res := e.client.Invoke(ctx, llm.OpExtract, e.prompt.System, userPrompt, llm.Meta{
		DocumentName: docName,
		DocumentSize: docSize,
		TemplateName: e.prompt.Name,
	})
	if !res.Success {
		return nil, res
	}

	letter := Normalize(res.Data)
	letter.OverallConfidence = res.Confidence
	letter.Raw = res.Raw

	slog.Info("extract: metadata extracted",
		"document", docName, "ranges", len(letter.Ranges),
		"confidence", strconv.FormatFloat(letter.OverallConfidence, 'f', 2, 64),
		"attempts", res.Attempts)
	return letter, res
}

// Normalize converts a raw extractor envelope into an ExtractedLetter.
// ranges[i] pairs with descriptions[i] when both arrays exist; a missing
// description defaults to empty. An empty ranges array is a valid result.
func Normalize(data map[string]any) *ExtractedLetter {
	letter := &ExtractedLetter{}

	if info, ok := data["document_information"].(map[string]any); ok {
		letter.DocumentType = stringField(info, "document_type")
		letter.DocumentTitle = stringField(info, "document_title")
	}

	var ranges, descriptions []string
	if ident, ok := data["product_identification"].(map[string]any); ok {
		ranges = stringSlice(ident["ranges"])
		descriptions = stringSlice(ident["descriptions"])
		letter.ProductTypes = stringSlice(ident["product_types"])
	}

	for i, label := range ranges {
		desc := ""
		if i < len(descriptions) {
			desc = descriptions[i]
		}
		letter.Ranges = append(letter.Ranges, RangeInfo{
			RangeLabel:  label,
			Description: desc,
			ProductLine: InferProductLine(label, letter.ProductTypes),
		})
	}
	return letter
}

// InferProductLine maps a range label (and the letter's product types) to a
// product line tag. Keyword heuristic; the reranker is expected to catch
// misclassifications.
func InferProductLine(rangeLabel string, productTypes []string) string {
	label := strings.ToLower(rangeLabel)

	switch {
	case containsAny(label, "ups", "galaxy", "uninterruptible", "backup"):
		return LineSecurePower
	case containsAny(label, "acb", "masterpact", "powerpact", "easypact"):
		return LinePowerProducts
	case containsAny(label, "plc", "automation", "control"):
		return LineDigitalPower
	case containsAny(label, "power", "distribution", "transformer"):
		return LinePowerSystems
	}

	for _, pt := range productTypes {
		lower := strings.ToLower(pt)
		if strings.Contains(lower, "medium voltage") {
			return LinePowerSystems
		}
		if strings.Contains(lower, "low voltage") {
			return LinePowerProducts
		}
	}

	return LinePowerSystems
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
