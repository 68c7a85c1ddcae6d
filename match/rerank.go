package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/humananalog/lettermatch/extract"
	"github.com/humananalog/lettermatch/llm"
)

// MatchTypeFinal tags matches approved by the final LLM validation pass.
const MatchTypeFinal = "final-llm-validated"

// ValidatedProduct is one catalog link approved by the reranker.
type ValidatedProduct struct {
	ProductIdentifier      string  `json:"product_identifier"`
	RangeLabel             string  `json:"range_label"`
	Confidence             float64 `json:"confidence"`
	ValidationReason       string  `json:"validation_reason"`
	TechnicalMatchScore    float64 `json:"technical_match_score"`
	NomenclatureMatchScore float64 `json:"nomenclature_match_score"`
	ProductLineMatchScore  float64 `json:"product_line_match_score"`
}

// RerankResult is the reranker's decision record.
type RerankResult struct {
	ValidatedProducts    []ValidatedProduct `json:"validated_products"`
	ValidationConfidence float64            `json:"validation_confidence"`
	ValidationErrors     []string           `json:"validation_errors"`
	// Raw is the reranker's response content, empty when no LLM call was
	// needed (no candidates to validate).
	Raw string `json:"-"`
}

// Reranker passes discovered candidates back to the LLM for final approval.
type Reranker struct {
	client        *llm.Client
	prompt        llm.Prompt
	maxCandidates int
}

// NewReranker creates the final validation stage. maxCandidates caps how
// many candidates are embedded in the prompt; 0 embeds all of them.
func NewReranker(client *llm.Client, prompt llm.Prompt, maxCandidates int) *Reranker {
	return &Reranker{client: client, prompt: prompt, maxCandidates: maxCandidates}
}

// Validate asks the LLM to approve candidates against the extracted letter.
// Products whose identifier is not in the candidate set are dropped so a
// hallucinated SKU can never reach the database, and confidences are capped
// into [0,1]. An empty candidate set short-circuits without an LLM call.
// A failed or schema-invalid response is fatal for the document.
func (r *Reranker) Validate(ctx context.Context, letter *extract.ExtractedLetter, candidates []CandidateRef, docName string) (*RerankResult, error) {
	if len(candidates) == 0 {
		slog.Info("rerank: no candidates to validate", "document", docName)
		return &RerankResult{
			ValidationErrors: []string{"No products to validate"},
		}, nil
	}

	embedded := candidates
	if r.maxCandidates > 0 && len(embedded) > r.maxCandidates {
		slog.Warn("rerank: truncating candidate list for prompt",
			"document", docName, "candidates", len(candidates), "cap", r.maxCandidates)
		embedded = embedded[:r.maxCandidates]
	}

	letterJSON, err := json.MarshalIndent(letter, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing extracted letter: %w", err)
	}
	candidatesJSON, err := json.MarshalIndent(embedded, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing candidates: %w", err)
	}

	userPrompt := r.prompt.Render(map[string]string{
		"extracted_letter": string(letterJSON),
		"candidates":       string(candidatesJSON),
	})

	res := r.client.Invoke(ctx, llm.OpRerank, r.prompt.System, userPrompt, llm.Meta{
		DocumentName: docName,
		TemplateName: r.prompt.Name,
	})
	if !res.Success {
		return nil, fmt.Errorf("rerank invocation: %s", res.Error)
	}

	result, err := parseRerank(res.Data)
	if err != nil {
		return nil, err
	}
	result.Raw = res.Raw

	// Post-filter: only identifiers from the candidate set survive.
	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ProductIdentifier] = true
	}

	kept := result.ValidatedProducts[:0]
	for _, vp := range result.ValidatedProducts {
		if !known[vp.ProductIdentifier] {
			slog.Warn("rerank: dropping product not in candidate set",
				"document", docName, "product", vp.ProductIdentifier)
			continue
		}
		vp.Confidence = clamp01(vp.Confidence)
		vp.TechnicalMatchScore = clamp01(vp.TechnicalMatchScore)
		vp.NomenclatureMatchScore = clamp01(vp.NomenclatureMatchScore)
		vp.ProductLineMatchScore = clamp01(vp.ProductLineMatchScore)
		kept = append(kept, vp)
	}
	result.ValidatedProducts = kept
	result.ValidationConfidence = clamp01(result.ValidationConfidence)

	slog.Info("rerank: validation complete",
		"document", docName, "candidates", len(candidates),
		"validated", len(result.ValidatedProducts),
		"confidence", result.ValidationConfidence, "attempts", res.Attempts)
	return result, nil
}

// parseRerank converts the raw envelope into a RerankResult via a JSON
// round-trip, tolerating missing optional fields.
func parseRerank(data map[string]any) (*RerankResult, error) {
	if _, ok := data["validated_products"]; !ok {
		return nil, fmt.Errorf("rerank response missing validated_products")
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("reserializing rerank response: %w", err)
	}
	var result RerankResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("rerank response schema invalid: %w", err)
	}
	return &result, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
