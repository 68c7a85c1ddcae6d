// Package lettermatch resolves vendor obsolescence letters to concrete
// catalog products. A document flows through four stages: identity check
// against prior runs, direct LLM metadata extraction, lexical candidate
// discovery over the product master table, and a final LLM validation pass;
// the letter and its validated catalog links are then committed in a single
// transaction.
package lettermatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/humananalog/lettermatch/capture"
	"github.com/humananalog/lettermatch/catalog"
	"github.com/humananalog/lettermatch/extract"
	"github.com/humananalog/lettermatch/llm"
	"github.com/humananalog/lettermatch/match"
	"github.com/humananalog/lettermatch/output"
	"github.com/humananalog/lettermatch/store"
)

// ProcessingStatus is the terminal state of one document run.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = store.StatusPending
	StatusProcessing ProcessingStatus = store.StatusProcessing
	StatusCompleted  ProcessingStatus = store.StatusCompleted
	StatusFailed     ProcessingStatus = store.StatusFailed
	StatusSkipped    ProcessingStatus = store.StatusSkipped
	StatusDuplicate  ProcessingStatus = store.StatusDuplicate
)

// Document describes the input file for the duration of one run. It is
// never persisted as a blob.
type Document struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
	MIMEType    string `json:"mime_type"`
}

// StageTiming records one pipeline stage's wall time.
type StageTiming struct {
	Stage     string  `json:"stage"`
	ElapsedMs float64 `json:"elapsed_ms"`
}

// ProcessingResult is the orchestrator's return value. On failure the
// partial artifacts produced before the failing stage are still populated so
// callers can inspect them; nothing reaches the database unless persistence
// succeeded.
type ProcessingResult struct {
	Status               ProcessingStatus         `json:"status"`
	Success              bool                     `json:"success"`
	LetterID             int64                    `json:"letter_id,omitempty"`
	ProcessingTimeMs     float64                  `json:"processing_time_ms"`
	Confidence           float64                  `json:"confidence"`
	ErrorKind            string                   `json:"error_kind,omitempty"`
	ErrorMessage         string                   `json:"error_message,omitempty"`
	Extraction           *extract.ExtractedLetter `json:"extraction,omitempty"`
	Rerank               *match.RerankResult      `json:"rerank,omitempty"`
	Discovery            []match.RangeDiscovery   `json:"discovery,omitempty"`
	Steps                []StageTiming            `json:"steps,omitempty"`
	RangesExtracted      int                      `json:"ranges_extracted"`
	CandidatesDiscovered int                      `json:"candidates_discovered"`
	MatchesPersisted     int                      `json:"matches_persisted"`
}

// Option configures the pipeline at construction.
type Option func(*pipelineOptions)

type pipelineOptions struct {
	provider llm.Provider
}

// WithProvider overrides the LLM transport, bypassing Config.LLM. Intended
// for tests and embedders that manage their own provider.
func WithProvider(p llm.Provider) Option {
	return func(o *pipelineOptions) { o.provider = p }
}

// ProcessOption configures a single Process call.
type ProcessOption func(*processOptions)

type processOptions struct {
	forceReprocess bool
}

// WithForceReprocess deletes any prior letter for the document and runs the
// full pipeline again.
func WithForceReprocess() ProcessOption {
	return func(o *processOptions) { o.forceReprocess = true }
}

// Pipeline is the document-to-catalog matching orchestrator. All
// collaborators are wired at construction; Pipeline is safe for concurrent
// Process calls.
type Pipeline struct {
	cfg              Config
	letters          *store.Store
	catalog          *catalog.Store
	extractor        *extract.Extractor
	discovery        *match.Discovery
	reranker         *match.Reranker
	outputs          *output.Manager
	promptConfigHash string
}

// New constructs a pipeline from configuration, opening both databases.
func New(cfg Config, opts ...Option) (*Pipeline, error) {
	options := &pipelineOptions{}
	for _, o := range opts {
		o(options)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	promptHash, err := PromptConfigHash(cfg.Prompts)
	if err != nil {
		return nil, fmt.Errorf("hashing prompt config: %w", err)
	}

	letters, err := store.New(cfg.LetterDBPath)
	if err != nil {
		return nil, fmt.Errorf("opening letter store: %w", err)
	}

	cat, err := catalog.Open(cfg.CatalogDBPath)
	if err != nil {
		letters.Close()
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	provider := options.provider
	if provider == nil {
		provider, err = llm.NewProvider(cfg.LLM)
		if err != nil {
			letters.Close()
			cat.Close()
			return nil, fmt.Errorf("creating llm provider: %w", err)
		}
	}

	client := llm.NewClient(provider, callRecorder{letters: letters}, cfg.LLM, llm.ClientConfig{
		MaxRetries:       cfg.MaxRetries,
		RequestTimeout:   cfg.RequestTimeout,
		MaxInFlight:      int64(cfg.MaxLLMInFlight),
		PromptVersion:    cfg.Prompts.Version,
		PromptConfigHash: promptHash,
		CodeVersion:      cfg.CodeVersion,
		CostPer1KTokens:  cfg.CostPer1KTokens,
		Temperature:      0.1,
	})

	var outputs *output.Manager
	if cfg.OutputRoot != "" {
		outputs, err = output.NewManager(cfg.OutputRoot, output.Config{
			MaxVersions:   cfg.MaxOutputVersions,
			RetentionDays: cfg.OutputRetentionDays,
		})
		if err != nil {
			letters.Close()
			cat.Close()
			return nil, fmt.Errorf("creating output manager: %w", err)
		}
	}

	return &Pipeline{
		cfg:     cfg,
		letters: letters,
		catalog: cat,
		extractor: extract.New(client, llm.Prompt{
			Name:         cfg.Prompts.Extraction.Name,
			System:       cfg.Prompts.Extraction.SystemPrompt,
			UserTemplate: cfg.Prompts.Extraction.UserTemplate,
		}),
		discovery: match.NewDiscovery(cat, cfg.MaxCandidates),
		reranker: match.NewReranker(client, llm.Prompt{
			Name:         cfg.Prompts.Rerank.Name,
			System:       cfg.Prompts.Rerank.SystemPrompt,
			UserTemplate: cfg.Prompts.Rerank.UserTemplate,
		}, cfg.MaxRerankCandidates),
		outputs:          outputs,
		promptConfigHash: promptHash,
	}, nil
}

// Close shuts down both database connections.
func (p *Pipeline) Close() error {
	err := p.letters.Close()
	if cerr := p.catalog.Close(); err == nil {
		err = cerr
	}
	return err
}

// LetterStore exposes the letter store for diagnostic access.
func (p *Pipeline) LetterStore() *store.Store {
	return p.letters
}

// Healthcheck verifies both databases answer.
func (p *Pipeline) Healthcheck(ctx context.Context) error {
	if err := p.catalog.Healthcheck(ctx); err != nil {
		return err
	}
	var one int
	return p.letters.DB().QueryRowContext(ctx, "SELECT 1").Scan(&one)
}

// Stats returns letter-side aggregate counters.
func (p *Pipeline) Stats(ctx context.Context) (*store.Stats, error) {
	return p.letters.Stats(ctx)
}

// CatalogStats returns catalog totals and top buckets.
func (p *Pipeline) CatalogStats(ctx context.Context) (*catalog.Stats, error) {
	return p.catalog.Stats(ctx)
}

// TokenUsage aggregates LLM spend by operation over a trailing day window.
func (p *Pipeline) TokenUsage(ctx context.Context, days int) ([]store.OperationUsage, error) {
	return p.letters.TokenUsage(ctx, days)
}

// Process runs one document end-to-end. It never returns an error: every
// outcome, including failure, is a ProcessingResult.
func (p *Pipeline) Process(ctx context.Context, path string, opts ...ProcessOption) *ProcessingResult {
	start := time.Now()
	options := &processOptions{}
	for _, o := range opts {
		o(options)
	}

	res := &ProcessingResult{Status: StatusFailed}
	var steps []StageTiming
	stageDone := func(stage string, since time.Time) {
		steps = append(steps, StageTiming{Stage: stage, ElapsedMs: millisSince(since)})
	}
	fail := func(kind, msg string) *ProcessingResult {
		res.ErrorKind = kind
		res.ErrorMessage = msg
		res.Steps = steps
		res.ProcessingTimeMs = millisSince(start)
		slog.Error("pipeline: document failed",
			"document", filepath.Base(path), "kind", kind,
			"elapsed_ms", res.ProcessingTimeMs, "error", msg)
		return res
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fail(ErrKindValidation, fmt.Sprintf("resolving path: %v", err))
	}
	docName := filepath.Base(absPath)

	slog.Info("pipeline: starting document",
		"document", docName, "force_reprocess", options.forceReprocess)

	// IDENTIFY: content hash plus processing signature decide whether this
	// exact document under the current prompt config was already handled.
	identifyStart := time.Now()
	contentHash, err := FileHash(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fail(ErrKindValidation, ErrDocumentNotFound.Error())
		}
		return fail(ErrKindValidation, fmt.Sprintf("hashing document: %v", err))
	}
	signature := ProcessingSignature(contentHash, p.promptConfigHash)

	prior, err := p.letters.FindByIdentity(ctx, contentHash, absPath)
	if err != nil {
		// Gate lookups are advisory; on doubt, reprocess.
		slog.Warn("pipeline: identity lookup failed, reprocessing", "error", err)
		prior = nil
	}
	if prior != nil {
		if options.forceReprocess {
			slog.Info("pipeline: force reprocess, deleting prior letter",
				"document", docName, "letter_id", prior.ID)
			if derr := p.letters.DeleteLetter(ctx, prior.ID); derr != nil {
				return fail(ErrKindPersist, fmt.Sprintf("deleting prior letter: %v", derr))
			}
		} else {
			rec, rerr := p.letters.HasCurrentPromptRecord(ctx, signature, p.cfg.Prompts.Version)
			if rerr != nil {
				slog.Warn("pipeline: signature lookup failed, reprocessing", "error", rerr)
			}
			if rec != nil && prior.Confidence >= p.cfg.SkipConfidence {
				elapsed := millisSince(start)
				slog.Info("pipeline: document already processed, skipping",
					"document", docName, "letter_id", prior.ID,
					"confidence", prior.Confidence, "elapsed_ms", elapsed)
				return &ProcessingResult{
					Status:           StatusSkipped,
					Success:          true,
					LetterID:         prior.ID,
					Confidence:       prior.Confidence,
					ProcessingTimeMs: elapsed,
				}
			}
		}
	}
	stageDone("identify", identifyStart)

	// VALIDATE: the file must exist and carry content.
	validateStart := time.Now()
	info, err := os.Stat(absPath)
	if err != nil {
		return fail(ErrKindValidation, ErrDocumentNotFound.Error())
	}
	if info.Size() == 0 {
		return fail(ErrKindValidation, ErrEmptyDocument.Error())
	}
	doc := Document{
		Path:        absPath,
		Name:        docName,
		Size:        info.Size(),
		ContentHash: contentHash,
		MIMEType:    mimeHint(absPath),
	}
	stageDone("validate", validateStart)

	if ctx.Err() != nil {
		return fail(ErrKindCancelled, ctx.Err().Error())
	}

	// EXTRACT: the raw document goes to the LLM directly.
	extractStart := time.Now()
	letter, llmRes := p.extractor.Extract(ctx, doc.Name, doc.Path, doc.Size)
	if letter == nil {
		if ctx.Err() != nil {
			return fail(ErrKindCancelled, ctx.Err().Error())
		}
		return fail(ErrKindExtract, fmt.Sprintf("%v: %s", ErrExtractionFailed, llmRes.Error))
	}
	res.Extraction = letter
	res.RangesExtracted = len(letter.Ranges)
	stageDone("extract", extractStart)

	// DISCOVER: one lexical catalog pass per extracted range. Errors are
	// soft; an empty candidate set flows through to the reranker.
	discoverStart := time.Now()
	var candidates []match.CandidateRef
	for _, r := range letter.Ranges {
		if ctx.Err() != nil {
			return fail(ErrKindCancelled, ctx.Err().Error())
		}
		found, trace := p.discovery.Discover(ctx, r)
		candidates = append(candidates, found...)
		res.Discovery = append(res.Discovery, trace)
	}
	res.CandidatesDiscovered = len(candidates)
	stageDone("discover", discoverStart)

	// RERANK: candidates go back to the LLM for final approval.
	rerankStart := time.Now()
	rerank, err := p.reranker.Validate(ctx, letter, candidates, doc.Name)
	if err != nil {
		if ctx.Err() != nil {
			return fail(ErrKindCancelled, ctx.Err().Error())
		}
		return fail(ErrKindRerank, fmt.Sprintf("%v: %v", ErrRerankFailed, err))
	}
	res.Rerank = rerank
	stageDone("rerank", rerankStart)

	// Supplementary text capture, best-effort: enriches the raw-content
	// record, never gates the pipeline.
	supplementary, captureMethod, cerr := capture.Text(absPath)
	if cerr != nil && cerr != capture.ErrUnsupported {
		slog.Warn("pipeline: supplementary capture failed", "document", docName, "error", cerr)
	}

	// PERSIST: letter, ranges, and validated links in one transaction.
	persistStart := time.Now()
	draft := p.buildDraft(doc, letter, rerank, supplementary, steps, millisSince(start))
	letterID, err := p.letters.PersistLetter(ctx, draft)
	if err != nil {
		return fail(ErrKindPersist, fmt.Sprintf("%v: %v", ErrPersistFailed, err))
	}
	stageDone("persist", persistStart)

	p.storeRawContent(ctx, doc, letterID, letter, supplementary, captureMethod, signature)

	res.Status = StatusCompleted
	res.Success = true
	res.LetterID = letterID
	res.Confidence = letter.OverallConfidence
	res.MatchesPersisted = len(rerank.ValidatedProducts)
	res.Steps = steps
	res.ProcessingTimeMs = millisSince(start)

	p.saveOutputs(doc, letterID, res)

	slog.Info("pipeline: document completed",
		"document", docName, "letter_id", letterID,
		"ranges", res.RangesExtracted, "candidates", res.CandidatesDiscovered,
		"matches", res.MatchesPersisted, "confidence", res.Confidence,
		"elapsed_ms", res.ProcessingTimeMs)
	return res
}

// ProcessBatch runs documents concurrently, capped at Config.Workers, and
// returns results in input order. Documents are independent; one failure
// never aborts the batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, paths []string, opts ...ProcessOption) []*ProcessingResult {
	results := make([]*ProcessingResult, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, path := range paths {
		g.Go(func() error {
			results[i] = p.Process(gctx, path, opts...)
			return nil
		})
	}
	g.Wait()
	return results
}

// buildDraft assembles the letter subtree committed by PersistLetter.
func (p *Pipeline) buildDraft(doc Document, letter *extract.ExtractedLetter, rerank *match.RerankResult, supplementary string, steps []StageTiming, elapsedMs float64) store.LetterDraft {
	stepsJSON, _ := json.Marshal(steps)
	validationJSON, _ := json.Marshal(rerank)

	docType := letter.DocumentType
	if docType == "" {
		docType = strings.ToUpper(strings.TrimPrefix(filepath.Ext(doc.Name), "."))
	}

	draft := store.LetterDraft{
		Letter: store.Letter{
			DocumentName:          doc.Name,
			DocumentType:          docType,
			DocumentTitle:         letter.DocumentTitle,
			SourcePath:            doc.Path,
			FileSize:              doc.Size,
			ContentHash:           doc.ContentHash,
			ProcessingMethod:      p.cfg.PipelineVersion,
			ProcessingTimeMs:      elapsedMs,
			ExtractionConfidence:  letter.OverallConfidence,
			RawExtractorJSON:      letter.Raw,
			OCRSupplementaryText:  supplementary,
			ProcessingStepsJSON:   string(stepsJSON),
			ValidationDetailsJSON: string(validationJSON),
			Status:                store.StatusCompleted,
		},
	}

	for _, r := range letter.Ranges {
		draft.Products = append(draft.Products, store.LetterProduct{
			RangeLabel:         r.RangeLabel,
			ProductLine:        r.ProductLine,
			ProductDescription: r.Description,
			ConfidenceScore:    letter.OverallConfidence,
		})
	}

	for _, vp := range rerank.ValidatedProducts {
		draft.Matches = append(draft.Matches, store.LetterProductMatch{
			CatalogProductIdentifier: vp.ProductIdentifier,
			MatchConfidence:          vp.Confidence,
			MatchReason:              vp.ValidationReason,
			TechnicalMatchScore:      vp.TechnicalMatchScore,
			NomenclatureMatchScore:   vp.NomenclatureMatchScore,
			ProductLineMatchScore:    vp.ProductLineMatchScore,
			MatchType:                match.MatchTypeFinal,
			RangeBasedMatching:       true,
		})
	}
	return draft
}

// storeRawContent writes the raw-content record best-effort, outside the
// letter transaction.
func (p *Pipeline) storeRawContent(ctx context.Context, doc Document, letterID int64, letter *extract.ExtractedLetter, supplementary, captureMethod, signature string) {
	quality := capture.Assess(supplementary)
	now := time.Now().UTC()
	confidence := letter.OverallConfidence

	rec := store.RawContentRecord{
		ContentHash:         doc.ContentHash,
		LetterID:            &letterID,
		RawText:             supplementary,
		ExtractionMethod:    captureMethod,
		SourcePath:          doc.Path,
		SourceSize:          doc.Size,
		SourceMIMEType:      doc.MIMEType,
		PromptVersion:       p.cfg.Prompts.Version,
		PromptConfigHash:    p.promptConfigHash,
		Signature:           signature,
		ProcessingStatus:    "processed",
		Processed:           true,
		LastProcessedAt:     &now,
		Attempts:            1,
		QualityScore:        quality.Score,
		HasTechnicalContent: quality.HasTechnicalContent,
		HasTables:           quality.HasTables,
		WordCount:           quality.WordCount,
		ParagraphCount:      quality.ParagraphCount,
		ExtractorMetadata:   letter.Raw,
		ExtractorConfidence: &confidence,
		ProductsExtracted:   len(letter.Ranges),
	}
	if _, err := p.letters.StoreRawContent(ctx, rec); err != nil {
		slog.Warn("pipeline: storing raw content failed",
			"document", doc.Name, "error", err)
	}
}

// saveOutputs writes the JSON artifact bundle best-effort, outside the
// letter transaction.
func (p *Pipeline) saveOutputs(doc Document, letterID int64, res *ProcessingResult) {
	if p.outputs == nil {
		return
	}

	// The extractor response is normally a bare JSON object, but a recovered
	// response may carry prose around it; fall back to a string field then.
	var grokMetadata any = json.RawMessage(res.Extraction.Raw)
	if !json.Valid([]byte(res.Extraction.Raw)) {
		grokMetadata = map[string]string{"raw_response": res.Extraction.Raw}
	}

	outputs := map[string]any{
		"grok_metadata":     grokMetadata,
		"validation_result": res.Rerank,
		"processing_result": res,
		"pipeline_summary": map[string]any{
			"document_id":        letterID,
			"processing_time_ms": res.ProcessingTimeMs,
			"success":            true,
			"pipeline_version":   p.cfg.PipelineVersion,
			"ranges_extracted":   res.RangesExtracted,
			"candidates":         res.CandidatesDiscovered,
			"matches":            res.MatchesPersisted,
		},
	}
	meta := output.Metadata{
		DocumentID:           fmt.Sprintf("%d", letterID),
		DocumentName:         doc.Name,
		SourceFilePath:       doc.Path,
		ProcessingTimestamp:  time.Now().UTC().Format(time.RFC3339),
		ProcessingDurationMs: res.ProcessingTimeMs,
		ConfidenceScore:      res.Confidence,
		Success:              true,
		PipelineMethod:       p.cfg.PipelineVersion,
		FileHash:             doc.ContentHash,
		FileSize:             doc.Size,
	}
	if _, err := p.outputs.SaveDocumentOutputs(meta, outputs); err != nil {
		slog.Warn("pipeline: saving output bundle failed",
			"document", doc.Name, "error", err)
	}
}

// callRecorder bridges llm.Call records into the letter store.
type callRecorder struct {
	letters *store.Store
}

func (r callRecorder) RecordCall(ctx context.Context, c llm.Call) error {
	return r.letters.RecordLLMCall(ctx, store.LLMCall{
		CallID:             c.CallID,
		LetterID:           c.LetterID,
		Operation:          c.Operation,
		Provider:           c.Provider,
		Model:              c.Model,
		BaseURL:            c.BaseURL,
		SystemPromptHash:   c.SystemPromptHash,
		UserPromptHash:     c.UserPromptHash,
		PromptVersion:      c.PromptVersion,
		PromptTemplateName: c.PromptTemplateName,
		PromptTokens:       c.PromptTokens,
		CompletionTokens:   c.CompletionTokens,
		TotalTokens:        c.TotalTokens,
		ResponseTimeMs:     c.ResponseTimeMs,
		RequestAt:          c.RequestAt,
		ResponseAt:         c.ResponseAt,
		Success:            c.Success,
		Confidence:         c.Confidence,
		ErrorKind:          c.ErrorKind,
		ErrorMessage:       c.ErrorMessage,
		RetryCount:         c.RetryCount,
		CodeVersion:        c.CodeVersion,
		PromptConfigHash:   c.PromptConfigHash,
		EstimatedCostUSD:   c.EstimatedCostUSD,
		DocumentName:       c.DocumentName,
		DocumentSizeBytes:  c.DocumentSizeBytes,
		InputChars:         c.InputChars,
		OutputChars:        c.OutputChars,
	})
}

// mimeHint maps the file extension to a MIME type for the raw-content row.
func mimeHint(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return "application/pdf"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}

func millisSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000
}
