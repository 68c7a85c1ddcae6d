package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// Operation tags for Invoke. Each maps to one prompt template.
const (
	OpExtract = "extract"
	OpRerank  = "rerank"
)

// Call is the observability record for a single LLM attempt. One Call is
// emitted per attempt, success or failure.
type Call struct {
	CallID             string
	LetterID           *int64
	Operation          string
	Provider           string
	Model              string
	BaseURL            string
	SystemPromptHash   string
	UserPromptHash     string
	PromptVersion      string
	PromptTemplateName string
	PromptTokens       *int
	CompletionTokens   *int
	TotalTokens        *int
	ResponseTimeMs     int64
	RequestAt          time.Time
	ResponseAt         time.Time
	Success            bool
	Confidence         *float64
	ErrorKind          string
	ErrorMessage       string
	RetryCount         int
	CodeVersion        string
	PromptConfigHash   string
	EstimatedCostUSD   *float64
	DocumentName       string
	DocumentSizeBytes  int64
	InputChars         int
	OutputChars        int
}

// Recorder persists Call records. Implementations must not assume the parent
// letter exists; calls are append-only and may outlive a failed letter.
type Recorder interface {
	RecordCall(ctx context.Context, call Call) error
}

// Meta carries per-invocation context recorded on every Call.
type Meta struct {
	LetterID     *int64
	DocumentName string
	DocumentSize int64
	TemplateName string
}

// Result is the outcome of an Invoke. Invoke never returns an error; a
// failed invocation is reported through Success and Error so callers decide
// severity at their own layer.
type Result struct {
	Success    bool
	Data       map[string]any
	Raw        string
	Usage      *Usage
	Confidence float64
	Attempts   int
	Error      string
}

// ClientConfig tunes retry, timeout, and record stamping.
type ClientConfig struct {
	MaxRetries       int           // attempts per invocation, default 3
	RequestTimeout   time.Duration // per-attempt deadline, default 30s
	MaxInFlight      int64         // concurrent requests across workers, 0 = unlimited
	PromptVersion    string
	PromptConfigHash string
	CodeVersion      string
	CostPer1KTokens  float64
	Temperature      float64
	MaxTokens        int
}

// Client invokes the external LLM with retry, backoff, and per-attempt call
// recording. It is safe for concurrent use.
type Client struct {
	provider Provider
	recorder Recorder
	cfg      ClientConfig
	llmCfg   Config
	sem      *semaphore.Weighted
}

// NewClient wraps a provider with tracked invocation. recorder may be nil,
// in which case attempts are not persisted.
func NewClient(p Provider, recorder Recorder, llmCfg Config, cfg ClientConfig) *Client {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	c := &Client{provider: p, recorder: recorder, cfg: cfg, llmCfg: llmCfg}
	if cfg.MaxInFlight > 0 {
		c.sem = semaphore.NewWeighted(cfg.MaxInFlight)
	}
	return c
}

// jsonObjectPattern recovers the outermost JSON object from a response that
// wraps it in prose or code fences.
var jsonObjectPattern = regexp.MustCompile(`(?s)\{.*\}`)

// Invoke calls the LLM with up to MaxRetries attempts, exponential backoff
// between them, and one Call record per attempt. The response content must
// be a JSON object; anything else counts as a failed attempt.
func (c *Client) Invoke(ctx context.Context, operation, systemPrompt, userPrompt string, meta Meta) *Result {
	callID := uuid.NewString()
	sysHash := hashText(systemPrompt)
	userHash := hashText(userPrompt)

	var lastErr error
	var attemptsMade int

	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(1<<(attempt-1)) * time.Second
			slog.Warn("llm: retrying invocation",
				"operation", operation, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return &Result{Success: false, Attempts: attempt, Error: ctx.Err().Error()}
			}
		}

		if c.sem != nil {
			if err := c.sem.Acquire(ctx, 1); err != nil {
				return &Result{Success: false, Attempts: attempt, Error: err.Error()}
			}
		}

		data, raw, usage, elapsed, startedAt, err := c.attempt(ctx, systemPrompt, userPrompt)
		attemptsMade = attempt + 1

		if c.sem != nil {
			c.sem.Release(1)
		}

		call := Call{
			CallID:             callID,
			LetterID:           meta.LetterID,
			Operation:          operation,
			Provider:           c.llmCfg.Provider,
			Model:              c.llmCfg.Model,
			BaseURL:            c.llmCfg.BaseURL,
			SystemPromptHash:   sysHash,
			UserPromptHash:     userHash,
			PromptVersion:      c.cfg.PromptVersion,
			PromptTemplateName: meta.TemplateName,
			ResponseTimeMs:     elapsed.Milliseconds(),
			RequestAt:          startedAt,
			ResponseAt:         startedAt.Add(elapsed),
			RetryCount:         attempt,
			CodeVersion:        c.cfg.CodeVersion,
			PromptConfigHash:   c.cfg.PromptConfigHash,
			DocumentName:       meta.DocumentName,
			DocumentSizeBytes:  meta.DocumentSize,
			InputChars:         len(systemPrompt) + len(userPrompt),
			OutputChars:        len(raw),
		}

		if err == nil {
			confidence := extractConfidence(data)
			call.Success = true
			call.Confidence = &confidence
			if usage != nil {
				call.PromptTokens = &usage.PromptTokens
				call.CompletionTokens = &usage.CompletionTokens
				call.TotalTokens = &usage.TotalTokens
				if c.cfg.CostPer1KTokens > 0 {
					cost := float64(usage.TotalTokens) / 1000 * c.cfg.CostPer1KTokens
					call.EstimatedCostUSD = &cost
				}
			}
			c.record(ctx, call)

			return &Result{
				Success:    true,
				Data:       data,
				Raw:        raw,
				Usage:      usage,
				Confidence: confidence,
				Attempts:   attempt + 1,
			}
		}

		lastErr = err
		call.ErrorKind = classifyError(err)
		call.ErrorMessage = err.Error()
		c.record(ctx, call)

		// Cancellation is final; do not burn the remaining attempts.
		if ctx.Err() != nil {
			break
		}
	}

	return &Result{
		Success:  false,
		Attempts: attemptsMade,
		Error:    operation + " failed after retries: " + lastErr.Error(),
	}
}

// attempt performs one bounded provider call and parses the content as JSON.
func (c *Client) attempt(ctx context.Context, systemPrompt, userPrompt string) (map[string]any, string, *Usage, time.Duration, time.Time, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	resp, err := c.provider.Chat(attemptCtx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	elapsed := time.Since(start)
	if err != nil {
		return nil, "", nil, elapsed, start, err
	}

	data, perr := parseJSONObject(resp.Content)
	if perr != nil {
		return nil, resp.Content, resp.Usage, elapsed, start, perr
	}
	return data, resp.Content, resp.Usage, elapsed, start, nil
}

// parseJSONObject parses content as a JSON object, falling back to a single
// greedy brace-recovery pass when the model wrapped the object in prose.
func parseJSONObject(content string) (map[string]any, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(content), &data); err == nil {
		return data, nil
	}
	m := jsonObjectPattern.FindString(content)
	if m == "" {
		return nil, errors.New("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(m), &data); err != nil {
		return nil, errors.New("response is not valid JSON")
	}
	return data, nil
}

// extractConfidence probes the known envelope locations for a confidence
// value, defaulting to 0.
func extractConfidence(data map[string]any) float64 {
	if v, ok := asFloat(data["extraction_confidence"]); ok {
		return v
	}
	if v, ok := asFloat(data["confidence_score"]); ok {
		return v
	}
	if meta, ok := data["extraction_metadata"].(map[string]any); ok {
		if v, ok := asFloat(meta["confidence"]); ok {
			return v
		}
	}
	return 0
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case err.Error() == "no JSON object in response" || err.Error() == "response is not valid JSON":
		return "invalid_json"
	default:
		return "api_error"
	}
}

// record writes the call row best-effort; a failed observability write never
// fails the invocation.
func (c *Client) record(ctx context.Context, call Call) {
	if c.recorder == nil {
		return
	}
	// Use a detached context so cancelled invocations still leave a trace.
	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.recorder.RecordCall(recCtx, call); err != nil {
		slog.Warn("llm: recording call failed", "call_id", call.CallID, "error", err)
	}
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
