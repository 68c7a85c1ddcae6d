package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// fakeRecorder collects Call records in memory.
type fakeRecorder struct {
	mu    sync.Mutex
	calls []Call
}

func (r *fakeRecorder) RecordCall(_ context.Context, call Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
	return nil
}

func (r *fakeRecorder) all() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// chatEnvelope wraps content into an OpenAI-compatible completion response.
func chatEnvelope(content string, usage *Usage) string {
	resp := map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"content": content}, "finish_reason": "stop"},
		},
		"model": "grok-test",
	}
	if usage != nil {
		resp["usage"] = usage
	}
	data, _ := json.Marshal(resp)
	return string(data)
}

// newTestClient wires a client at a fake endpoint. handler decides each
// response; retries are kept at their default of 3 unless overridden.
func newTestClient(t *testing.T, handler http.HandlerFunc, rec Recorder, tweak func(*ClientConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	llmCfg := Config{Provider: "custom", Model: "grok-test", BaseURL: srv.URL}
	cfg := ClientConfig{
		MaxRetries:       3,
		RequestTimeout:   5 * time.Second,
		PromptVersion:    "2.2.0",
		PromptConfigHash: "confighash",
		CodeVersion:      "deadbeef",
		CostPer1KTokens:  0.002,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	return NewClient(NewOpenAICompat(llmCfg), rec, llmCfg, cfg)
}

// ---------------------------------------------------------------------------
// Invoke success paths
// ---------------------------------------------------------------------------

func TestInvokeSuccess(t *testing.T) {
	rec := &fakeRecorder{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		content := `{"extraction_confidence": 0.82, "product_identification": {"ranges": ["Galaxy 6000"]}}`
		w.Write([]byte(chatEnvelope(content, &Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120})))
	}, rec, nil)

	res := client.Invoke(context.Background(), OpExtract, "system", "user", Meta{
		DocumentName: "letter.pdf", DocumentSize: 5000, TemplateName: "unified_metadata_extraction",
	})

	if !res.Success {
		t.Fatalf("Invoke failed: %s", res.Error)
	}
	if res.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", res.Attempts)
	}
	if res.Confidence != 0.82 {
		t.Errorf("confidence = %v, want 0.82", res.Confidence)
	}
	if res.Usage == nil || res.Usage.TotalTokens != 120 {
		t.Errorf("usage = %+v, want total 120", res.Usage)
	}

	calls := rec.all()
	if len(calls) != 1 {
		t.Fatalf("recorded calls = %d, want 1", len(calls))
	}
	c := calls[0]
	if !c.Success {
		t.Error("call not marked successful")
	}
	if c.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", c.RetryCount)
	}
	if c.ResponseTimeMs < 0 {
		t.Errorf("response time = %d, want >= 0", c.ResponseTimeMs)
	}
	if c.TotalTokens == nil || *c.TotalTokens != 120 {
		t.Errorf("total tokens = %v, want 120", c.TotalTokens)
	}
	if c.EstimatedCostUSD == nil || *c.EstimatedCostUSD != 120.0/1000*0.002 {
		t.Errorf("estimated cost = %v", c.EstimatedCostUSD)
	}
	if c.Operation != OpExtract {
		t.Errorf("operation = %q, want %q", c.Operation, OpExtract)
	}
	if c.PromptVersion != "2.2.0" || c.PromptConfigHash != "confighash" {
		t.Errorf("prompt stamps = %q / %q", c.PromptVersion, c.PromptConfigHash)
	}
}

func TestInvokeRecoversWrappedJSON(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		content := "Here is the result:\n```json\n{\"confidence_score\": 0.5}\n```\nDone."
		w.Write([]byte(chatEnvelope(content, nil)))
	}, nil, nil)

	res := client.Invoke(context.Background(), OpExtract, "s", "u", Meta{})
	if !res.Success {
		t.Fatalf("Invoke failed: %s", res.Error)
	}
	if res.Confidence != 0.5 {
		t.Errorf("confidence = %v, want 0.5", res.Confidence)
	}
}

func TestInvokeMissingUsage(t *testing.T) {
	rec := &fakeRecorder{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatEnvelope(`{"ok": true}`, nil)))
	}, rec, nil)

	res := client.Invoke(context.Background(), OpRerank, "s", "u", Meta{})
	if !res.Success {
		t.Fatalf("Invoke failed: %s", res.Error)
	}
	if res.Usage != nil {
		t.Errorf("usage = %+v, want nil", res.Usage)
	}

	c := rec.all()[0]
	if c.PromptTokens != nil || c.CompletionTokens != nil || c.TotalTokens != nil {
		t.Error("token columns should be nil when the envelope omits usage")
	}
	if c.EstimatedCostUSD != nil {
		t.Error("cost should be nil without usage")
	}
}

// ---------------------------------------------------------------------------
// Invoke failure paths
// ---------------------------------------------------------------------------

func TestInvokeRetriesOnInvalidJSON(t *testing.T) {
	rec := &fakeRecorder{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(chatEnvelope("this is not json at all", nil)))
	}, rec, nil)

	res := client.Invoke(context.Background(), OpExtract, "s", "u", Meta{DocumentName: "x.pdf"})
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", res.Attempts)
	}

	calls := rec.all()
	if len(calls) != 3 {
		t.Fatalf("recorded calls = %d, want 3", len(calls))
	}
	for i, c := range calls {
		if c.Success {
			t.Errorf("call %d marked successful", i)
		}
		if c.RetryCount != i {
			t.Errorf("call %d retry count = %d, want %d", i, c.RetryCount, i)
		}
		if c.ErrorKind != "invalid_json" {
			t.Errorf("call %d error kind = %q, want invalid_json", i, c.ErrorKind)
		}
		if c.CallID != calls[0].CallID {
			t.Error("attempts of one invocation must share a call id")
		}
	}
}

func TestInvokeServerError(t *testing.T) {
	rec := &fakeRecorder{}
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}, rec, func(cfg *ClientConfig) { cfg.MaxRetries = 1 })

	res := client.Invoke(context.Background(), OpRerank, "s", "u", Meta{})
	if res.Success {
		t.Fatal("expected failure")
	}
	c := rec.all()[0]
	if c.ErrorKind != "api_error" {
		t.Errorf("error kind = %q, want api_error", c.ErrorKind)
	}
}

func TestInvokeContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		w.Write([]byte(chatEnvelope(`{}`, nil)))
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	res := client.Invoke(ctx, OpExtract, "s", "u", Meta{})
	if res.Success {
		t.Fatal("expected failure after cancellation")
	}
	if res.Attempts >= 3 {
		t.Errorf("attempts = %d, cancellation must not burn all retries", res.Attempts)
	}
}

// ---------------------------------------------------------------------------
// Envelope helpers
// ---------------------------------------------------------------------------

func TestExtractConfidenceProbes(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want float64
	}{
		{"extraction_confidence", map[string]any{"extraction_confidence": 0.9}, 0.9},
		{"confidence_score", map[string]any{"confidence_score": 0.8}, 0.8},
		{"nested metadata", map[string]any{"extraction_metadata": map[string]any{"confidence": 0.7}}, 0.7},
		{"first probe wins", map[string]any{"extraction_confidence": 0.9, "confidence_score": 0.1}, 0.9},
		{"absent", map[string]any{"other": 1.0}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractConfidence(tt.data); got != tt.want {
				t.Errorf("extractConfidence = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseJSONObject(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"bare object", `{"a": 1}`, false},
		{"wrapped object", "prefix {\"a\": 1} suffix", false},
		{"array only", `[1, 2]`, true},
		{"plain text", "no json here", true},
		{"broken braces", "{ not json }", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseJSONObject(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseJSONObject(%q) error = %v, wantErr %v", tt.content, err, tt.wantErr)
			}
		})
	}
}
