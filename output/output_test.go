package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	m, err := NewManager(root, cfg)
	if err != nil {
		t.Fatalf("creating manager: %v", err)
	}
	return m, root
}

func sampleMetadata(docID string) Metadata {
	return Metadata{
		DocumentID:           docID,
		DocumentName:         "letter.pdf",
		SourceFilePath:       "/letters/letter.pdf",
		ProcessingTimestamp:  time.Now().UTC().Format(time.RFC3339),
		ProcessingDurationMs: 1234.5,
		ConfidenceScore:      0.82,
		Success:              true,
		PipelineMethod:       "pipeline-v2.3",
	}
}

func TestSaveDocumentOutputs(t *testing.T) {
	m, root := newTestManager(t, Config{})

	versionDir, err := m.SaveDocumentOutputs(sampleMetadata("42"), map[string]any{
		"grok_metadata":     map[string]any{"ranges": []string{"Galaxy 6000"}},
		"validation_result": map[string]any{"validated_products": []string{}},
		"pipeline_summary":  map[string]any{"success": true},
	})
	if err != nil {
		t.Fatalf("saving outputs: %v", err)
	}

	for _, name := range []string{"grok_metadata.json", "validation_result.json", "pipeline_summary.json", "metadata.json"} {
		if _, err := os.Stat(filepath.Join(versionDir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}

	// metadata.json records what was saved.
	data, err := os.ReadFile(filepath.Join(versionDir, "metadata.json"))
	if err != nil {
		t.Fatalf("reading metadata: %v", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("decoding metadata: %v", err)
	}
	if len(meta.OutputsSaved) != 3 {
		t.Errorf("outputs_saved = %v", meta.OutputsSaved)
	}

	// Latest link resolves to the bundle.
	latest := filepath.Join(root, "json_outputs", "42", "latest", "grok_metadata.json")
	if _, err := os.Stat(latest); err != nil {
		t.Errorf("latest link broken: %v", err)
	}

	// Global index carries the document.
	indexData, err := os.ReadFile(filepath.Join(root, "json_outputs", "index.json"))
	if err != nil {
		t.Fatalf("reading index: %v", err)
	}
	var index map[string]map[string]any
	if err := json.Unmarshal(indexData, &index); err != nil {
		t.Fatalf("decoding index: %v", err)
	}
	if _, ok := index["42"]; !ok {
		t.Errorf("index missing document: %v", index)
	}
}

func TestLatestOutputs(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	if _, err := m.SaveDocumentOutputs(sampleMetadata("7"), map[string]any{
		"pipeline_summary": map[string]any{"matches": 3},
	}); err != nil {
		t.Fatalf("saving: %v", err)
	}

	outputs, err := m.LatestOutputs("7")
	if err != nil {
		t.Fatalf("loading latest: %v", err)
	}
	summary, ok := outputs["pipeline_summary"]
	if !ok {
		t.Fatalf("outputs = %v, want pipeline_summary", outputs)
	}
	var decoded map[string]any
	if err := json.Unmarshal(summary, &decoded); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if decoded["matches"] != float64(3) {
		t.Errorf("matches = %v, want 3", decoded["matches"])
	}
}

func TestListVersions(t *testing.T) {
	m, _ := newTestManager(t, Config{})

	if versions, err := m.ListVersions("none"); err != nil || versions != nil {
		t.Fatalf("unknown document = (%v, %v), want (nil, nil)", versions, err)
	}

	if _, err := m.SaveDocumentOutputs(sampleMetadata("9"), map[string]any{"a": 1}); err != nil {
		t.Fatalf("saving: %v", err)
	}
	versions, err := m.ListVersions("9")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(versions) != 1 {
		t.Errorf("versions = %v, want one", versions)
	}
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

// seedVersion fabricates a version directory with a given timestamp name.
func seedVersion(t *testing.T, root, docID, name string) {
	t.Helper()
	dir := filepath.Join(root, "json_outputs", docID, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatalf("seeding version: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "metadata.json"), []byte("{}"), 0644); err != nil {
		t.Fatalf("seeding metadata: %v", err)
	}
}

func TestCleanupPrunesOldVersions(t *testing.T) {
	m, root := newTestManager(t, Config{MaxVersions: 10, RetentionDays: 30})

	recent := time.Now().UTC().Add(-24 * time.Hour).Format(timestampLayout)
	ancient := time.Now().UTC().AddDate(0, 0, -60).Format(timestampLayout)
	seedVersion(t, root, "5", recent)
	seedVersion(t, root, "5", ancient)

	pruned, err := m.Cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	versions, err := m.ListVersions("5")
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(versions) != 1 || versions[0] != recent {
		t.Errorf("versions = %v, want only %s", versions, recent)
	}
}

func TestCleanupCapsVersionCount(t *testing.T) {
	m, root := newTestManager(t, Config{MaxVersions: 2, RetentionDays: 365})

	now := time.Now().UTC()
	names := []string{
		now.Add(-3 * time.Hour).Format(timestampLayout),
		now.Add(-2 * time.Hour).Format(timestampLayout),
		now.Add(-1 * time.Hour).Format(timestampLayout),
	}
	for _, n := range names {
		seedVersion(t, root, "8", n)
	}

	pruned, err := m.Cleanup()
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	versions, _ := m.ListVersions("8")
	if len(versions) != 2 {
		t.Fatalf("versions = %v, want 2 newest", versions)
	}
	// The oldest one is gone.
	if versions[0] != names[1] || versions[1] != names[2] {
		t.Errorf("survivors = %v, want %v", versions, names[1:])
	}
}

func TestSanitizeID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"42", "42"},
		{"letter.pdf", "letter.pdf"},
		{"../../etc/passwd", "....etcpasswd"},
		{"a b/c", "abc"},
	}
	for _, tt := range tests {
		if got := sanitizeID(tt.in); got != tt.want {
			t.Errorf("sanitizeID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
