// Package output persists versioned JSON artifact bundles for processed
// documents under a content-addressed directory tree:
//
//	<root>/json_outputs/<document_id>/<UTC timestamp>/<name>.json
//	<root>/json_outputs/<document_id>/latest            -> newest version
//	<root>/json_outputs/index.json                      -> global summary map
package output

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const timestampLayout = "20060102_150405"

// Metadata describes one saved bundle version.
type Metadata struct {
	DocumentID           string   `json:"document_id"`
	DocumentName         string   `json:"document_name"`
	SourceFilePath       string   `json:"source_file_path"`
	ProcessingTimestamp  string   `json:"processing_timestamp"`
	ProcessingDurationMs float64  `json:"processing_duration_ms"`
	ConfidenceScore      float64  `json:"confidence_score"`
	Success              bool     `json:"success"`
	PipelineMethod       string   `json:"pipeline_method"`
	OutputsSaved         []string `json:"outputs_saved"`
	FileHash             string   `json:"file_hash,omitempty"`
	FileSize             int64    `json:"file_size,omitempty"`
}

// Config tunes retention. Both rules apply; whichever is stricter wins.
type Config struct {
	MaxVersions   int // versions kept per document, default 10
	RetentionDays int // maximum version age, default 30
}

// Manager writes and prunes artifact bundles. Safe for concurrent use.
type Manager struct {
	jsonDir   string
	indexPath string
	cfg       Config
	mu        sync.Mutex
}

// NewManager creates the directory structure under root.
func NewManager(root string, cfg Config) (*Manager, error) {
	if cfg.MaxVersions == 0 {
		cfg.MaxVersions = 10
	}
	if cfg.RetentionDays == 0 {
		cfg.RetentionDays = 30
	}

	jsonDir := filepath.Join(root, "json_outputs")
	if err := os.MkdirAll(jsonDir, 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	m := &Manager{
		jsonDir:   jsonDir,
		indexPath: filepath.Join(jsonDir, "index.json"),
		cfg:       cfg,
	}
	if _, err := os.Stat(m.indexPath); os.IsNotExist(err) {
		if err := writeJSONFile(m.indexPath, map[string]any{}); err != nil {
			return nil, fmt.Errorf("initializing index: %w", err)
		}
	}
	return m, nil
}

// SaveDocumentOutputs writes one versioned bundle: each entry in outputs
// becomes <name>.json alongside metadata.json, the latest link is repointed,
// the global index updated, and old versions pruned. Returns the version
// directory path.
func (m *Manager) SaveDocumentOutputs(meta Metadata, outputs map[string]any) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	docDir := filepath.Join(m.jsonDir, sanitizeID(meta.DocumentID))
	version := time.Now().UTC().Format(timestampLayout)
	versionDir := filepath.Join(docDir, version)
	if err := os.MkdirAll(versionDir, 0755); err != nil {
		return "", fmt.Errorf("creating version directory: %w", err)
	}

	saved := make([]string, 0, len(outputs))
	for name, data := range outputs {
		if err := writeJSONFile(filepath.Join(versionDir, name+".json"), data); err != nil {
			return "", fmt.Errorf("saving %s: %w", name, err)
		}
		saved = append(saved, name)
	}
	sort.Strings(saved)
	meta.OutputsSaved = saved

	if err := writeJSONFile(filepath.Join(versionDir, "metadata.json"), meta); err != nil {
		return "", fmt.Errorf("saving metadata: %w", err)
	}

	m.pointLatest(docDir, version)

	if err := m.updateIndex(meta); err != nil {
		slog.Warn("output: updating index failed", "document_id", meta.DocumentID, "error", err)
	}

	if pruned := m.pruneVersions(docDir, time.Now().UTC()); pruned > 0 {
		slog.Info("output: pruned old versions",
			"document_id", meta.DocumentID, "pruned", pruned)
	}

	return versionDir, nil
}

// LatestOutputs loads the newest bundle for a document: file name (without
// extension) to the file's raw JSON bytes.
func (m *Manager) LatestOutputs(documentID string) (map[string]json.RawMessage, error) {
	docDir := filepath.Join(m.jsonDir, sanitizeID(documentID))
	versions, err := m.ListVersions(documentID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("no outputs for document %s", documentID)
	}

	versionDir := filepath.Join(docDir, versions[len(versions)-1])
	entries, err := os.ReadDir(versionDir)
	if err != nil {
		return nil, fmt.Errorf("reading version directory: %w", err)
	}

	outputs := make(map[string]json.RawMessage)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(versionDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		outputs[strings.TrimSuffix(e.Name(), ".json")] = json.RawMessage(data)
	}
	return outputs, nil
}

// ListVersions returns a document's version names, oldest first.
func (m *Manager) ListVersions(documentID string) ([]string, error) {
	docDir := filepath.Join(m.jsonDir, sanitizeID(documentID))
	entries, err := os.ReadDir(docDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading document directory: %w", err)
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "latest" {
			continue
		}
		if _, perr := time.Parse(timestampLayout, e.Name()); perr != nil {
			continue
		}
		versions = append(versions, e.Name())
	}
	sort.Strings(versions)
	return versions, nil
}

// Cleanup prunes every document's versions against the retention rules,
// returning how many version directories were removed.
func (m *Manager) Cleanup() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.jsonDir)
	if err != nil {
		return 0, fmt.Errorf("reading output root: %w", err)
	}

	now := time.Now().UTC()
	total := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		total += m.pruneVersions(filepath.Join(m.jsonDir, e.Name()), now)
	}
	return total, nil
}

// pointLatest repoints the latest link at the newest version, copying when
// symlinks are unavailable.
func (m *Manager) pointLatest(docDir, version string) {
	latest := filepath.Join(docDir, "latest")
	if info, err := os.Lstat(latest); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			os.Remove(latest)
		} else {
			os.RemoveAll(latest)
		}
	}
	if err := os.Symlink(version, latest); err != nil {
		slog.Warn("output: symlink unavailable, copying latest", "error", err)
		if cerr := copyDir(filepath.Join(docDir, version), latest); cerr != nil {
			slog.Warn("output: copying latest failed", "error", cerr)
		}
	}
}

// pruneVersions applies both retention rules to one document directory.
func (m *Manager) pruneVersions(docDir string, now time.Time) int {
	entries, err := os.ReadDir(docDir)
	if err != nil {
		return 0
	}

	var versions []string
	for _, e := range entries {
		if !e.IsDir() || e.Name() == "latest" {
			continue
		}
		if _, perr := time.Parse(timestampLayout, e.Name()); perr != nil {
			continue
		}
		versions = append(versions, e.Name())
	}
	// Newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))

	cutoff := now.AddDate(0, 0, -m.cfg.RetentionDays)
	pruned := 0
	for i, v := range versions {
		ts, _ := time.Parse(timestampLayout, v)
		if i >= m.cfg.MaxVersions || ts.Before(cutoff) {
			if err := os.RemoveAll(filepath.Join(docDir, v)); err != nil {
				slog.Warn("output: removing version failed", "version", v, "error", err)
				continue
			}
			pruned++
		}
	}
	return pruned
}

// updateIndex rewrites the global index entry for a document.
func (m *Manager) updateIndex(meta Metadata) error {
	index := map[string]any{}
	if data, err := os.ReadFile(m.indexPath); err == nil {
		_ = json.Unmarshal(data, &index)
	}

	index[meta.DocumentID] = map[string]any{
		"document_name":    meta.DocumentName,
		"source_file_path": meta.SourceFilePath,
		"last_processed":   meta.ProcessingTimestamp,
		"success":          meta.Success,
		"confidence_score": meta.ConfidenceScore,
		"outputs_saved":    meta.OutputsSaved,
	}
	return writeJSONFile(m.indexPath, index)
}

// sanitizeID strips characters unsafe for a directory name.
func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 100 {
		s = s[:100]
	}
	return s
}

func writeJSONFile(path string, data any) error {
	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(encoded, '\n'), 0644)
}

func copyDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0644); err != nil {
			return err
		}
	}
	return nil
}
