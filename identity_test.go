package lettermatch

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestFileHash(t *testing.T) {
	path := writeTempFile(t, "doc.txt", "hello")

	got, err := FileHash(path)
	if err != nil {
		t.Fatalf("FileHash: %v", err)
	}
	// sha256("hello")
	want := "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	if got != want {
		t.Errorf("FileHash = %s, want %s", got, want)
	}
}

func TestFileHashMissingFile(t *testing.T) {
	_, err := FileHash(filepath.Join(t.TempDir(), "nope.pdf"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestTextHashMatchesFileHash(t *testing.T) {
	path := writeTempFile(t, "doc.txt", "same bytes either way")

	fromFile, err := FileHash(path)
	if err != nil {
		t.Fatalf("FileHash: %v", err)
	}
	if fromText := TextHash("same bytes either way"); fromText != fromFile {
		t.Errorf("TextHash = %s, FileHash = %s; want equal", fromText, fromFile)
	}
}

func TestPromptConfigHashDeterministic(t *testing.T) {
	cfg := PromptConfig{
		Version: "2.2.0",
		Extraction: PromptTemplate{
			Name:         "unified_metadata_extraction",
			SystemPrompt: "extract",
			UserTemplate: "{document_name}",
		},
	}

	h1, err := PromptConfigHash(cfg)
	if err != nil {
		t.Fatalf("PromptConfigHash: %v", err)
	}
	h2, err := PromptConfigHash(cfg)
	if err != nil {
		t.Fatalf("PromptConfigHash: %v", err)
	}
	if h1 != h2 {
		t.Errorf("hash not deterministic: %s vs %s", h1, h2)
	}

	cfg.Version = "2.3.0"
	h3, err := PromptConfigHash(cfg)
	if err != nil {
		t.Fatalf("PromptConfigHash: %v", err)
	}
	if h3 == h1 {
		t.Error("hash unchanged after version change")
	}
}

func TestProcessingSignature(t *testing.T) {
	sig := ProcessingSignature("abc", "def")

	if sig != ProcessingSignature("abc", "def") {
		t.Error("signature not deterministic")
	}
	if sig == ProcessingSignature("abX", "def") {
		t.Error("signature unchanged when content hash differs")
	}
	if sig == ProcessingSignature("abc", "deX") {
		t.Error("signature unchanged when prompt config hash differs")
	}
	// The signature is a hash of the joined inputs, not the concatenation.
	if sig == "abc::def" {
		t.Error("signature is not hashed")
	}
}
