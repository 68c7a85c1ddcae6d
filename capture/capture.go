// Package capture extracts supplementary plain text from documents and
// scores its quality. The pipeline feeds the LLM the raw document directly;
// this text exists only to enrich the raw-content record, so every failure
// here is soft.
package capture

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ErrUnsupported is returned for formats without a plain-text reader.
var ErrUnsupported = errors.New("capture: unsupported document format")

// Method tags recorded on the raw-content row.
const (
	MethodPDFText = "pdf-text"
	MethodPlain   = "plain-text"
)

// Text returns a best-effort plain-text rendition of the document and the
// method that produced it.
func Text(path string) (string, string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "pdf":
		text, err := pdfText(path)
		return text, MethodPDFText, err
	case "txt", "md":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", MethodPlain, err
		}
		return string(data), MethodPlain, nil
	default:
		return "", "", ErrUnsupported
	}
}

func pdfText(path string) (string, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	r, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Quality holds content heuristics for a captured text.
type Quality struct {
	Score               float64
	HasTechnicalContent bool
	HasTables           bool
	WordCount           int
	ParagraphCount      int
}

// technicalTerms mark letters that carry real electrical content rather
// than boilerplate.
var technicalTerms = []string{
	"voltage", "current", "power", "frequency", "circuit", "breaker",
}

// Assess scores a captured text. The score rewards length and word count up
// to a saturation point; it is a heuristic, not a gate.
func Assess(text string) Quality {
	lower := strings.ToLower(text)
	q := Quality{
		WordCount:      len(strings.Fields(text)),
		ParagraphCount: strings.Count(text, "\n\n") + 1,
		HasTables:      strings.Contains(lower, "table") || strings.Contains(text, "\t"),
	}
	for _, term := range technicalTerms {
		if strings.Contains(lower, term) {
			q.HasTechnicalContent = true
			break
		}
	}

	score := float64(len(text))/10000*0.7 + float64(q.WordCount)/2000*0.3
	if score > 1 {
		score = 1
	}
	q.Score = score
	return q
}
