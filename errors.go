package lettermatch

import "errors"

var (
	// ErrDocumentNotFound is returned when a document path does not exist.
	ErrDocumentNotFound = errors.New("lettermatch: document not found")

	// ErrEmptyDocument is returned when the input file has no content.
	ErrEmptyDocument = errors.New("lettermatch: document is empty")

	// ErrExtractionFailed is returned when LLM metadata extraction fails.
	ErrExtractionFailed = errors.New("lettermatch: extraction failed")

	// ErrRerankFailed is returned when final match validation fails.
	ErrRerankFailed = errors.New("lettermatch: match validation failed")

	// ErrPersistFailed is returned when the letter transaction cannot commit.
	ErrPersistFailed = errors.New("lettermatch: persisting letter failed")

	// ErrLetterNotFound names a letter ID that does not exist. The store's
	// GetLetter and DeleteLetter report that case as sql.ErrNoRows instead.
	ErrLetterNotFound = errors.New("lettermatch: letter not found")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("lettermatch: invalid configuration")
)

// Error kinds attached to failed ProcessingResults. These classify WHAT went
// wrong; the orchestrator sets exactly one per failed document.
const (
	ErrKindValidation = "validation_error"
	ErrKindExtract    = "extract_error"
	ErrKindRerank     = "rerank_error"
	ErrKindCatalog    = "catalog_error"
	ErrKindPersist    = "persist_error"
	ErrKindCancelled  = "cancelled"
)
