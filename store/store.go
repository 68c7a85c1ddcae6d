package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Letter status values.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusSkipped    = "skipped"
	StatusDuplicate  = "duplicate"
)

// Letter represents a row in the letters table.
type Letter struct {
	ID                    int64   `json:"id"`
	DocumentName          string  `json:"document_name"`
	DocumentType          string  `json:"document_type"`
	DocumentTitle         string  `json:"document_title"`
	SourcePath            string  `json:"source_file_path"`
	FileSize              int64   `json:"file_size"`
	ContentHash           string  `json:"content_hash"`
	ProcessingMethod      string  `json:"processing_method"`
	ProcessingTimeMs      float64 `json:"processing_time_ms"`
	ExtractionConfidence  float64 `json:"extraction_confidence"`
	RawExtractorJSON      string  `json:"raw_extractor_json,omitempty"`
	OCRSupplementaryText  string  `json:"ocr_supplementary_text,omitempty"`
	ProcessingStepsJSON   string  `json:"processing_steps_json,omitempty"`
	ValidationDetailsJSON string  `json:"validation_details_json,omitempty"`
	Status                string  `json:"status"`
	CreatedAt             string  `json:"created_at"`
}

// LetterProduct is a product range the extractor attributed to a letter.
type LetterProduct struct {
	ID                     int64   `json:"id"`
	LetterID               int64   `json:"letter_id"`
	ProductIdentifier      string  `json:"product_identifier,omitempty"`
	RangeLabel             string  `json:"range_label"`
	SubrangeLabel          string  `json:"subrange_label,omitempty"`
	ProductLine            string  `json:"product_line"`
	ProductDescription     string  `json:"product_description,omitempty"`
	ObsolescenceStatus     string  `json:"obsolescence_status,omitempty"`
	EndOfServiceDate       string  `json:"end_of_service_date,omitempty"`
	ReplacementSuggestions string  `json:"replacement_suggestions,omitempty"`
	ConfidenceScore        float64 `json:"confidence_score"`
}

// LetterProductMatch is a validated link from a letter to one catalog row.
type LetterProductMatch struct {
	ID                       int64   `json:"id"`
	LetterID                 int64   `json:"letter_id"`
	LetterProductID          *int64  `json:"letter_product_id,omitempty"`
	CatalogProductIdentifier string  `json:"catalog_product_identifier"`
	MatchConfidence          float64 `json:"match_confidence"`
	MatchReason              string  `json:"match_reason,omitempty"`
	TechnicalMatchScore      float64 `json:"technical_match_score"`
	NomenclatureMatchScore   float64 `json:"nomenclature_match_score"`
	ProductLineMatchScore    float64 `json:"product_line_match_score"`
	MatchType                string  `json:"match_type"`
	RangeBasedMatching       bool    `json:"range_based_matching"`
}

// LetterSummary is the projection returned by the skip-gate lookup.
type LetterSummary struct {
	ID                    int64   `json:"id"`
	Status                string  `json:"status"`
	ProcessingTimeMs      float64 `json:"processing_time_ms"`
	Confidence            float64 `json:"confidence"`
	ValidationDetailsJSON string  `json:"validation_details_json,omitempty"`
	CreatedAt             string  `json:"created_at"`
}

// LetterDraft accumulates a letter and its children in memory so they can be
// committed in a single transaction.
type LetterDraft struct {
	Letter   Letter
	Products []LetterProduct
	Matches  []LetterProductMatch
}

// LLMCall is one row of the llm_api_calls observability table.
type LLMCall struct {
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

// RawContentRecord captures the raw extracted text with its derived identity
// and quality heuristics. Keyed by Signature.
type RawContentRecord struct {
	ID                  int64
	ContentHash         string
	LetterID            *int64
	RawText             string
	Encoding            string
	ExtractionMethod    string
	SourcePath          string
	SourceSize          int64
	SourceMIMEType      string
	PromptVersion       string
	PromptConfigHash    string
	Signature           string
	ProcessingStatus    string
	Processed           bool
	LastProcessedAt     *time.Time
	Attempts            int
	QualityScore        float64
	HasTechnicalContent bool
	HasTables           bool
	WordCount           int
	ParagraphCount      int
	LLMCallID           string
	ExtractorMetadata   string
	ExtractorConfidence *float64
	ProductsExtracted   int
	CreatedAt           string
}

// Stats holds aggregate processing counters.
type Stats struct {
	TotalLetters     int     `json:"total_letters"`
	CompletedLetters int     `json:"completed_letters"`
	AvgConfidence    float64 `json:"avg_confidence"`
	TotalMatches     int     `json:"total_matches"`
}

// OperationUsage aggregates token spend per LLM operation.
type OperationUsage struct {
	Operation        string  `json:"operation"`
	Calls            int     `json:"calls"`
	FailedCalls      int     `json:"failed_calls"`
	TotalTokens      int64   `json:"total_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Store owns all persistent mutation of letters and their children.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database at the given path and initialises
// the schema.
func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	// Connection pool settings for SQLite.
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}

	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// --- Skip-gate lookups ---

// FindByIdentity returns the most recent letter matching the content hash or
// the source path, or nil when no letter matches.
func (s *Store) FindByIdentity(ctx context.Context, contentHash, sourcePath string) (*LetterSummary, error) {
	sum := &LetterSummary{}
	var validation sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, status, COALESCE(processing_time_ms, 0), COALESCE(extraction_confidence, 0),
			validation_details_json, created_at
		FROM letters
		WHERE content_hash = ? OR source_file_path = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, contentHash, sourcePath).Scan(&sum.ID, &sum.Status, &sum.ProcessingTimeMs,
		&sum.Confidence, &validation, &sum.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sum.ValidationDetailsJSON = validation.String
	return sum, nil
}

// HasCurrentPromptRecord looks up the raw-content record for the composite
// signature under the given prompt version. Only records that completed LLM
// processing count; nil means the document must be processed.
func (s *Store) HasCurrentPromptRecord(ctx context.Context, signature, promptVersion string) (*RawContentRecord, error) {
	rec, err := s.scanRawContent(s.db.QueryRowContext(ctx, `
		SELECT `+rawContentColumns+`
		FROM letter_raw_content
		WHERE content_prompt_signature = ? AND prompt_version = ? AND llm_processed = 1
		ORDER BY created_at DESC
		LIMIT 1
	`, signature, promptVersion))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// --- Letter mutation ---

// DeleteLetter removes a letter; products and matches cascade.
func (s *Store) DeleteLetter(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM letters WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// PersistLetter commits a letter draft in ONE transaction: the letter row is
// inserted first, its id stamped onto every child, then products and matches.
// Any failure rolls the whole letter back.
func (s *Store) PersistLetter(ctx context.Context, draft LetterDraft) (int64, error) {
	var letterID int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO letters (
				document_name, document_type, document_title, source_file_path,
				file_size, content_hash, processing_method, processing_time_ms,
				extraction_confidence, raw_extractor_json, ocr_supplementary_text,
				processing_steps_json, validation_details_json, status
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, draft.Letter.DocumentName, nullIfEmpty(draft.Letter.DocumentType),
			nullIfEmpty(draft.Letter.DocumentTitle), draft.Letter.SourcePath,
			draft.Letter.FileSize, draft.Letter.ContentHash,
			draft.Letter.ProcessingMethod, draft.Letter.ProcessingTimeMs,
			draft.Letter.ExtractionConfidence, nullIfEmpty(draft.Letter.RawExtractorJSON),
			nullIfEmpty(draft.Letter.OCRSupplementaryText),
			nullIfEmpty(draft.Letter.ProcessingStepsJSON),
			nullIfEmpty(draft.Letter.ValidationDetailsJSON), draft.Letter.Status)
		if err != nil {
			return fmt.Errorf("inserting letter: %w", err)
		}
		letterID, err = res.LastInsertId()
		if err != nil {
			return err
		}

		if len(draft.Products) > 0 {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO letter_products (
					letter_id, product_identifier, range_label, subrange_label,
					product_line, product_description, obsolescence_status,
					end_of_service_date, replacement_suggestions, confidence_score
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, p := range draft.Products {
				if _, err := stmt.ExecContext(ctx, letterID,
					nullIfEmpty(p.ProductIdentifier), p.RangeLabel,
					nullIfEmpty(p.SubrangeLabel), p.ProductLine,
					nullIfEmpty(p.ProductDescription), nullIfEmpty(p.ObsolescenceStatus),
					nullIfEmpty(p.EndOfServiceDate), nullIfEmpty(p.ReplacementSuggestions),
					p.ConfidenceScore); err != nil {
					return fmt.Errorf("inserting letter product %q: %w", p.RangeLabel, err)
				}
			}
		}

		if len(draft.Matches) > 0 {
			stmt, err := tx.PrepareContext(ctx, `
				INSERT INTO letter_product_matches (
					letter_id, letter_product_id, catalog_product_identifier,
					match_confidence, match_reason, technical_match_score,
					nomenclature_match_score, product_line_match_score,
					match_type, range_based_matching
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`)
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, m := range draft.Matches {
				if _, err := stmt.ExecContext(ctx, letterID, m.LetterProductID,
					m.CatalogProductIdentifier, m.MatchConfidence,
					nullIfEmpty(m.MatchReason), m.TechnicalMatchScore,
					m.NomenclatureMatchScore, m.ProductLineMatchScore,
					m.MatchType, m.RangeBasedMatching); err != nil {
					return fmt.Errorf("inserting match %q: %w", m.CatalogProductIdentifier, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return letterID, nil
}

// --- Observability writes (best-effort, outside the letter transaction) ---

// RecordLLMCall appends one llm_api_calls row.
func (s *Store) RecordLLMCall(ctx context.Context, c LLMCall) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO llm_api_calls (
			call_id, letter_id, operation_type, api_provider, model_name, base_url,
			system_prompt_hash, user_prompt_hash, prompt_version, prompt_template_name,
			prompt_tokens, completion_tokens, total_tokens,
			response_time_ms, request_timestamp, response_timestamp,
			response_success, confidence_score, error_type, error_message, retry_count,
			code_version_hash, prompt_config_hash, estimated_cost_usd,
			document_name, document_size_bytes, input_char_count, output_char_count
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.CallID, c.LetterID, c.Operation, c.Provider, c.Model, c.BaseURL,
		c.SystemPromptHash, c.UserPromptHash, c.PromptVersion, c.PromptTemplateName,
		c.PromptTokens, c.CompletionTokens, c.TotalTokens,
		c.ResponseTimeMs, c.RequestAt.UTC(), c.ResponseAt.UTC(),
		c.Success, c.Confidence, nullIfEmpty(c.ErrorKind), nullIfEmpty(c.ErrorMessage), c.RetryCount,
		nullIfEmpty(c.CodeVersion), nullIfEmpty(c.PromptConfigHash), c.EstimatedCostUSD,
		c.DocumentName, c.DocumentSizeBytes, c.InputChars, c.OutputChars)
	return err
}

// StoreRawContent upserts a raw-content record on its composite signature.
// A re-run of the same bytes under the same prompt config bumps the attempt
// counter and refreshes the processing outcome instead of duplicating.
func (s *Store) StoreRawContent(ctx context.Context, r RawContentRecord) (int64, error) {
	if r.Encoding == "" {
		r.Encoding = "utf-8"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO letter_raw_content (
			content_hash, letter_id, raw_text, raw_text_length, encoding,
			extraction_method, source_file_path, source_file_size, source_file_mime_type,
			prompt_version, prompt_config_hash, content_prompt_signature,
			processing_status, llm_processed, last_processed_at, processing_attempts,
			content_quality_score, has_technical_content, has_tables,
			word_count, paragraph_count, llm_call_id, extractor_metadata_json,
			extractor_confidence, products_extracted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(content_prompt_signature) DO UPDATE SET
			letter_id = excluded.letter_id,
			processing_status = excluded.processing_status,
			llm_processed = excluded.llm_processed,
			last_processed_at = excluded.last_processed_at,
			processing_attempts = letter_raw_content.processing_attempts + 1,
			llm_call_id = excluded.llm_call_id,
			extractor_metadata_json = excluded.extractor_metadata_json,
			extractor_confidence = excluded.extractor_confidence,
			products_extracted = excluded.products_extracted
	`, r.ContentHash, r.LetterID, r.RawText, len(r.RawText), r.Encoding,
		nullIfEmpty(r.ExtractionMethod), r.SourcePath, r.SourceSize, nullIfEmpty(r.SourceMIMEType),
		r.PromptVersion, r.PromptConfigHash, r.Signature,
		r.ProcessingStatus, r.Processed, r.LastProcessedAt, r.Attempts,
		r.QualityScore, r.HasTechnicalContent, r.HasTables,
		r.WordCount, r.ParagraphCount, nullIfEmpty(r.LLMCallID), nullIfEmpty(r.ExtractorMetadata),
		r.ExtractorConfidence, r.ProductsExtracted)
	if err != nil {
		return 0, err
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if id == 0 {
		row := s.db.QueryRowContext(ctx,
			"SELECT id FROM letter_raw_content WHERE content_prompt_signature = ?", r.Signature)
		if err := row.Scan(&id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// --- Reads ---

// GetLetter retrieves a letter by ID.
func (s *Store) GetLetter(ctx context.Context, id int64) (*Letter, error) {
	l := &Letter{}
	var docType, docTitle, rawJSON, ocrText, steps, validation sql.NullString
	var size sql.NullInt64
	var duration, confidence sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT id, document_name, document_type, document_title, source_file_path,
			file_size, content_hash, processing_method, processing_time_ms,
			extraction_confidence, raw_extractor_json, ocr_supplementary_text,
			processing_steps_json, validation_details_json, status, created_at
		FROM letters WHERE id = ?
	`, id).Scan(&l.ID, &l.DocumentName, &docType, &docTitle, &l.SourcePath,
		&size, &l.ContentHash, &l.ProcessingMethod, &duration,
		&confidence, &rawJSON, &ocrText, &steps, &validation, &l.Status, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	l.DocumentType = docType.String
	l.DocumentTitle = docTitle.String
	l.FileSize = size.Int64
	l.ProcessingTimeMs = duration.Float64
	l.ExtractionConfidence = confidence.Float64
	l.RawExtractorJSON = rawJSON.String
	l.OCRSupplementaryText = ocrText.String
	l.ProcessingStepsJSON = steps.String
	l.ValidationDetailsJSON = validation.String
	return l, nil
}

// GetLetterProducts returns the product ranges of a letter in insertion order.
func (s *Store) GetLetterProducts(ctx context.Context, letterID int64) ([]LetterProduct, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, letter_id, COALESCE(product_identifier, ''), COALESCE(range_label, ''),
			COALESCE(subrange_label, ''), COALESCE(product_line, ''),
			COALESCE(product_description, ''), COALESCE(obsolescence_status, ''),
			COALESCE(end_of_service_date, ''), COALESCE(replacement_suggestions, ''),
			COALESCE(confidence_score, 0)
		FROM letter_products WHERE letter_id = ? ORDER BY id
	`, letterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var products []LetterProduct
	for rows.Next() {
		var p LetterProduct
		if err := rows.Scan(&p.ID, &p.LetterID, &p.ProductIdentifier, &p.RangeLabel,
			&p.SubrangeLabel, &p.ProductLine, &p.ProductDescription,
			&p.ObsolescenceStatus, &p.EndOfServiceDate, &p.ReplacementSuggestions,
			&p.ConfidenceScore); err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

// GetLetterMatches returns the validated catalog links of a letter.
func (s *Store) GetLetterMatches(ctx context.Context, letterID int64) ([]LetterProductMatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, letter_id, letter_product_id, catalog_product_identifier,
			COALESCE(match_confidence, 0), COALESCE(match_reason, ''),
			COALESCE(technical_match_score, 0), COALESCE(nomenclature_match_score, 0),
			COALESCE(product_line_match_score, 0), COALESCE(match_type, ''),
			COALESCE(range_based_matching, 0)
		FROM letter_product_matches WHERE letter_id = ? ORDER BY id
	`, letterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []LetterProductMatch
	for rows.Next() {
		var m LetterProductMatch
		if err := rows.Scan(&m.ID, &m.LetterID, &m.LetterProductID,
			&m.CatalogProductIdentifier, &m.MatchConfidence, &m.MatchReason,
			&m.TechnicalMatchScore, &m.NomenclatureMatchScore,
			&m.ProductLineMatchScore, &m.MatchType, &m.RangeBasedMatching); err != nil {
			return nil, err
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// CountLettersByContentHash counts letters sharing a content hash. Re-runs
// under newer prompt configs legitimately accumulate rows here.
func (s *Store) CountLettersByContentHash(ctx context.Context, contentHash string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM letters WHERE content_hash = ?", contentHash).Scan(&n)
	return n, err
}

// --- Aggregates ---

// Stats returns aggregate processing counters.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}
	queries := []struct {
		query string
		dest  any
	}{
		{"SELECT COUNT(*) FROM letters", &stats.TotalLetters},
		{"SELECT COUNT(*) FROM letters WHERE status = 'completed'", &stats.CompletedLetters},
		{"SELECT COALESCE(AVG(extraction_confidence), 0) FROM letters WHERE extraction_confidence > 0", &stats.AvgConfidence},
		{"SELECT COUNT(*) FROM letter_product_matches", &stats.TotalMatches},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dest); err != nil {
			return nil, fmt.Errorf("counting %s: %w", q.query, err)
		}
	}
	return stats, nil
}

// TokenUsage aggregates llm_api_calls by operation over a trailing window of
// days. days <= 0 means all time.
func (s *Store) TokenUsage(ctx context.Context, days int) ([]OperationUsage, error) {
	query := `
		SELECT operation_type, COUNT(*),
			SUM(CASE WHEN response_success = 0 THEN 1 ELSE 0 END),
			COALESCE(SUM(total_tokens), 0), COALESCE(SUM(estimated_cost_usd), 0)
		FROM llm_api_calls`
	var args []any
	if days > 0 {
		query += " WHERE created_at >= datetime('now', ?)"
		args = append(args, fmt.Sprintf("-%d days", days))
	}
	query += " GROUP BY operation_type ORDER BY operation_type"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usages []OperationUsage
	for rows.Next() {
		var u OperationUsage
		if err := rows.Scan(&u.Operation, &u.Calls, &u.FailedCalls,
			&u.TotalTokens, &u.EstimatedCostUSD); err != nil {
			return nil, err
		}
		usages = append(usages, u)
	}
	return usages, rows.Err()
}

// --- helpers ---

const rawContentColumns = `id, content_hash, letter_id, COALESCE(raw_text, ''), COALESCE(encoding, 'utf-8'),
	COALESCE(extraction_method, ''), COALESCE(source_file_path, ''), COALESCE(source_file_size, 0),
	COALESCE(source_file_mime_type, ''), prompt_version, prompt_config_hash, content_prompt_signature,
	COALESCE(processing_status, ''), llm_processed, last_processed_at, processing_attempts,
	COALESCE(content_quality_score, 0), has_technical_content, has_tables,
	word_count, paragraph_count, COALESCE(llm_call_id, ''), COALESCE(extractor_metadata_json, ''),
	extractor_confidence, products_extracted, created_at`

func (s *Store) scanRawContent(row *sql.Row) (*RawContentRecord, error) {
	r := &RawContentRecord{}
	var lastProcessed sql.NullTime
	err := row.Scan(&r.ID, &r.ContentHash, &r.LetterID, &r.RawText, &r.Encoding,
		&r.ExtractionMethod, &r.SourcePath, &r.SourceSize,
		&r.SourceMIMEType, &r.PromptVersion, &r.PromptConfigHash, &r.Signature,
		&r.ProcessingStatus, &r.Processed, &lastProcessed, &r.Attempts,
		&r.QualityScore, &r.HasTechnicalContent, &r.HasTables,
		&r.WordCount, &r.ParagraphCount, &r.LLMCallID, &r.ExtractorMetadata,
		&r.ExtractorConfidence, &r.ProductsExtracted, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastProcessed.Valid {
		t := lastProcessed.Time
		r.LastProcessedAt = &t
	}
	return r, nil
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
