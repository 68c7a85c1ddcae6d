package store

// schemaSQL is the DDL for all pipeline-owned tables.
//
// letter_products and letter_product_matches cascade from letters so a force
// reprocess removes the whole letter subtree in one delete. llm_api_calls and
// letter_raw_content reference letters without a constraint: they are
// append-mostly observability rows and must survive a letter that was never
// committed or was later deleted.
const schemaSQL = `
-- One row per processed obsolescence letter
CREATE TABLE IF NOT EXISTS letters (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_name TEXT NOT NULL,
    document_type TEXT,
    document_title TEXT,
    source_file_path TEXT NOT NULL,
    file_size INTEGER,
    content_hash TEXT NOT NULL,
    processing_method TEXT NOT NULL,
    processing_time_ms REAL,
    extraction_confidence REAL DEFAULT 0,
    raw_extractor_json TEXT,
    ocr_supplementary_text TEXT,
    processing_steps_json TEXT,
    validation_details_json TEXT,
    status TEXT DEFAULT 'pending',
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Product ranges the extractor says the letter is about
CREATE TABLE IF NOT EXISTS letter_products (
    id INTEGER PRIMARY KEY,
    letter_id INTEGER NOT NULL REFERENCES letters(id) ON DELETE CASCADE,
    product_identifier TEXT,
    range_label TEXT,
    subrange_label TEXT,
    product_line TEXT,
    product_description TEXT,
    obsolescence_status TEXT,
    end_of_service_date TEXT,
    replacement_suggestions TEXT,
    confidence_score REAL DEFAULT 0
);

-- Validated letter-to-catalog links. catalog_product_identifier is a weak
-- reference: the catalog is managed by an external process.
CREATE TABLE IF NOT EXISTS letter_product_matches (
    id INTEGER PRIMARY KEY,
    letter_id INTEGER NOT NULL REFERENCES letters(id) ON DELETE CASCADE,
    letter_product_id INTEGER REFERENCES letter_products(id) ON DELETE SET NULL,
    catalog_product_identifier TEXT NOT NULL,
    match_confidence REAL DEFAULT 0,
    match_reason TEXT,
    technical_match_score REAL DEFAULT 0,
    nomenclature_match_score REAL DEFAULT 0,
    product_line_match_score REAL DEFAULT 0,
    match_type TEXT,
    range_based_matching INTEGER DEFAULT 0
);

-- One row per LLM attempt, success or failure. Append-only.
CREATE TABLE IF NOT EXISTS llm_api_calls (
    id INTEGER PRIMARY KEY,
    call_id TEXT NOT NULL,
    letter_id INTEGER,
    operation_type TEXT NOT NULL,
    api_provider TEXT,
    model_name TEXT,
    base_url TEXT,
    system_prompt_hash TEXT,
    user_prompt_hash TEXT,
    prompt_version TEXT,
    prompt_template_name TEXT,
    prompt_tokens INTEGER,
    completion_tokens INTEGER,
    total_tokens INTEGER,
    response_time_ms INTEGER,
    request_timestamp DATETIME,
    response_timestamp DATETIME,
    response_success INTEGER NOT NULL,
    confidence_score REAL,
    error_type TEXT,
    error_message TEXT,
    retry_count INTEGER DEFAULT 0,
    code_version_hash TEXT,
    prompt_config_hash TEXT,
    estimated_cost_usd REAL,
    document_name TEXT,
    document_size_bytes INTEGER,
    input_char_count INTEGER,
    output_char_count INTEGER,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Raw captured content keyed by (content bytes, prompt config)
CREATE TABLE IF NOT EXISTS letter_raw_content (
    id INTEGER PRIMARY KEY,
    content_hash TEXT NOT NULL,
    letter_id INTEGER,
    raw_text TEXT,
    raw_text_length INTEGER DEFAULT 0,
    encoding TEXT DEFAULT 'utf-8',
    extraction_method TEXT,
    source_file_path TEXT,
    source_file_size INTEGER,
    source_file_mime_type TEXT,
    prompt_version TEXT NOT NULL,
    prompt_config_hash TEXT NOT NULL,
    content_prompt_signature TEXT NOT NULL UNIQUE,
    processing_status TEXT DEFAULT 'pending',
    llm_processed INTEGER DEFAULT 0,
    last_processed_at DATETIME,
    processing_attempts INTEGER DEFAULT 0,
    content_quality_score REAL,
    has_technical_content INTEGER DEFAULT 0,
    has_tables INTEGER DEFAULT 0,
    word_count INTEGER DEFAULT 0,
    paragraph_count INTEGER DEFAULT 0,
    llm_call_id TEXT,
    extractor_metadata_json TEXT,
    extractor_confidence REAL,
    products_extracted INTEGER DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Indexes
CREATE INDEX IF NOT EXISTS idx_letters_hash ON letters(content_hash);
CREATE INDEX IF NOT EXISTS idx_letters_path ON letters(source_file_path);
CREATE INDEX IF NOT EXISTS idx_letters_status ON letters(status);
CREATE INDEX IF NOT EXISTS idx_letter_products_letter ON letter_products(letter_id);
CREATE INDEX IF NOT EXISTS idx_matches_letter ON letter_product_matches(letter_id);
CREATE INDEX IF NOT EXISTS idx_matches_catalog ON letter_product_matches(catalog_product_identifier);
CREATE INDEX IF NOT EXISTS idx_llm_calls_letter ON llm_api_calls(letter_id);
CREATE INDEX IF NOT EXISTS idx_llm_calls_operation ON llm_api_calls(operation_type, created_at);
CREATE INDEX IF NOT EXISTS idx_raw_content_letter ON letter_raw_content(letter_id);
`
