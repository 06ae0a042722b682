package db

import "fmt"

// tables lists every table in deletion order.
var tables = []string{
	"job", "information_request", "compaction_run", "vector_store_query",
	"entry", "content", "archive_member", "archive", "vector_store", "vector_entry",
}

// schemaSQL returns the schema definition. Records with nested documents
// (requests, jobs) are schemaless; counters and lookup keys are typed.
func schemaSQL(dimension int) string {
	return fmt.Sprintf(`
    -- ==========================================================================
    -- JOB LEDGER
    -- ==========================================================================
    -- Record id is "<job_type>/<job_id>".
    DEFINE TABLE IF NOT EXISTS job SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS job_id ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS job_type ON job TYPE string;
    DEFINE FIELD IF NOT EXISTS status ON job TYPE string
        ASSERT $value IN ["PENDING", "IN_PROGRESS", "COMPLETED", "FAILED"];
    DEFINE FIELD IF NOT EXISTS created ON job TYPE datetime;
    DEFINE INDEX IF NOT EXISTS job_parent ON job FIELDS parent_job_type, parent_job_id;
    DEFINE INDEX IF NOT EXISTS job_status ON job FIELDS status;

    -- ==========================================================================
    -- FAN-IN STATE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS information_request SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS request_id ON information_request TYPE string;
    DEFINE FIELD IF NOT EXISTS request_status ON information_request TYPE string
        ASSERT $value IN ["PENDING", "PROCESSING", "COMPLETED", "FAILED"];
    DEFINE FIELD IF NOT EXISTS remaining_queries ON information_request TYPE int;
    DEFINE FIELD IF NOT EXISTS created ON information_request TYPE datetime;
    DEFINE INDEX IF NOT EXISTS information_request_status ON information_request FIELDS request_status;

    DEFINE TABLE IF NOT EXISTS compaction_run SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS request_id ON compaction_run TYPE string;
    DEFINE FIELD IF NOT EXISTS current_run ON compaction_run TYPE int;
    DEFINE FIELD IF NOT EXISTS remaining_processes ON compaction_run TYPE int;
    DEFINE FIELD IF NOT EXISTS expected_results ON compaction_run TYPE int;

    DEFINE TABLE IF NOT EXISTS vector_store_query SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS query_id ON vector_store_query TYPE string;
    DEFINE FIELD IF NOT EXISTS remaining_processes ON vector_store_query TYPE int;
    DEFINE FIELD IF NOT EXISTS max_entries ON vector_store_query TYPE int;
    DEFINE INDEX IF NOT EXISTS vector_store_query_request ON vector_store_query FIELDS request_id;

    -- ==========================================================================
    -- ENTRIES AND CONTENT
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS entry SCHEMALESS;
    DEFINE FIELD IF NOT EXISTS entry_id ON entry TYPE string;
    DEFINE FIELD IF NOT EXISTS content_hash ON entry TYPE string;
    DEFINE FIELD IF NOT EXISTS char_count ON entry TYPE int;
    DEFINE FIELD IF NOT EXISTS effective_on ON entry TYPE datetime;
    DEFINE INDEX IF NOT EXISTS entry_tags ON entry FIELDS tags;

    -- Record id is the resource name.
    DEFINE TABLE IF NOT EXISTS content SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS body ON content TYPE string;

    -- ==========================================================================
    -- ARCHIVES AND VECTOR STORES
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS archive SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS archive_id ON archive TYPE string;
    DEFINE FIELD IF NOT EXISTS archive_type ON archive TYPE string ASSERT $value IN ["BASIC", "VECTOR"];
    DEFINE FIELD IF NOT EXISTS description ON archive TYPE option<string>;

    -- Record id is "<archive_id>/<entry_id>".
    DEFINE TABLE IF NOT EXISTS archive_member SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS archive_id ON archive_member TYPE string;
    DEFINE FIELD IF NOT EXISTS entry_id ON archive_member TYPE string;
    DEFINE FIELD IF NOT EXISTS added ON archive_member TYPE datetime DEFAULT time::now();
    DEFINE INDEX IF NOT EXISTS archive_member_archive ON archive_member FIELDS archive_id, added;

    DEFINE TABLE IF NOT EXISTS vector_store SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS vector_store_id ON vector_store TYPE string;
    DEFINE FIELD IF NOT EXISTS archive_id ON vector_store TYPE string;
    DEFINE FIELD IF NOT EXISTS tags ON vector_store TYPE array<string>;
    DEFINE INDEX IF NOT EXISTS vector_store_archive ON vector_store FIELDS archive_id;

    DEFINE TABLE IF NOT EXISTS vector_entry SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS vector_store_id ON vector_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS entry_id ON vector_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON vector_entry TYPE array<float>;
    DEFINE INDEX IF NOT EXISTS vector_entry_store ON vector_entry FIELDS vector_store_id;
    DEFINE INDEX IF NOT EXISTS vector_entry_embedding ON vector_entry FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;
`, dimension)
}
