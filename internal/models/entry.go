package models

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode/utf8"
)

// Analysis score keys stored on entries.
const (
	ScoreCompleteness = "completeness"
)

// Entry is an immutable content record. Only archive membership may change
// after creation.
type Entry struct {
	EntryID        string            `json:"entry_id"`
	ContentHash    string            `json:"content_hash"`
	CharCount      int               `json:"char_count"`
	Tags           []string          `json:"tags"`
	AnalysisScores map[string]string `json:"analysis_scores,omitempty"`
	Sources        []string          `json:"sources"`
	EffectiveOn    time.Time         `json:"effective_on"`
	Archives       []string          `json:"archives,omitempty"`
}

// Resource returns the entry's resource name.
func (e *Entry) Resource() ResourceName {
	return EntryResource(e.EntryID)
}

// NewEntry builds an entry for content, filling hash and size.
func NewEntry(id, content string, sources []string, effectiveOn time.Time) *Entry {
	sum := sha256.Sum256([]byte(content))
	return &Entry{
		EntryID:     id,
		ContentHash: hex.EncodeToString(sum[:]),
		CharCount:   utf8.RuneCountInString(content),
		Tags:        []string{},
		Sources:     sources,
		EffectiveOn: effectiveOn,
	}
}

// NormalizeTags lower-cases and trims tags, dropping empty ones.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ArchiveType names the retrieval capability of an archive.
type ArchiveType string

const (
	ArchiveTypeBasic  ArchiveType = "BASIC"
	ArchiveTypeVector ArchiveType = "VECTOR"
)

// Archive is a registered collection of entries.
type Archive struct {
	ArchiveID   string      `json:"archive_id"`
	ArchiveType ArchiveType `json:"archive_type"`
	Description string      `json:"description,omitempty"`
}

// VectorStore is one searchable partition of a VECTOR archive, described by
// the tags of its content.
type VectorStore struct {
	VectorStoreID string   `json:"vector_store_id"`
	ArchiveID     string   `json:"archive_id"`
	Tags          []string `json:"tags"`
}
