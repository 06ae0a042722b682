package db

import (
	"context"
	"fmt"

	"github.com/raphaelgruber/lakeflow/internal/models"
)

// PutEntry stores an entry.
func (c *Client) PutEntry(ctx context.Context, e *models.Entry) error {
	err := exec(ctx, c, `UPSERT type::record("entry", $id) CONTENT $entry`, map[string]any{
		"id":    e.EntryID,
		"entry": e,
	})
	if err != nil {
		return fmt.Errorf("put entry: %w", err)
	}
	return nil
}

// GetEntry returns an entry, or nil.
func (c *Client) GetEntry(ctx context.Context, id string) (*models.Entry, error) {
	e, err := first[models.Entry](ctx, c, `SELECT * FROM type::record("entry", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	return e, nil
}

// AddEntryToArchive records archive membership on the entry and in the
// membership table. Repeated calls keep the first insertion position.
func (c *Client) AddEntryToArchive(ctx context.Context, archiveID, entryID string) error {
	if _, err := create(ctx, c, "archive_member", archiveID+"/"+entryID, map[string]any{
		"archive_id": archiveID,
		"entry_id":   entryID,
	}); err != nil {
		return fmt.Errorf("add archive member: %w", err)
	}

	_, err := retryConflicts(ctx, func() (struct{}, error) {
		return struct{}{}, exec(ctx, c, `
			UPDATE type::record("entry", $id) SET
				archives = array::union(archives ?? [], [$archive])
		`, map[string]any{"id": entryID, "archive": archiveID})
	})
	if err != nil {
		return fmt.Errorf("add entry archive: %w", err)
	}
	return nil
}

// ListArchiveEntries returns the ids of the entries in an archive, in
// insertion order.
func (c *Client) ListArchiveEntries(ctx context.Context, archiveID string) ([]string, error) {
	type member struct {
		EntryID string `json:"entry_id"`
	}
	members, err := rows[member](ctx, c, `
		SELECT entry_id, added FROM archive_member
		WHERE archive_id = $archive
		ORDER BY added ASC, entry_id ASC
	`, map[string]any{"archive": archiveID})
	if err != nil {
		return nil, fmt.Errorf("list archive entries: %w", err)
	}

	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.EntryID
	}
	return ids, nil
}

// SaveContent stores content under a resource name.
func (c *Client) SaveContent(ctx context.Context, id, content string) error {
	err := exec(ctx, c, `UPSERT type::record("content", $id) SET body = $body`, map[string]any{
		"id":   id,
		"body": content,
	})
	if err != nil {
		return fmt.Errorf("save content: %w", err)
	}
	return nil
}

// GetContent returns content stored under a resource name.
func (c *Client) GetContent(ctx context.Context, id string) (string, bool, error) {
	type row struct {
		Body string `json:"body"`
	}
	r, err := first[row](ctx, c, `SELECT body FROM type::record("content", $id)`, map[string]any{"id": id})
	if err != nil {
		return "", false, fmt.Errorf("get content: %w", err)
	}
	if r == nil {
		return "", false, nil
	}
	return r.Body, true, nil
}
