// Package previewcache records which frame ranges of a track have a
// pre-rendered preview chunk on disk, and forgets them when an edit touches
// those frames.
package previewcache

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/KDE/kdenlive-sub010/internal/frames"
)

const schema = `
CREATE TABLE IF NOT EXISTS preview_chunks (
	track_id TEXT NOT NULL,
	start_frame INTEGER NOT NULL,
	end_frame INTEGER NOT NULL,
	file TEXT NOT NULL,
	rendered_at INTEGER NOT NULL,
	PRIMARY KEY (track_id, start_frame)
);
CREATE INDEX IF NOT EXISTS idx_preview_rendered_at ON preview_chunks(rendered_at);
`

// Cache is backed by a SQLite file. It is safe for concurrent use.
type Cache struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// Open creates the database at path (and its directory) if needed.
func Open(path string, log zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create preview cache directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open preview cache: %w", err)
	}
	// one writer at a time; sqlite serializes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create preview cache schema: %w", err)
	}
	return &Cache{db: db, log: log.With().Str("component", "previewcache").Logger(), now: time.Now}, nil
}

func (c *Cache) Close() error { return c.db.Close() }

// MarkRendered records that file holds the preview of r on trackID. A chunk
// starting at the same frame is replaced.
func (c *Cache) MarkRendered(trackID string, r frames.Range, file string) error {
	if r.Empty() {
		return fmt.Errorf("mark rendered %s: empty range %s", trackID, r)
	}
	_, err := c.db.Exec(`
		INSERT OR REPLACE INTO preview_chunks (track_id, start_frame, end_frame, file, rendered_at)
		VALUES (?, ?, ?, ?, ?)`,
		trackID, r.Start, r.End, file, c.now().Unix())
	if err != nil {
		return fmt.Errorf("mark rendered %s %s: %w", trackID, r, err)
	}
	return nil
}

type chunk struct {
	start, end int
	file       string
}

func (c *Cache) query(q string, args ...any) ([]chunk, error) {
	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []chunk
	for rows.Next() {
		var ch chunk
		if err := rows.Scan(&ch.start, &ch.end, &ch.file); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// removeFiles deletes chunk files; a file already gone is not an error.
func (c *Cache) removeFiles(chunks []chunk) {
	for _, ch := range chunks {
		if ch.file == "" {
			continue
		}
		if err := os.Remove(ch.file); err != nil && !os.IsNotExist(err) {
			c.log.Warn().Err(err).Str("file", ch.file).Msg("error deleting preview chunk")
		}
	}
}

// Invalidate forgets every chunk of trackID overlapping r, deletes their
// files and returns how many there were.
func (c *Cache) Invalidate(trackID string, r frames.Range) (int, error) {
	if r.Empty() {
		return 0, nil
	}
	chunks, err := c.query(`
		SELECT start_frame, end_frame, file FROM preview_chunks
		WHERE track_id = ? AND start_frame < ? AND end_frame > ?`,
		trackID, r.End, r.Start)
	if err != nil {
		return 0, fmt.Errorf("invalidate %s %s: %w", trackID, r, err)
	}
	if len(chunks) == 0 {
		return 0, nil
	}
	if _, err := c.db.Exec(`
		DELETE FROM preview_chunks
		WHERE track_id = ? AND start_frame < ? AND end_frame > ?`,
		trackID, r.End, r.Start); err != nil {
		return 0, fmt.Errorf("invalidate %s %s: %w", trackID, r, err)
	}
	c.removeFiles(chunks)
	return len(chunks), nil
}

// Rendered returns the rendered ranges of trackID, merged.
func (c *Cache) Rendered(trackID string) ([]frames.Range, error) {
	chunks, err := c.query(`
		SELECT start_frame, end_frame, file FROM preview_chunks
		WHERE track_id = ? ORDER BY start_frame`, trackID)
	if err != nil {
		return nil, fmt.Errorf("rendered %s: %w", trackID, err)
	}
	ranges := make([]frames.Range, len(chunks))
	for i, ch := range chunks {
		ranges[i] = frames.Range{Start: ch.start, End: ch.end}
	}
	return frames.Merge(ranges), nil
}

// Prune deletes chunks rendered longer than olderThan ago and returns how
// many were removed.
func (c *Cache) Prune(olderThan time.Duration) (int, error) {
	cutoff := c.now().Add(-olderThan).Unix()
	c.log.Info().Dur("threshold", olderThan).Msg("starting cleanup of old preview chunks")
	chunks, err := c.query(`
		SELECT start_frame, end_frame, file FROM preview_chunks
		WHERE rendered_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	if _, err := c.db.Exec(`DELETE FROM preview_chunks WHERE rendered_at < ?`, cutoff); err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	c.removeFiles(chunks)
	c.log.Info().Int("deleted", len(chunks)).Msg("cleanup complete")
	return len(chunks), nil
}
