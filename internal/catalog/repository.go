package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Recording is one catalogued file.
type Recording struct {
	ID            string    `json:"id"`
	FilePath      string    `json:"file_path"`
	CreationID    uint64    `json:"creation_id"`
	FileSize      int64     `json:"file_size"`
	StreamCount   int       `json:"stream_count"`
	RecordCount   int       `json:"record_count"`
	StartTime     float64   `json:"start_time"` // first record timestamp
	EndTime       float64   `json:"end_time"`   // last record timestamp
	IndexComplete bool      `json:"index_complete"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ListOptions holds options for listing recordings.
type ListOptions struct {
	PathPrefix string
	Limit      int
	Offset     int
	OrderDesc  bool
}

// Repository persists recordings in SQLite.
type Repository struct {
	db *DB
}

// NewRepository creates a repository over an open catalog database.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// InitSchema initializes the recordings table.
func (r *Repository) InitSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			file_path TEXT NOT NULL UNIQUE,
			creation_id INTEGER NOT NULL,
			file_size INTEGER NOT NULL DEFAULT 0,
			stream_count INTEGER NOT NULL DEFAULT 0,
			record_count INTEGER NOT NULL DEFAULT 0,
			start_time REAL NOT NULL DEFAULT 0,
			end_time REAL NOT NULL DEFAULT 0,
			index_complete INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_recordings_path ON recordings(file_path);
		CREATE INDEX IF NOT EXISTS idx_recordings_start_time ON recordings(start_time);
	`)
	return err
}

// Upsert inserts a recording, or refreshes the row with the same path.
func (r *Repository) Upsert(ctx context.Context, recording *Recording) error {
	if recording.ID == "" {
		recording.ID = uuid.New().String()
	}
	now := time.Now()
	if recording.CreatedAt.IsZero() {
		recording.CreatedAt = now
	}
	recording.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recordings (
			id, file_path, creation_id, file_size, stream_count,
			record_count, start_time, end_time, index_complete,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(file_path) DO UPDATE SET
			creation_id = excluded.creation_id,
			file_size = excluded.file_size,
			stream_count = excluded.stream_count,
			record_count = excluded.record_count,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			index_complete = excluded.index_complete,
			updated_at = excluded.updated_at
	`,
		recording.ID,
		recording.FilePath,
		int64(recording.CreationID),
		recording.FileSize,
		recording.StreamCount,
		recording.RecordCount,
		recording.StartTime,
		recording.EndTime,
		recording.IndexComplete,
		recording.CreatedAt.Unix(),
		recording.UpdatedAt.Unix(),
	)
	return err
}

// Get returns one recording by id.
func (r *Repository) Get(ctx context.Context, id string) (*Recording, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, file_path, creation_id, file_size, stream_count,
			record_count, start_time, end_time, index_complete,
			created_at, updated_at
		FROM recordings WHERE id = ?
	`, id)
	return scanRecording(row)
}

// GetByPath returns the recording catalogued at a path.
func (r *Repository) GetByPath(ctx context.Context, path string) (*Recording, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, file_path, creation_id, file_size, stream_count,
			record_count, start_time, end_time, index_complete,
			created_at, updated_at
		FROM recordings WHERE file_path = ?
	`, path)
	return scanRecording(row)
}

// Delete removes a recording from the catalog.
func (r *Repository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM recordings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// List returns recordings matching the options, and the total count.
func (r *Repository) List(ctx context.Context, opts ListOptions) ([]Recording, int, error) {
	var conditions []string
	var args []any
	if opts.PathPrefix != "" {
		conditions = append(conditions, "file_path LIKE ?")
		args = append(args, opts.PathPrefix+"%")
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM recordings"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := " ORDER BY start_time"
	if opts.OrderDesc {
		order += " DESC"
	}
	query := `
		SELECT id, file_path, creation_id, file_size, stream_count,
			record_count, start_time, end_time, index_complete,
			created_at, updated_at
		FROM recordings` + where + order
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", opts.Limit, opts.Offset)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var recordings []Recording
	for rows.Next() {
		recording, err := scanRecordingRow(rows)
		if err != nil {
			return nil, 0, err
		}
		recordings = append(recordings, *recording)
	}
	return recordings, total, rows.Err()
}

// PruneMissing removes catalog rows whose files no longer exist,
// returning the number removed. exists is injectable for tests.
func (r *Repository) PruneMissing(ctx context.Context, exists func(path string) bool) (int, error) {
	recordings, _, err := r.List(ctx, ListOptions{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, recording := range recordings {
		if exists(recording.FilePath) {
			continue
		}
		if err := r.Delete(ctx, recording.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecording(row *sql.Row) (*Recording, error) {
	return scanRecordingRow(row)
}

func scanRecordingRow(row rowScanner) (*Recording, error) {
	var recording Recording
	var creationID, createdAt, updatedAt int64
	err := row.Scan(
		&recording.ID,
		&recording.FilePath,
		&creationID,
		&recording.FileSize,
		&recording.StreamCount,
		&recording.RecordCount,
		&recording.StartTime,
		&recording.EndTime,
		&recording.IndexComplete,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	recording.CreationID = uint64(creationID)
	recording.CreatedAt = time.Unix(createdAt, 0)
	recording.UpdatedAt = time.Unix(updatedAt, 0)
	return &recording, nil
}
