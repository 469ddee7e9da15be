package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	vrs "github.com/Spatial-NVR/govrs"
)

// Service catalogs recordings: it opens files to extract their details
// and keeps the repository current.
type Service struct {
	repository *Repository
	logger     *slog.Logger
}

// NewService creates a catalog service over a repository.
func NewService(repository *Repository) *Service {
	return &Service{
		repository: repository,
		logger:     slog.Default().With("component", "catalog"),
	}
}

// Repository exposes the underlying repository.
func (s *Service) Repository() *Repository { return s.repository }

// AddFile opens a recording, extracts its details, and catalogs it.
func (s *Service) AddFile(ctx context.Context, path string) (*Recording, error) {
	reader, err := vrs.OpenRecordFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot catalog %s: %w", path, err)
	}
	defer reader.Close()

	recording := &Recording{
		FilePath:      path,
		CreationID:    reader.CreationID(),
		FileSize:      reader.TotalSize(),
		StreamCount:   len(reader.Streams()),
		RecordCount:   len(reader.Index()),
		IndexComplete: reader.IsIndexComplete(),
	}
	if index := reader.Index(); len(index) > 0 {
		recording.StartTime = index[0].Timestamp
		recording.EndTime = index[len(index)-1].Timestamp
	}
	if err := s.repository.Upsert(ctx, recording); err != nil {
		return nil, err
	}
	s.logger.Info("Recording catalogued", "path", path,
		"streams", recording.StreamCount, "records", recording.RecordCount)
	return recording, nil
}

// List returns catalogued recordings.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]Recording, int, error) {
	return s.repository.List(ctx, opts)
}

// Prune drops catalog entries whose files are gone.
func (s *Service) Prune(ctx context.Context) (int, error) {
	return s.repository.PruneMissing(ctx, func(path string) bool {
		_, err := os.Stat(path)
		return err == nil
	})
}
