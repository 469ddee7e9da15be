package catalog

import (
	"context"
	"path/filepath"
	"testing"

	vrs "github.com/Spatial-NVR/govrs"
)

func openTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := Open(DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	repository := NewRepository(db)
	if err := repository.InitSchema(context.Background()); err != nil {
		t.Fatal(err)
	}
	return repository
}

func TestRepositoryUpsertAndList(t *testing.T) {
	ctx := context.Background()
	repository := openTestRepository(t)

	recording := &Recording{
		FilePath:    "/data/a.vrs",
		CreationID:  42,
		FileSize:    1024,
		StreamCount: 2,
		RecordCount: 10,
		StartTime:   1.5,
		EndTime:     9.5,
	}
	if err := repository.Upsert(ctx, recording); err != nil {
		t.Fatal(err)
	}
	if recording.ID == "" {
		t.Fatal("Upsert should assign an id")
	}

	// Upserting the same path refreshes the row.
	recording.RecordCount = 20
	if err := repository.Upsert(ctx, recording); err != nil {
		t.Fatal(err)
	}
	got, err := repository.GetByPath(ctx, "/data/a.vrs")
	if err != nil {
		t.Fatal(err)
	}
	if got.RecordCount != 20 || got.CreationID != 42 {
		t.Errorf("refreshed row = %+v", got)
	}

	if err := repository.Upsert(ctx, &Recording{FilePath: "/data/b.vrs", CreationID: 43}); err != nil {
		t.Fatal(err)
	}
	recordings, total, err := repository.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 || len(recordings) != 2 {
		t.Errorf("List = %d rows, total %d", len(recordings), total)
	}
	recordings, _, err = repository.List(ctx, ListOptions{PathPrefix: "/data/a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(recordings) != 1 || recordings[0].FilePath != "/data/a.vrs" {
		t.Errorf("prefix list = %+v", recordings)
	}
}

func TestRepositoryPruneMissing(t *testing.T) {
	ctx := context.Background()
	repository := openTestRepository(t)
	for _, path := range []string{"/gone/x.vrs", "/kept/y.vrs"} {
		if err := repository.Upsert(ctx, &Recording{FilePath: path, CreationID: 1}); err != nil {
			t.Fatal(err)
		}
	}
	removed, err := repository.PruneMissing(ctx, func(path string) bool {
		return path == "/kept/y.vrs"
	})
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("pruned %d rows, want 1", removed)
	}
	_, total, err := repository.List(ctx, ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if total != 1 {
		t.Errorf("%d rows left, want 1", total)
	}
}

func TestServiceCatalogsRealRecording(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "session.vrs")

	writer := vrs.NewRecordFileWriter()
	stream := vrs.NewRecordable(vrs.TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		stream.CreateRecord(float64(i), vrs.RecordTypeData, 1, vrs.NewDataSource([]byte("payload")))
	}
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	service := NewService(openTestRepository(t))
	recording, err := service.AddFile(ctx, path)
	if err != nil {
		t.Fatal(err)
	}
	if recording.StreamCount != 1 || recording.RecordCount != 5 {
		t.Errorf("catalogued %d streams, %d records", recording.StreamCount, recording.RecordCount)
	}
	if recording.StartTime != 0 || recording.EndTime != 4 {
		t.Errorf("time range [%v, %v]", recording.StartTime, recording.EndTime)
	}
	if !recording.IndexComplete {
		t.Error("expected a complete index")
	}
}
