package utils

import (
	"bytes"
	"path/filepath"
	"reflect"
	"testing"

	vrs "github.com/Spatial-NVR/govrs"
)

// testRecording describes the three-stream source file used by the copy
// and merge tests.
type testRecording struct {
	path    string
	streams []vrs.StreamID
}

func writeThreeStreamFile(t *testing.T, path string, timeBase float64) testRecording {
	t.Helper()
	writer := vrs.NewRecordFileWriter()
	writer.SetTag("session", "bench")

	streams := make([]*vrs.Recordable, 3)
	names := []string{"A", "B", "C"}
	for i := range streams {
		streams[i] = vrs.NewRecordable(vrs.TestDevices)
		streams[i].SetTag("name", names[i])
		if err := writer.AddRecordable(streams[i]); err != nil {
			t.Fatal(err)
		}
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	for i, stream := range streams {
		stream.CreateRecord(timeBase, vrs.RecordTypeConfiguration, 1, vrs.NewDataSource([]byte("config-"+names[i])))
		for j := 0; j < 4; j++ {
			timestamp := timeBase + 0.1 + float64(j)*0.1 + float64(i)*0.01
			payload := []byte{byte('a' + i), byte(j)}
			stream.CreateRecord(timestamp, vrs.RecordTypeData, 1, vrs.NewDataSource(payload))
		}
	}
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}
	ids := make([]vrs.StreamID, len(streams))
	for i := range streams {
		ids[i] = streams[i].StreamID()
	}
	return testRecording{path: path, streams: ids}
}

func TestCopyPreservesEverything(t *testing.T) {
	dir := t.TempDir()
	source := writeThreeStreamFile(t, filepath.Join(dir, "source.vrs"), 10.0)
	output := filepath.Join(dir, "copy.vrs")

	reader, err := vrs.OpenRecordFile(source.path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	if err := Copy(reader, output, nil); err != nil {
		t.Fatal(err)
	}

	copied, err := vrs.OpenRecordFile(output)
	if err != nil {
		t.Fatal(err)
	}
	defer copied.Close()

	if len(copied.Streams()) != len(reader.Streams()) {
		t.Fatalf("stream count %d != %d", len(copied.Streams()), len(reader.Streams()))
	}
	if !reflect.DeepEqual(copied.Tags(), reader.Tags()) {
		t.Error("file tags differ after copy")
	}
	for i, id := range reader.Streams() {
		copiedID := copied.Streams()[i]
		if copiedID.Type != id.Type {
			t.Errorf("stream %d type differs", i)
		}
		want := reader.StreamTags(id)
		got := copied.StreamTags(copiedID)
		if got.User["name"] != want.User["name"] {
			t.Errorf("stream %d tags differ", i)
		}
	}

	result, err := CompareFiles(reader, copied, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Equal {
		t.Errorf("copy differs from source: %s", result.Reason)
	}

	// Checksums match too, instance ids normalized.
	sourceSum, err := Checksum(reader, nil)
	if err != nil {
		t.Fatal(err)
	}
	copySum, err := Checksum(copied, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sourceSum != copySum {
		t.Errorf("checksums differ: %s vs %s", sourceSum, copySum)
	}
}

func TestFilteredCopyStreamsAndTimeRange(t *testing.T) {
	dir := t.TempDir()
	source := writeThreeStreamFile(t, filepath.Join(dir, "source.vrs"), 0.0)
	output := filepath.Join(dir, "filtered.vrs")

	reader, err := vrs.OpenRecordFile(source.path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	// Keep streams A and C, within [0.15, 0.35].
	filter := NewRecordFilter().
		AddStream(source.streams[0]).
		AddStream(source.streams[2]).
		SetTimeRange(0.15, 0.35)
	opts := NewCopyOptions()
	opts.Filter = filter
	if err := Copy(reader, output, opts); err != nil {
		t.Fatal(err)
	}

	copied, err := vrs.OpenRecordFile(output)
	if err != nil {
		t.Fatal(err)
	}
	defer copied.Close()

	if len(copied.Streams()) != 2 {
		t.Fatalf("copied %d streams, want 2", len(copied.Streams()))
	}
	names := map[string]bool{}
	for _, id := range copied.Streams() {
		names[copied.StreamTags(id).User["name"]] = true
	}
	if !names["A"] || !names["C"] {
		t.Errorf("copied streams: %v", names)
	}
	for _, entry := range copied.Index() {
		if entry.RecordType != vrs.RecordTypeData {
			continue // pre-rolled configuration context
		}
		if entry.Timestamp < 0.15 || entry.Timestamp > 0.35 {
			t.Errorf("record at %v outside the requested range", entry.Timestamp)
		}
	}
	// The same filter also yields a checksum of the matching view of the
	// source.
	sourceView, err := Checksum(reader, filter)
	if err != nil {
		t.Fatal(err)
	}
	if sourceView == "" {
		t.Error("empty checksum")
	}
}

func TestFilteredCopyRewritesBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rewrite-src.vrs")
	output := filepath.Join(dir, "rewrite-out.vrs")

	layout, err := vrs.NewDataLayout(vrs.DataPiece{Name: "gain", Type: "float64"})
	if err != nil {
		t.Fatal(err)
	}
	writer := vrs.NewRecordFileWriter()
	stream := vrs.NewRecordable(vrs.TestDevices)
	format := vrs.NewRecordFormat(vrs.NewDataLayoutBlock(), vrs.NewCustomBlock("samples"))
	if err := stream.AddRecordFormat(vrs.RecordTypeData, 1, format, layout); err != nil {
		t.Fatal(err)
	}
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	capture, _ := vrs.NewDataLayout(vrs.DataPiece{Name: "gain", Type: "float64"})
	capture.SetFloat64("gain", 1.0)
	stream.CreateRecord(0.5, vrs.RecordTypeData, 1, vrs.NewDataSourceWithLayout(capture, []byte("rawdata")))
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := vrs.OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	hooks := &RewriteHooks{
		DataLayout: func(_ *vrs.CurrentRecord, _ int, layout *vrs.DataLayout) {
			layout.SetFloat64("gain", 2.0)
		},
		Custom: func(_ *vrs.CurrentRecord, _ int, _ vrs.ContentBlock, data []byte) []byte {
			return bytes.ToUpper(data)
		},
	}
	if err := CopyFiltered(reader, output, nil, hooks); err != nil {
		t.Fatal(err)
	}

	rewritten, err := vrs.OpenRecordFile(output)
	if err != nil {
		t.Fatal(err)
	}
	defer rewritten.Close()
	streamID := rewritten.Streams()[0]
	collector := &rewriteChecker{t: t}
	player := vrs.NewRecordFormatStreamPlayer(collector)
	rewritten.SetStreamPlayer(streamID, player)
	if err := rewritten.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if !collector.sawLayout || !collector.sawCustom {
		t.Error("rewritten record did not dispatch both blocks")
	}
}

type rewriteChecker struct {
	vrs.DefaultBlockHandler
	t         *testing.T
	sawLayout bool
	sawCustom bool
}

func (c *rewriteChecker) OnDataLayoutRead(_ *vrs.CurrentRecord, _ int, layout *vrs.DataLayout) bool {
	c.sawLayout = true
	if gain, err := layout.Float64("gain"); err != nil || gain != 2.0 {
		c.t.Errorf("gain = %v (%v), want 2.0", gain, err)
	}
	return true
}

func (c *rewriteChecker) OnCustomBlockRead(_ *vrs.CurrentRecord, _ int, _ vrs.ContentBlock, data []byte) bool {
	c.sawCustom = true
	if string(data) != "RAWDATA" {
		c.t.Errorf("custom block = %q, want RAWDATA", data)
	}
	return true
}
