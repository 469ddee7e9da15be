package vrs

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

// capturePlayer keeps every dispatched record in memory.
type capturePlayer struct {
	records []capturedRecord
}

type capturedRecord struct {
	timestamp float64
	streamID  StreamID
	kind      RecordType
	payload   []byte
}

func (p *capturePlayer) ProcessRecordHeader(*CurrentRecord, *DataReference) bool { return true }

func (p *capturePlayer) ProcessRecord(record *CurrentRecord, payload []byte) {
	p.records = append(p.records, capturedRecord{
		timestamp: record.Timestamp,
		streamID:  record.StreamID,
		kind:      record.RecordType,
		payload:   append([]byte(nil), payload...),
	})
}

func writeTwoStreamFile(t *testing.T, path string) (StreamID, StreamID) {
	t.Helper()
	writer := NewRecordFileWriter()
	s1 := NewRecordable(TestDevices)
	s2 := NewRecordable(TestDevices)
	if err := writer.AddRecordable(s1); err != nil {
		t.Fatalf("AddRecordable s1: %v", err)
	}
	if err := writer.AddRecordable(s2); err != nil {
		t.Fatalf("AddRecordable s2: %v", err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	for i, payload := range []string{"a", "b", "c"} {
		s1.CreateRecord(float64(i)*0.02, RecordTypeData, 1, NewDataSource([]byte(payload)))
	}
	for i, payload := range []string{"X", "Y"} {
		s2.CreateRecord(0.01+float64(i)*0.02, RecordTypeData, 1, NewDataSource([]byte(payload)))
	}
	if err := writer.CloseFile(); err != nil {
		t.Fatalf("CloseFile: %v", err)
	}
	return s1.StreamID(), s2.StreamID()
}

func TestTwoStreamInterleave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "interleave.vrs")
	id1, id2 := writeTwoStreamFile(t, path)

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatalf("OpenRecordFile: %v", err)
	}
	defer reader.Close()

	if !reader.IsIndexComplete() {
		t.Error("Expected a complete index")
	}
	index := reader.Index()
	if len(index) != 5 {
		t.Fatalf("Expected 5 records, got %d", len(index))
	}
	wantOrder := []struct {
		id StreamID
		ts float64
	}{
		{id1, 0.00}, {id2, 0.01}, {id1, 0.02}, {id2, 0.03}, {id1, 0.04},
	}
	for i, want := range wantOrder {
		if index[i].StreamID != want.id || index[i].Timestamp != want.ts {
			t.Errorf("index[%d] = (%v, %v), want (%v, %v)",
				i, index[i].StreamID, index[i].Timestamp, want.id, want.ts)
		}
	}

	player := &capturePlayer{}
	reader.SetStreamPlayer(id1, player)
	reader.SetStreamPlayer(id2, player)
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatalf("ReadAllRecords: %v", err)
	}
	wantPayloads := []string{"a", "X", "b", "Y", "c"}
	if len(player.records) != len(wantPayloads) {
		t.Fatalf("Expected %d dispatched records, got %d", len(wantPayloads), len(player.records))
	}
	for i, want := range wantPayloads {
		if string(player.records[i].payload) != want {
			t.Errorf("record %d payload = %q, want %q", i, player.records[i].payload, want)
		}
	}
}

func TestEqualTimestampsTieBreakByStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ties.vrs")
	writer := NewRecordFileWriter()
	s1 := NewRecordable(TestDevices)
	s2 := NewRecordable(TestDevices)
	if err := writer.AddRecordable(s1); err != nil {
		t.Fatal(err)
	}
	if err := writer.AddRecordable(s2); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	// Create s2's record first: the stream id, not creation time, breaks
	// the tie.
	s2.CreateRecord(1.000, RecordTypeData, 1, NewDataSource([]byte("B")))
	s1.CreateRecord(1.000, RecordTypeData, 1, NewDataSource([]byte("A")))
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	player := &capturePlayer{}
	reader.SetStreamPlayer(s1.StreamID(), player)
	reader.SetStreamPlayer(s2.StreamID(), player)
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if len(player.records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(player.records))
	}
	if string(player.records[0].payload) != "A" || string(player.records[1].payload) != "B" {
		t.Errorf("Expected order A then B, got %q then %q",
			player.records[0].payload, player.records[1].payload)
	}
}

func TestCompressedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "compressed.vrs")
	writer := NewRecordFileWriter()
	writer.SetCompressionPreset(CompressionPresetZstdMedium)
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0x5A}, 10240)
	stream.CreateRecord(0.5, RecordTypeData, 1, NewDataSource(payload))
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	index := reader.Index()
	if len(index) != 1 {
		t.Fatalf("Expected 1 record, got %d", len(index))
	}
	// Check the on-disk header directly.
	file := NewDiskFile()
	if err := file.Open(path); err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	if err := file.SetPos(index[0].FileOffset); err != nil {
		t.Fatal(err)
	}
	var header RecordHeader
	if err := readRecordHeader(file, nil, &header); err != nil {
		t.Fatal(err)
	}
	if CompressionType(header.CompressionType) != CompressionZstd {
		t.Errorf("compressionType = %d, want zstd", header.CompressionType)
	}
	if header.UncompressedSize != 10240 {
		t.Errorf("uncompressedSize = %d, want 10240", header.UncompressedSize)
	}
	if header.RecordSize >= recordHeaderSize+10240 {
		t.Errorf("recordSize = %d, expected compression to shrink the payload", header.RecordSize)
	}

	player := &capturePlayer{}
	reader.SetStreamPlayer(stream.StreamID(), player)
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if len(player.records) != 1 || !bytes.Equal(player.records[0].payload, payload) {
		t.Error("Decompressed payload does not match what was written")
	}
}

func TestIndexRebuildAfterTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rebuild.vrs")

	writer := NewRecordFileWriter()
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 50; i++ {
		stream.CreateRecord(float64(i)*0.01, RecordTypeData, 1, NewDataSource([]byte{byte(i)}))
	}
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	// Remember the index offset, then cut the index record off.
	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	originalIndex := append([]IndexEntry(nil), reader.Index()...)
	indexOffset := reader.fileHeader.IndexRecordOffset
	reader.Close()
	if err := os.Truncate(path, indexOffset); err != nil {
		t.Fatal(err)
	}

	reader, err = OpenRecordFile(path)
	if err != nil {
		t.Fatalf("Open after truncation: %v", err)
	}
	if reader.IsIndexComplete() {
		t.Error("Expected isIndexComplete to be false after a rebuild")
	}
	rebuilt := reader.Index()
	if len(rebuilt) != 50 {
		t.Fatalf("Expected 50 rebuilt entries, got %d", len(rebuilt))
	}
	for i := range rebuilt {
		if rebuilt[i] != originalIndex[i] {
			t.Fatalf("rebuilt[%d] = %+v, want %+v", i, rebuilt[i], originalIndex[i])
		}
	}
	reader.Close()

	// Patch the file: the rebuild still happened this session, but a
	// fresh open finds a complete index.
	reader, err = OpenRecordFileAutoFix(path, true)
	if err != nil {
		t.Fatal(err)
	}
	if reader.IsIndexComplete() {
		t.Error("A rebuild happened during this open; the index was not complete")
	}
	reader.Close()

	reader, err = OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	if !reader.IsIndexComplete() {
		t.Error("Expected a complete index after patching")
	}
	if len(reader.Index()) != 50 {
		t.Errorf("Expected 50 entries after patching, got %d", len(reader.Index()))
	}
}

func TestChunkRollover(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chunked.vrs")

	type chunkEvent struct {
		path   string
		index  int
		isLast bool
	}
	var events []chunkEvent
	writer := NewRecordFileWriter()
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	err := writer.CreateChunkedFile(path, 1, func(chunkPath string, index int, isLast bool) {
		events = append(events, chunkEvent{path: chunkPath, index: index, isLast: isLast})
	})
	if err != nil {
		t.Fatal(err)
	}
	payload := bytes.Repeat([]byte{0xA5}, 2048)
	for i := 0; i < 1000; i++ {
		stream.CreateRecord(float64(i)*0.001, RecordTypeData, 1, NewDataSource(payload))
	}
	// Stored raw: 0xA5 repeated compresses, so disable compression to
	// keep the arithmetic honest.
	writer.SetCompressionPreset(CompressionPresetNone)
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	if len(events) < 2 {
		t.Fatalf("Expected at least 2 chunk notifications, got %d", len(events))
	}
	last := events[len(events)-1]
	if !last.isLast {
		t.Error("Expected the final notification to have isLastChunk set")
	}
	for i, event := range events[:len(events)-1] {
		if event.isLast {
			t.Errorf("event %d has isLastChunk set", i)
		}
		if event.index != i {
			t.Errorf("event %d index = %d", i, event.index)
		}
	}
	if last.index != len(events)-1 {
		t.Errorf("last chunk index = %d, want %d", last.index, len(events)-1)
	}
	// Every non-final chunk stays within the cap plus one record.
	for i := 0; i < len(events)-1; i++ {
		info, err := os.Stat(events[i].path)
		if err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if info.Size() > 1<<20+2048+recordHeaderSize {
			t.Errorf("chunk %d is %d bytes, beyond the soft cap", i, info.Size())
		}
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	if len(reader.Index()) != 1000 {
		t.Fatalf("Expected 1000 records across chunks, got %d", len(reader.Index()))
	}
	player := &capturePlayer{}
	reader.SetStreamPlayer(stream.StreamID(), player)
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	for i, record := range player.records {
		if !bytes.Equal(record.payload, payload) {
			t.Fatalf("record %d payload differs after chunked round trip", i)
		}
	}
}

func TestSplitHeadLayout(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "split.vrs")

	writer := NewRecordFileWriter()
	writer.SetSplitHeadMode(true)
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateChunkedFile(path, 0, nil); err != nil {
		t.Fatal(err)
	}
	payloads := []string{"one", "two", "three"}
	for i, payload := range payloads {
		stream.CreateRecord(float64(i), RecordTypeData, 7, NewDataSource([]byte(payload)))
	}
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(path + "_1"); err != nil {
		t.Fatalf("Expected a user-record chunk next to the head: %v", err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatalf("Open split file: %v", err)
	}
	defer reader.Close()
	if !reader.IsIndexComplete() {
		t.Error("Expected a complete split index")
	}
	if len(reader.Index()) != len(payloads) {
		t.Fatalf("Expected %d records, got %d", len(payloads), len(reader.Index()))
	}
	player := &capturePlayer{}
	reader.SetStreamPlayer(stream.StreamID(), player)
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	for i, want := range payloads {
		if string(player.records[i].payload) != want {
			t.Errorf("record %d = %q, want %q", i, player.records[i].payload, want)
		}
	}
}

func TestTagsAndStreamLookups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tags.vrs")
	writer := NewRecordFileWriter()
	if err := writer.SetTag("capture_rig", "bench-7"); err != nil {
		t.Fatal(err)
	}
	camera := NewFlavoredRecordable(RgbCameraRecordableClass, "lab/colorcam")
	camera.SetTag("serial", "RGB-0042")
	imu := NewRecordable(ImuRecordableClass)
	if err := writer.AddRecordable(camera); err != nil {
		t.Fatal(err)
	}
	if err := writer.AddRecordable(imu); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	if err := writer.SetTag("late", "ignored"); err == nil {
		t.Error("Expected setting a file tag after creation to fail")
	}
	camera.CreateRecord(0, RecordTypeData, 1, NewDataSource([]byte("frame")))
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	if reader.Tag("capture_rig") != "bench-7" {
		t.Errorf("file tag = %q", reader.Tag("capture_rig"))
	}
	if reader.Tag("late") != "" {
		t.Error("Late tag should not have been written")
	}
	if id, ok := reader.StreamForFlavor(RgbCameraRecordableClass, "lab/colorcam", 0); !ok || id != camera.StreamID() {
		t.Errorf("StreamForFlavor = %v, %v", id, ok)
	}
	if id, ok := reader.StreamForTag("serial", "RGB-0042"); !ok || id != camera.StreamID() {
		t.Errorf("StreamForTag = %v, %v", id, ok)
	}
	if id, ok := reader.StreamForType(ImuRecordableClass, 0); !ok || id != imu.StreamID() {
		t.Errorf("StreamForType = %v, %v", id, ok)
	}
}

func TestLateStreamGetsTagsRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "late.vrs")
	writer := NewRecordFileWriter()
	first := NewRecordable(TestDevices)
	if err := writer.AddRecordable(first); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	first.CreateRecord(0.1, RecordTypeData, 1, NewDataSource([]byte("x")))

	late := NewRecordable(GpsRecordableClass)
	late.SetTag("antenna", "roof")
	if err := writer.AddRecordable(late); err != nil {
		t.Fatal(err)
	}
	late.CreateRecord(0.2, RecordTypeData, 1, NewDataSource([]byte("fix")))
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	tags := reader.StreamTags(late.StreamID())
	if tags == nil || tags.User["antenna"] != "roof" {
		t.Error("Late stream's tags should surface through its Tags record")
	}
	// Tags records stay internal.
	for _, entry := range reader.Index() {
		if entry.RecordType == RecordTypeTags {
			t.Error("Tags record leaked into the exposed index")
		}
	}
}

func TestZeroSizeRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.vrs")
	writer := NewRecordFileWriter()
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	stream.CreateRecord(1.0, RecordTypeData, 1, NewDataSource())
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	player := &capturePlayer{}
	reader.SetStreamPlayer(stream.StreamID(), player)
	if err := reader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if len(player.records) != 1 || len(player.records[0].payload) != 0 {
		t.Error("Expected one header-only record with an empty payload")
	}
}

func TestDuplicateStreamRejected(t *testing.T) {
	writer := NewRecordFileWriter()
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	if err := writer.AddRecordable(stream); err == nil {
		t.Error("Expected a duplicate stream id to be rejected")
	}
}

func TestPreallocatedIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prealloc.vrs")
	writer := NewRecordFileWriter()
	stream := NewRecordable(TestDevices)
	if err := writer.AddRecordable(stream); err != nil {
		t.Fatal(err)
	}
	preliminary := make([]IndexEntry, 20)
	for i := range preliminary {
		preliminary[i] = IndexEntry{
			Timestamp:  float64(i),
			FileOffset: 64, // estimated record size
			StreamID:   StreamID{Type: TestDevices, Instance: 1},
			RecordType: RecordTypeData,
		}
	}
	if err := writer.PreallocateIndex(preliminary); err != nil {
		t.Fatal(err)
	}
	if err := writer.CreateFile(path); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		stream.CreateRecord(float64(i), RecordTypeData, 1, NewDataSource([]byte("payload-payload")))
	}
	if err := writer.CloseFile(); err != nil {
		t.Fatal(err)
	}

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()
	// A filled reservation leaves the index before the user records.
	if reader.fileHeader.IndexRecordOffset >= reader.fileHeader.FirstUserRecordOffset {
		t.Errorf("index at %d, first user record at %d: expected a front index",
			reader.fileHeader.IndexRecordOffset, reader.fileHeader.FirstUserRecordOffset)
	}
	if len(reader.Index()) != 20 {
		t.Fatalf("Expected 20 records, got %d", len(reader.Index()))
	}
	if !reader.IsIndexComplete() {
		t.Error("Expected a complete preallocated index")
	}
}

func TestFileDetailsCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cached.vrs")
	cachePath := filepath.Join(dir, "cached.vrs.details")
	writeTwoStreamFile(t, path)

	reader, err := OpenRecordFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteFileDetailsCache(cachePath, reader); err != nil {
		t.Fatalf("WriteFileDetailsCache: %v", err)
	}
	wantIndex := append([]IndexEntry(nil), reader.Index()...)
	reader.Close()

	cache, err := ReadFileDetailsCache(cachePath)
	if err != nil {
		t.Fatalf("ReadFileDetailsCache: %v", err)
	}
	if !cache.HasIndex {
		t.Error("Expected the cache to record that the file had an index")
	}
	if len(cache.Index) != len(wantIndex) {
		t.Fatalf("cache has %d entries, want %d", len(cache.Index), len(wantIndex))
	}
	for i := range wantIndex {
		if cache.Index[i] != wantIndex[i] {
			t.Fatalf("cache entry %d = %+v, want %+v", i, cache.Index[i], wantIndex[i])
		}
	}

	cachedReader, err := OpenRecordFileWithDetailsCache(path, cachePath)
	if err != nil {
		t.Fatal(err)
	}
	defer cachedReader.Close()
	if len(cachedReader.Index()) != len(wantIndex) {
		t.Errorf("cached open found %d records, want %d", len(cachedReader.Index()), len(wantIndex))
	}
	player := &capturePlayer{}
	for _, id := range cachedReader.Streams() {
		cachedReader.SetStreamPlayer(id, player)
	}
	if err := cachedReader.ReadAllRecords(); err != nil {
		t.Fatal(err)
	}
	if len(player.records) != len(wantIndex) {
		t.Errorf("cached open dispatched %d records, want %d", len(player.records), len(wantIndex))
	}
}

func TestPreviousRecordSizeChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chain.vrs")
	writeTwoStreamFile(t, path)

	file := NewDiskFile()
	if err := file.Open(path); err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	var fileHeader FileHeader
	if err := readFileHeader(file, &fileHeader); err != nil {
		t.Fatal(err)
	}
	// Walk forward, remembering each record's size; every header must
	// point back at its predecessor, from the description record on.
	offset := fileHeader.DescriptionRecordOffset
	var previousSize uint32
	first := true
	for offset < file.GetTotalSize() {
		if err := file.SetPos(offset); err != nil {
			t.Fatal(err)
		}
		var header RecordHeader
		if err := readRecordHeader(file, &fileHeader, &header); err != nil {
			t.Fatal(err)
		}
		if !first && header.PreviousRecordSize != previousSize {
			t.Fatalf("record at %d has previousRecordSize %d, want %d",
				offset, header.PreviousRecordSize, previousSize)
		}
		previousSize = header.RecordSize
		offset += int64(header.RecordSize)
		first = false
	}
	if offset != file.GetTotalSize() {
		t.Errorf("record walk ended at %d, file is %d bytes", offset, file.GetTotalSize())
	}
}
