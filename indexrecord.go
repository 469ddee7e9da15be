package vrs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

// Index record format versions, stored in the index record's header.
const (
	// classicIndexFormatVersion: a single index record at the tail,
	// entries zstd-compressed in batches.
	classicIndexFormatVersion = 2
	// splitIndexFormatVersion: the index record lives in the file's head
	// chunk and grows incrementally as raw entries while user records
	// stream into later chunks.
	splitIndexFormatVersion = 3
)

// Entries are compressed in fixed-size batches so huge indexes never
// need one giant buffer on either side.
const indexBatchSize = 50000

const indexCompressionPreset = CompressionPresetZstdFast

// IndexEntry locates one record: the in-memory index is sorted by
// (timestamp, stream id, file offset).
type IndexEntry struct {
	Timestamp  float64
	FileOffset int64
	StreamID   StreamID
	RecordType RecordType
}

// Before provides the canonical index ordering.
func (e *IndexEntry) Before(other *IndexEntry) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}
	if e.StreamID != other.StreamID {
		return e.StreamID.Before(other.StreamID)
	}
	return e.FileOffset < other.FileOffset
}

// diskRecordInfo is the on-disk index entry: sizes instead of offsets,
// reconstructed by prefix sum on load.
type diskRecordInfo struct {
	timestamp  float64
	recordSize uint32
	recordType RecordType
	streamID   StreamID
}

const (
	diskStreamIDSize    = 6  // int32 type + uint16 instance
	diskRecordInfoSize  = 19 // f64 timestamp + u32 size + u8 type + stream id
	cacheRecordInfoSize = 23 // f64 timestamp + i64 offset + u8 type + stream id
)

func putDiskStreamID(dst []byte, id StreamID) {
	binary.LittleEndian.PutUint32(dst, uint32(int32(id.Type)))
	binary.LittleEndian.PutUint16(dst[4:], id.Instance)
}

func getDiskStreamID(src []byte) StreamID {
	return StreamID{
		Type:     RecordableTypeID(int32(binary.LittleEndian.Uint32(src))),
		Instance: binary.LittleEndian.Uint16(src[4:]),
	}
}

func putDiskRecordInfo(dst []byte, info *diskRecordInfo) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(info.timestamp))
	binary.LittleEndian.PutUint32(dst[8:], info.recordSize)
	dst[12] = byte(info.recordType)
	putDiskStreamID(dst[13:], info.streamID)
}

func getDiskRecordInfo(src []byte) diskRecordInfo {
	return diskRecordInfo{
		timestamp:  math.Float64frombits(binary.LittleEndian.Uint64(src)),
		recordSize: binary.LittleEndian.Uint32(src[8:]),
		recordType: RecordType(src[12]),
		streamID:   getDiskStreamID(src[13:]),
	}
}

// indexWriter accumulates the record directory while a file is written
// and serializes it in either layout.
type indexWriter struct {
	fileHeader *FileHeader
	streamIDs  []StreamID
	streamSet  map[StreamID]bool
	records    []diskRecordInfo
	compressor *Compressor

	// Split layout state.
	splitHead         WriteFileHandler
	splitHeaderOffset int64
	splitWrittenCount int

	preallocatedSize uint32
	preallocPrevSize uint32
}

func newIndexWriter(fileHeader *FileHeader) *indexWriter {
	return &indexWriter{
		fileHeader: fileHeader,
		streamSet:  map[StreamID]bool{},
		compressor: NewCompressor(),
	}
}

func (w *indexWriter) addStream(id StreamID) {
	if !w.streamSet[id] {
		w.streamSet[id] = true
		w.streamIDs = append(w.streamIDs, id)
	}
}

func (w *indexWriter) addRecord(timestamp float64, recordSize uint32, id StreamID, recordType RecordType) {
	w.addStream(id)
	w.records = append(w.records, diskRecordInfo{
		timestamp:  timestamp,
		recordSize: recordSize,
		recordType: recordType,
		streamID:   id,
	})
}

// indexBodyPrefix serializes the stream table and entry count that precede the
// entry batches.
func (w *indexWriter) indexBodyPrefix() []byte {
	buf := make([]byte, 4+len(w.streamIDs)*diskStreamIDSize+4)
	binary.LittleEndian.PutUint32(buf, uint32(len(w.streamIDs)))
	offset := 4
	for _, id := range w.streamIDs {
		putDiskStreamID(buf[offset:], id)
		offset += diskStreamIDSize
	}
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(w.records)))
	return buf
}

func (w *indexWriter) bodySize() int {
	return 4 + len(w.streamIDs)*diskStreamIDSize + 4 + len(w.records)*diskRecordInfoSize
}

// writeClassicBody streams the compressed index body to the file: one
// zstd frame for the prefix, then one frame per batch of entries. A
// non-zero budget fails the write before exceeding it.
func (w *indexWriter) writeClassicBody(file WriteFileHandler, budget int) (uint32, error) {
	var compressedSize uint32
	prefix := w.indexBodyPrefix()
	if err := w.compressor.StartFrame(len(prefix), indexCompressionPreset); err != nil {
		return compressedSize, err
	}
	if err := w.compressor.AddFrameData(file, prefix, &compressedSize, budget); err != nil {
		return compressedSize, err
	}
	if err := w.compressor.EndFrame(file, &compressedSize, budget); err != nil {
		return compressedSize, err
	}
	entryBuf := make([]byte, 0, indexBatchSize*diskRecordInfoSize)
	for start := 0; start < len(w.records); start += indexBatchSize {
		end := min(start+indexBatchSize, len(w.records))
		entryBuf = entryBuf[:(end-start)*diskRecordInfoSize]
		for i := start; i < end; i++ {
			putDiskRecordInfo(entryBuf[(i-start)*diskRecordInfoSize:], &w.records[i])
		}
		if err := w.compressor.StartFrame(len(entryBuf), indexCompressionPreset); err != nil {
			return compressedSize, err
		}
		if err := w.compressor.AddFrameData(file, entryBuf, &compressedSize, budget); err != nil {
			return compressedSize, err
		}
		if err := w.compressor.EndFrame(file, &compressedSize, budget); err != nil {
			return compressedSize, err
		}
	}
	return compressedSize, nil
}

// preallocateClassicIndexRecord reserves space for the index right after
// the description record, sized from a preliminary index, so the file
// can be read while streaming forward only. The reservation is written
// as a placeholder index record spanning the reserved bytes.
func (w *indexWriter) preallocateClassicIndexRecord(file WriteFileHandler, preliminary []IndexEntry, lastRecordSize *uint32) error {
	estimator := newIndexWriter(w.fileHeader)
	for i := range preliminary {
		// Preliminary entries carry sizes in FileOffset.
		estimator.addRecord(preliminary[i].Timestamp, uint32(preliminary[i].FileOffset), preliminary[i].StreamID, preliminary[i].RecordType)
	}
	var scratch bytes.Buffer
	compressed, err := estimator.writeClassicBody(&memoryWriteHandler{buf: &scratch}, 0)
	if err != nil {
		return err
	}
	// Leave some slack: the real index has the same entry count but
	// different timestamps and sizes, so the compressed size will drift.
	reserved := compressed + compressed/10 + 1024
	w.preallocatedSize = reserved
	w.preallocPrevSize = *lastRecordSize
	w.fileHeader.IndexRecordOffset = file.GetPos()
	w.fileHeader.EnableFrontIndexSupport()
	var header RecordHeader
	header.InitIndexHeader(classicIndexFormatVersion, reserved, *lastRecordSize, CompressionZstd)
	if err := writeRecordHeader(file, &header); err != nil {
		return err
	}
	if err := file.Write(make([]byte, reserved)); err != nil {
		return err
	}
	*lastRecordSize = header.RecordSize
	w.fileHeader.FirstUserRecordOffset = file.GetPos()
	return nil
}

// useClassicIndexRecord abandons a reservation, falling back to the
// end-of-file placement.
func (w *indexWriter) useClassicIndexRecord() {
	w.preallocatedSize = 0
}

// finalizeClassicIndexRecord writes the definitive index record: into
// the reserved region when one fits, at the file end otherwise.
func (w *indexWriter) finalizeClassicIndexRecord(file WriteFileHandler, lastRecordSize *uint32) error {
	if w.preallocatedSize > 0 {
		err := w.finalizePreallocatedIndexRecord(file)
		if err == nil {
			return nil
		}
		slog.Warn("Preallocated index too small, falling back to tail index", "error", err)
		w.useClassicIndexRecord()
	}
	endOffset := file.GetTotalSize()
	if err := file.SetPos(endOffset); err != nil {
		return err
	}
	headerOffset := endOffset
	var header RecordHeader
	header.InitIndexHeader(classicIndexFormatVersion, 0, *lastRecordSize, CompressionZstd)
	header.UncompressedSize = uint32(w.bodySize())
	if err := writeRecordHeader(file, &header); err != nil {
		return err
	}
	compressedSize, err := w.writeClassicBody(file, 0)
	if err != nil {
		return err
	}
	header.RecordSize = recordHeaderSize + compressedSize
	if err := file.SetPos(headerOffset); err != nil {
		return err
	}
	if err := file.Overwrite(encodeRecordHeader(&header)); err != nil {
		return err
	}
	if err := file.SetPos(file.GetTotalSize()); err != nil {
		return err
	}
	w.fileHeader.IndexRecordOffset = headerOffset
	*lastRecordSize = header.RecordSize
	return nil
}

// finalizePreallocatedIndexRecord fills the reserved region, padding
// with zeros; readers stop decoding at the declared uncompressed size.
func (w *indexWriter) finalizePreallocatedIndexRecord(file WriteFileHandler) error {
	headerOffset := w.fileHeader.IndexRecordOffset
	if err := file.SetPos(headerOffset); err != nil {
		return err
	}
	var header RecordHeader
	header.InitIndexHeader(classicIndexFormatVersion, w.preallocatedSize, w.preallocPrevSize, CompressionZstd)
	header.UncompressedSize = uint32(w.bodySize())
	if err := file.Overwrite(encodeRecordHeader(&header)); err != nil {
		return err
	}
	if _, err := w.writeClassicBody(file, int(w.preallocatedSize)); err != nil {
		return err
	}
	return nil
}

// createSplitIndexRecord writes the index record header into the head
// file; the body will grow in place as records are finalized.
func (w *indexWriter) createSplitIndexRecord(head WriteFileHandler, lastRecordSize *uint32) error {
	w.splitHead = head
	w.splitHeaderOffset = head.GetPos()
	w.fileHeader.IndexRecordOffset = w.splitHeaderOffset
	w.fileHeader.FileFormatVersion = FileFormatVersionFrontIndex
	var header RecordHeader
	header.InitIndexHeader(splitIndexFormatVersion, 0, *lastRecordSize, CompressionNone)
	if err := writeRecordHeader(head, &header); err != nil {
		return err
	}
	*lastRecordSize = header.RecordSize
	return nil
}

// appendToSplitIndexRecord flushes the entries not yet written to the
// head file, raw, so a crash loses at most the unflushed tail.
func (w *indexWriter) appendToSplitIndexRecord() error {
	if w.splitHead == nil {
		return nil
	}
	pending := w.records[w.splitWrittenCount:]
	if len(pending) == 0 {
		return nil
	}
	buf := make([]byte, len(pending)*diskRecordInfoSize)
	for i := range pending {
		putDiskRecordInfo(buf[i*diskRecordInfoSize:], &pending[i])
	}
	if err := w.splitHead.SetPos(w.splitHead.GetTotalSize()); err != nil {
		return err
	}
	if err := w.splitHead.Write(buf); err != nil {
		return err
	}
	w.splitWrittenCount = len(w.records)
	return nil
}

// finalizeSplitIndexRecord completes the head: remaining entries are
// flushed and the index record header is patched with the final size.
func (w *indexWriter) finalizeSplitIndexRecord() error {
	if err := w.appendToSplitIndexRecord(); err != nil {
		return err
	}
	var header RecordHeader
	header.InitIndexHeader(splitIndexFormatVersion, uint32(len(w.records)*diskRecordInfoSize), 0, CompressionNone)
	if err := w.splitHead.SetPos(w.splitHeaderOffset); err != nil {
		return err
	}
	if err := w.splitHead.Overwrite(encodeRecordHeader(&header)); err != nil {
		return err
	}
	return w.splitHead.SetPos(w.splitHead.GetTotalSize())
}

// memoryWriteHandler lets the index body serializer run against an
// in-memory buffer for size estimation.
type memoryWriteHandler struct {
	DiskFile // unused, satisfies the interface
	buf      *bytes.Buffer
}

func (m *memoryWriteHandler) Write(p []byte) error {
	m.buf.Write(p)
	return nil
}

func (m *memoryWriteHandler) GetLastRWSize() int { return 0 }

// readIndexRecord loads the index of an open file, choosing the classic
// or split path from the index record's format version. Returns the
// sorted entries and the stream ids seen, or an error when a rebuild is
// needed.
func readIndexRecord(file FileHandler, fileHeader *FileHeader, firstUserRecordOffset int64) ([]IndexEntry, []StreamID, error) {
	if fileHeader.IndexRecordOffset <= 0 {
		return nil, nil, fmt.Errorf("%w: no index record offset", ErrIndexCorrupt)
	}
	if fileHeader.IndexRecordOffset >= file.GetTotalSize() {
		return nil, nil, fmt.Errorf("%w: index record offset past end of file", ErrIndexCorrupt)
	}
	if err := file.SetPos(fileHeader.IndexRecordOffset); err != nil {
		return nil, nil, err
	}
	var header RecordHeader
	if err := readRecordHeader(file, fileHeader, &header); err != nil {
		return nil, nil, fmt.Errorf("%w: can't read index record header: %v", ErrIndexCorrupt, err)
	}
	if RecordableTypeID(header.RecordableTypeID) != RecordableIndex {
		return nil, nil, fmt.Errorf("%w: record at index offset is not an index record", ErrIndexCorrupt)
	}
	switch header.FormatVersion {
	case classicIndexFormatVersion:
		return readClassicIndexRecord(file, fileHeader, &header, firstUserRecordOffset)
	case splitIndexFormatVersion:
		return readSplitIndexRecord(file, fileHeader, &header)
	}
	return nil, nil, fmt.Errorf("%w: unknown index format version %d", ErrIndexCorrupt, header.FormatVersion)
}

func readClassicIndexRecord(file FileHandler, fileHeader *FileHeader, header *RecordHeader, firstUserRecordOffset int64) ([]IndexEntry, []StreamID, error) {
	payloadSize := int(header.PayloadSize())
	if payloadSize <= 0 || header.UncompressedSize == 0 {
		return nil, nil, fmt.Errorf("%w: empty classic index record", ErrIndexCorrupt)
	}
	if fileHeader.IndexRecordOffset+int64(header.RecordSize) > file.GetTotalSize() {
		return nil, nil, fmt.Errorf("%w: truncated index record", ErrIndexCorrupt)
	}
	body := make([]byte, header.UncompressedSize)
	decompressor := NewDecompressor()
	defer decompressor.Close()
	budget := payloadSize
	if err := decompressor.ReadFrame(file, body, &budget); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	streamIDs, infos, err := parseIndexBody(body)
	if err != nil {
		return nil, nil, err
	}
	entries := entriesFromSizes(infos, firstUserRecordOffset)
	if err := checkIndexConsistency(entries, fileHeader.EndOfUserRecordsOffset(file.GetTotalSize())); err != nil {
		return nil, nil, err
	}
	return entries, streamIDs, nil
}

func readSplitIndexRecord(file FileHandler, fileHeader *FileHeader, header *RecordHeader) ([]IndexEntry, []StreamID, error) {
	// The split index body extends from here to the end of the head
	// chunk; the header's recordSize may be stale after a crash.
	bodyStart := file.GetPos()
	chunkStart, chunkSize, err := file.GetChunkRange()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	bodyEnd := chunkStart + chunkSize
	declared := int64(header.PayloadSize())
	if declared > 0 && bodyStart+declared <= bodyEnd {
		bodyEnd = bodyStart + declared
	}
	byteCount := bodyEnd - bodyStart
	if byteCount < 0 || byteCount%diskRecordInfoSize != 0 {
		return nil, nil, fmt.Errorf("%w: split index size %d not a whole entry count", ErrIndexCorrupt, byteCount)
	}
	body := make([]byte, byteCount)
	if err := file.Read(body); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	infos := make([]diskRecordInfo, byteCount/diskRecordInfoSize)
	var streamIDs []StreamID
	seen := map[StreamID]bool{}
	for i := range infos {
		infos[i] = getDiskRecordInfo(body[i*diskRecordInfoSize:])
		if !seen[infos[i].streamID] {
			seen[infos[i].streamID] = true
			streamIDs = append(streamIDs, infos[i].streamID)
		}
	}
	firstUserRecordOffset := fileHeader.FirstUserRecordOffset
	if firstUserRecordOffset == 0 {
		return nil, nil, fmt.Errorf("%w: split index with no first user record offset", ErrIndexCorrupt)
	}
	entries := entriesFromSizes(infos, firstUserRecordOffset)
	if err := checkIndexConsistency(entries, file.GetTotalSize()); err != nil {
		return nil, nil, err
	}
	return entries, streamIDs, nil
}

func parseIndexBody(body []byte) ([]StreamID, []diskRecordInfo, error) {
	if len(body) < 8 {
		return nil, nil, fmt.Errorf("%w: short index body", ErrIndexCorrupt)
	}
	streamCount := int(binary.LittleEndian.Uint32(body))
	offset := 4
	if offset+streamCount*diskStreamIDSize+4 > len(body) {
		return nil, nil, fmt.Errorf("%w: short index stream table", ErrIndexCorrupt)
	}
	streamIDs := make([]StreamID, streamCount)
	for i := range streamIDs {
		streamIDs[i] = getDiskStreamID(body[offset:])
		offset += diskStreamIDSize
	}
	entryCount := int(binary.LittleEndian.Uint32(body[offset:]))
	offset += 4
	if offset+entryCount*diskRecordInfoSize > len(body) {
		return nil, nil, fmt.Errorf("%w: index body smaller than its entry count", ErrIndexCorrupt)
	}
	infos := make([]diskRecordInfo, entryCount)
	for i := range infos {
		infos[i] = getDiskRecordInfo(body[offset:])
		offset += diskRecordInfoSize
	}
	return streamIDs, infos, nil
}

// entriesFromSizes reconstructs absolute record offsets by prefix sum.
func entriesFromSizes(infos []diskRecordInfo, firstUserRecordOffset int64) []IndexEntry {
	entries := make([]IndexEntry, len(infos))
	offset := firstUserRecordOffset
	for i := range infos {
		entries[i] = IndexEntry{
			Timestamp:  infos[i].timestamp,
			FileOffset: offset,
			StreamID:   infos[i].streamID,
			RecordType: infos[i].recordType,
		}
		offset += int64(infos[i].recordSize)
	}
	return entries
}

// checkIndexConsistency verifies sort order and offset monotonicity; a
// violation forces a rebuild.
func checkIndexConsistency(entries []IndexEntry, endOfUserRecords int64) error {
	for i := range entries {
		if entries[i].FileOffset > endOfUserRecords {
			return fmt.Errorf("%w: entry %d offset %d past end of user records %d",
				ErrIndexCorrupt, i, entries[i].FileOffset, endOfUserRecords)
		}
		if i > 0 && entries[i].Before(&entries[i-1]) {
			return fmt.Errorf("%w: entries %d and %d out of order", ErrIndexCorrupt, i-1, i)
		}
	}
	return nil
}

// rebuildIndex walks the user records linearly, checking each record
// header's plausibility, and rebuilds the index. The walk stops at the
// first unreadable or implausible header, so records after it are not
// indexed; droppedCount is 1 when that happens and 0 otherwise.
func rebuildIndex(file FileHandler, fileHeader *FileHeader, firstUserRecordOffset int64, knownStreams map[StreamID]bool, logger *slog.Logger) ([]IndexEntry, int, error) {
	endOffset := fileHeader.EndOfUserRecordsOffset(file.GetTotalSize())
	var entries []IndexEntry
	dropped := 0
	sortErrors := 0
	offset := firstUserRecordOffset
	var previousSize uint32
	first := true
	for offset+recordHeaderSize <= endOffset {
		if err := file.SetPos(offset); err != nil {
			return nil, dropped, err
		}
		var header RecordHeader
		if err := readRecordHeader(file, fileHeader, &header); err != nil {
			dropped++
			break
		}
		// A Tags record introduces a stream added after file creation.
		if RecordType(header.RecordType) == RecordTypeTags && knownStreams != nil {
			knownStreams[header.StreamID()] = true
		}
		if !header.isSane(fileHeader, knownStreams) ||
			offset+int64(header.RecordSize) > endOffset ||
			(!first && header.PreviousRecordSize != previousSize) {
			dropped++
			break
		}
		if RecordableTypeID(header.RecordableTypeID) == RecordableIndex {
			// A tail index record ends the user records.
			break
		}
		entry := IndexEntry{
			Timestamp:  header.Timestamp,
			FileOffset: offset,
			StreamID:   header.StreamID(),
			RecordType: RecordType(header.RecordType),
		}
		if n := len(entries); n > 0 && entry.Before(&entries[n-1]) {
			sortErrors++
		}
		entries = append(entries, entry)
		previousSize = header.RecordSize
		offset += int64(header.RecordSize)
		first = false
	}
	if sortErrors > 0 {
		logger.Warn("Rebuilt index had out-of-order records", "sortErrors", sortErrors)
		sortIndexEntries(entries)
	}
	logger.Info("Index rebuilt", "records", len(entries), "dropped", dropped)
	return entries, dropped, nil
}

func sortIndexEntries(entries []IndexEntry) {
	// The slice is nearly sorted; plain insertion behaves well and keeps
	// equal elements stable.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Before(&entries[j-1]); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}
