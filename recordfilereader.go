package vrs

import (
	"fmt"
	"log/slog"
	"sort"
)

// RecordFileReader opens a recording, loads or rebuilds its index, and
// dispatches records in timestamp order to per-stream handlers.
type RecordFileReader struct {
	logger *slog.Logger

	file       FileHandler
	fileHeader FileHeader

	fileTags    map[string]string
	streamOrder []StreamID
	streamTags  map[StreamID]*StreamTags

	index         []IndexEntry
	streamIndex   map[StreamID][]*IndexEntry
	indexComplete bool

	players map[StreamID]StreamPlayer
	formats map[StreamID]RecordFormatMap

	decompressor *Decompressor
	scratch      []byte

	descriptionSize       uint32
	firstUserRecordOffset int64
}

// OpenRecordFile opens a file path, URI, or JSON file spec for playback.
func OpenRecordFile(spec string) (*RecordFileReader, error) {
	return OpenRecordFileAutoFix(spec, false)
}

// OpenRecordFileAutoFix is OpenRecordFile with index repair: when the
// index had to be rebuilt and the file handler supports updates, the
// file is patched with the rebuilt index.
func OpenRecordFileAutoFix(spec string, autoWriteFixedIndex bool) (*RecordFileReader, error) {
	parsed, err := ParseFileSpec(spec)
	if err != nil {
		return nil, err
	}
	handler, err := openHandlerForSpec(parsed)
	if err != nil {
		return nil, err
	}
	reader, err := newRecordFileReader(handler, autoWriteFixedIndex)
	if err != nil {
		handler.Close()
		return nil, err
	}
	return reader, nil
}

// OpenRecordFileHandler opens a reader over an already-opened handler.
func OpenRecordFileHandler(handler FileHandler) (*RecordFileReader, error) {
	return newRecordFileReader(handler, false)
}

func newRecordFileReader(file FileHandler, autoWriteFixedIndex bool) (*RecordFileReader, error) {
	r := &RecordFileReader{
		logger:       slog.Default().With("component", "record_file_reader"),
		file:         file,
		players:      map[StreamID]StreamPlayer{},
		formats:      map[StreamID]RecordFormatMap{},
		decompressor: NewDecompressor(),
	}
	if err := r.readFileDetails(autoWriteFixedIndex); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RecordFileReader) readFileDetails(autoWriteFixedIndex bool) error {
	if err := r.file.SetPos(0); err != nil {
		return err
	}
	if err := readFileHeader(r.file, &r.fileHeader); err != nil {
		return fmt.Errorf("%w: %v", ErrNotVRSFile, err)
	}
	if !r.fileHeader.LooksLikeVRSFile() {
		return ErrNotVRSFile
	}
	if !r.fileHeader.IsFormatSupported() {
		return fmt.Errorf("%w: %q", ErrUnsupportedVersion, r.fileHeader.FormatVersionName())
	}
	if err := r.file.SetPos(r.fileHeader.DescriptionRecordOffset); err != nil {
		return err
	}
	fileTags, order, streamTags, descriptionSize, err := readDescriptionRecord(r.file, &r.fileHeader)
	if err != nil {
		return err
	}
	r.fileTags = fileTags
	r.streamOrder = order
	r.streamTags = streamTags
	r.descriptionSize = descriptionSize
	r.firstUserRecordOffset = r.fileHeader.FirstUserRecordOffset
	if r.firstUserRecordOffset == 0 {
		r.firstUserRecordOffset = r.fileHeader.DescriptionRecordOffset + int64(descriptionSize)
	}

	index, _, err := readIndexRecord(r.file, &r.fileHeader, r.firstUserRecordOffset)
	if err == nil {
		r.index = index
		r.indexComplete = true
	} else {
		r.logger.Warn("Index unusable, rebuilding", "error", err)
		known := map[StreamID]bool{}
		for id := range streamTags {
			known[id] = true
		}
		if len(known) == 0 {
			known = nil
		}
		rebuilt, dropped, rebuildErr := rebuildIndex(r.file, &r.fileHeader, r.firstUserRecordOffset, known, r.logger)
		if rebuildErr != nil {
			return fmt.Errorf("%w: rebuild failed: %v", ErrIndexCorrupt, rebuildErr)
		}
		r.index = rebuilt
		r.indexComplete = false
		if dropped > 0 {
			r.logger.Warn("Dropped malformed records during index rebuild", "dropped", dropped)
		}
		if autoWriteFixedIndex {
			// A rebuild still happened this session: isIndexComplete
			// stays false; the next open reads the patched index.
			if err := r.writeFixedIndex(); err != nil {
				r.logger.Warn("Could not patch file with rebuilt index", "error", err)
			}
		}
	}
	if err := r.absorbTagsRecords(); err != nil {
		return err
	}
	return nil
}

// absorbTagsRecords merges the tags carried by Tags records into the
// stream tag maps, then hides those records from the exposed index.
func (r *RecordFileReader) absorbTagsRecords() error {
	hasTags := false
	for i := range r.index {
		if r.index[i].RecordType == RecordTypeTags {
			hasTags = true
			break
		}
	}
	if !hasTags {
		return nil
	}
	visible := make([]IndexEntry, 0, len(r.index))
	for i := range r.index {
		entry := &r.index[i]
		if entry.RecordType != RecordTypeTags {
			visible = append(visible, *entry)
			continue
		}
		payload, _, err := r.readPayload(entry)
		if err != nil {
			r.logger.Warn("Unreadable tags record skipped", "stream", entry.StreamID, "error", err)
			continue
		}
		tags, err := decodeStreamTags(payload)
		if err != nil {
			r.logger.Warn("Malformed tags record skipped", "stream", entry.StreamID, "error", err)
			continue
		}
		existing := r.streamTags[entry.StreamID]
		if existing == nil {
			existing = NewStreamTags()
			r.streamTags[entry.StreamID] = existing
			r.streamOrder = append(r.streamOrder, entry.StreamID)
		}
		for k, v := range tags.User {
			existing.User[k] = v
		}
		for k, v := range tags.VRS {
			// Internal tags never overwrite what the description holds.
			if _, ok := existing.VRS[k]; !ok {
				existing.VRS[k] = v
			}
		}
	}
	r.index = visible
	r.streamIndex = nil
	return nil
}

// writeFixedIndex patches the original file with the rebuilt index,
// using the classic tail layout.
func (r *RecordFileReader) writeFixedIndex() error {
	writable, ok := r.file.(WriteFileHandler)
	if !ok {
		return fmt.Errorf("%w: handler %q cannot be reopened for updates", ErrClosed, r.file.Name())
	}
	if err := writable.ReopenForUpdates(); err != nil {
		return err
	}
	end := r.firstUserRecordOffset
	var lastRecordSize uint32
	writer := newIndexWriter(&r.fileHeader)
	for i := range r.index {
		entry := &r.index[i]
		size, err := r.recordOnDiskSize(entry)
		if err != nil {
			return err
		}
		if entry.FileOffset+int64(size) > end {
			end = entry.FileOffset + int64(size)
		}
		writer.addRecord(entry.Timestamp, size, entry.StreamID, entry.RecordType)
		lastRecordSize = size
	}
	if err := writable.SetPos(end); err != nil {
		return err
	}
	if err := writable.Truncate(); err != nil {
		return err
	}
	if err := writer.finalizeClassicIndexRecord(writable, &lastRecordSize); err != nil {
		return err
	}
	// The patched index lives at the tail. Files whose records follow
	// the description directly go back to the classic layout; files with
	// a reserved front region keep the front-index version so the first
	// user record offset stays meaningful.
	if r.fileHeader.FirstUserRecordOffset == 0 {
		r.fileHeader.FileFormatVersion = FileFormatVersionClassic
	}
	if err := writable.SetPos(0); err != nil {
		return err
	}
	if err := writable.Overwrite(encodeFileHeader(&r.fileHeader)); err != nil {
		return err
	}
	r.logger.Info("File patched with rebuilt index", "records", len(r.index))
	return nil
}

func (r *RecordFileReader) recordOnDiskSize(entry *IndexEntry) (uint32, error) {
	if err := r.file.SetPos(entry.FileOffset); err != nil {
		return 0, err
	}
	var header RecordHeader
	if err := readRecordHeader(r.file, &r.fileHeader, &header); err != nil {
		return 0, err
	}
	return header.RecordSize, nil
}

// Close releases the file handler. Stream players are not owned and are
// left untouched.
func (r *RecordFileReader) Close() error {
	r.decompressor.Close()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// CreationID returns the file's identity token.
func (r *RecordFileReader) CreationID() uint64 { return r.fileHeader.CreationID }

// IsIndexComplete reports whether the index was loaded as written;
// false after a rebuild.
func (r *RecordFileReader) IsIndexComplete() bool { return r.indexComplete }

// Streams lists the file's streams in description order.
func (r *RecordFileReader) Streams() []StreamID {
	return append([]StreamID(nil), r.streamOrder...)
}

// Tags returns the file-level tags.
func (r *RecordFileReader) Tags() map[string]string { return r.fileTags }

// StreamTags returns one stream's tags, nil for unknown streams.
func (r *RecordFileReader) StreamTags(id StreamID) *StreamTags { return r.streamTags[id] }

// Tag returns a file tag value, empty when absent.
func (r *RecordFileReader) Tag(name string) string { return r.fileTags[name] }

// Flavor returns the stream's flavor, empty for concrete types.
func (r *RecordFileReader) Flavor(id StreamID) string {
	if tags := r.streamTags[id]; tags != nil {
		return tags.VRS[FlavorTagName]
	}
	return ""
}

// StreamForType returns the indexth stream of a recordable type.
func (r *RecordFileReader) StreamForType(typeID RecordableTypeID, index int) (StreamID, bool) {
	seen := 0
	for _, id := range r.streamOrder {
		if id.Type == typeID {
			if seen == index {
				return id, true
			}
			seen++
		}
	}
	return StreamID{}, false
}

// StreamForFlavor returns the indexth stream of a type with a flavor.
func (r *RecordFileReader) StreamForFlavor(typeID RecordableTypeID, flavor string, index int) (StreamID, bool) {
	seen := 0
	for _, id := range r.streamOrder {
		if id.Type == typeID && r.Flavor(id) == flavor {
			if seen == index {
				return id, true
			}
			seen++
		}
	}
	return StreamID{}, false
}

// StreamForTag returns the first stream whose user tag name has the
// given value.
func (r *RecordFileReader) StreamForTag(name, value string) (StreamID, bool) {
	for _, id := range r.streamOrder {
		if tags := r.streamTags[id]; tags != nil && tags.User[name] == value {
			return id, true
		}
	}
	return StreamID{}, false
}

// Index returns every user record, sorted by (timestamp, stream id,
// offset). The slice is owned by the reader.
func (r *RecordFileReader) Index() []IndexEntry { return r.index }

// StreamIndex returns one stream's records, in the global order.
func (r *RecordFileReader) StreamIndex(id StreamID) []*IndexEntry {
	if r.streamIndex == nil {
		r.streamIndex = map[StreamID][]*IndexEntry{}
		for i := range r.index {
			entry := &r.index[i]
			r.streamIndex[entry.StreamID] = append(r.streamIndex[entry.StreamID], entry)
		}
	}
	return r.streamIndex[id]
}

// GetRecord returns a stream's kth record of a type.
func (r *RecordFileReader) GetRecord(id StreamID, recordType RecordType, k int) *IndexEntry {
	seen := 0
	for _, entry := range r.StreamIndex(id) {
		if entry.RecordType == recordType {
			if seen == k {
				return entry
			}
			seen++
		}
	}
	return nil
}

// GetLastRecord returns a stream's last record of a type.
func (r *RecordFileReader) GetLastRecord(id StreamID, recordType RecordType) *IndexEntry {
	stream := r.StreamIndex(id)
	for i := len(stream) - 1; i >= 0; i-- {
		if stream[i].RecordType == recordType {
			return stream[i]
		}
	}
	return nil
}

// GetRecordByTime returns the first record with a timestamp at or past
// the given time, of any stream and record type. GetStreamRecordByTime and
// GetStreamTypeRecordByTime filter by stream and record type.
func (r *RecordFileReader) GetRecordByTime(timestamp float64) *IndexEntry {
	i := sort.Search(len(r.index), func(i int) bool { return r.index[i].Timestamp >= timestamp })
	if i < len(r.index) {
		return &r.index[i]
	}
	return nil
}

// GetStreamRecordByTime is GetRecordByTime restricted to one stream.
func (r *RecordFileReader) GetStreamRecordByTime(id StreamID, timestamp float64) *IndexEntry {
	stream := r.StreamIndex(id)
	i := sort.Search(len(stream), func(i int) bool { return stream[i].Timestamp >= timestamp })
	if i < len(stream) {
		return stream[i]
	}
	return nil
}

// GetStreamTypeRecordByTime is GetRecordByTime restricted to one stream
// and record type.
func (r *RecordFileReader) GetStreamTypeRecordByTime(id StreamID, recordType RecordType, timestamp float64) *IndexEntry {
	for _, entry := range r.StreamIndex(id) {
		if entry.RecordType == recordType && entry.Timestamp >= timestamp {
			return entry
		}
	}
	return nil
}

// SetStreamPlayer attaches the handler receiving a stream's records; nil
// detaches. The reader does not own handlers.
func (r *RecordFileReader) SetStreamPlayer(id StreamID, player StreamPlayer) {
	if player == nil {
		delete(r.players, id)
		return
	}
	r.players[id] = player
	if attacher, ok := player.(streamAttacher); ok {
		attacher.attach(r, id)
	}
}

// ClearStreamPlayers detaches every handler.
func (r *RecordFileReader) ClearStreamPlayers() {
	r.players = map[StreamID]StreamPlayer{}
}

// RecordFormats returns the formats registered in a stream's tags.
func (r *RecordFileReader) RecordFormats(id StreamID) RecordFormatMap {
	if formats, ok := r.formats[id]; ok {
		return formats
	}
	var formats RecordFormatMap
	if tags := r.streamTags[id]; tags != nil {
		formats = GetRecordFormats(tags.VRS)
	} else {
		formats = RecordFormatMap{}
	}
	r.formats[id] = formats
	return formats
}

// GetRecordFormat returns the format of (recordType, formatVersion)
// records on a stream.
func (r *RecordFileReader) GetRecordFormat(id StreamID, recordType RecordType, formatVersion uint32) (RecordFormat, bool) {
	format, ok := r.RecordFormats(id)[RecordFormatKey{RecordType: recordType, FormatVersion: formatVersion}]
	return format, ok
}

// GetDataLayout returns the layout registered for a block, or nil.
func (r *RecordFileReader) GetDataLayout(id StreamID, recordType RecordType, formatVersion uint32, blockIndex int) *DataLayout {
	if tags := r.streamTags[id]; tags != nil {
		return GetDataLayout(tags.VRS, recordType, formatVersion, blockIndex)
	}
	return nil
}

// ReadRecord dispatches one record to its stream's handler. A stream
// with no handler skips silently.
func (r *RecordFileReader) ReadRecord(entry *IndexEntry) error {
	player, ok := r.players[entry.StreamID]
	if !ok {
		return nil
	}
	return r.ReadRecordWith(entry, player)
}

// ReadRecordWith dispatches one record to an explicit handler.
func (r *RecordFileReader) ReadRecordWith(entry *IndexEntry, player StreamPlayer) error {
	if err := r.file.SetPos(entry.FileOffset); err != nil {
		return err
	}
	var header RecordHeader
	if err := readRecordHeader(r.file, &r.fileHeader, &header); err != nil {
		return err
	}
	if header.StreamID() != entry.StreamID || header.RecordSize < r.fileHeader.RecordHeaderSize {
		return fmt.Errorf("%w: header at offset %d does not match the index", ErrInvalidRecord, entry.FileOffset)
	}
	payloadSize := int(header.PayloadSize())
	uncompressedSize := payloadSize
	if CompressionType(header.CompressionType) != CompressionNone {
		uncompressedSize = int(header.UncompressedSize)
	}
	record := CurrentRecord{
		Timestamp:     header.Timestamp,
		StreamID:      entry.StreamID,
		RecordType:    RecordType(header.RecordType),
		FormatVersion: header.FormatVersion,
		RecordSize:    uint32(uncompressedSize),
		Reader:        r,
	}
	var ref DataReference
	if !player.ProcessRecordHeader(&record, &ref) {
		return nil // declined, skip the payload
	}
	buffer := ref.buffer
	if !ref.used {
		buffer = make([]byte, uncompressedSize)
	}
	bytesRead, err := r.readPayloadInto(&header, buffer)
	if err != nil {
		return err
	}
	player.ProcessRecord(&record, buffer[:bytesRead])
	return nil
}

// readPayloadInto reads (and decompresses) the payload at the current
// position into buffer; a shorter buffer receives a prefix.
func (r *RecordFileReader) readPayloadInto(header *RecordHeader, buffer []byte) (int, error) {
	payloadSize := int(header.PayloadSize())
	compression := CompressionType(header.CompressionType)
	if compression == CompressionNone {
		want := min(len(buffer), payloadSize)
		if want == 0 {
			return 0, nil
		}
		if err := r.file.Read(buffer[:want]); err != nil {
			return r.file.GetLastRWSize(), err
		}
		return want, nil
	}
	if cap(r.scratch) < payloadSize {
		r.scratch = make([]byte, payloadSize)
	}
	r.scratch = r.scratch[:payloadSize]
	if err := r.file.Read(r.scratch); err != nil {
		return 0, err
	}
	payload, err := r.decompressor.Decompress(r.scratch, int(header.UncompressedSize), compression)
	if err != nil {
		return 0, err
	}
	return copy(buffer, payload), nil
}

// readPayload reads one record's payload fully, uncompressed.
func (r *RecordFileReader) readPayload(entry *IndexEntry) ([]byte, *RecordHeader, error) {
	if err := r.file.SetPos(entry.FileOffset); err != nil {
		return nil, nil, err
	}
	var header RecordHeader
	if err := readRecordHeader(r.file, &r.fileHeader, &header); err != nil {
		return nil, nil, err
	}
	size := int(header.PayloadSize())
	if CompressionType(header.CompressionType) != CompressionNone {
		size = int(header.UncompressedSize)
	}
	buffer := make([]byte, size)
	n, err := r.readPayloadInto(&header, buffer)
	if err != nil {
		return nil, nil, err
	}
	return buffer[:n], &header, nil
}

// ReadAllRecords walks the index in order and dispatches every record to
// its stream's handler. Per-record errors are reported but do not abort
// the iteration; the first one is returned.
func (r *RecordFileReader) ReadAllRecords() error {
	var firstErr error
	for i := range r.index {
		if err := r.ReadRecord(&r.index[i]); err != nil {
			r.logger.Warn("Record read failed", "offset", r.index[i].FileOffset, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// ReadFirstConfigurationRecord dispatches a stream's first configuration
// record, so handlers have their configuration context before decoding
// data records.
func (r *RecordFileReader) ReadFirstConfigurationRecord(id StreamID) error {
	entry := r.GetRecord(id, RecordTypeConfiguration, 0)
	if entry == nil {
		return nil
	}
	return r.ReadRecord(entry)
}

// ReadFirstConfigurationRecords does ReadFirstConfigurationRecord for
// every stream with an attached handler.
func (r *RecordFileReader) ReadFirstConfigurationRecords() error {
	var firstErr error
	for id := range r.players {
		if err := r.ReadFirstConfigurationRecord(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PrefetchRecordSequence hints the handler about upcoming reads. Returns
// whether the handler accepted the hint.
func (r *RecordFileReader) PrefetchRecordSequence(entries []*IndexEntry) bool {
	offsets := make([]int64, len(entries))
	for i, entry := range entries {
		offsets[i] = entry.FileOffset
	}
	return r.file.PrefetchRecordSequence(offsets)
}

// TotalSize returns the logical file size, chunks included.
func (r *RecordFileReader) TotalSize() int64 { return r.file.GetTotalSize() }

// FileHandler exposes the underlying handler.
func (r *RecordFileReader) FileHandler() FileHandler { return r.file }
