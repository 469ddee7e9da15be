package vrs

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

// A file details cache is a small companion file holding everything
// needed to start playback without parsing the original's index: the
// description record, and the record directory with absolute offsets.
// It is keyed to the original through the creation id.

var (
	cacheMagicHeader1 = fourCharCode('V', 'R', 'S', 'D')
	cacheMagicHeader2 = fourCharCode('e', 't', 'a', 'i')
	cacheMagicHeader3 = fourCharCode('l', 's', 'C', 'a')
	cacheFormatVersion = fourCharCode('V', 'R', 'S', 'a')
)

// future4 bit 0 records that the original file had no index; the other
// bits are zeroed on write and ignored on read.
const cacheFlagFileHasNoIndex = 1

const cacheIndexFormatVersion = 1

// FileDetailsCache is the parsed content of a details cache file.
type FileDetailsCache struct {
	CreationID  uint64
	FileTags    map[string]string
	StreamOrder []StreamID
	StreamTags  map[StreamID]*StreamTags
	Index       []IndexEntry
	HasIndex    bool // whether the original file had an index
}

// WriteFileDetailsCache writes a details cache for an open reader.
func WriteFileDetailsCache(path string, reader *RecordFileReader) error {
	file := NewDiskFile()
	if err := file.Create(path); err != nil {
		return err
	}
	defer file.Close()

	var header FileHeader
	header.InitWith(cacheMagicHeader1, cacheMagicHeader2, cacheMagicHeader3, cacheFormatVersion)
	header.CreationID = reader.CreationID()
	header.DescriptionRecordOffset = fileHeaderSize
	if !reader.IsIndexComplete() {
		header.Future4 = cacheFlagFileHasNoIndex
	}
	if err := writeFileHeader(file, &header); err != nil {
		return err
	}
	descriptionSize, err := writeDescriptionRecord(file, reader.Tags(), reader.Streams(), reader.streamTags)
	if err != nil {
		return err
	}
	header.IndexRecordOffset = fileHeaderSize + int64(descriptionSize)

	// Details body: stream table, then entry count, then zstd-batched
	// entries carrying absolute offsets.
	index := reader.Index()
	streams := reader.Streams()
	prefix := make([]byte, 4+len(streams)*diskStreamIDSize+4)
	binary.LittleEndian.PutUint32(prefix, uint32(len(streams)))
	offset := 4
	for _, id := range streams {
		putDiskStreamID(prefix[offset:], id)
		offset += diskStreamIDSize
	}
	binary.LittleEndian.PutUint32(prefix[offset:], uint32(len(index)))

	var recordHeader RecordHeader
	recordHeader.InitIndexHeader(cacheIndexFormatVersion, 0, descriptionSize, CompressionZstd)
	recordHeader.UncompressedSize = uint32(len(prefix) + len(index)*cacheRecordInfoSize)
	headerOffset := file.GetPos()
	if err := writeRecordHeader(file, &recordHeader); err != nil {
		return err
	}

	compressor := NewCompressor()
	defer compressor.Close()
	var compressedSize uint32
	writeFrame := func(data []byte) error {
		if err := compressor.StartFrame(len(data), indexCompressionPreset); err != nil {
			return err
		}
		if err := compressor.AddFrameData(file, data, &compressedSize, 0); err != nil {
			return err
		}
		return compressor.EndFrame(file, &compressedSize, 0)
	}
	if err := writeFrame(prefix); err != nil {
		return err
	}
	entryBuf := make([]byte, 0, indexBatchSize*cacheRecordInfoSize)
	for start := 0; start < len(index); start += indexBatchSize {
		end := min(start+indexBatchSize, len(index))
		entryBuf = entryBuf[:(end-start)*cacheRecordInfoSize]
		for i := start; i < end; i++ {
			putCacheRecordInfo(entryBuf[(i-start)*cacheRecordInfoSize:], &index[i])
		}
		if err := writeFrame(entryBuf); err != nil {
			return err
		}
	}
	recordHeader.RecordSize = recordHeaderSize + compressedSize
	if err := file.SetPos(headerOffset); err != nil {
		return err
	}
	if err := file.Overwrite(encodeRecordHeader(&recordHeader)); err != nil {
		return err
	}
	if err := file.SetPos(0); err != nil {
		return err
	}
	return file.Overwrite(encodeFileHeader(&header))
}

func putCacheRecordInfo(dst []byte, entry *IndexEntry) {
	binary.LittleEndian.PutUint64(dst, math.Float64bits(entry.Timestamp))
	binary.LittleEndian.PutUint64(dst[8:], uint64(entry.FileOffset))
	dst[16] = byte(entry.RecordType)
	putDiskStreamID(dst[17:], entry.StreamID)
}

func getCacheRecordInfo(src []byte) IndexEntry {
	return IndexEntry{
		Timestamp:  math.Float64frombits(binary.LittleEndian.Uint64(src)),
		FileOffset: int64(binary.LittleEndian.Uint64(src[8:])),
		RecordType: RecordType(src[16]),
		StreamID:   getDiskStreamID(src[17:]),
	}
}

// ReadFileDetailsCache loads a details cache file.
func ReadFileDetailsCache(path string) (*FileDetailsCache, error) {
	file := NewDiskFile()
	if err := file.Open(path); err != nil {
		return nil, err
	}
	defer file.Close()

	var header FileHeader
	if err := readFileHeader(file, &header); err != nil {
		return nil, err
	}
	if !header.looksLikeOurFiles(cacheMagicHeader1, cacheMagicHeader2, cacheMagicHeader3) {
		return nil, fmt.Errorf("%w: not a details cache file", ErrNotVRSFile)
	}
	if header.FileFormatVersion != cacheFormatVersion {
		return nil, fmt.Errorf("%w: details cache version %q", ErrUnsupportedVersion, header.FormatVersionName())
	}
	if err := file.SetPos(header.DescriptionRecordOffset); err != nil {
		return nil, err
	}
	fileTags, order, streamTags, _, err := readDescriptionRecord(file, &header)
	if err != nil {
		return nil, err
	}
	var recordHeader RecordHeader
	if err := readRecordHeader(file, &header, &recordHeader); err != nil {
		return nil, err
	}
	if recordHeader.FormatVersion != cacheIndexFormatVersion {
		return nil, fmt.Errorf("%w: details cache index version %d", ErrUnsupportedVersion, recordHeader.FormatVersion)
	}
	body := make([]byte, recordHeader.UncompressedSize)
	decompressor := NewDecompressor()
	defer decompressor.Close()
	budget := int(recordHeader.PayloadSize())
	if err := decompressor.ReadFrame(file, body, &budget); err != nil {
		return nil, err
	}
	if len(body) < 8 {
		return nil, fmt.Errorf("%w: short details cache body", ErrIndexCorrupt)
	}
	streamCount := int(binary.LittleEndian.Uint32(body))
	offset := 4 + streamCount*diskStreamIDSize
	if offset+4 > len(body) {
		return nil, fmt.Errorf("%w: short details cache stream table", ErrIndexCorrupt)
	}
	entryCount := int(binary.LittleEndian.Uint32(body[offset:]))
	offset += 4
	if offset+entryCount*cacheRecordInfoSize > len(body) {
		return nil, fmt.Errorf("%w: details cache body smaller than its entry count", ErrIndexCorrupt)
	}
	index := make([]IndexEntry, entryCount)
	for i := range index {
		index[i] = getCacheRecordInfo(body[offset:])
		offset += cacheRecordInfoSize
	}
	return &FileDetailsCache{
		CreationID:  header.CreationID,
		FileTags:    fileTags,
		StreamOrder: order,
		StreamTags:  streamTags,
		Index:       index,
		HasIndex:    header.Future4&cacheFlagFileHasNoIndex == 0,
	}, nil
}

// OpenRecordFileWithDetailsCache opens a file, using a valid companion
// details cache to skip index parsing. A stale or missing cache falls
// back to the regular open path.
func OpenRecordFileWithDetailsCache(spec, cachePath string) (*RecordFileReader, error) {
	cache, err := ReadFileDetailsCache(cachePath)
	if err != nil {
		slog.Default().Debug("Details cache unusable, opening normally", "cache", cachePath, "error", err)
		return OpenRecordFile(spec)
	}
	parsed, err := ParseFileSpec(spec)
	if err != nil {
		return nil, err
	}
	handler, err := openHandlerForSpec(parsed)
	if err != nil {
		return nil, err
	}
	reader := &RecordFileReader{
		logger:       slog.Default().With("component", "record_file_reader"),
		file:         handler,
		players:      map[StreamID]StreamPlayer{},
		formats:      map[StreamID]RecordFormatMap{},
		decompressor: NewDecompressor(),
	}
	if err := handler.SetPos(0); err != nil {
		handler.Close()
		return nil, err
	}
	if err := readFileHeader(handler, &reader.fileHeader); err != nil {
		handler.Close()
		return nil, fmt.Errorf("%w: %v", ErrNotVRSFile, err)
	}
	if !reader.fileHeader.LooksLikeVRSFile() || !reader.fileHeader.IsFormatSupported() {
		handler.Close()
		return nil, ErrNotVRSFile
	}
	if reader.fileHeader.CreationID != cache.CreationID {
		// The cache belongs to another incarnation of the file.
		handler.Close()
		return OpenRecordFile(spec)
	}
	reader.fileTags = cache.FileTags
	reader.streamOrder = cache.StreamOrder
	reader.streamTags = cache.StreamTags
	reader.index = cache.Index
	reader.indexComplete = cache.HasIndex
	return reader, nil
}
