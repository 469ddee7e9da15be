package vrs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"
)

// Every file starts with one FileHeader, followed by records. Each record
// starts with a RecordHeader followed by a raw payload blob. Both headers
// may grow in future versions, so readers must move around a file using
// the sizes stored in the file header, never their compiled struct sizes.
//
// All on-disk integers are little-endian; timestamps are IEEE-754 doubles
// in seconds.

// fourCharCode assembles four letters into a uint32 to make readable
// magic numbers on disk.
func fourCharCode(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

var (
	magicHeader1 = fourCharCode('V', 'i', 's', 'i')
	magicHeader2 = fourCharCode('o', 'n', 'R', 'e')
	magicHeader3 = fourCharCode('c', 'o', 'r', 'd')
)

// File format versions. A file's version tells readers where the index
// record may live and how it is encoded.
var (
	// FileFormatVersionClassic: index record at the end of the file.
	FileFormatVersionClassic = fourCharCode('V', 'R', 'S', '1')
	// FileFormatVersionFrontIndex: index record may precede user records.
	FileFormatVersionFrontIndex = fourCharCode('V', 'R', 'S', '2')
	// FileFormatVersionZstdFrontIndex: front index, briefly used with a
	// zstd-specific layout. Accepted on read, never written.
	FileFormatVersionZstdFrontIndex = fourCharCode('V', 'R', 'S', '3')
)

const (
	fileHeaderSize   = 80
	recordHeaderSize = 32
	// Headers are expected to grow very little, if ever.
	maxHeaderGrowth = 200
)

// FileHeader is the fixed struct at offset 0 of every file.
type FileHeader struct {
	MagicHeader1            uint32
	MagicHeader2            uint32
	CreationID              uint64 // nanoseconds since epoch at creation, identity token
	FileHeaderSize          uint32
	RecordHeaderSize        uint32
	IndexRecordOffset       int64
	DescriptionRecordOffset int64
	FirstUserRecordOffset   int64 // 0 means right after the description record
	Future2                 uint64
	Future3                 uint64
	Future4                 uint64
	MagicHeader3            uint32
	FileFormatVersion       uint32
}

// Init sets the fixed values for a new regular file.
func (h *FileHeader) Init() {
	h.InitWith(magicHeader1, magicHeader2, magicHeader3, FileFormatVersionClassic)
}

// InitWith sets the fixed values with explicit magic numbers and version.
func (h *FileHeader) InitWith(magic1, magic2, magic3, formatVersion uint32) {
	*h = FileHeader{
		MagicHeader1:      magic1,
		MagicHeader2:      magic2,
		MagicHeader3:      magic3,
		FileHeaderSize:    fileHeaderSize,
		RecordHeaderSize:  recordHeaderSize,
		CreationID:        uint64(time.Now().UnixNano()),
		FileFormatVersion: formatVersion,
	}
}

// LooksLikeVRSFile checks the magic values and the header size sanity.
func (h *FileHeader) LooksLikeVRSFile() bool {
	return h.looksLikeOurFiles(magicHeader1, magicHeader2, magicHeader3)
}

func (h *FileHeader) looksLikeOurFiles(magic1, magic2, magic3 uint32) bool {
	if h.MagicHeader1 != magic1 || h.MagicHeader2 != magic2 || h.MagicHeader3 != magic3 {
		return false
	}
	// Headers are only ever allowed to grow, and only a little.
	if h.FileHeaderSize < fileHeaderSize || h.RecordHeaderSize < recordHeaderSize {
		return false
	}
	if h.FileHeaderSize > fileHeaderSize+maxHeaderGrowth ||
		h.RecordHeaderSize > recordHeaderSize+maxHeaderGrowth {
		return false
	}
	return true
}

// IsFormatSupported tells whether this library can read the file.
func (h *FileHeader) IsFormatSupported() bool {
	v := h.FileFormatVersion
	return v == FileFormatVersionClassic || v == FileFormatVersionFrontIndex ||
		v == FileFormatVersionZstdFrontIndex
}

// EnableFrontIndexSupport bumps the version for files that reserve space
// for the index record before the user records.
func (h *FileHeader) EnableFrontIndexSupport() {
	h.FileFormatVersion = FileFormatVersionFrontIndex
}

// EndOfUserRecordsOffset estimates the first byte after the last user
// record. fileSize is returned when no better estimate can be made.
func (h *FileHeader) EndOfUserRecordsOffset(fileSize int64) int64 {
	if h.LooksLikeVRSFile() {
		switch h.FileFormatVersion {
		case FileFormatVersionClassic:
			// Index record always in the back, firstUserRecordOffset is 0.
			if h.IndexRecordOffset > 0 {
				return min(fileSize, h.IndexRecordOffset)
			}
		case FileFormatVersionFrontIndex, FileFormatVersionZstdFrontIndex:
			// Index may be before or after the user records.
			if h.IndexRecordOffset > 0 && h.IndexRecordOffset > h.FirstUserRecordOffset {
				return min(fileSize, h.IndexRecordOffset)
			}
		}
	}
	return fileSize
}

// FormatVersionName renders the four-char version code.
func (h *FileHeader) FormatVersionName() string {
	v := h.FileFormatVersion
	return string([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// RecordHeader precedes every record's payload. The field order is frozen.
type RecordHeader struct {
	RecordSize         uint32 // byte count to the next record, header + payload
	PreviousRecordSize uint32 // byte count to the previous record, header + payload
	RecordableTypeID   int32
	FormatVersion      uint32
	Timestamp          float64
	InstanceID         uint16
	RecordType         uint8
	CompressionType    uint8
	UncompressedSize   uint32 // uncompressed payload size, 0 if not compressed
}

// StreamID returns the stream this record belongs to.
func (h *RecordHeader) StreamID() StreamID {
	return StreamID{Type: RecordableTypeID(h.RecordableTypeID), Instance: h.InstanceID}
}

// PayloadSize returns the on-disk payload size, after compression.
func (h *RecordHeader) PayloadSize() uint32 {
	if h.RecordSize < recordHeaderSize {
		return 0
	}
	return h.RecordSize - recordHeaderSize
}

// InitIndexHeader prepares the header of an index record.
func (h *RecordHeader) InitIndexHeader(formatVersion, indexSize, previousRecordSize uint32, compression CompressionType) {
	*h = RecordHeader{
		RecordSize:         recordHeaderSize + indexSize,
		PreviousRecordSize: previousRecordSize,
		RecordableTypeID:   int32(RecordableIndex),
		FormatVersion:      formatVersion,
		Timestamp:          MaxTimestamp,
		RecordType:         uint8(RecordTypeData),
		CompressionType:    uint8(compression),
	}
}

// InitDescriptionHeader prepares the header of a description record.
func (h *RecordHeader) InitDescriptionHeader(formatVersion, recordSize, previousRecordSize uint32) {
	*h = RecordHeader{
		RecordSize:         recordSize,
		PreviousRecordSize: previousRecordSize,
		RecordableTypeID:   int32(RecordableDescription),
		FormatVersion:      formatVersion,
		Timestamp:          MaxTimestamp,
		RecordType:         uint8(RecordTypeData),
	}
}

// isSane runs the plausibility checks used when walking records without
// an index: sizes must make sense and the stream must be a known one.
func (h *RecordHeader) isSane(fileHeader *FileHeader, knownStreams map[StreamID]bool) bool {
	if h.RecordSize < fileHeader.RecordHeaderSize {
		return false
	}
	if !isFinite(h.Timestamp) {
		return false
	}
	switch RecordType(h.RecordType) {
	case RecordTypeState, RecordTypeConfiguration, RecordTypeData, RecordTypeTags:
	default:
		return false
	}
	if knownStreams != nil && !knownStreams[h.StreamID()] {
		return false
	}
	return true
}

func isFinite(f float64) bool {
	return f == f && f <= MaxTimestamp && f >= -MaxTimestamp
}

// encodeFileHeader serializes the header to its on-disk form.
func encodeFileHeader(h *FileHeader) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, fileHeaderSize))
	binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func decodeFileHeader(data []byte, h *FileHeader) error {
	if len(data) < fileHeaderSize {
		return fmt.Errorf("%w: short file header", ErrNotVRSFile)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, h)
}

func encodeRecordHeader(h *RecordHeader) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, recordHeaderSize))
	binary.Write(buf, binary.LittleEndian, h)
	return buf.Bytes()
}

func decodeRecordHeader(data []byte, h *RecordHeader) error {
	if len(data) < recordHeaderSize {
		return fmt.Errorf("%w: short record header", ErrInvalidRecord)
	}
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, h)
}

// readFileHeader reads a file header at the current position, honoring
// the on-disk header size for forward compatibility.
func readFileHeader(file FileHandler, h *FileHeader) error {
	buf := make([]byte, fileHeaderSize)
	if err := file.Read(buf); err != nil {
		return err
	}
	if err := decodeFileHeader(buf, h); err != nil {
		return err
	}
	if h.FileHeaderSize > fileHeaderSize && h.LooksLikeVRSFile() {
		// Skip header bytes this library does not know about.
		if err := file.SetPos(file.GetPos() + int64(h.FileHeaderSize-fileHeaderSize)); err != nil {
			return err
		}
	}
	return nil
}

// readRecordHeader reads a record header at the current position, using
// the on-disk record header size as stride.
func readRecordHeader(file FileHandler, fileHeader *FileHeader, h *RecordHeader) error {
	size := recordHeaderSize
	if fileHeader != nil && int(fileHeader.RecordHeaderSize) > size {
		size = int(fileHeader.RecordHeaderSize)
	}
	buf := make([]byte, size)
	if err := file.Read(buf); err != nil {
		return err
	}
	return decodeRecordHeader(buf, h)
}

func writeFileHeader(file WriteFileHandler, h *FileHeader) error {
	return file.Write(encodeFileHeader(h))
}

func writeRecordHeader(file WriteFileHandler, h *RecordHeader) error {
	return file.Write(encodeRecordHeader(h))
}
