package vrs

import (
	"fmt"
	"math"
	"time"
)

// RecordType classifies records. Values are persisted in record headers
// and must never change.
type RecordType uint8

const (
	RecordTypeUndefined     RecordType = 0
	RecordTypeState         RecordType = 1
	RecordTypeConfiguration RecordType = 2
	RecordTypeData          RecordType = 3
	// RecordTypeTags is reserved: it carries a stream's tags as a payload
	// and is not exposed in a reader's index.
	RecordTypeTags RecordType = 4
)

var recordTypeNames = [...]string{"Undefined", "State", "Configuration", "Data", "Tags"}

func (t RecordType) String() string {
	if int(t) < len(recordTypeNames) {
		return recordTypeNames[t]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(t))
}

// ParseRecordType converts a canonical record type name back to its value.
func ParseRecordType(name string) RecordType {
	for i, n := range recordTypeNames {
		if n == name {
			return RecordType(i)
		}
	}
	return RecordTypeUndefined
}

// CompressionType is the codec byte stored in record headers.
// Values are persisted and must never change.
type CompressionType uint8

const (
	CompressionNone CompressionType = 0
	CompressionLz4  CompressionType = 1
	CompressionZstd CompressionType = 2
)

// MaxTimestamp sorts a record after every user record. The description
// and index records use it; Tags records use its negation
// (TagsRecordTimestamp).
const MaxTimestamp = math.MaxFloat64

// Record is a timestamped payload waiting to be written. Records are
// created by a stream's RecordManager and recycled rather than freed.
type Record struct {
	timestamp     float64
	recordType    RecordType
	formatVersion uint32
	buffer        []byte
	usedSize      int
	creationOrder uint64
	recycledAt    time.Time

	manager *RecordManager
}

// Timestamp returns the record's presentation timestamp, in seconds.
func (r *Record) Timestamp() float64 { return r.timestamp }

// Type returns the record's type.
func (r *Record) Type() RecordType { return r.recordType }

// FormatVersion returns the format version declared at creation.
func (r *Record) FormatVersion() uint32 { return r.formatVersion }

// Size returns the record's payload size, uncompressed.
func (r *Record) Size() int { return r.usedSize }

// CreationOrder returns the per-stream monotone creation counter, the
// tie-breaker when timestamps collide.
func (r *Record) CreationOrder() uint64 { return r.creationOrder }

// Payload returns the record's payload bytes.
func (r *Record) Payload() []byte { return r.buffer[:r.usedSize] }

// Recycle returns the record to its manager's cache.
func (r *Record) Recycle() {
	if r.manager != nil {
		r.manager.recycle(r)
	}
}

// set overwrites the record's fields and copies the data source into the
// buffer, growing it by the manager's over-allocation policy when needed.
func (r *Record) set(timestamp float64, recordType RecordType, formatVersion uint32, data *DataSource, creationOrder uint64) {
	r.timestamp = timestamp
	r.recordType = recordType
	r.formatVersion = formatVersion
	r.creationOrder = creationOrder
	size := data.Size()
	if cap(r.buffer) < size {
		grown := size
		if r.manager != nil {
			grown = r.manager.acceptableOverCapacity(size)
		}
		r.buffer = make([]byte, size, grown)
	} else {
		r.buffer = r.buffer[:size]
	}
	r.usedSize = size
	data.CopyTo(r.buffer)
}

// shouldTryToCompress tells if compressing this record could pay off.
func (r *Record) shouldTryToCompress(preset CompressionPreset) bool {
	return shouldTryToCompress(preset, r.usedSize)
}

// compressRecord tries to compress the payload with the manager's preset.
// Returns the compressed size, or 0 when the record should be written
// uncompressed.
func (r *Record) compressRecord(compressor *Compressor) uint32 {
	preset := CompressionPresetDefault
	if r.manager != nil {
		preset = r.manager.CompressionPreset()
	}
	if !r.shouldTryToCompress(preset) {
		return 0
	}
	compressed, err := compressor.Compress(r.Payload(), preset)
	if err != nil || compressed == 0 {
		return 0
	}
	return compressed
}

// writeRecord serializes header + payload. When compressedSize is
// non-zero the compressor's buffer holds the payload to write; otherwise
// the record is stored uncompressed. previousSize is updated to this
// record's on-disk size for the next record's header.
func (r *Record) writeRecord(file WriteFileHandler, streamID StreamID, previousSize *uint32, compressor *Compressor, compressedSize uint32) error {
	header := RecordHeader{
		PreviousRecordSize: *previousSize,
		RecordableTypeID:   int32(streamID.Type),
		FormatVersion:      r.formatVersion,
		Timestamp:          r.timestamp,
		InstanceID:         streamID.Instance,
		RecordType:         uint8(r.recordType),
	}
	var payload []byte
	if compressedSize > 0 {
		header.CompressionType = uint8(compressor.CompressionType())
		header.UncompressedSize = uint32(r.usedSize)
		payload = compressor.Data()[:compressedSize]
	} else {
		payload = r.Payload()
	}
	header.RecordSize = uint32(recordHeaderSize + len(payload))
	if err := writeRecordHeader(file, &header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if err := file.Write(payload); err != nil {
			return err
		}
	}
	*previousSize = header.RecordSize
	return nil
}

// compressAndWriteRecord compresses the record if worthwhile and writes
// it out, header included.
func (r *Record) compressAndWriteRecord(file WriteFileHandler, streamID StreamID, previousSize *uint32, compressor *Compressor) error {
	return r.writeRecord(file, streamID, previousSize, compressor, r.compressRecord(compressor))
}
