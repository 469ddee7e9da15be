package utils

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	vrs "github.com/Spatial-NVR/govrs"
)

// Checksum computes an order-independent checksum over the selected
// records' headers and payloads, plus the file and stream tags. Stream
// instance ids are normalized to positional "sanitized ids" so two
// equivalent recordings match even though instance ids are not stable
// across runs.
func Checksum(reader *vrs.RecordFileReader, filter *RecordFilter) (string, error) {
	sanitized := sanitizedIDs(reader)
	fr := NewFilteredReader(reader, filter)
	var sum uint64
	err := fr.IterateSelected(func(entry *vrs.IndexEntry, preroll bool) error {
		if preroll {
			return nil
		}
		collector := &checksumCollector{entry: entry, sanitizedID: sanitized[entry.StreamID]}
		if err := reader.ReadRecordWith(entry, collector); err != nil {
			return err
		}
		// Adding per-record digests keeps the total order-independent.
		sum += collector.digest
		return nil
	})
	if err != nil {
		return "", err
	}
	sum += tagsDigest(reader.Tags())
	ids := make([]vrs.StreamID, 0, len(sanitized))
	for id := range sanitized {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Before(ids[j]) })
	for _, id := range ids {
		if tags := reader.StreamTags(id); tags != nil {
			sum += tagsDigest(tags.User)
			sum += tagsDigest(withoutProvenanceTags(tags.VRS))
		}
	}
	return fmt.Sprintf("%016x", sum), nil
}

// sanitizedIDs maps each stream to an id whose instance is its position
// among the streams of the same type.
func sanitizedIDs(reader *vrs.RecordFileReader) map[vrs.StreamID]vrs.StreamID {
	positions := map[vrs.RecordableTypeID]uint16{}
	sanitized := map[vrs.StreamID]vrs.StreamID{}
	for _, id := range reader.Streams() {
		positions[id.Type]++
		sanitized[id] = vrs.StreamID{Type: id.Type, Instance: positions[id.Type]}
	}
	return sanitized
}

// checksumCollector hashes one record's header fields and payload.
type checksumCollector struct {
	entry       *vrs.IndexEntry
	sanitizedID vrs.StreamID
	digest      uint64
}

func (c *checksumCollector) ProcessRecordHeader(*vrs.CurrentRecord, *vrs.DataReference) bool {
	return true
}

func (c *checksumCollector) ProcessRecord(record *vrs.CurrentRecord, payload []byte) {
	var header [24]byte
	binary.LittleEndian.PutUint64(header[0:], math.Float64bits(record.Timestamp))
	binary.LittleEndian.PutUint32(header[8:], record.FormatVersion)
	binary.LittleEndian.PutUint32(header[12:], uint32(c.sanitizedID.Type))
	binary.LittleEndian.PutUint16(header[16:], c.sanitizedID.Instance)
	header[18] = byte(record.RecordType)
	hash := sha256.New()
	hash.Write(header[:])
	hash.Write(payload)
	c.digest = binary.LittleEndian.Uint64(hash.Sum(nil))
}

// withoutProvenanceTags drops the bookkeeping a copy adds, so a copy
// checksums like its source.
func withoutProvenanceTags(tags map[string]string) map[string]string {
	if _, ok := tags[vrs.OriginalInstanceIDTagName]; !ok {
		return tags
	}
	filtered := make(map[string]string, len(tags))
	for key, value := range tags {
		if key != vrs.OriginalInstanceIDTagName {
			filtered[key] = value
		}
	}
	return filtered
}

func tagsDigest(tags map[string]string) uint64 {
	keys := make([]string, 0, len(tags))
	for key := range tags {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	hash := sha256.New()
	for _, key := range keys {
		hash.Write([]byte(key))
		hash.Write([]byte{0})
		hash.Write([]byte(tags[key]))
		hash.Write([]byte{0})
	}
	return binary.LittleEndian.Uint64(hash.Sum(nil))
}

// CheckRecords walks every selected record, verifying it can be read and
// decompressed. Returns the number of records read.
func CheckRecords(reader *vrs.RecordFileReader, filter *RecordFilter) (int, error) {
	fr := NewFilteredReader(reader, filter)
	count := 0
	discard := &discardPlayer{}
	err := fr.IterateSelected(func(entry *vrs.IndexEntry, preroll bool) error {
		if preroll {
			return nil
		}
		if err := reader.ReadRecordWith(entry, discard); err != nil {
			return fmt.Errorf("record at offset %d: %w", entry.FileOffset, err)
		}
		count++
		return nil
	})
	return count, err
}

type discardPlayer struct{}

func (discardPlayer) ProcessRecordHeader(*vrs.CurrentRecord, *vrs.DataReference) bool { return true }
func (discardPlayer) ProcessRecord(*vrs.CurrentRecord, []byte)                        {}

// CompareResult reports the first difference found by CompareFiles.
type CompareResult struct {
	Equal  bool
	Reason string
}

// CompareFiles does a structural record-by-record compare of two
// filtered readers: stream layout (sanitized), tags, and per-record
// timestamp, type, format version, and payload bytes.
func CompareFiles(left, right *vrs.RecordFileReader, filter *RecordFilter) (CompareResult, error) {
	leftStreams, rightStreams := left.Streams(), right.Streams()
	if len(leftStreams) != len(rightStreams) {
		return CompareResult{Reason: fmt.Sprintf("stream count %d != %d", len(leftStreams), len(rightStreams))}, nil
	}
	for i := range leftStreams {
		if leftStreams[i].Type != rightStreams[i].Type {
			return CompareResult{Reason: fmt.Sprintf("stream %d type %v != %v", i, leftStreams[i].Type, rightStreams[i].Type)}, nil
		}
	}
	if !mapsEqual(left.Tags(), right.Tags()) {
		return CompareResult{Reason: "file tags differ"}, nil
	}

	leftRecords, err := selectedEntries(left, filter)
	if err != nil {
		return CompareResult{}, err
	}
	rightRecords, err := selectedEntries(right, filter)
	if err != nil {
		return CompareResult{}, err
	}
	if len(leftRecords) != len(rightRecords) {
		return CompareResult{Reason: fmt.Sprintf("record count %d != %d", len(leftRecords), len(rightRecords))}, nil
	}
	leftSanitized := sanitizedIDs(left)
	rightSanitized := sanitizedIDs(right)
	leftLoader := &payloadLoader{}
	rightLoader := &payloadLoader{}
	for i := range leftRecords {
		a, b := leftRecords[i], rightRecords[i]
		if a.Timestamp != b.Timestamp || a.RecordType != b.RecordType ||
			leftSanitized[a.StreamID] != rightSanitized[b.StreamID] {
			return CompareResult{Reason: fmt.Sprintf("record %d metadata differs", i)}, nil
		}
		if err := left.ReadRecordWith(a, leftLoader); err != nil {
			return CompareResult{}, err
		}
		if err := right.ReadRecordWith(b, rightLoader); err != nil {
			return CompareResult{}, err
		}
		if leftLoader.formatVersion != rightLoader.formatVersion {
			return CompareResult{Reason: fmt.Sprintf("record %d format version differs", i)}, nil
		}
		if !bytes.Equal(leftLoader.payload, rightLoader.payload) {
			return CompareResult{Reason: fmt.Sprintf("record %d payload differs", i)}, nil
		}
	}
	return CompareResult{Equal: true}, nil
}

func selectedEntries(reader *vrs.RecordFileReader, filter *RecordFilter) ([]*vrs.IndexEntry, error) {
	fr := NewFilteredReader(reader, cloneFilter(filter))
	var selected []*vrs.IndexEntry
	err := fr.IterateSelected(func(entry *vrs.IndexEntry, preroll bool) error {
		if !preroll {
			selected = append(selected, entry)
		}
		return nil
	})
	return selected, err
}

type payloadLoader struct {
	payload       []byte
	formatVersion uint32
}

func (l *payloadLoader) ProcessRecordHeader(*vrs.CurrentRecord, *vrs.DataReference) bool { return true }

func (l *payloadLoader) ProcessRecord(record *vrs.CurrentRecord, payload []byte) {
	l.formatVersion = record.FormatVersion
	l.payload = append(l.payload[:0], payload...)
}

func mapsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		if b[key] != value {
			return false
		}
	}
	return true
}
