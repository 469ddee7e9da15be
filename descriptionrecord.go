package vrs

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
)

// The description record immediately follows the file header. It carries
// the file tags and every stream's id, user tags, and internal vrs tags,
// as length-prefixed UTF-8, and is written once at file creation. Tags
// added to a stream later travel as a Tags record on the stream instead.

const descriptionFormatVersion = 1

// StreamTags holds one stream's two tag maps. The vrs map is internal:
// it carries record formats and data layout definitions under reserved
// key prefixes.
type StreamTags struct {
	User map[string]string
	VRS  map[string]string
}

// NewStreamTags returns empty tag maps.
func NewStreamTags() *StreamTags {
	return &StreamTags{User: map[string]string{}, VRS: map[string]string{}}
}

// Copy deep-copies the tag maps.
func (t *StreamTags) Copy() *StreamTags {
	out := NewStreamTags()
	for k, v := range t.User {
		out.User[k] = v
	}
	for k, v := range t.VRS {
		out.VRS[k] = v
	}
	return out
}

func appendString(buf *bytes.Buffer, s string) {
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(s)))
	buf.Write(length[:])
	buf.WriteString(s)
}

func appendStringMap(buf *bytes.Buffer, m map[string]string) {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(m)))
	buf.Write(count[:])
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		appendString(buf, k)
		appendString(buf, m[k])
	}
}

type byteParser struct {
	data []byte
	pos  int
}

func (p *byteParser) uint32() (uint32, error) {
	if p.pos+4 > len(p.data) {
		return 0, fmt.Errorf("%w: truncated description payload", ErrNotVRSFile)
	}
	v := binary.LittleEndian.Uint32(p.data[p.pos:])
	p.pos += 4
	return v, nil
}

func (p *byteParser) string() (string, error) {
	length, err := p.uint32()
	if err != nil {
		return "", err
	}
	if p.pos+int(length) > len(p.data) {
		return "", fmt.Errorf("%w: truncated description string", ErrNotVRSFile)
	}
	s := string(p.data[p.pos : p.pos+int(length)])
	p.pos += int(length)
	return s, nil
}

func (p *byteParser) stringMap() (map[string]string, error) {
	count, err := p.uint32()
	if err != nil {
		return nil, err
	}
	m := make(map[string]string, count)
	for i := uint32(0); i < count; i++ {
		key, err := p.string()
		if err != nil {
			return nil, err
		}
		value, err := p.string()
		if err != nil {
			return nil, err
		}
		m[key] = value
	}
	return m, nil
}

// encodeDescriptionPayload serializes the maps canonically (sorted
// keys), so a copied file reproduces the description bytes exactly.
func encodeDescriptionPayload(fileTags map[string]string, streamOrder []StreamID, streamTags map[StreamID]*StreamTags) []byte {
	var buf bytes.Buffer
	appendStringMap(&buf, fileTags)
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(streamOrder)))
	buf.Write(count[:])
	for _, id := range streamOrder {
		var disk [6]byte
		binary.LittleEndian.PutUint32(disk[0:], uint32(int32(id.Type)))
		binary.LittleEndian.PutUint16(disk[4:], id.Instance)
		buf.Write(disk[:])
		tags := streamTags[id]
		if tags == nil {
			tags = NewStreamTags()
		}
		appendStringMap(&buf, tags.User)
		appendStringMap(&buf, tags.VRS)
	}
	return buf.Bytes()
}

// encodeStreamTags serializes one stream's tag maps, the payload of a
// Tags record.
func encodeStreamTags(tags *StreamTags) []byte {
	var buf bytes.Buffer
	appendStringMap(&buf, tags.User)
	appendStringMap(&buf, tags.VRS)
	return buf.Bytes()
}

// decodeStreamTags parses a Tags record payload.
func decodeStreamTags(payload []byte) (*StreamTags, error) {
	parser := &byteParser{data: payload}
	user, err := parser.stringMap()
	if err != nil {
		return nil, err
	}
	vrsTags, err := parser.stringMap()
	if err != nil {
		return nil, err
	}
	return &StreamTags{User: user, VRS: vrsTags}, nil
}

// writeDescriptionRecord writes the record at the current position and
// returns its total on-disk size.
func writeDescriptionRecord(file WriteFileHandler, fileTags map[string]string, streamOrder []StreamID, streamTags map[StreamID]*StreamTags) (uint32, error) {
	payload := encodeDescriptionPayload(fileTags, streamOrder, streamTags)
	var header RecordHeader
	header.InitDescriptionHeader(descriptionFormatVersion, uint32(recordHeaderSize+len(payload)), 0)
	if err := writeRecordHeader(file, &header); err != nil {
		return 0, err
	}
	if err := file.Write(payload); err != nil {
		return 0, err
	}
	return header.RecordSize, nil
}

// readDescriptionRecord reads the record at the current position,
// returning the tags and the record's total on-disk size.
func readDescriptionRecord(file FileHandler, fileHeader *FileHeader) (map[string]string, []StreamID, map[StreamID]*StreamTags, uint32, error) {
	var header RecordHeader
	if err := readRecordHeader(file, fileHeader, &header); err != nil {
		return nil, nil, nil, 0, err
	}
	if RecordableTypeID(header.RecordableTypeID) != RecordableDescription {
		return nil, nil, nil, 0, fmt.Errorf("%w: no description record after file header", ErrNotVRSFile)
	}
	payload := make([]byte, header.PayloadSize())
	if err := file.Read(payload); err != nil {
		return nil, nil, nil, 0, err
	}
	parser := &byteParser{data: payload}
	fileTags, err := parser.stringMap()
	if err != nil {
		return nil, nil, nil, 0, err
	}
	streamCount, err := parser.uint32()
	if err != nil {
		return nil, nil, nil, 0, err
	}
	order := make([]StreamID, 0, streamCount)
	tags := make(map[StreamID]*StreamTags, streamCount)
	for i := uint32(0); i < streamCount; i++ {
		if parser.pos+6 > len(parser.data) {
			return nil, nil, nil, 0, fmt.Errorf("%w: truncated stream id table", ErrNotVRSFile)
		}
		id := StreamID{
			Type:     RecordableTypeID(int32(binary.LittleEndian.Uint32(parser.data[parser.pos:]))),
			Instance: binary.LittleEndian.Uint16(parser.data[parser.pos+4:]),
		}
		parser.pos += 6
		user, err := parser.stringMap()
		if err != nil {
			return nil, nil, nil, 0, err
		}
		vrsTags, err := parser.stringMap()
		if err != nil {
			return nil, nil, nil, 0, err
		}
		order = append(order, id)
		tags[id] = &StreamTags{User: user, VRS: vrsTags}
	}
	return fileTags, order, tags, header.RecordSize, nil
}
