package vrs

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// CurrentRecord describes the record being dispatched to a handler.
type CurrentRecord struct {
	Timestamp     float64
	StreamID      StreamID
	RecordType    RecordType
	FormatVersion uint32
	// RecordSize is the uncompressed payload size.
	RecordSize uint32
	// Reader is the file reader performing the dispatch.
	Reader *RecordFileReader
}

// DataReference lets a handler direct where a record's payload is read
// into. Without one, the reader allocates a buffer of the payload size.
type DataReference struct {
	buffer []byte
	used   bool
}

// UseBuffer places the payload in the handler's own buffer. Only the
// buffer's length is read; a shorter buffer reads a payload prefix.
func (d *DataReference) UseBuffer(buffer []byte) {
	d.buffer = buffer
	d.used = true
}

// StreamPlayer consumes the records of one stream during playback. The
// reader borrows the handler: the caller keeps it alive until it is
// detached with SetStreamPlayer(id, nil) or ClearStreamPlayers.
type StreamPlayer interface {
	// ProcessRecordHeader may inspect the record and direct the payload
	// placement. Returning false skips the payload entirely.
	ProcessRecordHeader(record *CurrentRecord, data *DataReference) bool
	// ProcessRecord receives the payload bytes, uncompressed.
	ProcessRecord(record *CurrentRecord, payload []byte)
}

// streamAttacher is implemented by players that want to know their
// reader and stream when attached.
type streamAttacher interface {
	attach(reader *RecordFileReader, id StreamID)
}

// BlockHandler receives the decoded content blocks of a record, in
// order. Every callback returns whether to continue with the remaining
// blocks of the same record.
type BlockHandler interface {
	OnDataLayoutRead(record *CurrentRecord, blockIndex int, layout *DataLayout) bool
	OnImageRead(record *CurrentRecord, blockIndex int, block ContentBlock, data []byte) bool
	OnAudioRead(record *CurrentRecord, blockIndex int, block ContentBlock, data []byte) bool
	OnCustomBlockRead(record *CurrentRecord, blockIndex int, block ContentBlock, data []byte) bool
	// OnUnsupportedBlock is the fallback when a block cannot be decoded
	// or sized; data holds the remaining payload bytes.
	OnUnsupportedBlock(record *CurrentRecord, blockIndex int, block ContentBlock, data []byte) bool
}

// DefaultBlockHandler implements every BlockHandler callback as a no-op
// that continues. Embed it to implement only the callbacks you need.
type DefaultBlockHandler struct{}

func (DefaultBlockHandler) OnDataLayoutRead(*CurrentRecord, int, *DataLayout) bool { return true }
func (DefaultBlockHandler) OnImageRead(*CurrentRecord, int, ContentBlock, []byte) bool {
	return true
}
func (DefaultBlockHandler) OnAudioRead(*CurrentRecord, int, ContentBlock, []byte) bool {
	return true
}
func (DefaultBlockHandler) OnCustomBlockRead(*CurrentRecord, int, ContentBlock, []byte) bool {
	return true
}
func (DefaultBlockHandler) OnUnsupportedBlock(*CurrentRecord, int, ContentBlock, []byte) bool {
	// Reading and discarding the block is the default.
	return true
}

// RecordFormatStreamPlayer dispatches records block by block, consulting
// the stream's record format for (record type, format version) and
// resolving data layouts from the stream's internal tags.
type RecordFormatStreamPlayer struct {
	handler BlockHandler
	logger  *slog.Logger

	reader   *RecordFileReader
	streamID StreamID
	formats  RecordFormatMap
	layouts  map[layoutKey]*DataLayout
}

type layoutKey struct {
	recordType    RecordType
	formatVersion uint32
	blockIndex    int
}

// NewRecordFormatStreamPlayer wraps a block handler for attachment with
// SetStreamPlayer.
func NewRecordFormatStreamPlayer(handler BlockHandler) *RecordFormatStreamPlayer {
	return &RecordFormatStreamPlayer{
		handler: handler,
		logger:  slog.Default().With("component", "record_format_player"),
		layouts: map[layoutKey]*DataLayout{},
	}
}

// Attach binds the player to a reader's stream, resolving the stream's
// record formats. SetStreamPlayer does this automatically; call it
// directly when dispatching records with ReadRecordWith.
func (p *RecordFormatStreamPlayer) Attach(reader *RecordFileReader, id StreamID) {
	p.reader = reader
	p.streamID = id
	p.formats = reader.RecordFormats(id)
}

func (p *RecordFormatStreamPlayer) attach(reader *RecordFileReader, id StreamID) {
	p.Attach(reader, id)
}

// ProcessRecordHeader accepts every record into a reader-allocated
// buffer.
func (p *RecordFormatStreamPlayer) ProcessRecordHeader(*CurrentRecord, *DataReference) bool {
	return true
}

// ProcessRecord walks the record's content blocks in order, invoking the
// per-kind callbacks. Unknown-size blocks are allowed only when the
// remaining blocks have known sizes.
func (p *RecordFormatStreamPlayer) ProcessRecord(record *CurrentRecord, payload []byte) {
	format, ok := p.formats[RecordFormatKey{RecordType: record.RecordType, FormatVersion: record.FormatVersion}]
	if !ok {
		block := NewCustomBlock("")
		p.handler.OnUnsupportedBlock(record, 0, block, payload)
		return
	}
	offset := 0
	used := format.UsedBlockCount()
	for blockIndex := 0; blockIndex < used; blockIndex++ {
		block := format.Block(blockIndex)
		remaining := len(payload) - offset
		var size int
		if block.Type() == ContentTypeDataLayout {
			layout := p.layoutFor(record, blockIndex)
			if layout == nil {
				p.logger.Warn("No data layout for block, skipping rest of record",
					"stream", record.StreamID, "recordType", record.RecordType,
					"formatVersion", record.FormatVersion, "block", blockIndex)
				p.handler.OnUnsupportedBlock(record, blockIndex, block, payload[offset:])
				return
			}
			var err error
			size, err = layoutImageSize(layout, payload[offset:])
			if err != nil {
				p.logger.Warn("Bad data layout image", "block", blockIndex, "error", err)
				p.handler.OnUnsupportedBlock(record, blockIndex, block, payload[offset:])
				return
			}
			if err := layout.ReadFrom(payload[offset : offset+size]); err != nil {
				p.handler.OnUnsupportedBlock(record, blockIndex, block, payload[offset:])
				return
			}
			if !p.handler.OnDataLayoutRead(record, blockIndex, layout) {
				return
			}
			offset += size
			continue
		}
		size = format.BlockSizeInRecord(blockIndex, remaining)
		if size == ContentSizeUnknown {
			if !p.handler.OnUnsupportedBlock(record, blockIndex, block, payload[offset:]) {
				return
			}
			return // the rest of the payload was consumed
		}
		data := payload[offset : offset+size]
		cont := true
		switch block.Type() {
		case ContentTypeImage:
			cont = p.handler.OnImageRead(record, blockIndex, block.WithSize(size), data)
		case ContentTypeAudio:
			cont = p.handler.OnAudioRead(record, blockIndex, block.WithSize(size), data)
		case ContentTypeCustom:
			cont = p.handler.OnCustomBlockRead(record, blockIndex, block.WithSize(size), data)
		case ContentTypeEmpty:
			// nothing to deliver
		default:
			cont = p.handler.OnUnsupportedBlock(record, blockIndex, block.WithSize(size), data)
		}
		if !cont {
			return
		}
		offset += size
	}
}

func (p *RecordFormatStreamPlayer) layoutFor(record *CurrentRecord, blockIndex int) *DataLayout {
	key := layoutKey{recordType: record.RecordType, formatVersion: record.FormatVersion, blockIndex: blockIndex}
	if layout, ok := p.layouts[key]; ok {
		return layout
	}
	var layout *DataLayout
	if p.reader != nil {
		if tags := p.reader.StreamTags(p.streamID); tags != nil {
			layout = GetDataLayout(tags.VRS, record.RecordType, record.FormatVersion, blockIndex)
		}
	}
	p.layouts[key] = layout // negative results cached too
	return layout
}

// layoutImageSize computes the byte size of a data layout block inside a
// record: the fixed region plus the variable region extent from the var
// index.
func layoutImageSize(layout *DataLayout, data []byte) (int, error) {
	fixed := layout.FixedDataSize()
	if len(data) < fixed {
		return 0, fmt.Errorf("data layout block truncated: %d bytes, need %d fixed", len(data), fixed)
	}
	varCount := layout.varPieceCount()
	varSize := 0
	indexOffset := fixed - varCount*varIndexEntrySize
	for i := 0; i < varCount; i++ {
		pieceOffset := int(binary.LittleEndian.Uint32(data[indexOffset:]))
		pieceLength := int(binary.LittleEndian.Uint32(data[indexOffset+4:]))
		if end := pieceOffset + pieceLength; end > varSize {
			varSize = end
		}
		indexOffset += varIndexEntrySize
	}
	if fixed+varSize > len(data) {
		return 0, fmt.Errorf("data layout var region overruns the record")
	}
	return fixed + varSize, nil
}
