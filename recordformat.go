package vrs

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// RecordFormat is an ordered list of content block descriptors telling
// how to interpret the payload of records of a given (record type,
// format version) pair on a stream.
type RecordFormat struct {
	blocks []ContentBlock
}

// NewRecordFormat assembles a format from blocks.
func NewRecordFormat(blocks ...ContentBlock) RecordFormat {
	return RecordFormat{blocks: blocks}
}

// ParseRecordFormat parses a full descriptor, blocks separated by '+'.
func ParseRecordFormat(descriptor string) RecordFormat {
	var format RecordFormat
	for _, blockStr := range strings.Split(descriptor, "+") {
		format.blocks = append(format.blocks, ParseContentBlock(blockStr))
	}
	return format
}

// String renders the canonical descriptor form of the format.
func (f *RecordFormat) String() string {
	if len(f.blocks) == 0 {
		empty := NewEmptyBlock()
		return empty.String()
	}
	parts := make([]string, len(f.blocks))
	for i := range f.blocks {
		parts[i] = f.blocks[i].String()
	}
	return strings.Join(parts, "+")
}

// BlockCount returns the number of blocks, trailing empties included.
func (f *RecordFormat) BlockCount() int { return len(f.blocks) }

// UsedBlockCount returns the number of blocks, not counting empty blocks
// at the end.
func (f *RecordFormat) UsedBlockCount() int {
	for k := len(f.blocks); k > 0; k-- {
		if f.blocks[k-1].Type() != ContentTypeEmpty {
			return k
		}
	}
	return 0
}

// BlocksOfTypeCount counts the blocks of one content type.
func (f *RecordFormat) BlocksOfTypeCount(contentType ContentType) int {
	count := 0
	for i := range f.blocks {
		if f.blocks[i].Type() == contentType {
			count++
		}
	}
	return count
}

// Block returns the block at index; an empty block past the end.
func (f *RecordFormat) Block(index int) ContentBlock {
	if index < len(f.blocks) {
		return f.blocks[index]
	}
	return NewContentBlock(ContentTypeEmpty, ContentSizeUnknown)
}

// RecordSize sums the block sizes, or ContentSizeUnknown if any block's
// size cannot be known without a record.
func (f *RecordFormat) RecordSize() int {
	return f.RemainingBlocksSize(0)
}

// RemainingBlocksSize sums the sizes of the blocks from firstBlock on.
func (f *RecordFormat) RemainingBlocksSize(firstBlock int) int {
	size := 0
	for k := firstBlock; k < len(f.blocks); k++ {
		blockSize := f.blocks[k].BlockSize()
		if blockSize == ContentSizeUnknown {
			return ContentSizeUnknown
		}
		size += blockSize
	}
	return size
}

// BlockSizeInRecord resolves the byte size of one block given the bytes
// remaining in the record: a block of unknown size gets the residual
// after the known sizes of the blocks after it. Returns
// ContentSizeUnknown when the size cannot be resolved.
func (f *RecordFormat) BlockSizeInRecord(blockIndex, remainingSize int) int {
	blockSize := f.blocks[blockIndex].BlockSize()
	if blockSize != ContentSizeUnknown {
		if blockSize <= remainingSize {
			return blockSize
		}
		return ContentSizeUnknown
	}
	remainingBlocks := f.RemainingBlocksSize(blockIndex + 1)
	if remainingBlocks != ContentSizeUnknown && remainingBlocks <= remainingSize {
		return remainingSize - remainingBlocks
	}
	return ContentSizeUnknown
}

// ResolveBlockSizes walks the blocks in order for a record of totalSize
// bytes, and returns each block's resolved size. At most one block may
// have an unknown size, and the residual must not be negative.
func (f *RecordFormat) ResolveBlockSizes(totalSize int) ([]int, error) {
	sizes := make([]int, len(f.blocks))
	unknown := -1
	known := 0
	for i := range f.blocks {
		size := f.blocks[i].BlockSize()
		if size == ContentSizeUnknown {
			if unknown >= 0 {
				return nil, fmt.Errorf("more than one unknown-size block (blocks %d and %d)", unknown, i)
			}
			unknown = i
			continue
		}
		sizes[i] = size
		known += size
	}
	if unknown < 0 {
		if known != totalSize {
			return nil, fmt.Errorf("blocks sum to %d bytes, record has %d", known, totalSize)
		}
		return sizes, nil
	}
	if known > totalSize {
		return nil, fmt.Errorf("known blocks need %d bytes, record has only %d", known, totalSize)
	}
	sizes[unknown] = totalSize - known
	return sizes, nil
}

// Stream tag keys carrying record formats and data layouts use two
// reserved prefixes. Any other stream tag is user-visible.
const (
	recordFormatTagPrefix = "RF:"
	dataLayoutTagPrefix   = "DL:"
	tagFieldSeparator     = ":"
)

// RecordFormatTagName builds the stream tag key holding the format of
// (recordType, formatVersion) records.
func RecordFormatTagName(recordType RecordType, formatVersion uint32) string {
	return recordFormatTagPrefix + recordType.String() + tagFieldSeparator +
		strconv.FormatUint(uint64(formatVersion), 10)
}

// DataLayoutTagName builds the stream tag key holding the data layout
// definition of one block.
func DataLayoutTagName(recordType RecordType, formatVersion uint32, blockIndex int) string {
	return dataLayoutTagPrefix + recordType.String() + tagFieldSeparator +
		strconv.FormatUint(uint64(formatVersion), 10) + tagFieldSeparator +
		strconv.Itoa(blockIndex)
}

// ParseRecordFormatTagName recognizes "RF:<type>:<version>" tag keys.
func ParseRecordFormatTagName(tagName string) (RecordType, uint32, bool) {
	rest, ok := strings.CutPrefix(tagName, recordFormatTagPrefix)
	if !ok {
		return RecordTypeUndefined, 0, false
	}
	typeName, versionStr, ok := strings.Cut(rest, tagFieldSeparator)
	if !ok {
		return RecordTypeUndefined, 0, false
	}
	recordType := ParseRecordType(typeName)
	if recordType == RecordTypeUndefined {
		return RecordTypeUndefined, 0, false
	}
	version, err := strconv.ParseUint(versionStr, 10, 32)
	if err != nil {
		return RecordTypeUndefined, 0, false
	}
	return recordType, uint32(version), true
}

// RecordFormatMap indexes formats by (record type, format version).
type RecordFormatMap map[RecordFormatKey]RecordFormat

// RecordFormatKey identifies one record format of a stream.
type RecordFormatKey struct {
	RecordType    RecordType
	FormatVersion uint32
}

// AddRecordFormat registers a format and its data layouts in a stream's
// internal tag map. Every data_layout block must have a layout at its
// block index and vice versa; a mismatch is reported as an error after
// the tags have been written, so the registration is never silently
// lossy.
func AddRecordFormat(tags map[string]string, recordType RecordType, formatVersion uint32, format RecordFormat, layouts []*DataLayout) error {
	tags[RecordFormatTagName(recordType, formatVersion)] = format.String()
	for index, layout := range layouts {
		if layout != nil {
			tags[DataLayoutTagName(recordType, formatVersion, index)] = layout.AsJSON()
		}
	}
	var err error
	usedBlocks := format.UsedBlockCount()
	maxIndex := max(usedBlocks, len(layouts))
	for index := 0; index < maxIndex; index++ {
		block := format.Block(index)
		if index < usedBlocks && block.Type() == ContentTypeDataLayout {
			if index >= len(layouts) || layouts[index] == nil {
				slog.Error("Missing data layout definition",
					"recordType", recordType, "formatVersion", formatVersion, "block", index)
				err = fmt.Errorf("%w: %v v%d block %d", ErrMissingLayout, recordType, formatVersion, index)
			}
		} else if index < len(layouts) && layouts[index] != nil {
			slog.Error("Data layout definition provided for non-data-layout block",
				"recordType", recordType, "formatVersion", formatVersion, "block", index)
			if err == nil {
				err = fmt.Errorf("%w: layout at non-layout block %d", ErrMissingLayout, index)
			}
		}
	}
	return err
}

// GetRecordFormats extracts every record format registered in a tag map.
func GetRecordFormats(tags map[string]string) RecordFormatMap {
	formats := make(RecordFormatMap)
	for key, value := range tags {
		if recordType, version, ok := ParseRecordFormatTagName(key); ok {
			formatKey := RecordFormatKey{RecordType: recordType, FormatVersion: version}
			if _, exists := formats[formatKey]; !exists {
				formats[formatKey] = ParseRecordFormat(value)
			}
		}
	}
	return formats
}

// GetDataLayout reconstructs the layout registered for one block, or nil.
func GetDataLayout(tags map[string]string, recordType RecordType, formatVersion uint32, blockIndex int) *DataLayout {
	definition, ok := tags[DataLayoutTagName(recordType, formatVersion, blockIndex)]
	if !ok {
		return nil
	}
	layout, err := DataLayoutFromJSON(definition)
	if err != nil {
		slog.Error("Invalid data layout definition in stream tags",
			"recordType", recordType, "formatVersion", formatVersion, "block", blockIndex, "error", err)
		return nil
	}
	return layout
}
