package utils

import (
	"fmt"
	"strconv"

	vrs "github.com/Spatial-NVR/govrs"
)

// CopyOptions controls a copy pass. Build with NewCopyOptions so the
// unset compression preset means "keep the writer default" rather than
// "store uncompressed".
type CopyOptions struct {
	Filter *RecordFilter
	// CompressionPreset for the output; Undefined keeps the default.
	CompressionPreset vrs.CompressionPreset
	MaxChunkSizeMB    int
	ChunkHandler      vrs.NewChunkHandler
	// PreallocateIndex reserves space for the output's index up front,
	// so the result can be streamed forward-only.
	PreallocateIndex bool
	// FileTags are merged over the source's file tags in the output.
	FileTags map[string]string
}

// flush the writer's queue every so many copied records.
const copyFlushInterval = 256

// NewCopyOptions returns options that keep the writer's compression
// default.
func NewCopyOptions() *CopyOptions {
	return &CopyOptions{CompressionPreset: vrs.CompressionPresetUndefined}
}

// Copier mirrors one stream's records onto a writer, byte for byte.
type Copier struct {
	Target *vrs.Recordable
}

// NewCopier creates the mirror stream of a source stream: same type,
// same tags, plus the source instance id recorded in the internal tags.
func NewCopier(reader *vrs.RecordFileReader, source vrs.StreamID) *Copier {
	target := vrs.NewRecordable(source.Type)
	target.CopyTags(reader.StreamTags(source))
	target.SetVRSTag(vrs.OriginalInstanceIDTagName, strconv.Itoa(int(source.Instance)))
	return &Copier{Target: target}
}

// ProcessRecordHeader accepts every record.
func (c *Copier) ProcessRecordHeader(*vrs.CurrentRecord, *vrs.DataReference) bool { return true }

// ProcessRecord re-creates the record on the mirror stream with the same
// timestamp, type, format version, and payload bytes.
func (c *Copier) ProcessRecord(record *vrs.CurrentRecord, payload []byte) {
	c.Target.CreateRecord(record.Timestamp, record.RecordType, record.FormatVersion, vrs.NewDataSource(payload))
}

// Copy copies a file's selected streams and records to outputPath,
// preserving stream order and tags, file tags, and per-record
// (timestamp, type, format version, payload bytes).
func Copy(reader *vrs.RecordFileReader, outputPath string, opts *CopyOptions) error {
	if opts == nil {
		opts = NewCopyOptions()
	}
	fr := NewFilteredReader(reader, opts.Filter)

	writer := vrs.NewRecordFileWriter()
	for name, value := range reader.Tags() {
		writer.SetTag(name, value)
	}
	for name, value := range opts.FileTags {
		writer.SetTag(name, value)
	}

	copiers := map[vrs.StreamID]*Copier{}
	for _, id := range reader.Streams() {
		if len(fr.Filter.Streams) > 0 && !fr.Filter.Streams[id] {
			continue
		}
		copier := NewCopier(reader, id)
		if err := writer.AddRecordable(copier.Target); err != nil {
			return err
		}
		copiers[id] = copier
	}
	if opts.CompressionPreset != vrs.CompressionPresetUndefined {
		writer.SetCompressionPreset(opts.CompressionPreset)
	}
	if opts.PreallocateIndex {
		writer.PreallocateIndex(preliminaryIndex(reader))
	}

	var err error
	if opts.MaxChunkSizeMB > 0 || opts.ChunkHandler != nil {
		err = writer.CreateChunkedFile(outputPath, opts.MaxChunkSizeMB, opts.ChunkHandler)
	} else {
		err = writer.CreateFile(outputPath)
	}
	if err != nil {
		return err
	}

	copied := 0
	lastTimestamp := 0.0
	err = fr.IterateSelected(func(entry *vrs.IndexEntry, _ bool) error {
		copier, ok := copiers[entry.StreamID]
		if !ok {
			return nil
		}
		if err := reader.ReadRecordWith(entry, copier); err != nil {
			return err
		}
		lastTimestamp = entry.Timestamp
		copied++
		if copied%copyFlushInterval == 0 {
			writer.WaitForBackgroundQueue()
			return writer.WriteRecordsAsync(lastTimestamp)
		}
		return nil
	})
	if closeErr := writer.CloseFile(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("copy to %s: %w", outputPath, err)
	}
	return nil
}

// preliminaryIndex converts a reader's index to the (timestamp, size,
// stream, type) form the writer's index preallocation expects. Sizes are
// estimated from offset gaps.
func preliminaryIndex(reader *vrs.RecordFileReader) []vrs.IndexEntry {
	index := reader.Index()
	preliminary := make([]vrs.IndexEntry, len(index))
	for i := range index {
		size := int64(0)
		if i+1 < len(index) {
			size = index[i+1].FileOffset - index[i].FileOffset
		} else {
			size = reader.TotalSize() - index[i].FileOffset
		}
		preliminary[i] = vrs.IndexEntry{
			Timestamp:  index[i].Timestamp,
			FileOffset: size, // sizes travel in FileOffset for preallocation
			StreamID:   index[i].StreamID,
			RecordType: index[i].RecordType,
		}
	}
	return preliminary
}

// RewriteHooks lets a filtered copy rewrite record content per block.
// A nil hook leaves that block kind untouched.
type RewriteHooks struct {
	// DataLayout may mutate the layout in place before it is
	// re-serialized.
	DataLayout func(record *vrs.CurrentRecord, blockIndex int, layout *vrs.DataLayout)
	// Image, Audio, and Custom return replacement bytes, or nil to keep
	// the block unchanged.
	Image  func(record *vrs.CurrentRecord, blockIndex int, block vrs.ContentBlock, data []byte) []byte
	Audio  func(record *vrs.CurrentRecord, blockIndex int, block vrs.ContentBlock, data []byte) []byte
	Custom func(record *vrs.CurrentRecord, blockIndex int, block vrs.ContentBlock, data []byte) []byte
}

// FilterCopier mirrors one stream while re-running record format
// dispatch, letting hooks rewrite data layout fields, images, and audio
// before the payload is reassembled from the ordered blocks.
type FilterCopier struct {
	Target *vrs.Recordable
	hooks  *RewriteHooks

	player *vrs.RecordFormatStreamPlayer
	chunks [][]byte
}

// NewFilterCopier builds the mirror stream and its block rewriter.
func NewFilterCopier(reader *vrs.RecordFileReader, source vrs.StreamID, hooks *RewriteHooks) *FilterCopier {
	if hooks == nil {
		hooks = &RewriteHooks{}
	}
	copier := &FilterCopier{hooks: hooks}
	copier.Target = vrs.NewRecordable(source.Type)
	copier.Target.CopyTags(reader.StreamTags(source))
	copier.Target.SetVRSTag(vrs.OriginalInstanceIDTagName, strconv.Itoa(int(source.Instance)))
	copier.player = vrs.NewRecordFormatStreamPlayer(&filterCopierBlocks{copier: copier})
	return copier
}

// attachTo binds the block player to the source stream's formats.
func (c *FilterCopier) attachTo(reader *vrs.RecordFileReader, source vrs.StreamID) {
	c.player.Attach(reader, source)
}

// ProcessRecordHeader accepts every record.
func (c *FilterCopier) ProcessRecordHeader(record *vrs.CurrentRecord, data *vrs.DataReference) bool {
	return c.player.ProcessRecordHeader(record, data)
}

// ProcessRecord runs block dispatch, then writes the reassembled record.
func (c *FilterCopier) ProcessRecord(record *vrs.CurrentRecord, payload []byte) {
	c.chunks = c.chunks[:0]
	c.player.ProcessRecord(record, payload)
	var rebuilt []byte
	for _, chunk := range c.chunks {
		rebuilt = append(rebuilt, chunk...)
	}
	c.Target.CreateRecord(record.Timestamp, record.RecordType, record.FormatVersion, vrs.NewDataSource(rebuilt))
}

// filterCopierBlocks routes block callbacks through the rewrite hooks
// and collects the output chunks.
type filterCopierBlocks struct {
	copier *FilterCopier
}

func (b *filterCopierBlocks) OnDataLayoutRead(record *vrs.CurrentRecord, blockIndex int, layout *vrs.DataLayout) bool {
	if b.copier.hooks.DataLayout != nil {
		b.copier.hooks.DataLayout(record, blockIndex, layout)
	}
	layout.CollectVariableDataAndUpdateIndex()
	image := make([]byte, layout.TotalByteSize())
	layout.WriteTo(image)
	b.copier.chunks = append(b.copier.chunks, image)
	return true
}

func (b *filterCopierBlocks) OnImageRead(record *vrs.CurrentRecord, blockIndex int, block vrs.ContentBlock, data []byte) bool {
	b.keep(b.rewrite(b.copier.hooks.Image, record, blockIndex, block, data))
	return true
}

func (b *filterCopierBlocks) OnAudioRead(record *vrs.CurrentRecord, blockIndex int, block vrs.ContentBlock, data []byte) bool {
	b.keep(b.rewrite(b.copier.hooks.Audio, record, blockIndex, block, data))
	return true
}

func (b *filterCopierBlocks) OnCustomBlockRead(record *vrs.CurrentRecord, blockIndex int, block vrs.ContentBlock, data []byte) bool {
	b.keep(b.rewrite(b.copier.hooks.Custom, record, blockIndex, block, data))
	return true
}

func (b *filterCopierBlocks) OnUnsupportedBlock(_ *vrs.CurrentRecord, _ int, _ vrs.ContentBlock, data []byte) bool {
	b.keep(data)
	return true
}

func (b *filterCopierBlocks) rewrite(hook func(*vrs.CurrentRecord, int, vrs.ContentBlock, []byte) []byte, record *vrs.CurrentRecord, blockIndex int, block vrs.ContentBlock, data []byte) []byte {
	if hook != nil {
		if replacement := hook(record, blockIndex, block, data); replacement != nil {
			return replacement
		}
	}
	return data
}

func (b *filterCopierBlocks) keep(data []byte) {
	chunk := make([]byte, len(data))
	copy(chunk, data)
	b.copier.chunks = append(b.copier.chunks, chunk)
}

// CopyFiltered copies like Copy, but re-runs record format dispatch and
// applies the rewrite hooks to every decoded block.
func CopyFiltered(reader *vrs.RecordFileReader, outputPath string, opts *CopyOptions, hooks *RewriteHooks) error {
	if opts == nil {
		opts = NewCopyOptions()
	}
	fr := NewFilteredReader(reader, opts.Filter)

	writer := vrs.NewRecordFileWriter()
	for name, value := range reader.Tags() {
		writer.SetTag(name, value)
	}
	for name, value := range opts.FileTags {
		writer.SetTag(name, value)
	}
	copiers := map[vrs.StreamID]*FilterCopier{}
	for _, id := range reader.Streams() {
		if len(fr.Filter.Streams) > 0 && !fr.Filter.Streams[id] {
			continue
		}
		copier := NewFilterCopier(reader, id, hooks)
		if err := writer.AddRecordable(copier.Target); err != nil {
			return err
		}
		copier.attachTo(reader, id)
		copiers[id] = copier
	}
	if opts.CompressionPreset != vrs.CompressionPresetUndefined {
		writer.SetCompressionPreset(opts.CompressionPreset)
	}
	var err error
	if opts.MaxChunkSizeMB > 0 || opts.ChunkHandler != nil {
		err = writer.CreateChunkedFile(outputPath, opts.MaxChunkSizeMB, opts.ChunkHandler)
	} else {
		err = writer.CreateFile(outputPath)
	}
	if err != nil {
		return err
	}
	copied := 0
	err = fr.IterateSelected(func(entry *vrs.IndexEntry, _ bool) error {
		copier, ok := copiers[entry.StreamID]
		if !ok {
			return nil
		}
		if err := reader.ReadRecordWith(entry, copier); err != nil {
			return err
		}
		copied++
		if copied%copyFlushInterval == 0 {
			writer.WaitForBackgroundQueue()
			return writer.WriteRecordsAsync(entry.Timestamp)
		}
		return nil
	})
	if closeErr := writer.CloseFile(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("filtered copy to %s: %w", outputPath, err)
	}
	return nil
}
