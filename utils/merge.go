package utils

import (
	"container/heap"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	vrs "github.com/Spatial-NVR/govrs"
)

// MergeOptions controls a merge pass.
type MergeOptions struct {
	// MergeStreams matches streams across files by (type, position
	// within type) and merges their records into one output stream.
	// Off, every input stream becomes its own output stream.
	MergeStreams      bool
	Filter            *RecordFilter
	CompressionPreset vrs.CompressionPreset
}

// Merge copies the records of several recordings into one output file,
// in global timestamp order.
func Merge(readers []*vrs.RecordFileReader, outputPath string, opts *MergeOptions) error {
	if len(readers) == 0 {
		return fmt.Errorf("merge: no input files")
	}
	if opts == nil {
		opts = &MergeOptions{CompressionPreset: vrs.CompressionPresetUndefined}
	}
	logger := slog.Default().With("component", "merge")

	writer := vrs.NewRecordFileWriter()
	mergeFileTags(writer, readers, logger)

	// streamKey identifies a mergeable stream across files.
	type streamKey struct {
		typeID   vrs.RecordableTypeID
		position int
	}
	targets := map[streamKey]*Copier{}
	copiers := make([]map[vrs.StreamID]*Copier, len(readers))
	for i, reader := range readers {
		copiers[i] = map[vrs.StreamID]*Copier{}
		positions := map[vrs.RecordableTypeID]int{}
		for _, id := range reader.Streams() {
			key := streamKey{typeID: id.Type, position: positions[id.Type]}
			positions[id.Type]++
			if opts.MergeStreams {
				if existing, ok := targets[key]; ok {
					mergeStreamTags(existing.Target, reader.StreamTags(id), logger)
					copiers[i][id] = existing
					continue
				}
			}
			copier := NewCopier(reader, id)
			if err := writer.AddRecordable(copier.Target); err != nil {
				return err
			}
			if opts.MergeStreams {
				targets[key] = copier
			}
			copiers[i][id] = copier
		}
	}
	if opts.CompressionPreset != vrs.CompressionPresetUndefined {
		writer.SetCompressionPreset(opts.CompressionPreset)
	}
	if err := writer.CreateFile(outputPath); err != nil {
		return err
	}

	// K-way merge of the input indexes by (timestamp, input, position).
	// Each input gets its own filter instance, so relative time ranges
	// and decimation state resolve per file.
	merge := mergeHeap{}
	filters := make([]*RecordFilter, len(readers))
	for i, reader := range readers {
		filters[i] = cloneFilter(opts.Filter)
		filters[i].resolve(reader)
		if index := reader.Index(); len(index) > 0 {
			merge = append(merge, &mergeCursor{reader: reader, input: i, index: index})
		}
	}
	heap.Init(&merge)
	copied := 0
	var err error
	for merge.Len() > 0 && err == nil {
		cur := merge[0]
		entry := &cur.index[cur.pos]
		cur.pos++
		if cur.pos < len(cur.index) {
			heap.Fix(&merge, 0)
		} else {
			heap.Pop(&merge)
		}
		filter := filters[cur.input]
		if !filter.match(entry) {
			continue
		}
		copier := copiers[cur.input][entry.StreamID]
		if copier == nil {
			continue
		}
		if readErr := cur.reader.ReadRecordWith(entry, copier); readErr != nil {
			err = readErr
			break
		}
		copied++
		if copied%copyFlushInterval == 0 {
			writer.WaitForBackgroundQueue()
			if writeErr := writer.WriteRecordsAsync(entry.Timestamp); writeErr != nil {
				err = writeErr
				break
			}
		}
	}
	if closeErr := writer.CloseFile(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("merge to %s: %w", outputPath, err)
	}
	logger.Info("Merge complete", "inputs", len(readers), "records", copied)
	return nil
}

// cloneFilter copies a filter's configuration so per-input state stays
// independent.
func cloneFilter(filter *RecordFilter) *RecordFilter {
	clone := NewRecordFilter()
	if filter == nil {
		return clone
	}
	for id := range filter.Streams {
		clone.Streams[id] = true
	}
	for recordType := range filter.Types {
		clone.Types[recordType] = true
	}
	clone.MinTime, clone.MaxTime = filter.MinTime, filter.MaxTime
	clone.MinTimeRelativeToBegin = filter.MinTimeRelativeToBegin
	clone.MaxTimeRelativeToEnd = filter.MaxTimeRelativeToEnd
	clone.BucketInterval = filter.BucketInterval
	if filter.DecimateInterval != nil {
		clone.DecimateInterval = map[vrs.StreamID]float64{}
		for id, interval := range filter.DecimateInterval {
			clone.DecimateInterval[id] = interval
		}
	}
	return clone
}

type mergeCursor struct {
	reader *vrs.RecordFileReader
	input  int
	index  []vrs.IndexEntry
	pos    int
}

type mergeHeap []*mergeCursor

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := &h[i].index[h[i].pos], &h[j].index[h[j].pos]
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	if h[i].input != h[j].input {
		return h[i].input < h[j].input
	}
	return a.Before(b)
}
func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)   { *h = append(*h, x.(*mergeCursor)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// mergeFileTags reconciles the inputs' file tags: identical values
// collapse, conflicting values get renamed "<key>_merged[-N]".
func mergeFileTags(writer *vrs.RecordFileWriter, readers []*vrs.RecordFileReader, logger *slog.Logger) {
	merged := map[string]string{}
	for _, reader := range readers {
		for key, value := range reader.Tags() {
			existing, ok := merged[key]
			if !ok {
				merged[key] = value
				continue
			}
			if existing == value {
				continue
			}
			renamed := mergedTagName(merged, key)
			merged[renamed] = value
			logger.Warn("Conflicting file tag renamed", "tag", key, "renamed", renamed)
		}
	}
	for key, value := range merged {
		writer.SetTag(key, value)
	}
}

// mergeStreamTags folds another stream's tags into a merge target:
// identical user values collapse, conflicts are renamed, internal vrs
// tags never overwrite and conflicts are only warned about.
func mergeStreamTags(target *vrs.Recordable, tags *vrs.StreamTags, logger *slog.Logger) {
	if tags == nil {
		return
	}
	existing := target.Tags()
	for key, value := range tags.User {
		current, ok := existing.User[key]
		switch {
		case !ok:
			target.SetTag(key, value)
		case current != value:
			renamed := mergedTagName(existing.User, key)
			target.SetTag(renamed, value)
			logger.Warn("Conflicting stream tag renamed", "tag", key, "renamed", renamed)
		}
	}
	for key, value := range tags.VRS {
		current, ok := existing.VRS[key]
		switch {
		case !ok:
			target.SetVRSTag(key, value)
		case current != value:
			logger.Warn("Conflicting internal tag kept from first input", "tag", key)
		}
	}
}

func mergedTagName(taken map[string]string, key string) string {
	return nextFreeName(key, func(name string) bool { _, used := taken[name]; return used })
}

func nextFreeName(key string, used func(string) bool) string {
	name := key + "_merged"
	for n := 2; used(name); n++ {
		var b strings.Builder
		b.WriteString(key)
		b.WriteString("_merged-")
		b.WriteString(strconv.Itoa(n))
		name = b.String()
	}
	return name
}
