// Package utils provides the filtering, copy, merge, and validation
// passes that operate on whole recordings through readers and writers.
package utils

import (
	"math"

	vrs "github.com/Spatial-NVR/govrs"
)

// RecordFilter selects a subset of a file's records: by stream, by
// record type, by time range (absolute, or relative to the file's begin
// and end), with optional per-stream decimation.
type RecordFilter struct {
	Streams map[vrs.StreamID]bool  // empty means every stream
	Types   map[vrs.RecordType]bool // empty means every type

	MinTime, MaxTime float64
	// When set, MinTime/MaxTime are offsets from the first/last
	// record of the index instead of absolute timestamps.
	MinTimeRelativeToBegin bool
	MaxTimeRelativeToEnd   bool

	// DecimateInterval keeps at most one data record per stream per
	// interval of seconds.
	DecimateInterval map[vrs.StreamID]float64
	// BucketInterval, when non-zero, snaps decimation windows to
	// multiples of the interval so parallel streams stay aligned.
	BucketInterval float64

	resolvedMin, resolvedMax float64
	lastKept                 map[vrs.StreamID]float64
}

// NewRecordFilter selects everything.
func NewRecordFilter() *RecordFilter {
	return &RecordFilter{
		Streams:  map[vrs.StreamID]bool{},
		Types:    map[vrs.RecordType]bool{},
		MinTime:  math.Inf(-1),
		MaxTime:  math.Inf(1),
	}
}

// AddStream restricts the filter to the given stream (cumulative).
func (f *RecordFilter) AddStream(id vrs.StreamID) *RecordFilter {
	f.Streams[id] = true
	return f
}

// AddType restricts the filter to the given record type (cumulative).
func (f *RecordFilter) AddType(recordType vrs.RecordType) *RecordFilter {
	f.Types[recordType] = true
	return f
}

// SetTimeRange restricts the filter to [minTime, maxTime].
func (f *RecordFilter) SetTimeRange(minTime, maxTime float64) *RecordFilter {
	f.MinTime, f.MaxTime = minTime, maxTime
	return f
}

// resolve computes the absolute time range against a file's index.
func (f *RecordFilter) resolve(reader *vrs.RecordFileReader) {
	f.resolvedMin, f.resolvedMax = f.MinTime, f.MaxTime
	index := reader.Index()
	if len(index) > 0 {
		if f.MinTimeRelativeToBegin {
			f.resolvedMin = index[0].Timestamp + f.MinTime
		}
		if f.MaxTimeRelativeToEnd {
			f.resolvedMax = index[len(index)-1].Timestamp + f.MaxTime
		}
	}
	f.lastKept = map[vrs.StreamID]float64{}
}

// match applies the stream, type, and time predicates.
func (f *RecordFilter) match(entry *vrs.IndexEntry) bool {
	if len(f.Streams) > 0 && !f.Streams[entry.StreamID] {
		return false
	}
	if len(f.Types) > 0 && !f.Types[entry.RecordType] {
		return false
	}
	if entry.Timestamp < f.resolvedMin || entry.Timestamp > f.resolvedMax {
		return false
	}
	if entry.RecordType == vrs.RecordTypeData && f.DecimateInterval != nil {
		if interval, ok := f.DecimateInterval[entry.StreamID]; ok && interval > 0 {
			timestamp := entry.Timestamp
			if f.BucketInterval > 0 {
				timestamp = math.Floor(timestamp/f.BucketInterval) * f.BucketInterval
			}
			if last, seen := f.lastKept[entry.StreamID]; seen && timestamp < last+interval {
				return false
			}
			f.lastKept[entry.StreamID] = timestamp
		}
	}
	return true
}

// FilteredReader walks a reader's index through a filter.
type FilteredReader struct {
	Reader *vrs.RecordFileReader
	Filter *RecordFilter
}

// NewFilteredReader pairs a reader with a filter; a nil filter selects
// everything.
func NewFilteredReader(reader *vrs.RecordFileReader, filter *RecordFilter) *FilteredReader {
	if filter == nil {
		filter = NewRecordFilter()
	}
	return &FilteredReader{Reader: reader, Filter: filter}
}

// IterateSelected calls fn for every selected record, in index order.
// Before the first selected record, the most recent configuration and
// state records preceding the minimum timestamp are delivered with
// preroll=true, so handlers have their context.
func (fr *FilteredReader) IterateSelected(fn func(entry *vrs.IndexEntry, preroll bool) error) error {
	fr.Filter.resolve(fr.Reader)
	for _, entry := range fr.prerollEntries() {
		if err := fn(entry, true); err != nil {
			return err
		}
	}
	index := fr.Reader.Index()
	for i := range index {
		entry := &index[i]
		if !fr.Filter.match(entry) {
			continue
		}
		if err := fn(entry, false); err != nil {
			return err
		}
	}
	return nil
}

// prerollEntries finds, per selected stream, the most recent
// configuration and state records before the minimum timestamp.
func (fr *FilteredReader) prerollEntries() []*vrs.IndexEntry {
	minTime := fr.Filter.resolvedMin
	if math.IsInf(minTime, -1) {
		return nil
	}
	var preroll []*vrs.IndexEntry
	for _, id := range fr.Reader.Streams() {
		if len(fr.Filter.Streams) > 0 && !fr.Filter.Streams[id] {
			continue
		}
		var lastConfig, lastState *vrs.IndexEntry
		for _, entry := range fr.Reader.StreamIndex(id) {
			if entry.Timestamp >= minTime {
				break
			}
			switch entry.RecordType {
			case vrs.RecordTypeConfiguration:
				lastConfig = entry
			case vrs.RecordTypeState:
				lastState = entry
			}
		}
		if lastConfig != nil {
			preroll = append(preroll, lastConfig)
		}
		if lastState != nil {
			preroll = append(preroll, lastState)
		}
	}
	return preroll
}

// ReadSelected dispatches every selected record (preroll included) to
// the reader's attached stream players.
func (fr *FilteredReader) ReadSelected() error {
	return fr.IterateSelected(func(entry *vrs.IndexEntry, _ bool) error {
		return fr.Reader.ReadRecord(entry)
	})
}
