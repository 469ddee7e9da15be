package vrs

import (
	"sync"
	"time"
)

const (
	// Over 1 KiB of data? Release and relock the manager while copying.
	unlockToCopySizeLimit = 1024
	defaultMaxCacheSize   = 50
	// Cached records idle past this age get reused regardless of fit.
	maxCycledRecordAge = time.Second
)

// RecordManager owns one stream's records on the producer side: a
// timestamp-ordered active list waiting to be collected by the writer,
// and a cache of recycled records whose buffers get reused.
type RecordManager struct {
	mu sync.Mutex

	compression              CompressionPreset
	maxCacheSize             int
	minBytesOverAllocation   int
	minPercentOverAllocation int
	creationOrder            uint64

	active []*Record // always sorted by timestamp, oldest first
	cache  []*Record // most recently recycled first
}

// NewRecordManager returns a manager with the default compression preset
// and cache size.
func NewRecordManager() *RecordManager {
	return &RecordManager{
		compression:  CompressionPresetDefault,
		maxCacheSize: defaultMaxCacheSize,
	}
}

// SetCompressionPreset selects the preset used when this stream's
// records are written.
func (m *RecordManager) SetCompressionPreset(preset CompressionPreset) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.compression = preset
}

// CompressionPreset returns the stream's current preset.
func (m *RecordManager) CompressionPreset() CompressionPreset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compression
}

// SetMaxCacheSize bounds the number of recycled records kept for reuse.
func (m *RecordManager) SetMaxCacheSize(size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.maxCacheSize = size
	for len(m.cache) > size {
		m.cache = m.cache[:len(m.cache)-1]
	}
}

// SetOverAllocation configures how much extra capacity buffers get when
// they must grow, to reduce reallocations. When both minimums are set,
// the smaller wins.
func (m *RecordManager) SetOverAllocation(minBytes, minPercent int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.minBytesOverAllocation = minBytes
	m.minPercentOverAllocation = minPercent
}

// acceptableOverCapacity returns the capacity to allocate for a needed
// size, per the over-allocation policy.
func (m *RecordManager) acceptableOverCapacity(needed int) int {
	byBytes := needed + m.minBytesOverAllocation
	byPercent := needed + needed*m.minPercentOverAllocation/100
	switch {
	case m.minBytesOverAllocation > 0 && m.minPercentOverAllocation > 0:
		return min(byBytes, byPercent)
	case m.minBytesOverAllocation > 0:
		return byBytes
	case m.minPercentOverAllocation > 0:
		return byPercent
	}
	return needed
}

// CreateRecord builds a record from the data source and inserts it in
// the stream's active list, kept sorted by timestamp. Records with equal
// timestamps keep insertion order. The copy runs outside the lock for
// payloads of 1 KiB and more.
func (m *RecordManager) CreateRecord(timestamp float64, recordType RecordType, formatVersion uint32, data *DataSource) *Record {
	m.mu.Lock()
	dataSize := data.Size()
	// Reuse the most recently recycled record whose capacity fits within
	// a 20% margin; recently used buffers are less likely to be cold.
	maxSize := dataSize + dataSize/5
	var record *Record
	for i, cached := range m.cache {
		capacity := cap(cached.buffer)
		if capacity >= dataSize && capacity <= maxSize {
			record = cached
			m.cache = append(m.cache[:i], m.cache[i+1:]...)
			break
		}
	}
	// No fit: reuse the oldest cached record anyway if the cache is full
	// or that record has been idle a while.
	if record == nil && len(m.cache) > 0 {
		oldest := m.cache[len(m.cache)-1]
		if len(m.cache) >= m.maxCacheSize || time.Since(oldest.recycledAt) > maxCycledRecordAge {
			record = oldest
			m.cache = m.cache[:len(m.cache)-1]
		}
	}
	m.creationOrder++
	order := m.creationOrder
	largeData := dataSize >= unlockToCopySizeLimit
	if largeData {
		m.mu.Unlock()
	}
	if record == nil {
		record = &Record{manager: m}
	}
	record.set(timestamp, recordType, formatVersion, data, order)
	if largeData {
		m.mu.Lock()
	}
	// Insert sorted. The fast path is an append, since producers mostly
	// emit with monotone timestamps.
	if n := len(m.active); n == 0 || m.active[n-1].timestamp <= timestamp {
		m.active = append(m.active, record)
	} else {
		i := len(m.active) - 1
		for i > 0 && timestamp < m.active[i-1].timestamp {
			i--
		}
		m.active = append(m.active, nil)
		copy(m.active[i+1:], m.active[i:])
		m.active[i] = record
	}
	m.mu.Unlock()
	return record
}

// PurgeOldRecords discards active records older than the cutoff, keeping
// the most recent configuration record, the most recent state record,
// and every tags record. Returns the number of records discarded.
func (m *RecordManager) PurgeOldRecords(cutoff float64, recycleBuffers bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var lastState, lastConfiguration *Record
	var kept []*Record
	count := 0
	i := 0
	for i < len(m.active) && m.active[i].timestamp < cutoff {
		record := m.active[i]
		i++
		switch record.recordType {
		case RecordTypeState:
			if lastState != nil {
				m.discard(lastState, recycleBuffers)
				count++
			}
			lastState = record
		case RecordTypeConfiguration:
			if lastConfiguration != nil {
				m.discard(lastConfiguration, recycleBuffers)
				count++
			}
			lastConfiguration = record
		case RecordTypeTags:
			kept = append(kept, record)
		default:
			m.discard(record, recycleBuffers)
			count++
		}
	}
	if lastConfiguration != nil {
		kept = append(kept, lastConfiguration)
	}
	if lastState != nil {
		kept = append(kept, lastState)
	}
	if len(kept) > 0 {
		// Retained records keep their original timestamps; re-sort them
		// ahead of the survivors.
		sortRecordsByTimestamp(kept)
		m.active = append(kept, m.active[i:]...)
	} else {
		m.active = m.active[i:]
	}
	return count
}

// CollectOldRecords splices every active record older than the cutoff
// into out, preserving order.
func (m *RecordManager) CollectOldRecords(cutoff float64, out *[]*Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := 0
	for i < len(m.active) && m.active[i].timestamp < cutoff {
		i++
	}
	if i > 0 {
		*out = append(*out, m.active[:i]...)
		m.active = append(m.active[:0:0], m.active[i:]...)
	}
}

// ActiveRecordCount returns the number of records waiting for collection.
func (m *RecordManager) ActiveRecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// CacheSize returns the number of recycled records held for reuse.
func (m *RecordManager) CacheSize() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// PurgeCache drops every recycled record.
func (m *RecordManager) PurgeCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = nil
}

// recycle returns a record to the cache, newest first, or drops it when
// the cache is at capacity.
func (m *RecordManager) recycle(record *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cacheLocked(record)
}

func (m *RecordManager) cacheLocked(record *Record) {
	if len(m.cache) >= m.maxCacheSize {
		return
	}
	record.recycledAt = time.Now()
	m.cache = append(m.cache, nil)
	copy(m.cache[1:], m.cache)
	m.cache[0] = record
}

func (m *RecordManager) discard(record *Record, recycleBuffers bool) {
	if recycleBuffers {
		m.cacheLocked(record)
	}
}

func sortRecordsByTimestamp(records []*Record) {
	// Insertion sort: the slice is tiny (retained config/state/tags) and
	// nearly sorted already.
	for i := 1; i < len(records); i++ {
		for j := i; j > 0 && recordBefore(records[j], records[j-1]); j-- {
			records[j], records[j-1] = records[j-1], records[j]
		}
	}
}

func recordBefore(a, b *Record) bool {
	if a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	return a.creationOrder < b.creationOrder
}
