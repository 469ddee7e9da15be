package vrs

import (
	"sync"
)

// FlavorTagName is the internal tag carrying the flavor of streams built
// on a recordable class type id.
const FlavorTagName = "device_flavor"

// OriginalInstanceIDTagName records the stream's instance id in its
// source file when a stream is copied, since instance ids are not stable
// across files.
const OriginalInstanceIDTagName = "original_instance_id"

// Recordable is one producer of records. Create one per stream, register
// it on a writer with AddRecordable, then create records through it from
// any goroutine.
type Recordable struct {
	typeID RecordableTypeID

	mu      sync.Mutex
	id      StreamID
	tags    *StreamTags
	manager *RecordManager

	// Optional factories the writer invokes when the stream is attached
	// to a file already being written, so consumers get a configuration
	// and state context.
	configurationFactory func(*Recordable) *Record
	stateFactory         func(*Recordable) *Record
}

// NewRecordable creates a stream of a concrete recordable type.
func NewRecordable(typeID RecordableTypeID) *Recordable {
	return &Recordable{
		typeID:  typeID,
		tags:    NewStreamTags(),
		manager: NewRecordManager(),
	}
}

// NewFlavoredRecordable creates a stream of a recordable class type,
// specialized by a flavor stored in the stream's tags.
func NewFlavoredRecordable(typeID RecordableTypeID, flavor string) *Recordable {
	recordable := NewRecordable(typeID)
	if flavor != "" {
		recordable.tags.VRS[FlavorTagName] = flavor
	}
	return recordable
}

// TypeID returns the stream's recordable type.
func (r *Recordable) TypeID() RecordableTypeID { return r.typeID }

// StreamID returns the stream's id. The instance part is 0 until the
// stream is registered on a writer.
func (r *Recordable) StreamID() StreamID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

func (r *Recordable) setInstance(instance uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.id = StreamID{Type: r.typeID, Instance: instance}
}

// Flavor returns the stream's flavor, empty for concrete types.
func (r *Recordable) Flavor() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags.VRS[FlavorTagName]
}

// SetTag sets a user-visible stream tag. Tags set before the file is
// created travel in the description record. A stream attached after file
// creation gets a Tags record holding its tags at that point; tags set on
// an already-attached stream after file creation are not written.
func (r *Recordable) SetTag(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags.User[name] = value
}

// CopyTags merges another stream's tags into this one, user and internal
// maps alike. Used when mirroring a stream from an existing file.
func (r *Recordable) CopyTags(tags *StreamTags) {
	if tags == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range tags.User {
		r.tags.User[k] = v
	}
	for k, v := range tags.VRS {
		r.tags.VRS[k] = v
	}
}

// SetVRSTag sets an internal tag. Reserved for tooling; user data
// belongs in SetTag.
func (r *Recordable) SetVRSTag(name, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags.VRS[name] = value
}

// Tags returns a copy of the stream's tags.
func (r *Recordable) Tags() *StreamTags {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tags.Copy()
}

// AddRecordFormat registers how records of (recordType, formatVersion)
// should be decoded, with the data layout of every data_layout block.
// A data_layout block with no layout at its index is a specification
// error.
func (r *Recordable) AddRecordFormat(recordType RecordType, formatVersion uint32, format RecordFormat, layouts ...*DataLayout) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return AddRecordFormat(r.tags.VRS, recordType, formatVersion, format, layouts)
}

// Manager returns the stream's record manager.
func (r *Recordable) Manager() *RecordManager { return r.manager }

// SetCompressionPreset selects this stream's compression preset.
func (r *Recordable) SetCompressionPreset(preset CompressionPreset) {
	r.manager.SetCompressionPreset(preset)
}

// CreateRecord captures a record from the data source.
func (r *Recordable) CreateRecord(timestamp float64, recordType RecordType, formatVersion uint32, data *DataSource) *Record {
	return r.manager.CreateRecord(timestamp, recordType, formatVersion, data)
}

// SetConfigurationRecordFactory registers the callback producing the
// stream's configuration record on demand.
func (r *Recordable) SetConfigurationRecordFactory(factory func(*Recordable) *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configurationFactory = factory
}

// SetStateRecordFactory registers the callback producing the stream's
// state record on demand.
func (r *Recordable) SetStateRecordFactory(factory func(*Recordable) *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stateFactory = factory
}

func (r *Recordable) createConfigurationRecord() *Record {
	r.mu.Lock()
	factory := r.configurationFactory
	r.mu.Unlock()
	if factory == nil {
		return nil
	}
	return factory(r)
}

func (r *Recordable) createStateRecord() *Record {
	r.mu.Lock()
	factory := r.stateFactory
	r.mu.Unlock()
	if factory == nil {
		return nil
	}
	return factory(r)
}
