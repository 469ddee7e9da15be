package vrs

import (
	"fmt"
	"sort"
	"sync"
)

// CachingStrategy hints how a handler should cache data. Handlers are
// free to ignore it.
type CachingStrategy int

const (
	CachingUndefined CachingStrategy = iota
	CachingPassive
	CachingStreaming
	CachingStreamingBidirectional
	CachingReleaseAfterRead
)

// FileHandler is the capability the engine uses for all physical I/O.
// A file is a logical sequence of one or more chunks; positions are
// absolute in the logical file, and SetPos and Read span chunks
// transparently.
//
// Implementations may cache. The engine never assumes thread safety
// beyond what the writer's orchestration enforces: a handler is used by
// one goroutine at a time.
type FileHandler interface {
	// Name identifies the handler implementation, for FileSpec routing.
	Name() string
	// OpenSpec opens the file designated by a spec, for reading.
	OpenSpec(spec *FileSpec) error
	IsOpened() bool
	Close() error

	// Read fills p entirely or returns an error. GetLastRWSize reports
	// the bytes actually moved, even on partial failure.
	Read(p []byte) error
	SetPos(pos int64) error
	GetPos() int64
	GetTotalSize() int64
	IsEOF() bool
	GetLastRWSize() int

	// GetChunkRange returns the absolute offset and size of the chunk
	// containing the current position.
	GetChunkRange() (offset, size int64, err error)
	// GetCurrentChunk returns the path and index of the current chunk.
	GetCurrentChunk() (path string, index int)

	// PrefetchRecordSequence hints the upcoming read offsets. Handlers
	// may ignore it; returns whether the hint was accepted.
	PrefetchRecordSequence(offsets []int64) bool
	SetCachingStrategy(strategy CachingStrategy) bool
	IsRemoteFileSystem() bool
}

// WriteFileHandler extends FileHandler with write capabilities.
type WriteFileHandler interface {
	FileHandler

	// Create makes a new file at path, replacing any existing file.
	Create(path string) error
	// Write places p at the current position. Only the last chunk may be
	// extended.
	Write(p []byte) error
	// Overwrite rewrites bytes strictly within the current chunk.
	Overwrite(p []byte) error
	// AddChunk starts a new chunk; subsequent writes at the logical end
	// land in it.
	AddChunk() error
	// Truncate cuts the file at the current position.
	Truncate() error
	// ReopenForUpdates reopens a file opened for reading so it can be
	// patched in place.
	ReopenForUpdates() error
}

// Handler registry, keyed by handler name. DiskFile registers itself;
// other backends (object storage, async I/O) plug in the same way.
var (
	handlersMu sync.RWMutex
	handlers   = map[string]func() FileHandler{}
)

// RegisterFileHandler makes a handler factory available to OpenSpec
// routing, under the given name.
func RegisterFileHandler(name string, factory func() FileHandler) {
	handlersMu.Lock()
	defer handlersMu.Unlock()
	handlers[name] = factory
}

// NewFileHandler instantiates a registered handler by name.
func NewFileHandler(name string) (FileHandler, error) {
	handlersMu.RLock()
	factory, ok := handlers[name]
	handlersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrHandlerMismatch, name)
	}
	return factory(), nil
}

// RegisteredFileHandlers lists the registered handler names, sorted.
func RegisteredFileHandlers() []string {
	handlersMu.RLock()
	defer handlersMu.RUnlock()
	names := make([]string, 0, len(handlers))
	for name := range handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
