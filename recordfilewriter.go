package vrs

import (
	"container/heap"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// NewChunkHandler is notified when a chunk is closed and finalized, and
// once more for the last chunk when the file closes. Handlers are
// observers only: they can never abort writing.
type NewChunkHandler func(path string, index int, isLastChunk bool)

const tagsRecordFormatVersion = 1

// TagsRecordTimestamp is the sentinel timestamp of Tags records, sorting
// them before every user record.
const TagsRecordTimestamp = -MaxTimestamp

// Background queue hard cap: past this many in-flight bytes, producers
// using WaitForBackgroundQueue block until the queue drains below 90%.
const defaultMaxQueueByteSize = 2 << 30

// RecordFileWriter orchestrates file creation: it collects records from
// any number of streams, merges them in strict (timestamp, stream id,
// creation order) sequence on a background goroutine, compresses them
// inline or on a worker pool, rolls chunks, and finalizes the index when
// the file closes.
type RecordFileWriter struct {
	logger *slog.Logger

	mu           sync.Mutex
	recordables  []*Recordable
	streams      map[StreamID]*Recordable
	nextInstance map[RecordableTypeID]uint16
	fileTags     map[string]string

	fileHeader  FileHeader
	file        *DiskFile
	userFile    *DiskFile // the records file; == file except in split-head mode
	splitHead   bool
	indexWriter *indexWriter

	created         bool
	closed          bool
	lastRecordSize  uint32
	compressionSize int // worker pool size; 0 compresses inline
	defaultPreset   CompressionPreset
	presetSet       bool

	maxChunkSize    int64
	chunkHandler    NewChunkHandler
	chunkStart      int64
	preliminaryIdx  []IndexEntry
	maxQueueBytes   int64
	queueByteSize   atomic.Int64
	backgroundError error

	// Background writer thread.
	writeRequests chan writeRequest
	shutdown      chan struct{}
	writerDone    chan struct{}
	autoWriteFn   func() float64
	autoWriteTick time.Duration

	// Purge thread.
	purgeStop chan struct{}
	purgeDone chan struct{}

	compressors sync.Pool
}

type writeRequest struct {
	cutoff float64
	done   chan struct{} // optional
}

// NewRecordFileWriter returns a writer with no file attached.
func NewRecordFileWriter() *RecordFileWriter {
	return &RecordFileWriter{
		logger:        slog.Default().With("component", "record_file_writer"),
		streams:       map[StreamID]*Recordable{},
		nextInstance:  map[RecordableTypeID]uint16{},
		fileTags:      map[string]string{},
		defaultPreset: CompressionPresetDefault,
		maxQueueBytes: defaultMaxQueueByteSize,
		compressors:   sync.Pool{New: func() any { return NewCompressor() }},
	}
}

// AddRecordable registers a stream with the writer and assigns its
// instance id. Registering after the file is created synthesizes a Tags
// record plus configuration and state records for the new stream.
func (w *RecordFileWriter) AddRecordable(recordable *Recordable) error {
	w.mu.Lock()
	id := recordable.StreamID()
	if id.Instance == 0 {
		w.nextInstance[recordable.TypeID()]++
		recordable.setInstance(w.nextInstance[recordable.TypeID()])
		id = recordable.StreamID()
	}
	if _, exists := w.streams[id]; exists {
		w.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDuplicateStream, id)
	}
	w.recordables = append(w.recordables, recordable)
	w.streams[id] = recordable
	if w.presetSet {
		recordable.SetCompressionPreset(w.defaultPreset)
	}
	created := w.created && !w.closed
	w.mu.Unlock()
	if created {
		// The description record is already on disk: the stream's tags
		// must travel as a Tags record instead.
		tags := recordable.Tags()
		payload := encodeTagsRecordPayload(tags)
		recordable.CreateRecord(TagsRecordTimestamp, RecordTypeTags, tagsRecordFormatVersion, NewDataSource(payload))
		recordable.createConfigurationRecord()
		recordable.createStateRecord()
	}
	return nil
}

// SetTag sets a file tag. Only effective before CreateFile.
func (w *RecordFileWriter) SetTag(name, value string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.created {
		w.logger.Warn("File tag ignored: the description record is already written", "tag", name)
		return ErrTagsFrozen
	}
	w.fileTags[name] = value
	return nil
}

// AddTags sets several file tags at once. Only effective before
// CreateFile.
func (w *RecordFileWriter) AddTags(tags map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.created {
		w.logger.Warn("File tags ignored: the description record is already written")
		return ErrTagsFrozen
	}
	for name, value := range tags {
		w.fileTags[name] = value
	}
	return nil
}

// SetCompressionPreset selects the preset for every registered stream
// and for streams registered later.
func (w *RecordFileWriter) SetCompressionPreset(preset CompressionPreset) {
	w.mu.Lock()
	w.defaultPreset = preset
	w.presetSet = true
	recordables := append([]*Recordable(nil), w.recordables...)
	w.mu.Unlock()
	for _, recordable := range recordables {
		recordable.SetCompressionPreset(preset)
	}
}

// SetCompressionThreadPoolSize configures parallel compression: 0
// compresses inline on the writer thread; larger values are capped at
// the hardware concurrency.
func (w *RecordFileWriter) SetCompressionThreadPoolSize(size int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.compressionSize = min(size, runtime.NumCPU())
}

// SetMaxChunkSizeMB makes the writer roll to a new chunk before a record
// would push the current chunk past the cap. 0 disables chunking.
func (w *RecordFileWriter) SetMaxChunkSizeMB(sizeMB int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxChunkSize = int64(sizeMB) << 20
}

// SetSplitHeadMode makes CreateChunkedFile keep the file's header,
// description, and index in a head file rewritten as needed, while user
// records stream forward-only into separate chunks. Required when the
// destination storage is immutable.
func (w *RecordFileWriter) SetSplitHeadMode(splitHead bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.splitHead = splitHead
}

// PreallocateIndex provides a preliminary index (timestamps, sizes in
// FileOffset, stream ids, types) used to reserve space for the index
// record up front. Must be called before CreateFile.
func (w *RecordFileWriter) PreallocateIndex(preliminary []IndexEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.created {
		return fmt.Errorf("%w: preallocation must precede file creation", ErrTagsFrozen)
	}
	w.preliminaryIdx = preliminary
	return nil
}

// CreateFile opens the file, writes the header and description record
// immediately so tags survive a crash, and starts the background writer.
func (w *RecordFileWriter) CreateFile(path string) error {
	return w.createFile(path, nil)
}

// CreateChunkedFile is CreateFile with automatic chunk rollover at
// maxChunkSizeMB and chunk close notifications.
func (w *RecordFileWriter) CreateChunkedFile(path string, maxChunkSizeMB int, handler NewChunkHandler) error {
	w.SetMaxChunkSizeMB(maxChunkSizeMB)
	return w.createFile(path, handler)
}

func (w *RecordFileWriter) createFile(path string, handler NewChunkHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.created {
		return fmt.Errorf("a file is already being written")
	}
	w.chunkHandler = handler
	w.fileHeader.Init()
	w.fileHeader.DescriptionRecordOffset = fileHeaderSize
	w.indexWriter = newIndexWriter(&w.fileHeader)
	for _, recordable := range w.recordables {
		w.indexWriter.addStream(recordable.StreamID())
	}
	w.file = NewDiskFile()
	if err := w.file.Create(path); err != nil {
		return err
	}
	if err := writeFileHeader(w.file, &w.fileHeader); err != nil {
		w.file.Close()
		return err
	}
	streamTags := make(map[StreamID]*StreamTags, len(w.recordables))
	order := make([]StreamID, 0, len(w.recordables))
	for _, recordable := range w.recordables {
		order = append(order, recordable.StreamID())
		streamTags[recordable.StreamID()] = recordable.Tags()
	}
	descriptionSize, err := writeDescriptionRecord(w.file, w.fileTags, order, streamTags)
	if err != nil {
		w.file.Close()
		return err
	}
	w.lastRecordSize = descriptionSize
	w.userFile = w.file
	switch {
	case w.splitHead:
		if err := w.indexWriter.createSplitIndexRecord(w.file, &w.lastRecordSize); err != nil {
			w.file.Close()
			return err
		}
		w.userFile = NewDiskFile()
		if err := w.userFile.Create(path + "_1"); err != nil {
			w.file.Close()
			return err
		}
		w.lastRecordSize = 0
	case len(w.preliminaryIdx) > 0:
		if err := w.indexWriter.preallocateClassicIndexRecord(w.file, w.preliminaryIdx, &w.lastRecordSize); err != nil {
			w.file.Close()
			return err
		}
	}
	w.chunkStart = w.userFile.GetTotalSize()
	w.created = true
	w.closed = false
	w.backgroundError = nil
	w.writeRequests = make(chan writeRequest, 16)
	w.shutdown = make(chan struct{})
	w.writerDone = make(chan struct{})
	go w.backgroundWriterLoop()
	w.logger.Info("File created", "path", path, "streams", len(w.recordables), "splitHead", w.splitHead)
	return nil
}

// WriteRecordsAsync asks the background writer to collect and write
// every record older than maxTimestamp.
func (w *RecordFileWriter) WriteRecordsAsync(maxTimestamp float64) error {
	return w.requestWrite(maxTimestamp, nil)
}

// WriteRecords collects and writes every record older than maxTimestamp
// and waits for them to reach the file handler.
func (w *RecordFileWriter) WriteRecords(maxTimestamp float64) error {
	done := make(chan struct{})
	if err := w.requestWrite(maxTimestamp, done); err != nil {
		return err
	}
	<-done
	return w.BackgroundError()
}

func (w *RecordFileWriter) requestWrite(cutoff float64, done chan struct{}) error {
	w.mu.Lock()
	if !w.created || w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	requests := w.writeRequests
	w.mu.Unlock()
	requests <- writeRequest{cutoff: cutoff, done: done}
	return nil
}

// AutoWriteRecordsAsync makes the background thread collect up to f()
// every delay, until the file closes.
func (w *RecordFileWriter) AutoWriteRecordsAsync(f func() float64, delay time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.created || w.closed {
		return ErrClosed
	}
	w.autoWriteFn = f
	w.autoWriteTick = delay
	return nil
}

// AutoPurgeRecords starts a purge thread deleting records older than
// f() every delay, whenever no file is being written.
func (w *RecordFileWriter) AutoPurgeRecords(f func() float64, delay time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.purgeStop != nil {
		return
	}
	w.purgeStop = make(chan struct{})
	w.purgeDone = make(chan struct{})
	go w.purgeLoop(f, delay, w.purgeStop, w.purgeDone)
}

// StopPurging terminates the purge thread.
func (w *RecordFileWriter) StopPurging() {
	w.mu.Lock()
	stop, done := w.purgeStop, w.purgeDone
	w.purgeStop, w.purgeDone = nil, nil
	w.mu.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}
}

func (w *RecordFileWriter) purgeLoop(f func() float64, delay time.Duration, stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			writing := w.created && !w.closed
			recordables := append([]*Recordable(nil), w.recordables...)
			w.mu.Unlock()
			if writing {
				continue // paused while a file is being written
			}
			cutoff := f()
			for _, recordable := range recordables {
				recordable.Manager().PurgeOldRecords(cutoff, true)
			}
		}
	}
}

// TrackBackgroundThreadQueueByteSize enables the in-flight byte
// accounting read by GetBackgroundThreadQueueByteSize. The counter is
// always maintained; the call is a no-op.
func (w *RecordFileWriter) TrackBackgroundThreadQueueByteSize() {}

// GetBackgroundThreadQueueByteSize reports the approximate bytes queued
// for the background thread, with the first background error latched
// since the file was created.
func (w *RecordFileWriter) GetBackgroundThreadQueueByteSize() (int64, error) {
	return w.queueByteSize.Load(), w.BackgroundError()
}

// BackgroundError returns the first error latched by the background
// writer, if any.
func (w *RecordFileWriter) BackgroundError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.backgroundError
}

// WaitForBackgroundQueue blocks while the in-flight byte count exceeds
// the hard cap, until it drains below 90% of it.
func (w *RecordFileWriter) WaitForBackgroundQueue() {
	if w.queueByteSize.Load() <= w.maxQueueBytes {
		return
	}
	target := w.maxQueueBytes - w.maxQueueBytes/10
	for w.queueByteSize.Load() > target {
		time.Sleep(time.Millisecond)
	}
}

// CloseFileAsync requests a final flush and file finalization.
func (w *RecordFileWriter) CloseFileAsync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.created || w.closed {
		return ErrClosed
	}
	w.closed = true
	close(w.shutdown)
	return nil
}

// WaitForFileClosed joins the background threads and returns the first
// error observed while writing.
func (w *RecordFileWriter) WaitForFileClosed() error {
	w.mu.Lock()
	done := w.writerDone
	w.mu.Unlock()
	if done != nil {
		<-done
	}
	return w.BackgroundError()
}

// CloseFile flushes, finalizes the index, and closes the file.
func (w *RecordFileWriter) CloseFile() error {
	if err := w.CloseFileAsync(); err != nil {
		return err
	}
	return w.WaitForFileClosed()
}

// backgroundWriterLoop owns the file handler for writes: it sleeps until
// signaled, swaps in the queued work, and streams records out in order.
func (w *RecordFileWriter) backgroundWriterLoop() {
	defer close(w.writerDone)
	var ticker *time.Ticker
	var tick <-chan time.Time
	for {
		w.mu.Lock()
		if w.autoWriteFn != nil && ticker == nil {
			ticker = time.NewTicker(w.autoWriteTick)
			tick = ticker.C
		}
		w.mu.Unlock()
		select {
		case request := <-w.writeRequests:
			w.writeRecordBatches(request.cutoff)
			if request.done != nil {
				close(request.done)
			}
		case <-tick:
			w.mu.Lock()
			f := w.autoWriteFn
			w.mu.Unlock()
			if f != nil {
				w.writeRecordBatches(f())
			}
		case <-w.shutdown:
			if ticker != nil {
				ticker.Stop()
			}
			w.drainRequests()
			w.writeRecordBatches(MaxTimestamp)
			w.finalizeFile()
			return
		}
	}
}

func (w *RecordFileWriter) drainRequests() {
	for {
		select {
		case request := <-w.writeRequests:
			if request.done != nil {
				defer close(request.done)
			}
		default:
			return
		}
	}
}

// recordBatch is one stream's collected records, already sorted.
type recordBatch struct {
	recordable *Recordable
	records    []*Record
	pos        int
}

func (b *recordBatch) head() *Record { return b.records[b.pos] }

// batchHeap merges the per-stream batches by (timestamp, stream id,
// creation order).
type batchHeap []*recordBatch

func (h batchHeap) Len() int { return len(h) }
func (h batchHeap) Less(i, j int) bool {
	a, b := h[i].head(), h[j].head()
	if a.timestamp != b.timestamp {
		return a.timestamp < b.timestamp
	}
	aid, bid := h[i].recordable.StreamID(), h[j].recordable.StreamID()
	if aid != bid {
		return aid.Before(bid)
	}
	return a.creationOrder < b.creationOrder
}
func (h batchHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *batchHeap) Push(x any)        { *h = append(*h, x.(*recordBatch)) }
func (h *batchHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// writeRecordBatches collects records older than the cutoff from every
// stream and writes them in strict order, compressing on the worker pool
// when one is configured.
func (w *RecordFileWriter) writeRecordBatches(cutoff float64) {
	w.mu.Lock()
	recordables := append([]*Recordable(nil), w.recordables...)
	poolSize := w.compressionSize
	w.mu.Unlock()

	merge := make(batchHeap, 0, len(recordables))
	for _, recordable := range recordables {
		var records []*Record
		recordable.Manager().CollectOldRecords(cutoff, &records)
		if len(records) > 0 {
			for _, record := range records {
				w.queueByteSize.Add(int64(record.Size()))
			}
			merge = append(merge, &recordBatch{recordable: recordable, records: records})
		}
	}
	if len(merge) == 0 {
		return
	}
	heap.Init(&merge)

	type compressionJob struct {
		record     *Record
		recordable *Recordable
		compressor *Compressor
		size       uint32
		done       chan struct{}
	}
	var pending []*compressionJob
	var slots chan struct{}
	if poolSize > 0 {
		slots = make(chan struct{}, poolSize)
	}
	flush := func(job *compressionJob) {
		<-job.done
		w.writeOneRecord(job.record, job.recordable, job.compressor, job.size)
		w.compressors.Put(job.compressor)
	}
	for merge.Len() > 0 {
		batch := merge[0]
		record := batch.head()
		batch.pos++
		if batch.pos < len(batch.records) {
			heap.Fix(&merge, 0)
		} else {
			heap.Pop(&merge)
		}
		job := &compressionJob{
			record:     record,
			recordable: batch.recordable,
			compressor: w.compressors.Get().(*Compressor),
			done:       make(chan struct{}),
		}
		if poolSize == 0 {
			job.size = record.compressRecord(job.compressor)
			close(job.done)
			flush(job)
			continue
		}
		slots <- struct{}{}
		go func(job *compressionJob) {
			job.size = job.record.compressRecord(job.compressor)
			<-slots
			close(job.done)
		}(job)
		pending = append(pending, job)
		// Bound the in-flight window so compression overlaps writing
		// without holding a whole batch in memory.
		if len(pending) >= poolSize*2 {
			flush(pending[0])
			pending = pending[1:]
		}
	}
	for _, job := range pending {
		flush(job)
	}
	if err := w.indexWriter.appendToSplitIndexRecord(); err != nil {
		w.latchError(err)
	}
}

// writeOneRecord performs chunk rollover, serialization, index append,
// and recycling for one record, in writer-thread context.
func (w *RecordFileWriter) writeOneRecord(record *Record, recordable *Recordable, compressor *Compressor, compressedSize uint32) {
	defer func() {
		w.queueByteSize.Add(-int64(record.Size()))
		record.Recycle()
	}()
	if w.backgroundError != nil {
		return // first error is latched; further records are dropped
	}
	payloadSize := int64(record.Size())
	if compressedSize > 0 {
		payloadSize = int64(compressedSize)
	}
	onDiskSize := int64(recordHeaderSize) + payloadSize
	if w.maxChunkSize > 0 {
		chunkSize := w.userFile.GetTotalSize() - w.chunkStart
		if chunkSize > 0 && chunkSize+onDiskSize > w.maxChunkSize {
			w.rollChunk()
		}
	}
	streamID := recordable.StreamID()
	before := w.lastRecordSize
	if err := record.writeRecord(w.userFile, streamID, &w.lastRecordSize, compressor, compressedSize); err != nil {
		w.latchError(err)
		w.lastRecordSize = before
		return
	}
	w.indexWriter.addRecord(record.Timestamp(), w.lastRecordSize, streamID, record.Type())
}

// rollChunk finalizes the current chunk and opens the next one. The
// handler is notified in-band; it can never abort writing.
func (w *RecordFileWriter) rollChunk() {
	path, index := w.userFile.LastChunk()
	if err := w.userFile.AddChunk(); err != nil {
		w.latchError(err)
		return
	}
	w.chunkStart = w.userFile.GetTotalSize()
	if w.chunkHandler != nil {
		w.chunkHandler(path, index, false)
	}
	w.logger.Info("Chunk finalized", "path", path, "index", index)
}

func (w *RecordFileWriter) latchError(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	if w.backgroundError == nil {
		w.backgroundError = err
		w.logger.Error("Background write error latched; further records will be dropped", "error", err)
	}
	w.mu.Unlock()
}

// finalizeFile writes the index, patches the file header, and closes
// everything, even after errors; the first error stays latched.
func (w *RecordFileWriter) finalizeFile() {
	if w.splitHead {
		if err := w.indexWriter.finalizeSplitIndexRecord(); err != nil {
			w.latchError(err)
		}
		w.fileHeader.FirstUserRecordOffset = w.file.GetTotalSize()
	} else {
		if err := w.indexWriter.finalizeClassicIndexRecord(w.file, &w.lastRecordSize); err != nil {
			w.latchError(err)
		}
	}
	if err := w.file.SetPos(0); err == nil {
		if err := w.file.Overwrite(encodeFileHeader(&w.fileHeader)); err != nil {
			w.latchError(err)
		}
	} else {
		w.latchError(err)
	}
	lastPath, lastIndex := w.userFile.LastChunk()
	if w.userFile != w.file {
		if err := w.userFile.Close(); err != nil {
			w.latchError(err)
		}
	}
	if err := w.file.Close(); err != nil {
		w.latchError(err)
	}
	if w.chunkHandler != nil {
		w.chunkHandler(lastPath, lastIndex, true)
	}
	w.mu.Lock()
	w.created = false
	w.mu.Unlock()
	w.logger.Info("File closed", "records", len(w.indexWriter.records))
}

// encodeTagsRecordPayload serializes a stream's tags for a Tags record.
func encodeTagsRecordPayload(tags *StreamTags) []byte {
	return encodeStreamTags(tags)
}
