package vrs

import (
	"fmt"
	"io"
	"os"
	"strconv"
)

// DiskFileHandlerName is the name DiskFile registers under.
const DiskFileHandlerName = "diskfile"

func init() {
	RegisterFileHandler(DiskFileHandlerName, func() FileHandler { return NewDiskFile() })
}

// diskChunk is one physical file of a logical file.
type diskChunk struct {
	path   string
	file   *os.File
	offset int64 // absolute offset of the chunk's first byte
	size   int64
}

func (c *diskChunk) contains(pos int64) bool {
	return pos >= c.offset && pos < c.offset+c.size
}

// DiskFile implements FileHandler and WriteFileHandler over local files.
// A logical file split into chunks uses the naming convention
// "file.vrs", "file.vrs_1", "file.vrs_2", ...
type DiskFile struct {
	chunks       []diskChunk
	currentChunk int
	pos          int64
	totalSize    int64
	lastRWSize   int
	eof          bool
	readOnly     bool
}

// NewDiskFile returns a closed DiskFile.
func NewDiskFile() *DiskFile {
	return &DiskFile{currentChunk: -1}
}

func (d *DiskFile) Name() string { return DiskFileHandlerName }

// Open opens a file and its chunk siblings for reading.
func (d *DiskFile) Open(path string) error {
	if d.IsOpened() {
		if err := d.Close(); err != nil {
			return err
		}
	}
	paths := []string{path}
	for i := 1; ; i++ {
		chunkPath := path + "_" + strconv.Itoa(i)
		if _, err := os.Stat(chunkPath); err != nil {
			break
		}
		paths = append(paths, chunkPath)
	}
	return d.openChunks(paths, true)
}

// OpenSpec opens the file designated by a spec, honoring explicit chunk
// lists.
func (d *DiskFile) OpenSpec(spec *FileSpec) error {
	if spec == nil {
		return ErrInvalidSpec
	}
	if len(spec.Chunks) > 0 {
		if d.IsOpened() {
			if err := d.Close(); err != nil {
				return err
			}
		}
		return d.openChunks(spec.Chunks, true)
	}
	if spec.FileName == "" {
		return fmt.Errorf("%w: no path", ErrInvalidSpec)
	}
	return d.Open(spec.FileName)
}

func (d *DiskFile) openChunks(paths []string, readOnly bool) error {
	flag := os.O_RDONLY
	if !readOnly {
		flag = os.O_RDWR
	}
	var offset int64
	for i, path := range paths {
		f, err := os.OpenFile(path, flag, 0)
		if err != nil {
			d.closeChunks()
			return err
		}
		info, err := f.Stat()
		if err != nil {
			f.Close()
			d.closeChunks()
			return err
		}
		d.chunks = append(d.chunks, diskChunk{path: path, file: f, offset: offset, size: info.Size()})
		offset += info.Size()
		_ = i
	}
	d.totalSize = offset
	d.currentChunk = 0
	d.pos = 0
	d.readOnly = readOnly
	d.eof = false
	return nil
}

// Create makes a new file at path, replacing any existing one.
func (d *DiskFile) Create(path string) error {
	if d.IsOpened() {
		if err := d.Close(); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	d.chunks = []diskChunk{{path: path, file: f}}
	d.currentChunk = 0
	d.pos = 0
	d.totalSize = 0
	d.readOnly = false
	d.eof = false
	return nil
}

func (d *DiskFile) IsOpened() bool { return len(d.chunks) > 0 }

func (d *DiskFile) closeChunks() {
	for i := range d.chunks {
		if d.chunks[i].file != nil {
			d.chunks[i].file.Close()
		}
	}
	d.chunks = nil
	d.currentChunk = -1
	d.totalSize = 0
	d.pos = 0
}

func (d *DiskFile) Close() error {
	var firstErr error
	for i := range d.chunks {
		if d.chunks[i].file != nil {
			if err := d.chunks[i].file.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	d.chunks = nil
	d.currentChunk = -1
	d.totalSize = 0
	d.pos = 0
	return firstErr
}

// chunkIndexFor locates the chunk containing pos. The logical end maps
// to the last chunk.
func (d *DiskFile) chunkIndexFor(pos int64) int {
	for i := range d.chunks {
		if d.chunks[i].contains(pos) {
			return i
		}
	}
	return len(d.chunks) - 1
}

// Read fills p entirely, spanning chunks, or returns an error.
func (d *DiskFile) Read(p []byte) error {
	d.lastRWSize = 0
	d.eof = false
	if !d.IsOpened() {
		return ErrClosed
	}
	for len(p) > 0 {
		if d.pos >= d.totalSize {
			d.eof = true
			return io.EOF
		}
		i := d.chunkIndexFor(d.pos)
		chunk := &d.chunks[i]
		local := d.pos - chunk.offset
		want := int64(len(p))
		if avail := chunk.size - local; want > avail {
			want = avail
		}
		n, err := chunk.file.ReadAt(p[:want], local)
		d.pos += int64(n)
		d.lastRWSize += n
		d.currentChunk = i
		if err != nil && err != io.EOF {
			return err
		}
		if n == 0 {
			d.eof = true
			return io.EOF
		}
		p = p[n:]
	}
	return nil
}

// Write places p at the current position. Extending is only allowed at
// the logical end, on the last chunk.
func (d *DiskFile) Write(p []byte) error {
	d.lastRWSize = 0
	if !d.IsOpened() {
		return ErrClosed
	}
	if d.readOnly {
		return fmt.Errorf("%w: opened read-only", ErrClosed)
	}
	i := d.chunkIndexFor(d.pos)
	chunk := &d.chunks[i]
	local := d.pos - chunk.offset
	if i < len(d.chunks)-1 && local+int64(len(p)) > chunk.size {
		return fmt.Errorf("write would cross chunk boundary at %d", chunk.offset+chunk.size)
	}
	n, err := chunk.file.WriteAt(p, local)
	d.lastRWSize = n
	d.pos += int64(n)
	d.currentChunk = i
	if end := local + int64(n); end > chunk.size {
		grown := end - chunk.size
		chunk.size = end
		d.totalSize += grown
	}
	return err
}

// Overwrite rewrites bytes strictly within the current chunk.
func (d *DiskFile) Overwrite(p []byte) error {
	if !d.IsOpened() {
		return ErrClosed
	}
	i := d.chunkIndexFor(d.pos)
	chunk := &d.chunks[i]
	if d.pos+int64(len(p)) > chunk.offset+chunk.size {
		return fmt.Errorf("overwrite past end of chunk %d", i)
	}
	return d.Write(p)
}

// AddChunk starts a new chunk file; writes at the logical end land in it.
func (d *DiskFile) AddChunk() error {
	if !d.IsOpened() {
		return ErrClosed
	}
	if d.readOnly {
		return fmt.Errorf("%w: opened read-only", ErrClosed)
	}
	base, start := chunkBase(d.chunks[0].path)
	path := base + "_" + strconv.Itoa(start+len(d.chunks))
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	d.chunks = append(d.chunks, diskChunk{path: path, file: f, offset: d.totalSize})
	d.currentChunk = len(d.chunks) - 1
	d.pos = d.totalSize
	return nil
}

// chunkBase splits a chunk path into its naming base and ordinal, so a
// file whose first chunk is already a continuation ("file.vrs_1", the
// user-record file of a split head) numbers further chunks correctly.
func chunkBase(path string) (string, int) {
	i := len(path)
	for i > 0 && path[i-1] >= '0' && path[i-1] <= '9' {
		i--
	}
	if i == len(path) || i < 2 || path[i-1] != '_' {
		return path, 0
	}
	n, err := strconv.Atoi(path[i:])
	if err != nil {
		return path, 0
	}
	return path[:i-1], n
}

// Truncate cuts the file at the current position, dropping later chunks.
func (d *DiskFile) Truncate() error {
	if !d.IsOpened() {
		return ErrClosed
	}
	i := d.chunkIndexFor(d.pos)
	chunk := &d.chunks[i]
	local := d.pos - chunk.offset
	if err := chunk.file.Truncate(local); err != nil {
		return err
	}
	chunk.size = local
	for j := len(d.chunks) - 1; j > i; j-- {
		d.chunks[j].file.Close()
		os.Remove(d.chunks[j].path)
		d.chunks = d.chunks[:j]
	}
	d.totalSize = chunk.offset + local
	d.currentChunk = i
	return nil
}

// ReopenForUpdates reopens all chunks read-write, preserving position.
func (d *DiskFile) ReopenForUpdates() error {
	if !d.IsOpened() {
		return ErrClosed
	}
	if !d.readOnly {
		return nil
	}
	pos := d.pos
	paths := make([]string, len(d.chunks))
	for i := range d.chunks {
		paths[i] = d.chunks[i].path
	}
	d.closeChunks()
	if err := d.openChunks(paths, false); err != nil {
		return err
	}
	return d.SetPos(pos)
}

func (d *DiskFile) SetPos(pos int64) error {
	if !d.IsOpened() {
		return ErrClosed
	}
	if pos < 0 {
		return fmt.Errorf("negative position %d", pos)
	}
	d.pos = pos
	d.eof = false
	if pos < d.totalSize {
		d.currentChunk = d.chunkIndexFor(pos)
	} else {
		d.currentChunk = len(d.chunks) - 1
	}
	return nil
}

func (d *DiskFile) GetPos() int64       { return d.pos }
func (d *DiskFile) GetTotalSize() int64 { return d.totalSize }
func (d *DiskFile) GetLastRWSize() int  { return d.lastRWSize }
func (d *DiskFile) IsEOF() bool         { return d.eof }

func (d *DiskFile) GetChunkRange() (int64, int64, error) {
	if !d.IsOpened() || d.currentChunk < 0 {
		return 0, 0, ErrClosed
	}
	chunk := &d.chunks[d.currentChunk]
	return chunk.offset, chunk.size, nil
}

func (d *DiskFile) GetCurrentChunk() (string, int) {
	if !d.IsOpened() || d.currentChunk < 0 {
		return "", -1
	}
	return d.chunks[d.currentChunk].path, d.currentChunk
}

// PrefetchRecordSequence ignores the hint on local disks and reports it as
// not accepted.
func (d *DiskFile) PrefetchRecordSequence([]int64) bool { return false }

func (d *DiskFile) SetCachingStrategy(CachingStrategy) bool { return false }

func (d *DiskFile) IsRemoteFileSystem() bool { return false }

// LastChunk returns the path and index of the newest chunk.
func (d *DiskFile) LastChunk() (string, int) {
	if !d.IsOpened() {
		return "", -1
	}
	return d.chunks[len(d.chunks)-1].path, len(d.chunks) - 1
}

// ChunkCount returns the number of physical files backing this file.
func (d *DiskFile) ChunkCount() int { return len(d.chunks) }

// ChunkPaths lists the physical files backing this file, in order.
func (d *DiskFile) ChunkPaths() []string {
	paths := make([]string, len(d.chunks))
	for i := range d.chunks {
		paths[i] = d.chunks[i].path
	}
	return paths
}
