package vrs

import (
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// CompressionPreset selects a codec and effort level for record payloads.
// Records are compressed transparently: record sizes always report the
// uncompressed size, and switching presets costs nothing.
type CompressionPreset int

const (
	CompressionPresetUndefined CompressionPreset = iota - 1
	CompressionPresetNone
	CompressionPresetLz4Fast
	CompressionPresetLz4Tight
	CompressionPresetZstdFast
	CompressionPresetZstdLight
	CompressionPresetZstdMedium
	CompressionPresetZstdHeavy
	CompressionPresetZstdHigh
	CompressionPresetZstdTight
	CompressionPresetZstdMax

	// CompressionPresetDefault is extremely fast with decent ratios.
	CompressionPresetDefault = CompressionPresetLz4Fast
)

var compressionPresetNames = map[CompressionPreset]string{
	CompressionPresetUndefined:  "undefined",
	CompressionPresetNone:       "none",
	CompressionPresetLz4Fast:    "lz4fast",
	CompressionPresetLz4Tight:   "lz4tight",
	CompressionPresetZstdFast:   "zstdfast",
	CompressionPresetZstdLight:  "zstdlight",
	CompressionPresetZstdMedium: "zstdmedium",
	CompressionPresetZstdHeavy:  "zstdheavy",
	CompressionPresetZstdHigh:   "zstdhigh",
	CompressionPresetZstdTight:  "zstdtight",
	CompressionPresetZstdMax:    "zstdmax",
}

func (p CompressionPreset) String() string {
	if name, ok := compressionPresetNames[p]; ok {
		return name
	}
	return fmt.Sprintf("preset(%d)", int(p))
}

// ParseCompressionPreset converts a preset name back to its value.
func ParseCompressionPreset(name string) CompressionPreset {
	name = strings.ToLower(strings.TrimSpace(name))
	for preset, n := range compressionPresetNames {
		if n == name {
			return preset
		}
	}
	return CompressionPresetUndefined
}

// IsLz4 tells whether the preset uses the lz4 codec.
func (p CompressionPreset) IsLz4() bool {
	return p == CompressionPresetLz4Fast || p == CompressionPresetLz4Tight
}

// IsZstd tells whether the preset uses the zstd codec.
func (p CompressionPreset) IsZstd() bool {
	return p >= CompressionPresetZstdFast && p <= CompressionPresetZstdMax
}

// zstdLevel maps presets to the encoder levels the codec exposes.
func (p CompressionPreset) zstdLevel() zstd.EncoderLevel {
	switch p {
	case CompressionPresetZstdFast:
		return zstd.SpeedFastest
	case CompressionPresetZstdLight, CompressionPresetZstdMedium:
		return zstd.SpeedDefault
	case CompressionPresetZstdHeavy, CompressionPresetZstdHigh:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// minByteCountForCompression: payloads smaller than this are never worth
// the codec overhead and are stored raw.
const minByteCountForCompression = 32

// shouldTryToCompress gates compression attempts by preset and size.
func shouldTryToCompress(preset CompressionPreset, size int) bool {
	return preset > CompressionPresetNone && size >= minByteCountForCompression
}

// Compressor compresses record payloads with lz4 or zstd presets, and
// streams budgeted zstd frames directly to a file. Not safe for
// concurrent use; the writer owns one per worker.
type Compressor struct {
	buffer          []byte
	compressionType CompressionType

	zstdEncoders map[zstd.EncoderLevel]*zstd.Encoder
	lz4Fast      lz4.Compressor
	lz4Tight     lz4.CompressorHC

	frame       *zstd.Encoder
	frameLevel  zstd.EncoderLevel
	frameWriter *budgetWriter
	frameLeft   int
}

// NewCompressor returns a ready Compressor.
func NewCompressor() *Compressor {
	return &Compressor{
		zstdEncoders: make(map[zstd.EncoderLevel]*zstd.Encoder),
		lz4Tight:     lz4.CompressorHC{Level: lz4.Level9},
	}
}

// Data returns the compressed bytes after a successful Compress call.
func (c *Compressor) Data() []byte { return c.buffer }

// CompressionType reports the codec of the last Compress call.
func (c *Compressor) CompressionType() CompressionType { return c.compressionType }

func (c *Compressor) zstdEncoder(level zstd.EncoderLevel) (*zstd.Encoder, error) {
	if enc, ok := c.zstdEncoders[level]; ok {
		return enc, nil
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	c.zstdEncoders[level] = enc
	return enc, nil
}

// Compress compresses data with the preset into the internal buffer.
// Returns the compressed size, or 0 when compression would not shrink
// the payload and the record should be stored raw.
func (c *Compressor) Compress(data []byte, preset CompressionPreset) (uint32, error) {
	if !shouldTryToCompress(preset, len(data)) {
		return 0, nil
	}
	switch {
	case preset.IsLz4():
		c.compressionType = CompressionLz4
		bound := lz4.CompressBlockBound(len(data))
		if cap(c.buffer) < bound {
			c.buffer = make([]byte, bound)
		}
		c.buffer = c.buffer[:bound]
		var n int
		var err error
		if preset == CompressionPresetLz4Tight {
			n, err = c.lz4Tight.CompressBlock(data, c.buffer)
		} else {
			n, err = c.lz4Fast.CompressBlock(data, c.buffer)
		}
		if err != nil {
			return 0, fmt.Errorf("%w: lz4: %v", ErrCompression, err)
		}
		if n == 0 || n >= len(data) {
			return 0, nil
		}
		c.buffer = c.buffer[:n]
		return uint32(n), nil
	case preset.IsZstd():
		c.compressionType = CompressionZstd
		enc, err := c.zstdEncoder(preset.zstdLevel())
		if err != nil {
			return 0, err
		}
		c.buffer = enc.EncodeAll(data, c.buffer[:0])
		if len(c.buffer) >= len(data) {
			return 0, nil
		}
		return uint32(len(c.buffer)), nil
	}
	return 0, nil
}

// budgetWriter counts bytes written to a file and refuses to exceed a
// byte budget, guaranteeing no more than the budget lands on disk.
type budgetWriter struct {
	file    WriteFileHandler
	written uint32
	budget  int // 0 means unlimited
}

func (w *budgetWriter) Write(p []byte) (int, error) {
	if w.budget > 0 && int(w.written)+len(p) > w.budget {
		return 0, fmt.Errorf("%w: frame exceeds budget of %d bytes", ErrCompression, w.budget)
	}
	if err := w.file.Write(p); err != nil {
		return w.file.GetLastRWSize(), err
	}
	w.written += uint32(len(p))
	return len(p), nil
}

// StartFrame begins a streamed zstd frame whose exact uncompressed size
// is declared upfront and must be respected by AddFrameData calls.
// Only zstd presets are supported by the frame API.
func (c *Compressor) StartFrame(frameSize int, preset CompressionPreset) error {
	if !preset.IsZstd() {
		return fmt.Errorf("%w: frame API requires a zstd preset, got %v", ErrCompression, preset)
	}
	level := preset.zstdLevel()
	if c.frame == nil || c.frameLevel != level {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(level),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCompression, err)
		}
		c.frame = enc
		c.frameLevel = level
	}
	c.frameWriter = &budgetWriter{}
	c.frame.ResetContentSize(c.frameWriter, int64(frameSize))
	c.frameLeft = frameSize
	c.compressionType = CompressionZstd
	return nil
}

// AddFrameData compresses more frame data out to the file. The running
// compressed byte count is maintained in inOutCompressedSize. A non-zero
// maxCompressedSize fails the call before the budget can be exceeded.
func (c *Compressor) AddFrameData(file WriteFileHandler, data []byte, inOutCompressedSize *uint32, maxCompressedSize int) error {
	if c.frameWriter == nil {
		return fmt.Errorf("%w: no frame started", ErrCompression)
	}
	if len(data) > c.frameLeft {
		return fmt.Errorf("%w: frame overflow: %d bytes left, %d added", ErrCompression, c.frameLeft, len(data))
	}
	c.frameWriter.file = file
	c.frameWriter.written = *inOutCompressedSize
	c.frameWriter.budget = maxCompressedSize
	if _, err := c.frame.Write(data); err != nil {
		*inOutCompressedSize = c.frameWriter.written
		return err
	}
	c.frameLeft -= len(data)
	*inOutCompressedSize = c.frameWriter.written
	return nil
}

// EndFrame flushes the remaining compressed bytes and completes the
// frame. A new frame may be started afterwards.
func (c *Compressor) EndFrame(file WriteFileHandler, inOutCompressedSize *uint32, maxCompressedSize int) error {
	if c.frameWriter == nil {
		return fmt.Errorf("%w: no frame started", ErrCompression)
	}
	if c.frameLeft != 0 {
		return fmt.Errorf("%w: frame incomplete: %d bytes missing", ErrCompression, c.frameLeft)
	}
	c.frameWriter.file = file
	c.frameWriter.written = *inOutCompressedSize
	c.frameWriter.budget = maxCompressedSize
	err := c.frame.Close()
	*inOutCompressedSize = c.frameWriter.written
	c.frameWriter = nil
	return err
}

// Close releases codec resources.
func (c *Compressor) Close() {
	for _, enc := range c.zstdEncoders {
		enc.Close()
	}
	c.zstdEncoders = make(map[zstd.EncoderLevel]*zstd.Encoder)
	if c.frame != nil {
		c.frame.Close()
		c.frame = nil
	}
}
