package vrs

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Decompressor mirrors Compressor: one-shot payload decompression for
// both codecs, and streamed zstd frame reads with a byte budget.
// Not safe for concurrent use.
type Decompressor struct {
	decoder *zstd.Decoder
	scratch []byte
}

// NewDecompressor returns a ready Decompressor.
func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

func (d *Decompressor) zstdDecoder() (*zstd.Decoder, error) {
	if d.decoder != nil {
		return d.decoder, nil
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompression, err)
	}
	d.decoder = dec
	return dec, nil
}

// Decompress decodes a full compressed payload. uncompressedSize is the
// expected output size from the record header. Concatenated zstd frames
// decode as one contiguous output.
func (d *Decompressor) Decompress(data []byte, uncompressedSize int, compression CompressionType) ([]byte, error) {
	switch compression {
	case CompressionNone:
		return data, nil
	case CompressionLz4:
		out := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCompression, err)
		}
		if n != uncompressedSize {
			return nil, fmt.Errorf("%w: lz4: got %d bytes, want %d", ErrCompression, n, uncompressedSize)
		}
		return out, nil
	case CompressionZstd:
		dec, err := d.zstdDecoder()
		if err != nil {
			return nil, err
		}
		out, err := dec.DecodeAll(data, make([]byte, 0, uncompressedSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCompression, err)
		}
		if uncompressedSize > 0 && len(out) != uncompressedSize {
			return nil, fmt.Errorf("%w: zstd: got %d bytes, want %d", ErrCompression, len(out), uncompressedSize)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: unknown compression type %d", ErrCompression, compression)
}

// InitFrame peeks the zstd frame header at the current file position and
// returns the frame's declared content size. maxReadSize is the number
// of compressed bytes the frame may consume; it is decremented as frames
// are read.
func (d *Decompressor) InitFrame(file FileHandler, maxReadSize *int) (int, error) {
	pos := file.GetPos()
	peek := zstd.HeaderMaxSize
	if *maxReadSize < peek {
		peek = *maxReadSize
	}
	buf := make([]byte, peek)
	if err := file.Read(buf); err != nil && file.GetLastRWSize() == 0 {
		return 0, err
	}
	buf = buf[:file.GetLastRWSize()]
	if err := file.SetPos(pos); err != nil {
		return 0, err
	}
	var header zstd.Header
	if err := header.Decode(buf); err != nil {
		return 0, fmt.Errorf("%w: bad zstd frame header: %v", ErrCompression, err)
	}
	if !header.HasFCS {
		return 0, fmt.Errorf("%w: zstd frame carries no content size", ErrCompression)
	}
	return int(header.FrameContentSize), nil
}

// handlerReader adapts a FileHandler to io.Reader, capped at a byte
// budget shared with the caller.
type handlerReader struct {
	file   FileHandler
	budget *int
}

func (r *handlerReader) Read(p []byte) (int, error) {
	if *r.budget <= 0 {
		return 0, io.EOF
	}
	if len(p) > *r.budget {
		p = p[:*r.budget]
	}
	err := r.file.Read(p)
	n := r.file.GetLastRWSize()
	*r.budget -= n
	if err != nil && n == 0 {
		return 0, err
	}
	return n, nil
}

// ReadFrame decodes one streamed frame into dst, which must be exactly
// the frame's content size as returned by InitFrame.
func (d *Decompressor) ReadFrame(file FileHandler, dst []byte, maxReadSize *int) error {
	dec, err := d.zstdDecoder()
	if err != nil {
		return err
	}
	if err := dec.Reset(&handlerReader{file: file, budget: maxReadSize}); err != nil {
		return fmt.Errorf("%w: %v", ErrCompression, err)
	}
	if _, err := io.ReadFull(dec, dst); err != nil {
		return fmt.Errorf("%w: zstd frame read: %v", ErrCompression, err)
	}
	return nil
}

// Close releases codec resources.
func (d *Decompressor) Close() {
	if d.decoder != nil {
		d.decoder.Close()
		d.decoder = nil
	}
}
