package vrs

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte("sensor frame "), 512)
	presets := []CompressionPreset{
		CompressionPresetLz4Fast,
		CompressionPresetLz4Tight,
		CompressionPresetZstdFast,
		CompressionPresetZstdMedium,
		CompressionPresetZstdMax,
	}
	for _, preset := range presets {
		compressor := NewCompressor()
		size, err := compressor.Compress(data, preset)
		if err != nil {
			t.Fatalf("%v: %v", preset, err)
		}
		if size == 0 || int(size) >= len(data) {
			t.Fatalf("%v: expected repetitive data to shrink, got %d", preset, size)
		}
		wantType := CompressionLz4
		if preset.IsZstd() {
			wantType = CompressionZstd
		}
		if compressor.CompressionType() != wantType {
			t.Errorf("%v: compression type = %d", preset, compressor.CompressionType())
		}
		decompressor := NewDecompressor()
		restored, err := decompressor.Decompress(compressor.Data()[:size], len(data), compressor.CompressionType())
		if err != nil {
			t.Fatalf("%v: decompress: %v", preset, err)
		}
		if !bytes.Equal(restored, data) {
			t.Errorf("%v: round trip mismatch", preset)
		}
		compressor.Close()
		decompressor.Close()
	}
}

func TestCompressSkipsSmallPayloads(t *testing.T) {
	compressor := NewCompressor()
	defer compressor.Close()
	size, err := compressor.Compress([]byte("tiny"), CompressionPresetZstdMedium)
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 {
		t.Errorf("Expected payloads under the minimum to stay raw, got %d", size)
	}
}

func TestCompressIncompressibleData(t *testing.T) {
	data := make([]byte, 4096)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	compressor := NewCompressor()
	defer compressor.Close()
	size, err := compressor.Compress(data, CompressionPresetLz4Fast)
	if err != nil {
		t.Fatal(err)
	}
	if size != 0 && int(size) >= len(data) {
		t.Errorf("Compression must report 0 when the output is not smaller, got %d", size)
	}
}

func TestFrameStreamingRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin")
	file := NewDiskFile()
	if err := file.Create(path); err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	part1 := bytes.Repeat([]byte{1, 2, 3, 4}, 1000)
	part2 := bytes.Repeat([]byte{9, 8, 7}, 1000)
	total := len(part1) + len(part2)

	compressor := NewCompressor()
	defer compressor.Close()
	var compressedSize uint32
	if err := compressor.StartFrame(total, CompressionPresetZstdFast); err != nil {
		t.Fatal(err)
	}
	if err := compressor.AddFrameData(file, part1, &compressedSize, 0); err != nil {
		t.Fatal(err)
	}
	if err := compressor.AddFrameData(file, part2, &compressedSize, 0); err != nil {
		t.Fatal(err)
	}
	if err := compressor.EndFrame(file, &compressedSize, 0); err != nil {
		t.Fatal(err)
	}
	if int64(compressedSize) != file.GetTotalSize() {
		t.Errorf("compressedSize %d != file size %d", compressedSize, file.GetTotalSize())
	}

	if err := file.SetPos(0); err != nil {
		t.Fatal(err)
	}
	decompressor := NewDecompressor()
	defer decompressor.Close()
	budget := int(compressedSize)
	frameSize, err := decompressor.InitFrame(file, &budget)
	if err != nil {
		t.Fatal(err)
	}
	if frameSize != total {
		t.Errorf("frame declares %d bytes, want %d", frameSize, total)
	}
	restored := make([]byte, total)
	if err := decompressor.ReadFrame(file, restored, &budget); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored[:len(part1)], part1) || !bytes.Equal(restored[len(part1):], part2) {
		t.Error("Frame round trip mismatch")
	}
}

func TestFrameBudgetEnforced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "budget.bin")
	file := NewDiskFile()
	if err := file.Create(path); err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	data := make([]byte, 1<<16)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}
	compressor := NewCompressor()
	defer compressor.Close()
	var compressedSize uint32
	budget := 128 // incompressible data cannot fit
	if err := compressor.StartFrame(len(data), CompressionPresetZstdFast); err != nil {
		t.Fatal(err)
	}
	err := compressor.AddFrameData(file, data, &compressedSize, budget)
	if err == nil {
		err = compressor.EndFrame(file, &compressedSize, budget)
	}
	if err == nil {
		t.Fatal("Expected the frame to fail its byte budget")
	}
	if file.GetTotalSize() > int64(budget) {
		t.Errorf("%d bytes written, more than the %d byte budget", file.GetTotalSize(), budget)
	}
}

func TestFrameOverflowRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overflow.bin")
	file := NewDiskFile()
	if err := file.Create(path); err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	compressor := NewCompressor()
	defer compressor.Close()
	var compressedSize uint32
	if err := compressor.StartFrame(10, CompressionPresetZstdFast); err != nil {
		t.Fatal(err)
	}
	if err := compressor.AddFrameData(file, make([]byte, 11), &compressedSize, 0); err == nil {
		t.Error("Expected adding more than the declared frame size to fail")
	}
	// Ending a frame with missing bytes fails too.
	if err := compressor.StartFrame(10, CompressionPresetZstdFast); err != nil {
		t.Fatal(err)
	}
	if err := compressor.EndFrame(file, &compressedSize, 0); err == nil {
		t.Error("Expected ending an incomplete frame to fail")
	}
}

func TestFrameRequiresZstdPreset(t *testing.T) {
	compressor := NewCompressor()
	defer compressor.Close()
	if err := compressor.StartFrame(10, CompressionPresetLz4Fast); err == nil {
		t.Error("The frame API only supports zstd presets")
	}
}
