package vrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFormatStringRoundTrip(t *testing.T) {
	// Canonical descriptors re-parse and re-print identically.
	canonical := []string{
		"empty",
		"data_layout",
		"data_layout/size=48",
		"custom",
		"custom/format=calibration",
		"custom/size=128/format=calibration",
		"image/raw/640x480/pixel=grey8/stride=640",
		"image/raw/640x480/pixel=yuv_i420_split",
		"image/jpg",
		"image/jpg/1920x1080",
		"image/video/1280x720/pixel=grey8/codec=H.264/codec_quality=85",
		"audio/pcm/int16le/channels=2/rate=48000/samples=480",
		"audio/opus/channels=1",
		"data_layout+image/raw/100x100/pixel=rgb8",
		"data_layout/size=16+audio/pcm/float32le/channels=4/rate=44100/samples=441+empty",
	}
	for _, descriptor := range canonical {
		format := ParseRecordFormat(descriptor)
		assert.Equal(t, descriptor, format.String(), "round trip of %q", descriptor)
	}
}

func TestRecordFormatParseTolerance(t *testing.T) {
	// Unknown keys are skipped; what was understood stays canonical.
	format := ParseRecordFormat("image/raw/640x480/pixel=grey8/wibble=7")
	assert.Equal(t, "image/raw/640x480/pixel=grey8", format.String())

	// Re-parsing the canonical form is idempotent.
	again := ParseRecordFormat(format.String())
	assert.Equal(t, format.String(), again.String())
}

func TestContentBlockSizes(t *testing.T) {
	raw := ParseContentBlock("image/raw/640x480/pixel=grey8")
	assert.Equal(t, 640*480, raw.BlockSize())

	yuv := ParseContentBlock("image/raw/640x480/pixel=yuv_i420_split")
	// Full plane plus two half-width half-height planes.
	assert.Equal(t, 640*480+2*320*240, yuv.BlockSize())

	raw10 := ParseContentBlock("image/raw/642x480/pixel=raw10")
	// Groups of 4 pixels use 5 bytes; 642 pixels round up to 161 groups.
	assert.Equal(t, 161*5*480, raw10.BlockSize())

	jpg := ParseContentBlock("image/jpg")
	assert.Equal(t, ContentSizeUnknown, jpg.BlockSize())

	pcm := ParseContentBlock("audio/pcm/int16le/channels=2/rate=48000/samples=480")
	assert.Equal(t, 4*480, pcm.BlockSize())

	sized := ParseContentBlock("custom/size=96")
	assert.Equal(t, 96, sized.BlockSize())

	empty := ParseContentBlock("empty")
	assert.Equal(t, 0, empty.BlockSize())
}

func TestResolveBlockSizes(t *testing.T) {
	// One unknown-size block gets the residual.
	format := ParseRecordFormat("data_layout/size=32+image/jpg")
	sizes, err := format.ResolveBlockSizes(1032)
	require.NoError(t, err)
	assert.Equal(t, []int{32, 1000}, sizes)

	// No unknown blocks: the sum must match exactly.
	fixed := ParseRecordFormat("custom/size=10+custom/size=20")
	sizes, err = fixed.ResolveBlockSizes(30)
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20}, sizes)
	_, err = fixed.ResolveBlockSizes(31)
	assert.Error(t, err)

	// Two unknown blocks cannot be resolved.
	twoUnknown := ParseRecordFormat("image/jpg+image/png")
	_, err = twoUnknown.ResolveBlockSizes(100)
	assert.Error(t, err)

	// Negative residual fails.
	format = ParseRecordFormat("custom/size=64+image/jpg")
	_, err = format.ResolveBlockSizes(32)
	assert.Error(t, err)
}

func TestBlockSizeInRecord(t *testing.T) {
	format := ParseRecordFormat("custom/size=16+image/jpg")
	assert.Equal(t, 16, format.BlockSizeInRecord(0, 100))
	assert.Equal(t, 84, format.BlockSizeInRecord(1, 84))

	// The unknown block is not last, but the blocks after it have known
	// sizes, so it still resolves.
	middle := ParseRecordFormat("image/jpg+custom/size=10")
	assert.Equal(t, 90, middle.BlockSizeInRecord(0, 100))
}

func TestRecordFormatTagNames(t *testing.T) {
	assert.Equal(t, "RF:Data:3", RecordFormatTagName(RecordTypeData, 3))
	assert.Equal(t, "DL:Configuration:1:0", DataLayoutTagName(RecordTypeConfiguration, 1, 0))

	recordType, version, ok := ParseRecordFormatTagName("RF:Data:3")
	require.True(t, ok)
	assert.Equal(t, RecordTypeData, recordType)
	assert.Equal(t, uint32(3), version)

	_, _, ok = ParseRecordFormatTagName("RF:Bogus:3")
	assert.False(t, ok)
	_, _, ok = ParseRecordFormatTagName("DL:Data:3:0")
	assert.False(t, ok)
	_, _, ok = ParseRecordFormatTagName("serial")
	assert.False(t, ok)
}

func TestAddRecordFormatValidation(t *testing.T) {
	layout, err := NewDataLayout(DataPiece{Name: "exposure", Type: "float64"})
	require.NoError(t, err)

	tags := map[string]string{}
	format := ParseRecordFormat("data_layout+image/jpg")
	// Layout present at the data_layout block: fine.
	require.NoError(t, AddRecordFormat(tags, RecordTypeData, 1, format, []*DataLayout{layout}))
	assert.Contains(t, tags, "RF:Data:1")
	assert.Contains(t, tags, "DL:Data:1:0")

	// Missing layout for a data_layout block: reported.
	tags = map[string]string{}
	err = AddRecordFormat(tags, RecordTypeData, 2, format, nil)
	assert.ErrorIs(t, err, ErrMissingLayout)
	// The format tag is still written; the condition is reported, not
	// silently dropped.
	assert.Contains(t, tags, "RF:Data:2")

	// Layout at a non-layout block: also reported.
	tags = map[string]string{}
	imageOnly := ParseRecordFormat("image/jpg")
	err = AddRecordFormat(tags, RecordTypeData, 3, imageOnly, []*DataLayout{layout})
	assert.Error(t, err)
}

func TestGetRecordFormatsAndLayouts(t *testing.T) {
	layout, err := NewDataLayout(
		DataPiece{Name: "exposure", Type: "float64"},
		DataPiece{Name: "camera_serial", Type: "string"},
	)
	require.NoError(t, err)

	tags := map[string]string{"serial": "X1"}
	format := ParseRecordFormat("data_layout+image/raw/64x64/pixel=grey8")
	require.NoError(t, AddRecordFormat(tags, RecordTypeData, 1, format, []*DataLayout{layout}))

	formats := GetRecordFormats(tags)
	require.Len(t, formats, 1)
	got, ok := formats[RecordFormatKey{RecordType: RecordTypeData, FormatVersion: 1}]
	require.True(t, ok)
	assert.Equal(t, format.String(), got.String())

	restored := GetDataLayout(tags, RecordTypeData, 1, 0)
	require.NotNil(t, restored)
	assert.Equal(t, layout.AsJSON(), restored.AsJSON())
	assert.Nil(t, GetDataLayout(tags, RecordTypeData, 1, 1))
}

func TestAudioSpecStrideRules(t *testing.T) {
	spec := NewPcmAudioSpec(AudioSampleS16LE, 2, 48000, 480)
	assert.Equal(t, uint8(4), spec.EffectiveSampleFrameStride())
	assert.Equal(t, 4*480, spec.PcmBlockSize())
	assert.True(t, spec.IsSampleBlockFormatDefined())

	// An explicit padded stride shows up in the canonical string.
	spec.SampleFrameStride = 6
	assert.Contains(t, spec.String(), "/stride=6")

	opus := NewOpusAudioSpec(1)
	assert.Equal(t, ContentSizeUnknown, opus.BlockSize())
}

func TestImageSpecVideoString(t *testing.T) {
	spec := NewVideoImageSpec("vp9", 90, PixelFormatRgb8, 320, 240)
	spec.KeyFrameTimestamp = 1.25
	spec.KeyFrameIndex = 4
	text := spec.String()
	assert.Contains(t, text, "video/320x240/pixel=rgb8")
	assert.Contains(t, text, "codec=vp9")
	assert.Contains(t, text, "keyframe_timestamp=1.250000000")
	assert.Contains(t, text, "keyframe_index=4")

	// Codec names with separator characters survive a round trip.
	spec.CodecName = "weird/codec+name"
	block := NewImageBlock(spec)
	parsed := ParseContentBlock(block.String())
	image, ok := parsed.Image()
	require.True(t, ok)
	assert.Equal(t, "weird/codec+name", image.CodecName)
}
