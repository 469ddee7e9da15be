package vrs

import (
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
)

// ContentSizeUnknown marks a block size that must be deduced from the
// record's total size.
const ContentSizeUnknown = math.MaxInt64

// PixelFormat describes raw image pixel data. The numeric values and the
// text names are persisted in data layout definitions and may NEVER be
// changed.
type PixelFormat uint8

const (
	PixelFormatUndefined PixelFormat = iota
	PixelFormatGrey8
	PixelFormatBgr8
	PixelFormatDepth32F
	PixelFormatRgb8
	PixelFormatYuvI420Split
	PixelFormatRgba8
	PixelFormatRgb10
	PixelFormatRgb12
	PixelFormatGrey10
	PixelFormatGrey12
	PixelFormatGrey16
	PixelFormatRgb32F
	PixelFormatScalar64F
	PixelFormatYuy2
	PixelFormatRgbIrRaw4x4
	PixelFormatRgba32F
	PixelFormatBayer8Rggb
	PixelFormatRaw10
	PixelFormatRaw10BayerRggb
	PixelFormatRaw10BayerBggr
	PixelFormatYuv420Nv21
	PixelFormatYuv420Nv12
	PixelFormatGrey10Packed
	pixelFormatCount
)

var pixelFormatNames = [...]string{
	"undefined", "grey8", "bgr8", "depth32f", "rgb8",
	"yuv_i420_split", "rgba8", "rgb10", "rgb12", "grey10",
	"grey12", "grey16", "rgb32F", "scalar64F", "yuy2",
	"rgb_ir_4x4", "rgba32F", "bayer8_rggb", "raw10", "raw10_bayer_rggb",
	"raw10_bayer_bggr", "yuv_420_nv21", "yuv_420_nv12", "grey10packed",
}

func (p PixelFormat) String() string {
	if int(p) < len(pixelFormatNames) {
		return pixelFormatNames[p]
	}
	return "undefined"
}

// ParsePixelFormat converts a pixel format name back to its value.
func ParsePixelFormat(name string) PixelFormat {
	for i, n := range pixelFormatNames {
		if n == name {
			return PixelFormat(i)
		}
	}
	return PixelFormatUndefined
}

// ChannelCount returns the number of channels per pixel, independent of
// the memory representation.
func (p PixelFormat) ChannelCount() int {
	switch p {
	case PixelFormatGrey8, PixelFormatGrey10, PixelFormatGrey12, PixelFormatGrey16,
		PixelFormatDepth32F, PixelFormatScalar64F, PixelFormatBayer8Rggb,
		PixelFormatRaw10, PixelFormatRaw10BayerRggb, PixelFormatRaw10BayerBggr,
		PixelFormatGrey10Packed:
		return 1
	case PixelFormatBgr8, PixelFormatRgb8, PixelFormatRgb10, PixelFormatRgb12,
		PixelFormatRgb32F, PixelFormatRgbIrRaw4x4, PixelFormatYuvI420Split,
		PixelFormatYuy2, PixelFormatYuv420Nv21, PixelFormatYuv420Nv12:
		return 3
	case PixelFormatRgba8, PixelFormatRgba32F:
		return 4
	}
	return 0
}

// BytesPerPixel returns the pixel byte size, or ContentSizeUnknown for
// packed and planar formats that do not store pixels in successive bytes.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatGrey8, PixelFormatRgbIrRaw4x4, PixelFormatBayer8Rggb:
		return 1
	case PixelFormatGrey10, PixelFormatGrey12, PixelFormatGrey16:
		return 2
	case PixelFormatRgb8, PixelFormatBgr8:
		return 3
	case PixelFormatDepth32F, PixelFormatRgba8:
		return 4
	case PixelFormatRgb10, PixelFormatRgb12:
		return 6
	case PixelFormatScalar64F:
		return 8
	case PixelFormatRgb32F:
		return 12
	case PixelFormatRgba32F:
		return 16
	}
	return ContentSizeUnknown
}

// PlaneCount returns the number of pixel planes of the format.
func (p PixelFormat) PlaneCount() int {
	switch p {
	case PixelFormatYuvI420Split:
		return 3
	case PixelFormatYuv420Nv21, PixelFormatYuv420Nv12:
		return 2
	}
	return 1
}

// ImageFormat describes how image bytes are encoded. Values are
// persisted and may never change.
type ImageFormat uint8

const (
	ImageFormatUndefined ImageFormat = iota
	ImageFormatRaw
	ImageFormatJpg
	ImageFormatPng
	ImageFormatVideo
	ImageFormatJxl
	ImageFormatCustomCodec
)

var imageFormatNames = [...]string{"undefined", "raw", "jpg", "png", "video", "jxl", "custom_codec"}

func (f ImageFormat) String() string {
	if int(f) < len(imageFormatNames) {
		return imageFormatNames[f]
	}
	return "undefined"
}

// ParseImageFormat converts an image format name back to its value.
func ParseImageFormat(name string) ImageFormat {
	for i, n := range imageFormatNames {
		if n == name {
			return ImageFormat(i)
		}
	}
	return ImageFormatUndefined
}

// QualityUndefined means no codec quality was specified. Valid qualities
// are 0..100.
const QualityUndefined uint8 = 255

// InvalidKeyFrameTimestamp means no key frame timestamp was specified.
const InvalidKeyFrameTimestamp = -1

// ImageSpec describes the image bytes of an image content block: a raw
// pixel buffer, a self-described encoding (jpg, png, jxl), a video codec
// frame, or a custom codec frame.
type ImageSpec struct {
	ImageFormat       ImageFormat
	PixelFormat       PixelFormat
	Width             uint32
	Height            uint32
	Stride            uint32 // explicit first-plane stride, 0 for default
	Stride2           uint32 // explicit second/third-plane stride, 0 for default
	CodecName         string
	CodecQuality      uint8
	KeyFrameTimestamp float64
	KeyFrameIndex     uint32
}

// NewRawImageSpec describes an uncompressed pixel buffer.
func NewRawImageSpec(pixelFormat PixelFormat, width, height uint32) ImageSpec {
	return ImageSpec{
		ImageFormat:       ImageFormatRaw,
		PixelFormat:       pixelFormat,
		Width:             width,
		Height:            height,
		CodecQuality:      QualityUndefined,
		KeyFrameTimestamp: InvalidKeyFrameTimestamp,
	}
}

// NewVideoImageSpec describes a video codec frame.
func NewVideoImageSpec(codecName string, codecQuality uint8, pixelFormat PixelFormat, width, height uint32) ImageSpec {
	return ImageSpec{
		ImageFormat:       ImageFormatVideo,
		PixelFormat:       pixelFormat,
		Width:             width,
		Height:            height,
		CodecName:         codecName,
		CodecQuality:      codecQuality,
		KeyFrameTimestamp: InvalidKeyFrameTimestamp,
	}
}

// parseImageSpec consumes the tokens following "image" in a content
// block descriptor. Unknown tokens are logged and skipped.
func parseImageSpec(tokens []string, source string) ImageSpec {
	spec := ImageSpec{CodecQuality: QualityUndefined, KeyFrameTimestamp: InvalidKeyFrameTimestamp}
	if len(tokens) == 0 || tokens[0] == "" {
		return spec
	}
	spec.ImageFormat = ParseImageFormat(tokens[0])
	if spec.ImageFormat == ImageFormatUndefined {
		slog.Error("Could not parse image format", "token", tokens[0], "descriptor", source)
		return spec
	}
	for _, token := range tokens[1:] {
		switch {
		case spec.Width == 0 && parseDimensions(token, &spec.Width, &spec.Height):
		case spec.PixelFormat == PixelFormatUndefined && strings.HasPrefix(token, "pixel="):
			spec.PixelFormat = ParsePixelFormat(token[len("pixel="):])
		case spec.Stride == 0 && parseUint32Field(token, "stride=", &spec.Stride):
		case spec.Stride2 == 0 && parseUint32Field(token, "stride_2=", &spec.Stride2):
		case spec.CodecName == "" && strings.HasPrefix(token, "codec="):
			spec.CodecName = unescapeString(token[len("codec="):])
		case strings.HasPrefix(token, "codec_quality="):
			if q, err := strconv.ParseUint(token[len("codec_quality="):], 10, 32); err == nil {
				if q <= 100 {
					spec.CodecQuality = uint8(q)
				}
			}
		case strings.HasPrefix(token, "keyframe_timestamp="):
			if ts, err := strconv.ParseFloat(token[len("keyframe_timestamp="):], 64); err == nil {
				spec.KeyFrameTimestamp = ts
			}
		case parseUint32Field(token, "keyframe_index=", &spec.KeyFrameIndex):
		default:
			slog.Error("Could not parse image spec token", "token", token, "descriptor", source)
		}
	}
	return spec
}

func parseDimensions(token string, width, height *uint32) bool {
	x := strings.IndexByte(token, 'x')
	if x <= 0 {
		return false
	}
	w, err := strconv.ParseUint(token[:x], 10, 32)
	if err != nil {
		return false
	}
	h, err := strconv.ParseUint(token[x+1:], 10, 32)
	if err != nil {
		return false
	}
	*width, *height = uint32(w), uint32(h)
	return true
}

func parseUint32Field(token, prefix string, out *uint32) bool {
	if !strings.HasPrefix(token, prefix) {
		return false
	}
	v, err := strconv.ParseUint(token[len(prefix):], 10, 32)
	if err != nil {
		return false
	}
	*out = uint32(v)
	return true
}

// String renders the canonical descriptor form of the spec.
func (s *ImageSpec) String() string {
	if s.ImageFormat == ImageFormatUndefined {
		return ""
	}
	var b strings.Builder
	b.WriteString(s.ImageFormat.String())
	if s.Width > 0 && s.Height > 0 {
		fmt.Fprintf(&b, "/%dx%d", s.Width, s.Height)
	}
	if s.PixelFormat != PixelFormatUndefined {
		b.WriteString("/pixel=")
		b.WriteString(s.PixelFormat.String())
	}
	if s.ImageFormat == ImageFormatRaw || s.ImageFormat == ImageFormatVideo ||
		s.ImageFormat == ImageFormatCustomCodec {
		if s.Stride > 0 {
			fmt.Fprintf(&b, "/stride=%d", s.Stride)
		}
		if s.Stride2 > 0 {
			fmt.Fprintf(&b, "/stride_2=%d", s.Stride2)
		}
		if s.ImageFormat == ImageFormatVideo || s.ImageFormat == ImageFormatCustomCodec {
			if s.CodecName != "" {
				b.WriteString("/codec=")
				b.WriteString(escapeString(s.CodecName))
			}
			if s.CodecQuality <= 100 {
				fmt.Fprintf(&b, "/codec_quality=%d", s.CodecQuality)
			}
			if s.ImageFormat == ImageFormatVideo && s.KeyFrameTimestamp != InvalidKeyFrameTimestamp {
				fmt.Fprintf(&b, "/keyframe_timestamp=%.9f/keyframe_index=%d", s.KeyFrameTimestamp, s.KeyFrameIndex)
			}
		}
	}
	return b.String()
}

// EffectiveStride returns the first-plane stride, explicit or default.
func (s *ImageSpec) EffectiveStride() uint32 {
	if s.Stride > 0 {
		return s.Stride
	}
	return s.DefaultStride()
}

// DefaultStride computes the first-plane stride implied by the pixel
// format and width.
func (s *ImageSpec) DefaultStride() uint32 {
	if bpp := s.PixelFormat.BytesPerPixel(); bpp != ContentSizeUnknown {
		return s.Width * uint32(bpp)
	}
	switch s.PixelFormat {
	case PixelFormatYuvI420Split, PixelFormatYuv420Nv21, PixelFormatYuv420Nv12:
		return s.Width
	case PixelFormatRaw10, PixelFormatRaw10BayerRggb, PixelFormatRaw10BayerBggr, PixelFormatGrey10Packed:
		// Groups of 4 pixels use 5 bytes, sharing the 5th for their last two bits.
		return (s.Width + 3) / 4 * 5
	case PixelFormatYuy2:
		// Groups of 2 pixels store their data in 4 bytes.
		return (s.Width + 1) / 2 * 4
	}
	return 0
}

// DefaultStride2 computes the second/third-plane stride for planar
// formats.
func (s *ImageSpec) DefaultStride2() uint32 {
	switch s.PixelFormat {
	case PixelFormatYuvI420Split:
		// Second and third planes use one byte per 2x2 square.
		return (s.Width + 1) / 2
	case PixelFormatYuv420Nv21, PixelFormatYuv420Nv12:
		// One U+V pair for each 2x2 block of pixels.
		return s.Width + s.Width%2
	}
	return 0
}

// PlaneStride returns the stride of a plane, explicit or default.
func (s *ImageSpec) PlaneStride(plane int) uint32 {
	if plane == 0 {
		return s.EffectiveStride()
	}
	if plane >= s.PixelFormat.PlaneCount() {
		return 0
	}
	if s.Stride2 > 0 {
		return s.Stride2
	}
	return s.DefaultStride2()
}

// PlaneHeight returns the pixel height of a plane.
func (s *ImageSpec) PlaneHeight(plane int) uint32 {
	if plane == 0 {
		return s.Height
	}
	if plane >= s.PixelFormat.PlaneCount() {
		return 0
	}
	switch s.PixelFormat {
	case PixelFormatYuvI420Split, PixelFormatYuv420Nv21, PixelFormatYuv420Nv12:
		return (s.Height + 1) / 2
	}
	return 0
}

// RawImageSize sums per-plane stride times plane height.
func (s *ImageSpec) RawImageSize() int {
	if s.PixelFormat == PixelFormatUndefined || s.Width == 0 || s.Height == 0 {
		return ContentSizeUnknown
	}
	size := 0
	for plane := 0; plane < s.PixelFormat.PlaneCount(); plane++ {
		size += int(s.PlaneStride(plane)) * int(s.PlaneHeight(plane))
	}
	if size == 0 {
		return ContentSizeUnknown
	}
	return size
}

// BlockSize returns the byte size of the block, known only for raw
// images.
func (s *ImageSpec) BlockSize() int {
	if s.ImageFormat == ImageFormatRaw {
		return s.RawImageSize()
	}
	return ContentSizeUnknown
}

// escapeString protects descriptor separator characters in free-form
// names with %XX hex escapes.
func escapeString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' || c == '+' || c == '=' || c == '%' || c < 0x20 {
			fmt.Fprintf(&b, "%%%02X", c)
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

func unescapeString(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && i+2 < len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(v))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
