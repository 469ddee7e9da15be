package vrs

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

// ContentType is the kind of a content block. The text names are
// persisted in record format descriptors and may never change.
type ContentType uint8

const (
	ContentTypeCustom ContentType = iota
	ContentTypeEmpty
	ContentTypeDataLayout
	ContentTypeImage
	ContentTypeAudio
)

var contentTypeNames = [...]string{"custom", "empty", "data_layout", "image", "audio"}

func (t ContentType) String() string {
	if int(t) < len(contentTypeNames) {
		return contentTypeNames[t]
	}
	return "custom"
}

func parseContentType(name string) (ContentType, bool) {
	for i, n := range contentTypeNames {
		if n == name {
			return ContentType(i), true
		}
	}
	return ContentTypeCustom, false
}

// ContentBlock is a typed portion of a record's payload: custom bytes
// (with an optional format name), nothing, a data layout, an image, or
// audio samples. A block knows its byte size, or reports
// ContentSizeUnknown, in which case the size is deduced from the
// record's total size minus the other blocks' sizes.
type ContentBlock struct {
	contentType  ContentType
	size         int
	imageSpec    ImageSpec
	audioSpec    AudioSpec
	customFormat string
}

// NewContentBlock builds a block of the given type and size.
func NewContentBlock(contentType ContentType, size int) ContentBlock {
	return ContentBlock{contentType: contentType, size: size}
}

// NewEmptyBlock builds a zero-size block.
func NewEmptyBlock() ContentBlock {
	return ContentBlock{contentType: ContentTypeEmpty, size: ContentSizeUnknown}
}

// NewDataLayoutBlock builds a data layout block of unknown size.
func NewDataLayoutBlock() ContentBlock {
	return ContentBlock{contentType: ContentTypeDataLayout, size: ContentSizeUnknown}
}

// NewCustomBlock builds a custom block with an optional format name.
func NewCustomBlock(format string) ContentBlock {
	return ContentBlock{contentType: ContentTypeCustom, size: ContentSizeUnknown, customFormat: format}
}

// NewImageBlock builds an image block from its spec.
func NewImageBlock(spec ImageSpec) ContentBlock {
	return ContentBlock{contentType: ContentTypeImage, size: ContentSizeUnknown, imageSpec: spec}
}

// NewAudioBlock builds an audio block from its spec.
func NewAudioBlock(spec AudioSpec) ContentBlock {
	return ContentBlock{contentType: ContentTypeAudio, size: ContentSizeUnknown, audioSpec: spec}
}

// ParseContentBlock parses one block descriptor, e.g.
// "image/raw/640x480/pixel=grey8" or "custom/size=128/format=calib".
// Parsing is tolerant: unknown tokens are logged and skipped.
func ParseContentBlock(descriptor string) ContentBlock {
	block := ContentBlock{size: ContentSizeUnknown}
	tokens := strings.Split(descriptor, "/")
	contentType, ok := parseContentType(tokens[0])
	if !ok {
		slog.Error("Unknown content block type", "descriptor", descriptor)
		block.contentType = ContentTypeCustom
		return block
	}
	block.contentType = contentType
	tokens = tokens[1:]
	if len(tokens) > 0 && strings.HasPrefix(tokens[0], "size=") {
		if size, err := strconv.ParseUint(tokens[0][len("size="):], 10, 32); err == nil {
			block.size = int(size)
		}
		tokens = tokens[1:]
	}
	switch contentType {
	case ContentTypeImage:
		block.imageSpec = parseImageSpec(tokens, descriptor)
	case ContentTypeAudio:
		block.audioSpec = parseAudioSpec(tokens, descriptor)
	case ContentTypeCustom:
		if len(tokens) > 0 && tokens[0] != "" {
			if strings.HasPrefix(tokens[0], "format=") {
				block.customFormat = sanitizeCustomFormatName(tokens[0][len("format="):])
			} else {
				slog.Error("Invalid custom content block specification", "descriptor", descriptor)
			}
		}
	default:
		if len(tokens) > 0 && tokens[0] != "" {
			slog.Error("Unknown content block specification", "descriptor", descriptor)
		}
	}
	return block
}

// sanitizeCustomFormatName keeps format names safe for the descriptor
// grammar: separator characters are dropped.
func sanitizeCustomFormatName(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '+' || r == '=' || r < 0x20 {
			return -1
		}
		return r
	}, name)
}

// Type returns the kind of the block.
func (b *ContentBlock) Type() ContentType { return b.contentType }

// DeclaredSize returns the size= attribute, or ContentSizeUnknown.
func (b *ContentBlock) DeclaredSize() int { return b.size }

// Image returns the image spec; ok is false for non-image blocks.
func (b *ContentBlock) Image() (ImageSpec, bool) {
	return b.imageSpec, b.contentType == ContentTypeImage
}

// Audio returns the audio spec; ok is false for non-audio blocks.
func (b *ContentBlock) Audio() (AudioSpec, bool) {
	return b.audioSpec, b.contentType == ContentTypeAudio
}

// CustomFormat returns the custom block's format name, possibly empty.
func (b *ContentBlock) CustomFormat() string { return b.customFormat }

// BlockSize returns the byte size of the block, or ContentSizeUnknown.
func (b *ContentBlock) BlockSize() int {
	if b.contentType == ContentTypeEmpty {
		return 0
	}
	if b.size != ContentSizeUnknown {
		return b.size
	}
	switch b.contentType {
	case ContentTypeImage:
		return b.imageSpec.BlockSize()
	case ContentTypeAudio:
		return b.audioSpec.BlockSize()
	}
	return ContentSizeUnknown
}

// WithSize returns a copy of the block with an explicit size.
func (b ContentBlock) WithSize(size int) ContentBlock {
	b.size = size
	return b
}

// String renders the canonical descriptor form of the block.
func (b *ContentBlock) String() string {
	var s strings.Builder
	s.WriteString(b.contentType.String())
	if b.size != ContentSizeUnknown {
		fmt.Fprintf(&s, "/size=%d", b.size)
	}
	var subtype string
	switch b.contentType {
	case ContentTypeImage:
		subtype = b.imageSpec.String()
	case ContentTypeAudio:
		subtype = b.audioSpec.String()
	case ContentTypeCustom:
		if b.customFormat != "" {
			subtype = "format=" + b.customFormat
		}
	}
	if subtype != "" {
		s.WriteByte('/')
		s.WriteString(subtype)
	}
	return s.String()
}
