package vrs

import (
	"fmt"
	"log/slog"
	"strings"
)

// AudioFormat describes how audio bytes are encoded. Values are
// persisted and may never change.
type AudioFormat uint8

const (
	AudioFormatUndefined AudioFormat = iota
	AudioFormatPcm
	AudioFormatOpus
)

var audioFormatNames = [...]string{"undefined", "pcm", "opus"}

func (f AudioFormat) String() string {
	if int(f) < len(audioFormatNames) {
		return audioFormatNames[f]
	}
	return "undefined"
}

// ParseAudioFormat converts an audio format name back to its value.
func ParseAudioFormat(name string) AudioFormat {
	for i, n := range audioFormatNames {
		if n == name {
			return AudioFormat(i)
		}
	}
	return AudioFormatUndefined
}

// AudioSampleFormat describes one PCM sample. The numeric values and the
// text names are persisted in data layout definitions and may NEVER be
// changed.
type AudioSampleFormat uint8

const (
	AudioSampleUndefined AudioSampleFormat = iota
	AudioSampleS8
	AudioSampleU8
	AudioSampleALaw
	AudioSampleMuLaw
	AudioSampleS16LE
	AudioSampleU16LE
	AudioSampleS16BE
	AudioSampleU16BE
	AudioSampleS24LE
	AudioSampleU24LE
	AudioSampleS24BE
	AudioSampleU24BE
	AudioSampleS32LE
	AudioSampleU32LE
	AudioSampleS32BE
	AudioSampleU32BE
	AudioSampleF32LE
	AudioSampleF32BE
	AudioSampleF64LE
	AudioSampleF64BE
)

var audioSampleFormatNames = [...]string{
	"undefined", "int8", "uint8", "uint8alaw", "uint8mulaw", "int16le", "uint16le",
	"int16be", "uint16be", "int24le", "uint24le", "int24be", "uint24be", "int32le",
	"uint32le", "int32be", "uint32be", "float32le", "float32be", "float64le", "float64be",
}

func (f AudioSampleFormat) String() string {
	if int(f) < len(audioSampleFormatNames) {
		return audioSampleFormatNames[f]
	}
	return "undefined"
}

// ParseAudioSampleFormat converts a sample format name back to its value.
func ParseAudioSampleFormat(name string) AudioSampleFormat {
	for i, n := range audioSampleFormatNames {
		if n == name {
			return AudioSampleFormat(i)
		}
	}
	return AudioSampleUndefined
}

// BitsPerSample returns the bit width of one sample.
func (f AudioSampleFormat) BitsPerSample() int {
	switch f {
	case AudioSampleS8, AudioSampleU8, AudioSampleALaw, AudioSampleMuLaw:
		return 8
	case AudioSampleS16LE, AudioSampleU16LE, AudioSampleS16BE, AudioSampleU16BE:
		return 16
	case AudioSampleS24LE, AudioSampleU24LE, AudioSampleS24BE, AudioSampleU24BE:
		return 24
	case AudioSampleS32LE, AudioSampleU32LE, AudioSampleS32BE, AudioSampleU32BE, AudioSampleF32LE, AudioSampleF32BE:
		return 32
	case AudioSampleF64LE, AudioSampleF64BE:
		return 64
	}
	return 0
}

// IsLittleEndian tells the sample byte order; single-byte formats report
// little-endian.
func (f AudioSampleFormat) IsLittleEndian() bool {
	switch f {
	case AudioSampleS16BE, AudioSampleU16BE, AudioSampleS24BE, AudioSampleU24BE,
		AudioSampleS32BE, AudioSampleU32BE, AudioSampleF32BE, AudioSampleF64BE:
		return false
	}
	return true
}

// AudioSpec describes the audio bytes of an audio content block: PCM
// sample frames, or an opus-encoded packet.
type AudioSpec struct {
	AudioFormat       AudioFormat
	SampleFormat      AudioSampleFormat
	ChannelCount      uint8
	SampleFrameStride uint8 // bytes per sample frame, 0 for packed
	SampleFrameRate   uint32
	SampleFrameCount  uint32
	StereoPairCount   uint8
}

// NewPcmAudioSpec describes packed PCM sample frames.
func NewPcmAudioSpec(sampleFormat AudioSampleFormat, channelCount uint8, sampleRate, sampleCount uint32) AudioSpec {
	return AudioSpec{
		AudioFormat:      AudioFormatPcm,
		SampleFormat:     sampleFormat,
		ChannelCount:     channelCount,
		SampleFrameRate:  sampleRate,
		SampleFrameCount: sampleCount,
	}
}

// NewOpusAudioSpec describes an opus-encoded packet.
func NewOpusAudioSpec(channelCount uint8) AudioSpec {
	return AudioSpec{AudioFormat: AudioFormatOpus, ChannelCount: channelCount}
}

// parseAudioSpec consumes the tokens following "audio" in a content
// block descriptor. Unknown tokens are logged and skipped.
func parseAudioSpec(tokens []string, source string) AudioSpec {
	var spec AudioSpec
	if len(tokens) == 0 || tokens[0] == "" {
		return spec
	}
	spec.AudioFormat = ParseAudioFormat(tokens[0])
	if spec.AudioFormat == AudioFormatUndefined {
		slog.Error("Could not parse audio format", "token", tokens[0], "descriptor", source)
		return spec
	}
	for _, token := range tokens[1:] {
		if spec.SampleFormat == AudioSampleUndefined {
			if f := ParseAudioSampleFormat(token); f != AudioSampleUndefined {
				spec.SampleFormat = f
				continue
			}
		}
		var v uint32
		switch {
		case spec.ChannelCount == 0 && parseUint32Field(token, "channels=", &v):
			spec.ChannelCount = uint8(v)
		case spec.SampleFrameRate == 0 && parseUint32Field(token, "rate=", &v):
			spec.SampleFrameRate = v
		case spec.SampleFrameCount == 0 && parseUint32Field(token, "samples=", &v):
			spec.SampleFrameCount = v
		case spec.SampleFrameStride == 0 && parseUint32Field(token, "stride=", &v):
			spec.SampleFrameStride = uint8(v)
		default:
			slog.Error("Could not parse audio spec token", "token", token, "descriptor", source)
		}
	}
	return spec
}

// String renders the canonical descriptor form of the spec.
func (s *AudioSpec) String() string {
	if s.AudioFormat == AudioFormatUndefined {
		return ""
	}
	var b strings.Builder
	b.WriteString(s.AudioFormat.String())
	if s.SampleFormat != AudioSampleUndefined {
		b.WriteByte('/')
		b.WriteString(s.SampleFormat.String())
	}
	if s.ChannelCount != 0 {
		fmt.Fprintf(&b, "/channels=%d", s.ChannelCount)
	}
	if s.SampleFrameRate != 0 {
		fmt.Fprintf(&b, "/rate=%d", s.SampleFrameRate)
	}
	if s.SampleFrameCount != 0 {
		fmt.Fprintf(&b, "/samples=%d", s.SampleFrameCount)
	}
	if int(s.EffectiveSampleFrameStride())*8 != s.SampleFormat.BitsPerSample()*int(s.ChannelCount) {
		fmt.Fprintf(&b, "/stride=%d", s.SampleFrameStride)
	}
	return b.String()
}

// EffectiveSampleFrameStride returns the bytes per sample frame, explicit
// or packed.
func (s *AudioSpec) EffectiveSampleFrameStride() uint8 {
	if s.SampleFrameStride > 0 {
		return s.SampleFrameStride
	}
	return uint8(s.SampleFormat.BitsPerSample() / 8 * int(s.ChannelCount))
}

// PcmBlockSize returns stride times frame count, when both are known.
func (s *AudioSpec) PcmBlockSize() int {
	stride := int(s.EffectiveSampleFrameStride())
	if stride > 0 && s.SampleFrameCount > 0 {
		return stride * int(s.SampleFrameCount)
	}
	return ContentSizeUnknown
}

// BlockSize returns the byte size of the block, known only for PCM.
func (s *AudioSpec) BlockSize() int {
	if s.AudioFormat == AudioFormatPcm {
		return s.PcmBlockSize()
	}
	return ContentSizeUnknown
}

// IsSampleBlockFormatDefined tells whether the PCM sample layout is
// fully specified.
func (s *AudioSpec) IsSampleBlockFormatDefined() bool {
	return s.AudioFormat == AudioFormatPcm &&
		s.SampleFormat != AudioSampleUndefined && s.ChannelCount != 0
}

// IsCompatibleWith tells whether two specs describe the same sample
// layout, ignoring the frame count.
func (s *AudioSpec) IsCompatibleWith(other *AudioSpec) bool {
	return s.SampleFormat == other.SampleFormat &&
		s.ChannelCount == other.ChannelCount &&
		s.EffectiveSampleFrameStride() == other.EffectiveSampleFrameStride() &&
		s.SampleFrameRate == other.SampleFrameRate
}
