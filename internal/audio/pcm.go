package audio

import (
	"fmt"
	"time"
)

// Linear16 stream parameters expected by the speech services
const (
	DefaultSampleRate = 16000
	DefaultChannels   = 1
	DefaultBitDepth   = 16
	EncodingLinear16  = "linear16"
)

// Format describes raw PCM framing
type Format struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultFormat returns 16 kHz mono linear16
func DefaultFormat() Format {
	return Format{
		SampleRate: DefaultSampleRate,
		Channels:   DefaultChannels,
		BitDepth:   DefaultBitDepth,
	}
}

// BlockAlign returns the number of bytes per sample frame across all channels
func (f Format) BlockAlign() int {
	return f.Channels * f.BitDepth / 8
}

// BytesPerSecond returns the byte rate of the format
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.BlockAlign()
}

// Validate checks that the format is usable for streaming
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", f.SampleRate)
	}
	if f.Channels < 1 || f.Channels > 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", f.Channels)
	}
	if f.BitDepth != 16 {
		return fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", f.BitDepth)
	}
	return nil
}

// ValidateFrame checks that a frame is non-empty and sample aligned
func (f Format) ValidateFrame(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("empty audio frame")
	}
	if align := f.BlockAlign(); align > 0 && len(frame)%align != 0 {
		return fmt.Errorf("audio frame length %d is not a multiple of %d", len(frame), align)
	}
	return nil
}

// FrameDuration returns the playback duration of a frame of n bytes
func (f Format) FrameDuration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(bps)
}

// Silence returns a zeroed frame covering at least d, rounded up to whole samples
func (f Format) Silence(d time.Duration) []byte {
	align := f.BlockAlign()
	if align <= 0 || d <= 0 {
		return nil
	}
	samples := (int64(d)*int64(f.SampleRate) + int64(time.Second) - 1) / int64(time.Second)
	if samples < 1 {
		samples = 1
	}
	return make([]byte, int(samples)*align)
}

// SilenceSamples returns a zeroed frame of exactly n samples
func (f Format) SilenceSamples(n int) []byte {
	if n <= 0 {
		return nil
	}
	return make([]byte, n*f.BlockAlign())
}
