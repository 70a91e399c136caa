package audio

import (
	"testing"
	"time"
)

func TestDefaultFormat(t *testing.T) {
	f := DefaultFormat()

	if err := f.Validate(); err != nil {
		t.Fatalf("Default format should be valid: %v", err)
	}

	if f.BlockAlign() != 2 {
		t.Errorf("Expected block align 2, got %d", f.BlockAlign())
	}

	if f.BytesPerSecond() != 32000 {
		t.Errorf("Expected 32000 bytes per second, got %d", f.BytesPerSecond())
	}
}

func TestFormatValidate(t *testing.T) {
	tests := []struct {
		name        string
		format      Format
		expectError bool
	}{
		{"mono 16k", Format{SampleRate: 16000, Channels: 1, BitDepth: 16}, false},
		{"stereo 48k", Format{SampleRate: 48000, Channels: 2, BitDepth: 16}, false},
		{"zero sample rate", Format{SampleRate: 0, Channels: 1, BitDepth: 16}, true},
		{"too many channels", Format{SampleRate: 16000, Channels: 6, BitDepth: 16}, true},
		{"8-bit", Format{SampleRate: 16000, Channels: 1, BitDepth: 8}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.format.Validate()
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestValidateFrame(t *testing.T) {
	f := DefaultFormat()

	if err := f.ValidateFrame(nil); err == nil {
		t.Error("Expected error for empty frame")
	}

	if err := f.ValidateFrame(make([]byte, 3)); err == nil {
		t.Error("Expected error for odd-length frame")
	}

	if err := f.ValidateFrame(make([]byte, 320)); err != nil {
		t.Errorf("Unexpected error for aligned frame: %v", err)
	}
}

func TestFrameDuration(t *testing.T) {
	f := DefaultFormat()

	// 3200 bytes = 1600 samples = 100ms at 16 kHz mono
	if got := f.FrameDuration(3200); got != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got %v", got)
	}

	if got := (Format{}).FrameDuration(3200); got != 0 {
		t.Errorf("Expected 0 for empty format, got %v", got)
	}
}

func TestSilence(t *testing.T) {
	f := DefaultFormat()

	frame := f.Silence(50 * time.Millisecond)
	if len(frame) != 1600 {
		t.Fatalf("Expected 1600 bytes of silence, got %d", len(frame))
	}
	for i, b := range frame {
		if b != 0 {
			t.Fatalf("Expected zero byte at %d, got %d", i, b)
		}
	}

	if f.Silence(0) != nil {
		t.Error("Expected nil silence for zero duration")
	}

	if got := len(f.SilenceSamples(8)); got != 16 {
		t.Errorf("Expected 16 bytes for 8 samples, got %d", got)
	}
}
