package speech

import (
	"context"
	"fmt"
	"time"

	"github.com/Halo-Medical-Solutions-Inc/halo-backend/internal/audio"
)

// EventType identifies a vendor event
type EventType int

const (
	// EventTranscript carries an interim or final transcript fragment
	EventTranscript EventType = iota
	// EventUtteranceEnd signals a silence boundary without a final-turn flag
	EventUtteranceEnd
	// EventError reports a vendor-side error; the connection may still be open
	EventError
)

// String returns the event type name
func (t EventType) String() string {
	switch t {
	case EventTranscript:
		return "transcript"
	case EventUtteranceEnd:
		return "utterance_end"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(t))
	}
}

// Event is a message received from the speech service
type Event struct {
	Type        EventType
	Text        string
	IsFinal     bool
	SpeechFinal bool
	Err         error
}

// Options are the stream parameters sent to the speech service
type Options struct {
	SampleRate     int
	Channels       int
	Encoding       string
	Model          string
	Language       string
	Diarize        bool
	UtteranceEndMs int
}

// DefaultOptions returns mono 16 kHz linear16 with turn detection enabled
func DefaultOptions() Options {
	return Options{
		SampleRate:     audio.DefaultSampleRate,
		Channels:       audio.DefaultChannels,
		Encoding:       audio.EncodingLinear16,
		Language:       "en-US",
		UtteranceEndMs: 1000,
	}
}

// Format returns the PCM format described by the options
func (o Options) Format() audio.Format {
	return audio.Format{
		SampleRate: o.SampleRate,
		Channels:   o.Channels,
		BitDepth:   audio.DefaultBitDepth,
	}
}

// KeepAlivePolicy controls when silence is sent on an idle connection.
// Every Interval the stream sends a keep-alive if no audio was sent for
// longer than IdleThreshold. A zero IdleThreshold sends on every tick.
type KeepAlivePolicy struct {
	Interval      time.Duration
	IdleThreshold time.Duration
}

// Provider opens connections to one speech-to-text vendor
type Provider interface {
	// Name returns the vendor name used in logs and metrics
	Name() string
	// Dial opens a new streaming connection
	Dial(ctx context.Context, opts Options) (Conn, error)
	// KeepAlive returns the vendor's default keep-alive policy
	KeepAlive() KeepAlivePolicy
}

// Conn is one live streaming connection. SendAudio and KeepAlive may be
// called concurrently. The Events channel is closed once the connection has
// terminated for any reason.
type Conn interface {
	Events() <-chan Event
	SendAudio(frame []byte) error
	KeepAlive() error
	// Close asks the service to finish the stream and closes the connection,
	// waiting at most until ctx is done
	Close(ctx context.Context) error
}
