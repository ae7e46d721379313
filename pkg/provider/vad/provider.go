// Package vad defines the Engine interface for Voice Activity Detection backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (energy history, hangover counters) so that multiple concurrent streaming
// sessions can be processed independently.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// detection result, making it suitable for the low-latency frame loop that
// segments utterances ahead of STT.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "github.com/talaria-ai/talaria/pkg/types"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match
	// this size. Typical: 20.
	FrameSizeMs int

	// SpeechThreshold is the probability above which a frame is classified
	// as speech. Range: [0.0, 1.0]. Higher values reduce false positives at
	// the cost of increased speech start latency. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame is classified
	// as silence. Range: [0.0, 1.0]. Must be ≤ SpeechThreshold. Typical: 0.35.
	SilenceThreshold float64

	// MinSpeechFrames is the number of consecutive speech frames required
	// before a VADSpeechStart event fires. Guards against transient noise
	// triggering a turn. Zero means 1 (fire immediately).
	MinSpeechFrames int

	// HangoverFrames is the number of consecutive silence frames tolerated
	// inside a speech segment before VADSpeechEnd fires. Prevents short
	// pauses from splitting an utterance. Zero means end on the first
	// silent frame.
	HangoverFrames int
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations
// without a live engine. Each session maintains its own detection state;
// Reset clears this state without closing the session.
//
// A SessionHandle should not be shared between goroutines unless the
// implementation explicitly guarantees concurrent safety.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian PCM at the SampleRate and
	// FrameSizeMs configured when the session was created. Returns an error
	// if the frame size is wrong or the session is closed.
	//
	// This method is called synchronously in the audio pipeline loop; it
	// must not block.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears all accumulated detection state (energy history, speech
	// counters) without closing the session. Use this after an utterance has
	// been dispatched so stale state does not affect the next segment.
	Reset()

	// Close releases all resources associated with the session. After
	// Close, ProcessFrame returns an error and Reset is a no-op. Calling
	// Close more than once is safe and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions. It is the top-level interface
// implemented by each VAD backend.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported
	// sample rate, frame size, or threshold out of range).
	NewSession(cfg Config) (SessionHandle, error)
}
