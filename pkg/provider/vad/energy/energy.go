// Package energy provides an RMS-energy Voice Activity Detection engine.
//
// It classifies each PCM frame by its root-mean-square amplitude: the
// normalised RMS is scaled against a reference level into a pseudo
// speech-probability, then run through a start/hangover state machine so
// that transient noise does not trigger a turn and short pauses do not split
// an utterance. No model files or cgo are required, which makes it the
// default engine for streaming sessions.
//
// The engine is deliberately simple — swap in a model-based Engine
// implementation behind the same interface when higher accuracy is needed.
package energy

import (
	"errors"
	"fmt"

	"github.com/talaria-ai/talaria/pkg/audio"
	"github.com/talaria-ai/talaria/pkg/provider/vad"
	"github.com/talaria-ai/talaria/pkg/types"
)

// DefaultReferenceLevel is the normalised RMS amplitude that maps to
// probability 1.0. Speech at a normal microphone distance typically measures
// 0.02–0.2; 0.05 puts conversational speech comfortably above the default
// 0.5 speech threshold while keeping room noise below it.
const DefaultReferenceLevel = 0.05

// ErrClosed is returned by ProcessFrame after the session has been closed.
var ErrClosed = errors.New("energy: session is closed")

// Option is a functional option for configuring the Engine.
type Option func(*Engine)

// WithReferenceLevel sets the normalised RMS amplitude that maps to speech
// probability 1.0. Lower values make the detector more sensitive.
func WithReferenceLevel(level float64) Option {
	return func(e *Engine) {
		e.referenceLevel = level
	}
}

// Engine implements vad.Engine using frame RMS energy.
// All exported methods are safe for concurrent use.
type Engine struct {
	referenceLevel float64
}

// Compile-time check that *Engine satisfies [vad.Engine].
var _ vad.Engine = (*Engine)(nil)

// New creates an energy-based VAD engine.
func New(opts ...Option) *Engine {
	e := &Engine{referenceLevel: DefaultReferenceLevel}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession implements vad.Engine.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: invalid sample rate %d", cfg.SampleRate)
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, fmt.Errorf("energy: invalid frame size %dms", cfg.FrameSizeMs)
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %f out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %f must be in [0, %f]", cfg.SilenceThreshold, cfg.SpeechThreshold)
	}

	minSpeech := cfg.MinSpeechFrames
	if minSpeech < 1 {
		minSpeech = 1
	}

	return &session{
		cfg:            cfg,
		referenceLevel: e.referenceLevel,
		frameBytes:     audio.DurationMsToBytes(cfg.FrameSizeMs, cfg.SampleRate, 1),
		minSpeech:      minSpeech,
	}, nil
}

// session holds the per-stream detection state machine. It is not safe for
// concurrent use; the streaming session's frame loop is the single caller.
type session struct {
	cfg            vad.Config
	referenceLevel float64
	frameBytes     int
	minSpeech      int

	inSpeech   bool
	speechRun  int // consecutive frames above SpeechThreshold while idle
	silenceRun int // consecutive frames below SilenceThreshold while speaking
	closed     bool
}

// ProcessFrame implements vad.SessionHandle.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, ErrClosed
	}
	if len(frame) != s.frameBytes {
		return types.VADEvent{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	prob := audio.RMS(frame) / s.referenceLevel
	if prob > 1 {
		prob = 1
	}
	ev := types.VADEvent{Probability: prob}

	if s.inSpeech {
		if prob < s.cfg.SilenceThreshold {
			s.silenceRun++
			if s.silenceRun > s.cfg.HangoverFrames {
				s.inSpeech = false
				s.silenceRun = 0
				ev.Type = types.VADSpeechEnd
				return ev, nil
			}
			// Inside the hangover window the segment is still live.
			ev.Type = types.VADSpeechContinue
			return ev, nil
		}
		s.silenceRun = 0
		ev.Type = types.VADSpeechContinue
		return ev, nil
	}

	if prob >= s.cfg.SpeechThreshold {
		s.speechRun++
		if s.speechRun >= s.minSpeech {
			s.inSpeech = true
			s.speechRun = 0
			ev.Type = types.VADSpeechStart
			return ev, nil
		}
		// Not enough consecutive frames yet; still counts as silence
		// externally so the caller does not open a segment early.
		ev.Type = types.VADSilence
		return ev, nil
	}

	s.speechRun = 0
	ev.Type = types.VADSilence
	return ev, nil
}

// Reset implements vad.SessionHandle.
func (s *session) Reset() {
	if s.closed {
		return
	}
	s.inSpeech = false
	s.speechRun = 0
	s.silenceRun = 0
}

// Close implements vad.SessionHandle.
func (s *session) Close() error {
	s.closed = true
	return nil
}
