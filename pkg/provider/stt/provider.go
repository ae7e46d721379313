// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram or a local
// Whisper server) and exposes a uniform utterance-level interface: the
// streaming session layer segments speech with VAD and hands each complete
// utterance to Transcribe as one buffered PCM clip. This keeps provider
// implementations simple — no partial-result plumbing — while still bounding
// transcription latency to a single round trip per utterance.
//
// Implementations must be safe for concurrent use. Multiple utterances may be
// in flight simultaneously (one per active streaming session).
package stt

import (
	"context"
	"errors"

	"github.com/talaria-ai/talaria/pkg/types"
)

// ErrEmptyAudio is returned by Transcribe when the supplied PCM buffer is
// empty or too short to contain speech.
var ErrEmptyAudio = errors.New("stt: audio buffer is empty")

// AudioConfig describes the audio format and recognition hints for a
// transcription request. All fields must be compatible with what the
// underlying provider supports.
type AudioConfig struct {
	// SampleRate is the audio sample rate in Hz. The canonical session
	// format is 16000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most
	// STT providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// An empty string lets the provider auto-detect, if supported.
	Language string

	// Keywords is a list of vocabulary hints that increase recognition
	// probability for domain terms harvested from the knowledge base. See
	// types.KeywordBoost for the boost intensity semantics.
	Keywords []types.KeywordBoost
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Transcribe converts a complete utterance of raw 16-bit PCM into text.
	// The buffer must match the SampleRate and Channels declared in cfg.
	//
	// Returns ErrEmptyAudio if pcm contains no audio, or a provider error
	// if the backend rejects the request or ctx is cancelled first.
	Transcribe(ctx context.Context, pcm []byte, cfg AudioConfig) (types.Transcript, error)
}
