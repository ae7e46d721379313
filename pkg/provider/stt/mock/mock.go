// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to feed controlled Transcript values and inspect which
// utterances were submitted for transcription.
//
// Example:
//
//	p := &mock.Provider{
//	    Transcript: types.Transcript{Text: "hello there", Confidence: 0.9},
//	}
//	tr, _ := p.Transcribe(ctx, pcm, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/talaria-ai/talaria/pkg/provider/stt"
	"github.com/talaria-ai/talaria/pkg/types"
)

// TranscribeCall records a single invocation of Provider.Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// PCM is a copy of the audio bytes that were passed to Transcribe.
	PCM []byte
	// Cfg is the AudioConfig passed to Transcribe.
	Cfg stt.AudioConfig
}

// Provider is a mock implementation of stt.Provider.
// Zero values cause Transcribe to return an empty Transcript and nil error.
type Provider struct {
	mu sync.Mutex

	// Transcript is returned by Transcribe when TranscribeFunc and Err are
	// unset.
	Transcript types.Transcript

	// Err, if non-nil, is returned as the error from Transcribe.
	Err error

	// TranscribeFunc, if non-nil, overrides Transcript/Err entirely. Useful
	// for returning a different transcript per utterance.
	TranscribeFunc func(ctx context.Context, pcm []byte, cfg stt.AudioConfig) (types.Transcript, error)

	// TranscribeCalls records every call to Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// Transcribe records the call and returns the configured result.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.AudioConfig) (types.Transcript, error) {
	p.mu.Lock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, PCM: cp, Cfg: cfg})
	fn := p.TranscribeFunc
	tr, err := p.Transcript, p.Err
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, pcm, cfg)
	}
	if err != nil {
		return types.Transcript{}, err
	}
	return tr, nil
}

// CallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}
