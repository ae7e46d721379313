package resilience

import (
	"context"

	"github.com/talaria-ai/talaria/pkg/provider/stt"
	"github.com/talaria-ai/talaria/pkg/types"
)

// STTFallback implements [stt.Provider] with automatic failover across
// multiple transcription backends.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe sends the audio clip to the first healthy provider.
func (f *STTFallback) Transcribe(ctx context.Context, pcm []byte, cfg stt.AudioConfig) (types.Transcript, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (types.Transcript, error) {
		return p.Transcribe(ctx, pcm, cfg)
	})
}
