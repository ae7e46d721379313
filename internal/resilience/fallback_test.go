package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/talaria-ai/talaria/pkg/provider/llm"
	llmmock "github.com/talaria-ai/talaria/pkg/provider/llm/mock"
	"github.com/talaria-ai/talaria/pkg/provider/stt"
	sttmock "github.com/talaria-ai/talaria/pkg/provider/stt/mock"
	"github.com/talaria-ai/talaria/pkg/types"
)

func testFallbackConfig() FallbackConfig {
	return FallbackConfig{
		Breaker: BreakerConfig{FailureThreshold: 2, Cooldown: time.Hour, ProbeQuota: 1},
		Logger:  quietLogger(),
	}
}

func TestFallbackGroup_PrimaryPreferred(t *testing.T) {
	primaryCalls, fallbackCalls := 0, 0
	fg := NewFallbackGroup(func() { primaryCalls++ }, "primary", testFallbackConfig())
	fg.AddFallback("backup", func() { fallbackCalls++ })

	err := fg.Execute(func(f func()) error { f(); return nil })
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if primaryCalls != 1 || fallbackCalls != 0 {
		t.Errorf("calls = primary %d / fallback %d, want 1/0", primaryCalls, fallbackCalls)
	}
}

func TestFallbackGroup_FailoverOnError(t *testing.T) {
	type backend struct{ name string }
	fg := NewFallbackGroup(&backend{"a"}, "a", testFallbackConfig())
	fg.AddFallback("b", &backend{"b"})

	got, err := ExecuteWithResult(fg, func(b *backend) (string, error) {
		if b.name == "a" {
			return "", errBoom
		}
		return b.name, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "b" {
		t.Errorf("result = %q, want b", got)
	}
}

func TestFallbackGroup_AllFailed(t *testing.T) {
	fg := NewFallbackGroup("only", "only", testFallbackConfig())

	err := fg.Execute(func(string) error { return errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroup_OpenBreakerSkipsPrimary(t *testing.T) {
	primaryCalls := 0
	fg := NewFallbackGroup(&primaryCalls, "primary", testFallbackConfig())
	healthy := 0
	fg.AddFallback("backup", &healthy)

	// Trip the primary's breaker (threshold 2).
	for i := 0; i < 2; i++ {
		fg.Execute(func(c *int) error {
			if c == &primaryCalls {
				*c++
				return errBoom
			}
			return nil
		})
	}

	before := primaryCalls
	err := fg.Execute(func(c *int) error {
		if c == &primaryCalls {
			*c++
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if primaryCalls != before {
		t.Errorf("primary called %d times after breaker opened, want skipped", primaryCalls-before)
	}
}

func TestLLMFallback_FailsOverToBackup(t *testing.T) {
	primary := &llmmock.Provider{CompleteErr: errBoom}
	backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "from backup"}}

	f := NewLLMFallback(primary, "primary", testFallbackConfig())
	f.AddFallback("backup", backup)

	resp, err := f.Complete(context.Background(), llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "from backup" {
		t.Errorf("Content = %q, want from backup", resp.Content)
	}
	if primary.CompleteCallCount() != 1 || backup.CompleteCallCount() != 1 {
		t.Errorf("calls = primary %d / backup %d, want 1/1",
			primary.CompleteCallCount(), backup.CompleteCallCount())
	}
}

func TestSTTFallback_FailsOverToBackup(t *testing.T) {
	primary := &sttmock.Provider{Err: errBoom}
	backup := &sttmock.Provider{Transcript: types.Transcript{Text: "hello world", Confidence: 0.9}}

	f := NewSTTFallback(primary, "primary", testFallbackConfig())
	f.AddFallback("backup", backup)

	tr, err := f.Transcribe(context.Background(), []byte{0, 0, 0, 0}, stt.AudioConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "hello world" {
		t.Errorf("Text = %q, want hello world", tr.Text)
	}
}
