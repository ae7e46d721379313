package energy

import (
	"errors"
	"testing"

	"github.com/talaria-ai/talaria/pkg/audio"
	"github.com/talaria-ai/talaria/pkg/provider/vad"
	"github.com/talaria-ai/talaria/pkg/types"
)

func testConfig() vad.Config {
	return vad.Config{
		SampleRate:       16000,
		FrameSizeMs:      20,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
		MinSpeechFrames:  2,
		HangoverFrames:   3,
	}
}

// frames of 20ms @ 16kHz mono are 640 bytes.
func speechFrame() []byte {
	return audio.SineWave(300, 20, 16000, 0.5)
}

func silenceFrame() []byte {
	return make([]byte, 640)
}

func newSession(t *testing.T, cfg vad.Config) vad.SessionHandle {
	t.Helper()
	s, err := New().NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()

	e := New()
	tests := []struct {
		name string
		cfg  vad.Config
	}{
		{"zero sample rate", vad.Config{FrameSizeMs: 20, SpeechThreshold: 0.5}},
		{"zero frame size", vad.Config{SampleRate: 16000, SpeechThreshold: 0.5}},
		{"speech threshold above 1", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 1.5}},
		{"silence above speech", vad.Config{SampleRate: 16000, FrameSizeMs: 20, SpeechThreshold: 0.4, SilenceThreshold: 0.6}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.NewSession(tt.cfg); err == nil {
				t.Error("expected error for invalid config")
			}
		})
	}
}

func TestProcessFrame_WrongSize(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	if _, err := s.ProcessFrame(make([]byte, 100)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestProcessFrame_SilenceStaysSilent(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	for i := 0; i < 10; i++ {
		ev, err := s.ProcessFrame(silenceFrame())
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type != types.VADSilence {
			t.Fatalf("frame %d: type = %v, want silence", i, ev.Type)
		}
	}
}

func TestProcessFrame_SpeechStartRequiresMinFrames(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig()) // MinSpeechFrames = 2

	ev, err := s.ProcessFrame(speechFrame())
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSilence {
		t.Errorf("first speech frame: type = %v, want silence (below min run)", ev.Type)
	}

	ev, err = s.ProcessFrame(speechFrame())
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSpeechStart {
		t.Errorf("second speech frame: type = %v, want speech_start", ev.Type)
	}

	ev, err = s.ProcessFrame(speechFrame())
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if ev.Type != types.VADSpeechContinue {
		t.Errorf("third speech frame: type = %v, want speech_continue", ev.Type)
	}
}

func TestProcessFrame_SingleNoiseFrameIgnored(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())

	// One noisy frame followed by silence must never open a segment.
	if ev, _ := s.ProcessFrame(speechFrame()); ev.Type != types.VADSilence {
		t.Errorf("noise frame: type = %v, want silence", ev.Type)
	}
	if ev, _ := s.ProcessFrame(silenceFrame()); ev.Type != types.VADSilence {
		t.Errorf("after noise: type = %v, want silence", ev.Type)
	}
}

func TestProcessFrame_HangoverBridgesShortPause(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig()) // HangoverFrames = 3

	s.ProcessFrame(speechFrame())
	s.ProcessFrame(speechFrame()) // speech_start

	// Two silent frames: inside hangover, still speech_continue.
	for i := 0; i < 2; i++ {
		ev, err := s.ProcessFrame(silenceFrame())
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if ev.Type != types.VADSpeechContinue {
			t.Fatalf("hangover frame %d: type = %v, want speech_continue", i, ev.Type)
		}
	}

	// Speech resumes; the silence run must reset.
	if ev, _ := s.ProcessFrame(speechFrame()); ev.Type != types.VADSpeechContinue {
		t.Error("resumed speech should continue the segment")
	}

	// Four silent frames in a row exceed the hangover and end the segment.
	var last types.VADEvent
	for i := 0; i < 4; i++ {
		last, _ = s.ProcessFrame(silenceFrame())
	}
	if last.Type != types.VADSpeechEnd {
		t.Errorf("after hangover exceeded: type = %v, want speech_end", last.Type)
	}
}

func TestReset_ClearsState(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	s.ProcessFrame(speechFrame())
	s.ProcessFrame(speechFrame()) // in speech now
	s.Reset()

	// After reset the detector must demand a fresh min-speech run.
	if ev, _ := s.ProcessFrame(speechFrame()); ev.Type != types.VADSilence {
		t.Errorf("after reset: type = %v, want silence", ev.Type)
	}
}

func TestClose_RejectsFurtherFrames(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := s.ProcessFrame(silenceFrame()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestProbability_ScalesWithAmplitude(t *testing.T) {
	t.Parallel()

	s := newSession(t, testConfig())
	loud, _ := s.ProcessFrame(speechFrame())
	if loud.Probability <= 0.5 {
		t.Errorf("loud frame probability = %f, want > 0.5", loud.Probability)
	}
	quiet, _ := s.ProcessFrame(silenceFrame())
	if quiet.Probability != 0 {
		t.Errorf("silent frame probability = %f, want 0", quiet.Probability)
	}
}
