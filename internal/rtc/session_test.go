package rtc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/talaria-ai/talaria/internal/transcript"
	"github.com/talaria-ai/talaria/internal/transcript/phonetic"
	"github.com/talaria-ai/talaria/internal/turn"
	sttmock "github.com/talaria-ai/talaria/pkg/provider/stt/mock"
	ttsmock "github.com/talaria-ai/talaria/pkg/provider/tts/mock"
	vadmock "github.com/talaria-ai/talaria/pkg/provider/vad/mock"
	"github.com/talaria-ai/talaria/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTurns is a TurnRunner returning a canned reply.
type fakeTurns struct {
	mu       sync.Mutex
	requests []turn.Request
	reply    string
	err      error
}

func (f *fakeTurns) Do(_ context.Context, req turn.Request) (*turn.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &turn.Response{ConversationID: req.ConversationID, Reply: f.reply}, nil
}

func (f *fakeTurns) calls() []turn.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]turn.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// collector gathers emitted protocol messages and audio.
type collector struct {
	mu       sync.Mutex
	messages []ServerMessage
	audio    [][]byte
}

func (c *collector) emit(m ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

func (c *collector) emitAudio(b []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	c.audio = append(c.audio, cp)
}

func (c *collector) byType(t string) []ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []ServerMessage
	for _, m := range c.messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

// speechEvents returns a VAD event script: start, n-2 continues, end.
func speechEvents(n int) []types.VADEvent {
	events := make([]types.VADEvent, n)
	events[0] = types.VADEvent{Type: types.VADSpeechStart, Probability: 0.9}
	for i := 1; i < n-1; i++ {
		events[i] = types.VADEvent{Type: types.VADSpeechContinue, Probability: 0.9}
	}
	events[n-1] = types.VADEvent{Type: types.VADSpeechEnd, Probability: 0.1}
	return events
}

type sessionFixture struct {
	session *Session
	stt     *sttmock.Provider
	tts     *ttsmock.Provider
	turns   *fakeTurns
	vad     *vadmock.Session
	engine  *vadmock.Engine
	out     *collector
}

func newSessionFixture(t *testing.T, cfg SessionConfig, events []types.VADEvent) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		stt:   &sttmock.Provider{Transcript: types.Transcript{Text: "hello there", Confidence: 0.92}},
		tts:   &ttsmock.Provider{SynthesizeChunks: [][]byte{{1, 2}, {3, 4}}},
		turns: &fakeTurns{reply: "Hi! How can I help?"},
		vad:   &vadmock.Session{Events: events},
		out:   &collector{},
	}
	f.engine = &vadmock.Engine{Session: f.vad}
	if cfg.ConversationID == "" {
		cfg.ConversationID = "conv-1"
	}
	deps := SessionDeps{
		STT:    f.stt,
		TTS:    f.tts,
		Turns:  f.turns,
		Logger: quietLogger(),
	}
	s, err := NewSession(cfg, deps, f.engine, f.out.emit, f.out.emitAudio)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	f.session = s
	return f
}

// frames returns n VAD frames worth of zeroed PCM at the default format.
func frames(s *Session, n int) []byte {
	return make([]byte, s.frameBytes*n)
}

func TestSession_UtteranceFlow(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	s := f.session

	if err := s.Feed(context.Background(), frames(s, 3)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	s.processing.Wait()

	// The full utterance (all three frames) reaches STT in one clip.
	if got := len(f.stt.TranscribeCalls); got != 1 {
		t.Fatalf("STT called %d times, want 1", got)
	}
	if got := len(f.stt.TranscribeCalls[0].PCM); got != s.frameBytes*3 {
		t.Errorf("STT clip = %d bytes, want %d", got, s.frameBytes*3)
	}

	trs := f.out.byType(ServerTranscript)
	if len(trs) != 1 || trs[0].Text != "hello there" {
		t.Errorf("transcript messages = %+v", trs)
	}
	if trs[0].Confidence != 0.92 {
		t.Errorf("Confidence = %v, want 0.92", trs[0].Confidence)
	}

	reqs := f.turns.calls()
	if len(reqs) != 1 {
		t.Fatalf("turns called %d times, want 1", len(reqs))
	}
	if reqs[0].Mode != "voice" || reqs[0].ConversationID != "conv-1" || reqs[0].Message != "hello there" {
		t.Errorf("turn request = %+v", reqs[0])
	}

	resps := f.out.byType(ServerResponse)
	if len(resps) != 1 || resps[0].Text != "Hi! How can I help?" {
		t.Errorf("response messages = %+v", resps)
	}

	f.out.mu.Lock()
	audioChunks := len(f.out.audio)
	f.out.mu.Unlock()
	if audioChunks != 2 {
		t.Errorf("audio chunks = %d, want 2", audioChunks)
	}
}

func TestSession_StateTransitions(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	s := f.session

	s.Feed(context.Background(), frames(s, 3))
	s.processing.Wait()

	var states []State
	for _, m := range f.out.byType(ServerStateChange) {
		states = append(states, m.State)
	}
	// The cycle ends back in listening, ready for the next utterance.
	want := []State{StateListening, StateProcessing, StateSpeaking, StateListening}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("state[%d] = %v, want %v", i, states[i], want[i])
		}
	}
}

func TestSession_ReplyIsSentenceSplitForSynthesis(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	f.turns.reply = "First sentence. Second one! And a tail"
	s := f.session

	s.Feed(context.Background(), frames(s, 3))
	s.processing.Wait()

	got := f.tts.Sentences(0)
	want := []string{"First sentence.", "Second one!", "And a tail"}
	if len(got) != len(want) {
		t.Fatalf("sentences = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sentence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSession_CorrectorFixesTranscript(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	f.stt.Transcript = types.Transcript{Text: "restart tell aria now", Confidence: 0.8}

	corrector := transcript.NewCorrector(phonetic.New())
	corrector.SetVocabulary([]string{"Talaria"})
	f.session.deps.Corrector = corrector
	s := f.session

	s.Feed(context.Background(), frames(s, 3))
	s.processing.Wait()

	reqs := f.turns.calls()
	if len(reqs) != 1 {
		t.Fatalf("turns called %d times, want 1", len(reqs))
	}
	if !strings.Contains(reqs[0].Message, "Talaria") {
		t.Errorf("turn message = %q, want corrected vocabulary", reqs[0].Message)
	}
}

func TestSession_MaxUtteranceDurationForcesCut(t *testing.T) {
	// 40ms cap at the default format = two 20ms frames.
	events := []types.VADEvent{
		{Type: types.VADSpeechStart, Probability: 0.9},
		{Type: types.VADSpeechContinue, Probability: 0.9},
		{Type: types.VADSpeechContinue, Probability: 0.9},
		{Type: types.VADSpeechContinue, Probability: 0.9},
	}
	f := newSessionFixture(t, SessionConfig{MaxAudioDuration: 40 * time.Millisecond}, events)
	s := f.session

	s.Feed(context.Background(), frames(s, 4))
	s.processing.Wait()

	if got := len(f.stt.TranscribeCalls); got == 0 {
		t.Fatal("capped utterance never reached STT")
	}
	if got := len(f.stt.TranscribeCalls[0].PCM); got != s.maxUtterance {
		t.Errorf("clip = %d bytes, want cut at the %d-byte cap", got, s.maxUtterance)
	}
}

// blockingTurns holds every turn open until released.
type blockingTurns struct {
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	count int
}

func (b *blockingTurns) Do(_ context.Context, req turn.Request) (*turn.Response, error) {
	b.mu.Lock()
	b.count++
	b.mu.Unlock()
	b.entered <- struct{}{}
	<-b.release
	return &turn.Response{ConversationID: req.ConversationID, Reply: "done"}, nil
}

func (b *blockingTurns) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

func TestSession_AudioDuringTurnIsIgnored(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	bt := &blockingTurns{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.session.deps.Turns = bt
	s := f.session

	if err := s.Feed(context.Background(), frames(s, 3)); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	<-bt.entered // first turn now in flight, session is processing

	// Audio arriving mid-turn must be dropped with an error, not queued as a
	// second utterance.
	if err := s.Feed(context.Background(), frames(s, 3)); err != nil {
		t.Fatalf("Feed during turn: %v", err)
	}
	close(bt.release)
	s.processing.Wait()

	if got := bt.calls(); got != 1 {
		t.Errorf("turns called %d times, want 1", got)
	}
	errs := f.out.byType(ServerError)
	if len(errs) != 1 || errs[0].Code != "state_violation" {
		t.Errorf("error messages = %+v, want one state_violation", errs)
	}
	if got := f.vad.FrameCount(); got != 3 {
		t.Errorf("VAD processed %d frames, want 3 (mid-turn audio never segmented)", got)
	}
}

func TestSession_ReconfigureRetunesDetector(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, nil)
	s := f.session

	if err := s.Reconfigure(Tuning{SilenceTimeout: 1500 * time.Millisecond}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	if got := len(f.engine.NewSessionCalls); got != 2 {
		t.Fatalf("detector created %d times, want 2 (initial + retune)", got)
	}
	// 1500ms of hangover at 20ms frames.
	if got := f.engine.NewSessionCalls[1].Cfg.HangoverFrames; got != 75 {
		t.Errorf("retuned HangoverFrames = %d, want 75", got)
	}
	if f.vad.CloseCallCount != 1 {
		t.Errorf("old detector closed %d times, want 1", f.vad.CloseCallCount)
	}
	if got := s.Settings().SilenceTimeoutMs; got != 1500 {
		t.Errorf("SilenceTimeoutMs = %d, want 1500", got)
	}
}

func TestSession_ReconfigureVoiceKeepsDetector(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, nil)
	s := f.session

	if err := s.Reconfigure(Tuning{VoiceID: "nova", SpeedFactor: 1.2, Language: "de"}); err != nil {
		t.Fatalf("Reconfigure: %v", err)
	}

	if got := len(f.engine.NewSessionCalls); got != 1 {
		t.Errorf("voice-only change rebuilt the detector (%d creations)", got)
	}
	if got := s.Settings().Language; got != "de" {
		t.Errorf("Language = %q, want de", got)
	}
}

func TestSession_EmptyTranscriptSkipsTurn(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	f.stt.Transcript = types.Transcript{Text: "   "}
	s := f.session

	s.Feed(context.Background(), frames(s, 3))
	s.processing.Wait()

	if got := len(f.turns.calls()); got != 0 {
		t.Errorf("turns called %d times for an empty transcript, want 0", got)
	}
	if got := f.out.byType(ServerTranscript); len(got) != 0 {
		t.Errorf("transcript messages = %+v, want none", got)
	}
}

func TestSession_TurnFailureEmitsError(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	f.turns.err = errors.New("model down")
	s := f.session

	s.Feed(context.Background(), frames(s, 3))
	s.processing.Wait()

	errs := f.out.byType(ServerError)
	if len(errs) != 1 || errs[0].Code != "turn_failed" {
		t.Errorf("error messages = %+v, want one turn_failed", errs)
	}
	if got := f.out.byType(ServerResponse); len(got) != 0 {
		t.Errorf("response messages = %+v, want none", got)
	}
}

func TestSession_FeedAfterClose(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, nil)
	s := f.session

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Feed(context.Background(), frames(s, 1)); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Feed after close = %v, want ErrSessionClosed", err)
	}
	if f.vad.CloseCallCount != 1 {
		t.Errorf("VAD Close called %d times, want 1", f.vad.CloseCallCount)
	}
	// Closing twice is safe.
	if err := s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestSession_PartialFramesAreBuffered(t *testing.T) {
	f := newSessionFixture(t, SessionConfig{}, speechEvents(3))
	s := f.session

	// Deliver the same 3 frames in awkwardly sized pieces.
	all := frames(s, 3)
	half := len(all) / 2
	s.Feed(context.Background(), all[:half])
	s.Feed(context.Background(), all[half:])
	s.processing.Wait()

	if got := f.vad.FrameCount(); got != 3 {
		t.Errorf("VAD processed %d frames, want 3", got)
	}
	if got := len(f.stt.TranscribeCalls); got != 1 {
		t.Errorf("STT called %d times, want 1", got)
	}
}

func TestNewSessionID_Format(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if !strings.HasPrefix(id, "rtc_") {
			t.Fatalf("id = %q, want rtc_ prefix", id)
		}
		if len(id) != len("rtc_")+32 {
			t.Fatalf("id length = %d, want %d", len(id), len("rtc_")+32)
		}
		if id != strings.ToLower(id) {
			t.Fatalf("id = %q, want lowercase", id)
		}
		if seen[id] {
			t.Fatal("duplicate session id generated")
		}
		seen[id] = true
	}
}
