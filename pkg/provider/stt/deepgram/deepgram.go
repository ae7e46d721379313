// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API in buffered mode. It implements the stt.Provider
// interface: the whole utterance is sent over one short-lived WebSocket
// connection, a CloseStream message flushes recognition, and the final
// results are concatenated into a single transcript.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/talaria-ai/talaria/pkg/provider/stt"
	"github.com/talaria-ai/talaria/pkg/types"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// audioChunkBytes is the write granularity for utterance upload. Smaller
	// chunks let Deepgram start recognition before the upload completes.
	audioChunkBytes = 8192
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the Deepgram WebSocket endpoint. Used in tests to
// point at a local fake server.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string
}

// Compile-time check that *Provider satisfies [stt.Provider].
var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Transcribe sends the utterance to Deepgram over a short-lived WebSocket
// connection and collects the final recognition results.
func (p *Provider) Transcribe(ctx context.Context, pcm []byte, cfg stt.AudioConfig) (types.Transcript, error) {
	if len(pcm) == 0 {
		return types.Transcript{}, stt.ErrEmptyAudio
	}

	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "transcription complete")

	// Upload the utterance in chunks, then ask Deepgram to flush.
	for off := 0; off < len(pcm); off += audioChunkBytes {
		end := min(off+audioChunkBytes, len(pcm))
		if err := conn.Write(ctx, websocket.MessageBinary, pcm[off:end]); err != nil {
			return types.Transcript{}, fmt.Errorf("deepgram: send audio: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
		return types.Transcript{}, fmt.Errorf("deepgram: close stream: %w", err)
	}

	return collectFinals(ctx, conn)
}

// collectFinals reads messages until the server closes the connection,
// concatenating every final result into one transcript.
func collectFinals(ctx context.Context, conn *websocket.Conn) (types.Transcript, error) {
	var (
		parts      []string
		words      []types.WordDetail
		confSum    float64
		confCount  int
		gotResults bool
	)

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return types.Transcript{}, fmt.Errorf("deepgram: read: %w", ctx.Err())
			}
			// Server closed after flushing; whatever we collected is the result.
			break
		}

		t, ok := parseResponse(msg)
		if !ok || !t.final {
			continue
		}
		gotResults = true
		if t.transcript.Text != "" {
			parts = append(parts, t.transcript.Text)
			words = append(words, t.transcript.Words...)
			confSum += t.transcript.Confidence
			confCount++
		}
	}

	if !gotResults {
		return types.Transcript{}, errors.New("deepgram: connection closed before any results arrived")
	}

	out := types.Transcript{
		Text:  strings.Join(parts, " "),
		Words: words,
	}
	if confCount > 0 {
		out.Confidence = confSum / float64(confCount)
	}
	if n := len(words); n > 0 {
		out.Duration = words[n-1].End
	}
	return out, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.AudioConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = defaultSampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		// Deepgram keyword format: word:boost (e.g., "Talaria:5")
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
			Words      []struct {
				Word       string  `json:"word"`
				Start      float64 `json:"start"`
				End        float64 `json:"end"`
				Confidence float64 `json:"confidence"`
			} `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// parsedResult pairs a Transcript with its finality flag.
type parsedResult struct {
	transcript types.Transcript
	final      bool
}

// parseResponse parses a raw Deepgram WebSocket message. Returns
// (result, true) on success, or (zero, false) if the message should be ignored.
func parseResponse(data []byte) (parsedResult, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return parsedResult{}, false
	}
	if resp.Type != "Results" {
		return parsedResult{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return parsedResult{}, false
	}

	alt := resp.Channel.Alternatives[0]
	words := make([]types.WordDetail, 0, len(alt.Words))
	for _, w := range alt.Words {
		words = append(words, types.WordDetail{
			Word:       w.Word,
			Start:      time.Duration(w.Start * float64(time.Second)),
			End:        time.Duration(w.End * float64(time.Second)),
			Confidence: w.Confidence,
		})
	}

	return parsedResult{
		transcript: types.Transcript{
			Text:       alt.Transcript,
			Confidence: alt.Confidence,
			Words:      words,
		},
		final: resp.IsFinal,
	}, true
}
