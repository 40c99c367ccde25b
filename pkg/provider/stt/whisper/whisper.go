// Package whisper provides speech-to-text providers backed by whisper.cpp.
//
// [Provider] talks to a running whisper.cpp HTTP server (the "server" example
// binary) by POSTing a WAV file to its /inference endpoint.
// [NativeProvider] links whisper.cpp directly through its Go bindings and
// runs inference in-process (requires CGO and a ggml model file).
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Option is a functional option for [Provider].
type Option func(*Provider)

// WithModel sets the model name sent with each request. Most whisper.cpp
// servers ignore it and use the model they were started with.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithLanguage sets the BCP-47 language code. Default: "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) { p.language = lang }
}

// WithHTTPClient replaces the default HTTP client (30s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider is a whisper.cpp HTTP server client.
type Provider struct {
	serverURL  string
	model      string
	language   string
	httpClient *http.Client
}

// New returns a Provider for the whisper.cpp server at serverURL
// (e.g. "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse is the verbose_json reply of the /inference endpoint.
// Segments are absent for plain json replies.
type inferenceResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		AvgLogprob *float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, utterance audio.Chunk) (stt.Result, error) {
	res := stt.Result{Duration: utterance.Duration(), Language: p.language}
	if utterance.Empty() {
		return res, nil
	}

	wav, err := audio.EncodeWAV(utterance)
	if err != nil {
		return res, fmt.Errorf("whisper: %w", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return res, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return res, fmt.Errorf("whisper: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        p.language,
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return res, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return res, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+"/inference", &body)
	if err != nil {
		return res, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return res, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("whisper: read response body: %w", err)
	}
	var parsed inferenceResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return res, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	res.Text = strings.TrimSpace(parsed.Text)
	if parsed.Language != "" {
		res.Language = parsed.Language
	}
	if res.Text != "" {
		res.Confidence = segmentConfidence(parsed)
	}
	return res, nil
}

// segmentConfidence averages exp(avg_logprob) over segments, or returns 1
// when the server did not report log probabilities.
func segmentConfidence(r inferenceResponse) float64 {
	var sum float64
	n := 0
	for _, s := range r.Segments {
		if s.AvgLogprob == nil {
			continue
		}
		sum += math.Exp(*s.AvgLogprob)
		n++
	}
	if n == 0 {
		return 1
	}
	return min(1, sum/float64(n))
}
