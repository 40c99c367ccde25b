package whisper_test

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/kiro/pkg/audio"
	"github.com/MrWong99/kiro/pkg/provider/stt/whisper"
)

// newMockServer answers POST /inference with body and records the form
// fields of the last request.
func newMockServer(t *testing.T, body map[string]any, fields *atomic.Value, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if _, _, err := r.FormFile("file"); err != nil {
			http.Error(w, "missing file", http.StatusBadRequest)
			return
		}
		if fields != nil {
			fields.Store(map[string]string{
				"language":        r.FormValue("language"),
				"response_format": r.FormValue("response_format"),
			})
		}
		if calls != nil {
			calls.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func speech(seconds float64) audio.Chunk {
	n := int(16000 * seconds)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return audio.Chunk{Samples: samples, SampleRate: 16000}
}

func TestNew_EmptyURL(t *testing.T) {
	t.Parallel()
	if _, err := whisper.New(""); err == nil {
		t.Fatal("expected error for empty server URL")
	}
}

func TestTranscribe_Text(t *testing.T) {
	t.Parallel()
	var fields atomic.Value
	srv := newMockServer(t, map[string]any{"text": "  remind me to call mom \n"}, &fields, nil)
	p, err := whisper.New(srv.URL+"/", whisper.WithLanguage("de"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := p.Transcribe(context.Background(), speech(1))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "remind me to call mom" {
		t.Errorf("Text = %q, want %q", res.Text, "remind me to call mom")
	}
	if res.Confidence != 1 {
		t.Errorf("Confidence = %v, want 1 without segment log probabilities", res.Confidence)
	}
	if res.Duration.Seconds() != 1 {
		t.Errorf("Duration = %v, want 1s", res.Duration)
	}
	got := fields.Load().(map[string]string)
	if got["language"] != "de" || got["response_format"] != "verbose_json" {
		t.Errorf("form fields = %v", got)
	}
}

func TestTranscribe_SegmentConfidence(t *testing.T) {
	t.Parallel()
	body := map[string]any{
		"text": "hello",
		"segments": []map[string]any{
			{"avg_logprob": math.Log(0.8)},
			{"avg_logprob": math.Log(0.6)},
		},
	}
	srv := newMockServer(t, body, nil, nil)
	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), speech(0.5))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if math.Abs(res.Confidence-0.7) > 1e-9 {
		t.Errorf("Confidence = %v, want 0.7", res.Confidence)
	}
}

func TestTranscribe_EmptyUtteranceSkipsRequest(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newMockServer(t, map[string]any{"text": "x"}, nil, &calls)
	p, _ := whisper.New(srv.URL)
	res, err := p.Transcribe(context.Background(), audio.Chunk{SampleRate: 16000})
	if err != nil || res.Text != "" {
		t.Fatalf("Transcribe(empty) = (%+v, %v), want empty result", res, err)
	}
	if calls.Load() != 0 {
		t.Errorf("server called %d times, want 0", calls.Load())
	}
}

func TestTranscribe_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	p, _ := whisper.New(srv.URL)
	if _, err := p.Transcribe(context.Background(), speech(0.2)); err == nil {
		t.Fatal("expected error on HTTP 500")
	}
}

func TestNewNative_EmptyPath(t *testing.T) {
	t.Parallel()
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path")
	}
}
