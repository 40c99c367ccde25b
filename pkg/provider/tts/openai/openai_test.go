package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/kiro/pkg/provider/tts/openai"
)

func TestNew_EmptyKey(t *testing.T) {
	t.Parallel()
	if _, err := openai.New(""); err == nil {
		t.Fatal("expected error for empty API key")
	}
}

func TestSynthesize(t *testing.T) {
	t.Parallel()
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/audio/speech") {
			http.Error(w, "unexpected path "+r.URL.Path, http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write([]byte{0x00, 0x40, 0x00, 0xc0, 0x01})
	}))
	defer srv.Close()

	p, err := openai.New("sk-test", openai.WithBaseURL(srv.URL), openai.WithVoice("nova"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunk, err := p.Synthesize(context.Background(), "You have one task.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if chunk.SampleRate != openai.SampleRate {
		t.Errorf("SampleRate = %d, want %d", chunk.SampleRate, openai.SampleRate)
	}
	if len(chunk.Samples) != 2 || chunk.Samples[0] != 0.5 || chunk.Samples[1] != -0.5 {
		t.Errorf("Samples = %v, want [0.5 -0.5]", chunk.Samples)
	}
	if body["voice"] != "nova" || body["response_format"] != "pcm" || body["input"] != "You have one task." {
		t.Errorf("request body = %v", body)
	}
}
