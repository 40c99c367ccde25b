package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/coder/websocket"

	"github.com/MrWong99/kiro/pkg/provider/tts"
)

// ---- construction ----

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "voice"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty voice")
	}
	if _, err := New("key", "voice", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Error("expected error for non-PCM output format")
	}
	p, err := New("key", "voice", WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.sampleRate != 24000 {
		t.Errorf("sampleRate = %d, want 24000", p.sampleRate)
	}
}

func TestStreamURL(t *testing.T) {
	p, err := New("key", "voice-abc123")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := "wss://api.elevenlabs.io/v1/text-to-speech/voice-abc123/stream-input?model_id=eleven_flash_v2_5"
	if got := p.streamURL(); got != want {
		t.Errorf("streamURL() = %q, want %q", got, want)
	}
}

// ---- Synthesize ----

// fakeServer accepts one WebSocket, records the text messages and answers
// the flush command with two audio frames.
func fakeServer(t *testing.T, got chan<- []map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/text-to-speech/voice-1/stream-input") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		var msgs []map[string]any
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			_ = json.Unmarshal(data, &msg)
			msgs = append(msgs, msg)
			if msg["text"] == "" {
				break
			}
		}
		got <- msgs
		frames := []audioResponse{
			{Audio: base64.StdEncoding.EncodeToString([]byte{0x00, 0x40})},
			{Audio: base64.StdEncoding.EncodeToString([]byte{0x00, 0xc0}), IsFinal: true},
		}
		for _, f := range frames {
			data, _ := json.Marshal(f)
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
		conn.Close(websocket.StatusNormalClosure, "")
	}))
}

func TestSynthesize(t *testing.T) {
	received := make(chan []map[string]any, 1)
	srv := fakeServer(t, received)
	defer srv.Close()

	p, err := New("xi-key", "voice-1", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	chunk, err := p.Synthesize(context.Background(), "I'll remind you at 5 PM.")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if chunk.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", chunk.SampleRate)
	}
	if len(chunk.Samples) != 2 || chunk.Samples[0] != 0.5 || chunk.Samples[1] != -0.5 {
		t.Errorf("Samples = %v, want [0.5 -0.5]", chunk.Samples)
	}

	got := <-received
	if len(got) != 3 {
		t.Fatalf("server received %d messages, want 3", len(got))
	}
	if got[0]["xi_api_key"] != "xi-key" || got[0]["output_format"] != "pcm_16000" {
		t.Errorf("handshake = %v", got[0])
	}
	if got[1]["text"] != "I'll remind you at 5 PM. " {
		t.Errorf("text message = %v", got[1])
	}
	if _, ok := got[2]["voice_settings"]; ok {
		t.Error("flush message should not contain voice_settings")
	}
}

func TestSynthesize_EmptyText(t *testing.T) {
	p, _ := New("key", "voice")
	if _, err := p.Synthesize(context.Background(), ""); !errors.Is(err, tts.ErrEmptyText) {
		t.Errorf("err = %v, want ErrEmptyText", err)
	}
}
