package tts

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lexiqai/voice-agent/internal/config"
	"github.com/lexiqai/voice-agent/internal/resilience"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		MurfAPIKey:                 "murf-key",
		MurfAPIURL:                 url,
		MurfStreamURL:              "ws" + strings.TrimPrefix(url, "http"),
		MurfVoiceID:                "en-US-natalie",
		MurfStyle:                  "Conversational",
		CartesiaAPIKey:             "cartesia-key",
		CartesiaVoiceID:            "voice-1",
		CartesiaModelID:            "sonic",
		TTSSampleRate:              24000,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           2,
		RetryInitialBackoff:        1,
	}
}

func collect(t *testing.T, ch <-chan []byte) [][]byte {
	t.Helper()
	var out [][]byte
	timeout := time.After(2 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatal("Timed out waiting for synthesis to finish")
			return nil
		}
	}
}

func TestMurfClient_Synthesize(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/speech/generate" || r.Method != http.MethodPost {
			t.Errorf("Unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("api-key") != "murf-key" {
			t.Errorf("Expected api-key header, got %q", r.Header.Get("api-key"))
		}
		var req murfGenerateRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.VoiceID != "en-US-natalie" || req.Text != "Hello" {
			t.Errorf("Unexpected request body %+v", req)
		}
		_ = json.NewEncoder(w).Encode(murfGenerateResponse{AudioFile: "https://murf/audio.mp3"})
	}))
	defer server.Close()

	url, err := NewMurfClient(testConfig(server.URL)).Synthesize(context.Background(), "Hello", "")
	if err != nil {
		t.Fatalf("Synthesize failed: %v", err)
	}
	if url != "https://murf/audio.mp3" {
		t.Errorf("Unexpected audio url %q", url)
	}
}

func TestMurfClient_SynthesizeRejectsEmptyText(t *testing.T) {
	if _, err := NewMurfClient(testConfig("http://unused")).Synthesize(context.Background(), "  ", ""); err == nil {
		t.Error("Expected error for empty text")
	}
}

func TestMurfClient_SynthesizeUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid voice", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := NewMurfClient(testConfig(server.URL)).Synthesize(context.Background(), "Hello", "nope")
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Errorf("Expected status 400 error, got %v", err)
	}
}

func TestMurfClient_ListVoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/speech/voices" {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, `[{"voiceId":"en-US-natalie","displayName":"Natalie","locale":"en-US","gender":"Female","availableStyles":["Conversational"]}]`)
	}))
	defer server.Close()

	voices, err := NewMurfClient(testConfig(server.URL)).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices failed: %v", err)
	}
	if len(voices) != 1 || voices[0].DisplayName != "Natalie" {
		t.Errorf("Unexpected voices %+v", voices)
	}
}

func TestMurfStreamer_SynthesizeStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("api-key") != "murf-key" || q.Get("sample_rate") != "24000" || q.Get("format") != "WAV" {
			t.Errorf("Unexpected query %s", r.URL.RawQuery)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var vc murfVoiceConfig
		if err := conn.ReadJSON(&vc); err != nil || vc.VoiceConfig.VoiceID != "en-US-natalie" {
			t.Errorf("Expected voice config first, got %+v (%v)", vc, err)
			return
		}
		var msg murfTextMessage
		if err := conn.ReadJSON(&msg); err != nil || msg.Text != "Hi there" || !msg.End {
			t.Errorf("Expected text message, got %+v (%v)", msg, err)
			return
		}

		for i, part := range []string{"one", "two", "three"} {
			_ = conn.WriteJSON(murfAudioMessage{
				Audio: base64.StdEncoding.EncodeToString([]byte(part)),
				Final: i == 2,
			})
		}
	}))
	defer server.Close()

	ch, err := NewMurfStreamer(testConfig(server.URL)).SynthesizeStream(context.Background(), "Hi there")
	if err != nil {
		t.Fatalf("SynthesizeStream failed: %v", err)
	}

	chunks := collect(t, ch)
	want := []string{"one", "two", "three"}
	if len(chunks) != len(want) {
		t.Fatalf("Expected %d chunks, got %d", len(want), len(chunks))
	}
	for i := range want {
		if string(chunks[i]) != want[i] {
			t.Errorf("Chunk %d: expected %q, got %q", i, want[i], chunks[i])
		}
	}
}

func TestMurfStreamer_UpstreamErrorClosesChannel(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var discard map[string]any
		_ = conn.ReadJSON(&discard)
		_ = conn.ReadJSON(&discard)
		_ = conn.WriteJSON(murfAudioMessage{Error: "quota exceeded"})
	}))
	defer server.Close()

	ch, err := NewMurfStreamer(testConfig(server.URL)).SynthesizeStream(context.Background(), "Hi")
	if err != nil {
		t.Fatalf("SynthesizeStream failed: %v", err)
	}
	if chunks := collect(t, ch); len(chunks) != 0 {
		t.Errorf("Expected no chunks, got %d", len(chunks))
	}
}

func TestCartesiaClient_SynthesizeStream(t *testing.T) {
	pcm := make([]byte, cartesiaChunkBytes+100)
	for i := range pcm {
		pcm[i] = byte(i)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "cartesia-key" {
			t.Errorf("Expected X-API-Key header")
		}
		var req CartesiaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.OutputFormat.Encoding != "pcm_s16le" || req.OutputFormat.SampleRate != 24000 {
			t.Errorf("Unexpected output format %+v", req.OutputFormat)
		}
		_, _ = w.Write(pcm)
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL))
	client.apiURL = server.URL

	ch, err := client.SynthesizeStream(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("SynthesizeStream failed: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	var payload int
	for _, c := range chunks {
		if string(c[0:4]) != "RIFF" {
			t.Error("Expected WAV framed chunk")
		}
		payload += len(c) - 44
	}
	if payload != len(pcm) {
		t.Errorf("Expected %d PCM bytes, got %d", len(pcm), payload)
	}
}

func TestCartesiaNativeRate(t *testing.T) {
	tests := []struct {
		want     int
		expected int
	}{
		{16000, 16000},
		{44100, 44100},
		{32000, 44100},
		{11025, 16000},
		{96000, 48000},
	}
	for _, tt := range tests {
		if got := cartesiaNativeRate(tt.want); got != tt.expected {
			t.Errorf("cartesiaNativeRate(%d): expected %d, got %d", tt.want, tt.expected, got)
		}
	}
}

func TestCartesiaClient_ResamplesUnsupportedRate(t *testing.T) {
	// 0.1s of native 44.1kHz audio
	pcm := make([]byte, 4410*2)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CartesiaRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.OutputFormat.SampleRate != 44100 {
			t.Errorf("Expected native rate 44100 to be requested, got %d", req.OutputFormat.SampleRate)
		}
		_, _ = w.Write(pcm)
	}))
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.TTSSampleRate = 32000
	client := NewCartesiaClient(cfg)
	client.apiURL = server.URL

	ch, err := client.SynthesizeStream(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("SynthesizeStream failed: %v", err)
	}

	chunks := collect(t, ch)
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 chunk, got %d", len(chunks))
	}
	if rate := binary.LittleEndian.Uint32(chunks[0][24:28]); rate != 32000 {
		t.Errorf("Expected WAV header rate 32000, got %d", rate)
	}
	if payload := len(chunks[0]) - 44; payload != 3200*2 {
		t.Errorf("Expected 3200 resampled samples, got %d bytes", payload)
	}
}

func TestCartesiaClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write(make([]byte, 64))
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL))
	client.apiURL = server.URL

	ch, err := client.SynthesizeStream(context.Background(), "Hello")
	if err != nil {
		t.Fatalf("Expected retry to recover from 503, got %v", err)
	}
	collect(t, ch)
	if n := calls.Load(); n != 2 {
		t.Errorf("Expected 2 requests, got %d", n)
	}
}

func TestCartesiaClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewCartesiaClient(testConfig(server.URL))
	client.apiURL = server.URL

	_, err := client.SynthesizeStream(context.Background(), "Hello")
	if err == nil {
		t.Fatal("Expected error for 401 response")
	}
	if !resilience.IsPermanent(err) {
		t.Errorf("Expected 401 to be reported as a permanent status error, got %v", err)
	}
}
