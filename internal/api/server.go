// Package api serves the request/response HTTP endpoints that wrap the
// transcription, completion and synthesis providers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-agent/internal/agent"
	"github.com/lexiqai/voice-agent/internal/llm"
	"github.com/lexiqai/voice-agent/internal/observability"
	"github.com/lexiqai/voice-agent/internal/stt"
	"github.com/lexiqai/voice-agent/internal/tts"
)

const maxUploadBytes = 32 << 20

// Deps are the providers behind the endpoints. A nil provider means its
// credential is missing; endpoints needing it answer 400.
type Deps struct {
	Transcriber stt.FileTranscriber
	Speech      tts.URLSynthesizer
	Voices      tts.VoiceLister
	Agent       *agent.Agent

	// LLMName is the display name of the completion provider, e.g. "Gemini"
	LLMName string

	FallbackAudioURL string
	HistoryMaxChars  int
	RequestTimeout   time.Duration
}

// Server implements the HTTP API
type Server struct {
	deps   Deps
	chats  *ChatStore
	logger zerolog.Logger
}

// NewServer creates the API server
func NewServer(deps Deps) *Server {
	if deps.RequestTimeout <= 0 {
		deps.RequestTimeout = 60 * time.Second
	}
	if deps.LLMName == "" {
		deps.LLMName = "Gemini"
	}
	return &Server{
		deps:   deps,
		chats:  NewChatStore(deps.HistoryMaxChars),
		logger: observability.Component("api"),
	}
}

// Register adds the API routes to mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /transcribe", s.handleTranscribe)
	mux.HandleFunc("POST /tts", s.handleTTS)
	mux.HandleFunc("GET /voices", s.handleVoices)
	mux.HandleFunc("POST /tts/echo", s.handleEcho)
	mux.HandleFunc("POST /llm/query", s.handleQuery)
	mux.HandleFunc("POST /agent/chat/{session_id}", s.handleAgentChat)
}

// errorResponse is the error body of every endpoint
type errorResponse struct {
	Error    string `json:"error"`
	Details  string `json:"details"`
	AudioURL string `json:"audio_url"`
}

type ttsRequest struct {
	Text    string `json:"text"`
	VoiceID string `json:"voiceId"`
}

func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if s.requireKeys(w, s.transcriberKey()) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	text, ok := s.transcribeUpload(ctx, w, r, "file")
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"transcription": text})
}

func (s *Server) handleTTS(w http.ResponseWriter, r *http.Request) {
	if s.requireKeys(w, s.speechKey()) {
		return
	}

	var req ttsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body.", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.writeError(w, http.StatusBadRequest, "Text is required.", "")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	url, err := s.deps.Speech.Synthesize(ctx, req.Text, req.VoiceID)
	if err != nil {
		s.logger.Error().Err(err).Msg("TTS generation failed")
		s.writeError(w, http.StatusInternalServerError, "Text-to-speech failed.", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"audio_url": url})
}

func (s *Server) handleVoices(w http.ResponseWriter, r *http.Request) {
	if s.requireKeys(w, credential{"Murf", s.deps.Voices != nil}) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	voices, err := s.deps.Voices.ListVoices(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to fetch voices")
		s.writeError(w, http.StatusInternalServerError, "Failed to fetch voices.", err.Error())
		return
	}
	if voices == nil {
		voices = []tts.Voice{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"voices": voices})
}

func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	if s.requireKeys(w, s.transcriberKey(), s.speechKey()) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	text, ok := s.transcribeUpload(ctx, w, r, "audio")
	if !ok {
		return
	}
	if text == "" {
		s.writeError(w, http.StatusBadRequest, "No speech detected.", "Please speak clearly into the microphone.")
		return
	}

	url, err := s.deps.Speech.Synthesize(ctx, text, "")
	if err != nil {
		s.logger.Error().Err(err).Msg("Echo synthesis failed")
		s.writeError(w, http.StatusInternalServerError, "Echo bot failed.", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"transcription": text, "audio_url": url})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.requireKeys(w, s.transcriberKey(), s.llmKey(), s.speechKey()) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	text, ok := s.transcribeUpload(ctx, w, r, "file")
	if !ok {
		return
	}
	if text == "" {
		s.writeError(w, http.StatusBadRequest, "No speech detected.", "Please speak clearly into the microphone.")
		return
	}

	reply, url := s.converse(ctx, text, llm.NewHistory(s.deps.HistoryMaxChars))
	s.writeJSON(w, http.StatusOK, map[string]string{
		"transcription": text,
		"text":          reply,
		"audio_url":     url,
	})
}

func (s *Server) handleAgentChat(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")
	if s.requireKeys(w, s.transcriberKey(), s.speechKey(), s.llmKey()) {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
	defer cancel()

	logger := s.logger.With().Str("chat_session", sessionID).Logger()

	text, ok := s.transcribeUpload(ctx, w, r, "audio")
	if !ok {
		return
	}
	if text == "" {
		s.writeError(w, http.StatusBadRequest, "No speech detected.", "Please speak clearly into the microphone.")
		return
	}

	var reply, url string
	var historyChars int
	err := s.chats.Update(ctx, sessionID, func(history *llm.History) {
		reply, url = s.converse(ctx, text, history)
		historyChars = history.Size()
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Timed out waiting for previous chat turn")
		s.writeError(w, http.StatusServiceUnavailable, "Session is busy.", err.Error())
		return
	}

	logger.Info().Str("user", text).Str("assistant", reply).Int("history_chars", historyChars).Msg("Chat turn")
	s.writeJSON(w, http.StatusOK, map[string]string{
		"user_transcription": text,
		"llm_response":       reply,
		"audio_url":          url,
	})
}

// converse runs one agent turn and renders it to speech. Failures degrade to
// the fallback reply and the fallback audio.
func (s *Server) converse(ctx context.Context, text string, history *llm.History) (string, string) {
	reply, err := s.deps.Agent.Reply(ctx, text, history)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Completion failed")
	}
	if reply == "" {
		reply = s.deps.Agent.Fallback()
	}

	url, err := s.deps.Speech.Synthesize(ctx, reply, "")
	if err != nil {
		s.logger.Error().Err(err).Msg("TTS failed, returning fallback audio")
		return reply, s.deps.FallbackAudioURL
	}
	return reply, url
}

// transcribeUpload reads the multipart field and transcribes it. It writes
// the error response itself and reports false on failure.
func (s *Server) transcribeUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, field string) (string, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid upload.", err.Error())
		return "", false
	}
	file, header, err := r.FormFile(field)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Missing %q file.", field), err.Error())
		return "", false
	}
	defer file.Close()

	text, err := s.deps.Transcriber.TranscribeFile(ctx, file)
	if err != nil {
		s.logger.Error().Err(err).Str("filename", header.Filename).Msg("Transcription failed")
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.writeError(w, status, "Speech-to-text failed.", err.Error())
		return "", false
	}
	return strings.TrimSpace(text), true
}

// credential pairs a provider display name with whether it is configured
type credential struct {
	name    string
	present bool
}

func (s *Server) transcriberKey() credential {
	return credential{"AssemblyAI", s.deps.Transcriber != nil}
}

func (s *Server) speechKey() credential {
	return credential{"Murf", s.deps.Speech != nil}
}

func (s *Server) llmKey() credential {
	return credential{s.deps.LLMName, s.deps.Agent != nil}
}

// requireKeys answers 400 listing every missing credential. It reports
// whether the request was rejected.
func (s *Server) requireKeys(w http.ResponseWriter, creds ...credential) bool {
	var missing []string
	for _, c := range creds {
		if !c.present {
			missing = append(missing, c.name+" API key")
		}
	}
	if len(missing) == 0 {
		return false
	}
	s.writeError(w, http.StatusBadRequest,
		"Missing API Key(s): "+strings.Join(missing, " and "),
		"Please add the missing key(s) to your .env file and restart the server.")
	return true
}

func (s *Server) writeError(w http.ResponseWriter, status int, message, details string) {
	observability.RecordError(http.StatusText(status), "api")
	s.writeJSON(w, status, errorResponse{Error: message, Details: details, AudioURL: s.deps.FallbackAudioURL})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug().Err(err).Msg("Failed to write response")
	}
}
