package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/utils"
)

// TTSProvider synthesizes narration audio from a script. Treated as an
// opaque, possibly slow external call.
type TTSProvider interface {
	Synthesize(ctx context.Context, script string, voice string) (audio []byte, mimeType string, err error)
}

type httpTTSProvider struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	voice      string
	httpClient *http.Client
}

func NewHTTPTTSProvider(log *logger.Logger) (TTSProvider, error) {
	providerLog := log.With("service", "TTSProvider")
	baseURL := utils.GetEnv("TTS_API_URL", "", nil)
	if baseURL == "" {
		return nil, fmt.Errorf("missing TTS_API_URL")
	}
	apiKey := utils.GetEnv("TTS_API_KEY", "", nil)
	voice := utils.GetEnv("TTS_VOICE", "narrator", providerLog)
	timeoutSec := utils.GetEnvAsInt("TTS_TIMEOUT_SECONDS", 180, providerLog)

	return &httpTTSProvider{
		log:        providerLog,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		voice:      voice,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (p *httpTTSProvider) Synthesize(ctx context.Context, script string, voice string) ([]byte, string, error) {
	if strings.TrimSpace(script) == "" {
		return nil, "", pipeline.Permanent(fmt.Errorf("empty script"))
	}
	if voice == "" {
		voice = p.voice
	}
	body, err := json.Marshal(map[string]string{
		"input": script,
		"voice": voice,
	})
	if err != nil {
		return nil, "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/speech", bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", pipeline.Transient(fmt.Errorf("tts call: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", pipeline.Transient(fmt.Errorf("read tts response: %w", err))
	}
	if err := ClassifyHTTPStatus(resp.StatusCode, raw); err != nil {
		return nil, "", err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "audio/mpeg"
	}
	return raw, mime, nil
}
