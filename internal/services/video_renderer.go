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

// VideoRenderer composes the final video from script and narration audio.
// The render service works synchronously and can take minutes; the queue's
// ack deadline is sized for it.
type VideoRenderer interface {
	Render(ctx context.Context, in RenderInput) (*RenderResult, error)
}

type RenderInput struct {
	Script     string `json:"script"`
	AudioURL   string `json:"audio_url"`
	GradeLevel string `json:"grade_level"`
	Title      string `json:"title"`
}

type RenderResult struct {
	Video     []byte
	Thumbnail []byte
}

type httpVideoRenderer struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPVideoRenderer(log *logger.Logger) (VideoRenderer, error) {
	rendererLog := log.With("service", "VideoRenderer")
	baseURL := utils.GetEnv("RENDER_API_URL", "", nil)
	if baseURL == "" {
		return nil, fmt.Errorf("missing RENDER_API_URL")
	}
	apiKey := utils.GetEnv("RENDER_API_KEY", "", nil)
	timeoutSec := utils.GetEnvAsInt("RENDER_TIMEOUT_SECONDS", 480, rendererLog)

	return &httpVideoRenderer{
		log:        rendererLog,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

type renderResponse struct {
	VideoBase64     []byte `json:"video"`
	ThumbnailBase64 []byte `json:"thumbnail"`
}

func (r *httpVideoRenderer) Render(ctx context.Context, in RenderInput) (*RenderResult, error) {
	if strings.TrimSpace(in.Script) == "" {
		return nil, pipeline.Permanent(fmt.Errorf("render input missing script"))
	}
	if strings.TrimSpace(in.AudioURL) == "" {
		return nil, pipeline.Permanent(fmt.Errorf("render input missing audio_url"))
	}
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/render", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("render call: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("read render response: %w", err))
	}
	if err := ClassifyHTTPStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}
	// encoding/json decodes []byte fields from base64 strings.
	var out renderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, pipeline.Transient(fmt.Errorf("decode render response: %w", err))
	}
	if len(out.VideoBase64) == 0 {
		return nil, pipeline.Transient(fmt.Errorf("render response carried no video"))
	}
	return &RenderResult{Video: out.VideoBase64, Thumbnail: out.ThumbnailBase64}, nil
}
