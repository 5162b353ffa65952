package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/utils"
)

// AIClient talks to an OpenAI-compatible chat-completions endpoint. It is
// the language-model dependency behind the understanding, matching,
// retrieval-query and script-writing stages.
type AIClient interface {
	GenerateJSON(ctx context.Context, system string, user string) (map[string]any, error)
	GenerateText(ctx context.Context, system string, user string) (string, error)
}

type aiClient struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	maxRetries int
}

func NewAIClient(log *logger.Logger) (AIClient, error) {
	clientLog := log.With("service", "AIClient")
	apiKey := utils.GetEnv("OPENAI_API_KEY", "", nil)
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := utils.GetEnv("OPENAI_BASE_URL", "https://api.openai.com", clientLog)
	model := utils.GetEnv("OPENAI_MODEL", "gpt-4o-mini", clientLog)
	timeoutSec := utils.GetEnvAsInt("OPENAI_TIMEOUT_SECONDS", 120, clientLog)

	return &aiClient{
		log:        clientLog,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
		maxRetries: 3,
	}, nil
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat any           `json:"response_format,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

func (c *aiClient) GenerateJSON(ctx context.Context, system string, user string) (map[string]any, error) {
	content, err := c.complete(ctx, system, user, map[string]string{"type": "json_object"})
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, pipeline.Permanent(fmt.Errorf("model returned non-JSON content: %w", err))
	}
	return out, nil
}

func (c *aiClient) GenerateText(ctx context.Context, system string, user string) (string, error) {
	return c.complete(ctx, system, user, nil)
}

func (c *aiClient) complete(ctx context.Context, system string, user string, responseFormat any) (string, error) {
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		ResponseFormat: responseFormat,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			sleepWithJitter(ctx, attempt)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/v1/chat/completions", bytes.NewReader(raw))
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if isRetryableNetErr(err) {
				continue
			}
			return "", pipeline.Transient(err)
		}
		content, err := decodeChat(resp)
		if err == nil {
			return content, nil
		}
		lastErr = err
		if pipeline.IsPermanent(err) {
			return "", err
		}
	}
	return "", pipeline.Transient(fmt.Errorf("model call exhausted retries: %w", lastErr))
}

func decodeChat(resp *http.Response) (string, error) {
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", pipeline.Transient(err)
	}
	if err := ClassifyHTTPStatus(resp.StatusCode, raw); err != nil {
		return "", err
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", pipeline.Transient(fmt.Errorf("decode response: %w", err))
	}
	if len(out.Choices) == 0 {
		return "", pipeline.Transient(fmt.Errorf("response carried no choices"))
	}
	return out.Choices[0].Message.Content, nil
}

// ClassifyHTTPStatus maps provider status codes onto the stage failure
// taxonomy: 429 and 5xx are retryable, other 4xx reject the input.
func ClassifyHTTPStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return pipeline.Transient(fmt.Errorf("provider status %d: %s", status, truncate(body, 200)))
	default:
		return pipeline.Permanent(fmt.Errorf("provider status %d: %s", status, truncate(body, 200)))
	}
}

func isRetryableNetErr(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, io.EOF)
}

func sleepWithJitter(ctx context.Context, attempt int) {
	base := time.Duration(attempt) * 500 * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(250 * time.Millisecond)))
	select {
	case <-ctx.Done():
	case <-time.After(base + jitter):
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
