package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/utils"
)

type Passage struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Retriever fetches supporting curriculum passages for a topic. Opaque
// external dependency of the rag_retrieval stage.
type Retriever interface {
	Retrieve(ctx context.Context, topic string, gradeLevel string, limit int) ([]Passage, error)
}

type httpRetriever struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPRetriever(log *logger.Logger) (Retriever, error) {
	retrieverLog := log.With("service", "Retriever")
	baseURL := utils.GetEnv("CURRICULUM_API_URL", "", nil)
	if baseURL == "" {
		return nil, fmt.Errorf("missing CURRICULUM_API_URL")
	}
	apiKey := utils.GetEnv("CURRICULUM_API_KEY", "", nil)
	timeoutSec := utils.GetEnvAsInt("CURRICULUM_TIMEOUT_SECONDS", 60, retrieverLog)

	return &httpRetriever{
		log:        retrieverLog,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: time.Duration(timeoutSec) * time.Second},
	}, nil
}

func (r *httpRetriever) Retrieve(ctx context.Context, topic string, gradeLevel string, limit int) ([]Passage, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, pipeline.Permanent(fmt.Errorf("empty retrieval topic"))
	}
	if limit <= 0 {
		limit = 8
	}
	q := url.Values{}
	q.Set("q", topic)
	q.Set("grade", gradeLevel)
	q.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/passages?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("retrieval call: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, pipeline.Transient(fmt.Errorf("read retrieval response: %w", err))
	}
	if err := ClassifyHTTPStatus(resp.StatusCode, raw); err != nil {
		return nil, err
	}
	var out struct {
		Passages []Passage `json:"passages"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, pipeline.Transient(fmt.Errorf("decode retrieval response: %w", err))
	}
	return out.Passages, nil
}
