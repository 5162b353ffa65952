package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lumenclass/videogen-backend/internal/logger"
	"github.com/lumenclass/videogen-backend/internal/pipeline"
	"github.com/lumenclass/videogen-backend/internal/types"
)

// StageRunner is the default pipeline.StageExecutor: it binds each stage
// to its external dependency. Inputs for later stages come from the
// request's persisted fields and analysis document, never from in-process
// state, so a redelivered job resumes with everything it needs.
type StageRunner struct {
	log       *logger.Logger
	ai        AIClient
	retriever Retriever
	tts       TTSProvider
	renderer  VideoRenderer
	bucket    BucketService
}

func NewStageRunner(baseLog *logger.Logger, ai AIClient, retriever Retriever, tts TTSProvider, renderer VideoRenderer, bucket BucketService) *StageRunner {
	return &StageRunner{
		log:       baseLog.With("service", "StageRunner"),
		ai:        ai,
		retriever: retriever,
		tts:       tts,
		renderer:  renderer,
		bucket:    bucket,
	}
}

func (s *StageRunner) ExecuteStage(ctx context.Context, stageID string, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	switch stageID {
	case pipeline.StageRequestReceived:
		return s.validateRequest(req)
	case pipeline.StageNLUExtraction:
		return s.extractIntent(ctx, req)
	case pipeline.StageInterestMatching:
		return s.matchInterest(ctx, req)
	case pipeline.StageRAGRetrieval:
		return s.retrievePassages(ctx, req)
	case pipeline.StageScriptGeneration:
		return s.generateScript(ctx, req)
	case pipeline.StageTTSGeneration:
		return s.synthesizeNarration(ctx, req)
	case pipeline.StageVideoGeneration:
		return s.renderVideo(ctx, req)
	default:
		return nil, pipeline.Permanent(fmt.Errorf("unknown stage %q", stageID))
	}
}

func (s *StageRunner) validateRequest(req *types.ContentRequest) (*pipeline.StageOutput, error) {
	q := strings.TrimSpace(req.Query)
	if len(q) < 3 {
		return nil, pipeline.Permanent(fmt.Errorf("query too short to generate content"))
	}
	if len(q) > 2000 {
		return nil, pipeline.Permanent(fmt.Errorf("query exceeds 2000 characters"))
	}
	return &pipeline.StageOutput{}, nil
}

func (s *StageRunner) extractIntent(ctx context.Context, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	system := "You analyze a student's question for an educational video pipeline. " +
		"Respond with JSON: {\"topic\": string, \"concepts\": [string], \"intent\": string}."
	user := fmt.Sprintf("Question: %s\nGrade level: %s", req.Query, req.GradeLevel)
	out, err := s.ai.GenerateJSON(ctx, system, user)
	if err != nil {
		return nil, err
	}
	topic, _ := out["topic"].(string)
	if strings.TrimSpace(topic) == "" {
		return nil, pipeline.Permanent(fmt.Errorf("could not extract a topic from the question"))
	}
	return &pipeline.StageOutput{Analysis: map[string]any{"intent": out}}, nil
}

func (s *StageRunner) matchInterest(ctx context.Context, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	analysis := decodeAnalysis(req)
	topic := analysisTopic(analysis)
	system := "You choose a framing for an educational video that connects a topic " +
		"to a learner's interest. Respond with JSON: {\"framing\": string, \"interest\": string}."
	user := fmt.Sprintf("Topic: %s\nGrade level: %s\nStated interest: %s", topic, req.GradeLevel, req.InterestTag)
	out, err := s.ai.GenerateJSON(ctx, system, user)
	if err != nil {
		return nil, err
	}
	return &pipeline.StageOutput{Analysis: map[string]any{"framing": out}}, nil
}

func (s *StageRunner) retrievePassages(ctx context.Context, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	analysis := decodeAnalysis(req)
	topic := analysisTopic(analysis)
	if topic == "" {
		topic = req.Query
	}
	passages, err := s.retriever.Retrieve(ctx, topic, req.GradeLevel, 8)
	if err != nil {
		return nil, err
	}
	return &pipeline.StageOutput{Analysis: map[string]any{"passages": passages}}, nil
}

func (s *StageRunner) generateScript(ctx context.Context, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	analysis := decodeAnalysis(req)
	material, _ := json.Marshal(analysis["passages"])
	framing, _ := json.Marshal(analysis["framing"])
	system := fmt.Sprintf("You write narration scripts for short educational videos aimed at grade %s. "+
		"Use the supplied material; keep the script under 500 words.", req.GradeLevel)
	user := fmt.Sprintf("Question: %s\nFraming: %s\nMaterial: %s", req.Query, framing, material)
	script, err := s.ai.GenerateText(ctx, system, user)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(script) == "" {
		return nil, pipeline.Transient(fmt.Errorf("model returned an empty script"))
	}
	return &pipeline.StageOutput{ScriptText: script}, nil
}

func (s *StageRunner) synthesizeNarration(ctx context.Context, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	audio, mime, err := s.tts.Synthesize(ctx, req.ScriptText, "")
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("media/%s/narration%s", req.ID, extForMime(mime))
	if err := s.bucket.Upload(ctx, key, mime, audio); err != nil {
		return nil, pipeline.Transient(fmt.Errorf("store narration: %w", err))
	}
	return &pipeline.StageOutput{AudioURL: s.bucket.PublicURL(key)}, nil
}

func (s *StageRunner) renderVideo(ctx context.Context, req *types.ContentRequest) (*pipeline.StageOutput, error) {
	res, err := s.renderer.Render(ctx, RenderInput{
		Script:     req.ScriptText,
		AudioURL:   req.AudioURL,
		GradeLevel: req.GradeLevel,
		Title:      req.Query,
	})
	if err != nil {
		return nil, err
	}
	videoKey := fmt.Sprintf("media/%s/video.mp4", req.ID)
	if err := s.bucket.Upload(ctx, videoKey, "video/mp4", res.Video); err != nil {
		return nil, pipeline.Transient(fmt.Errorf("store video: %w", err))
	}
	out := &pipeline.StageOutput{VideoURL: s.bucket.PublicURL(videoKey)}
	if len(res.Thumbnail) > 0 {
		thumbKey := fmt.Sprintf("media/%s/thumbnail.jpg", req.ID)
		if err := s.bucket.Upload(ctx, thumbKey, "image/jpeg", res.Thumbnail); err != nil {
			return nil, pipeline.Transient(fmt.Errorf("store thumbnail: %w", err))
		}
		out.ThumbnailURL = s.bucket.PublicURL(thumbKey)
	}
	return out, nil
}

func decodeAnalysis(req *types.ContentRequest) map[string]any {
	out := map[string]any{}
	if len(req.Analysis) > 0 {
		_ = json.Unmarshal(req.Analysis, &out)
	}
	return out
}

func analysisTopic(analysis map[string]any) string {
	intent, _ := analysis["intent"].(map[string]any)
	topic, _ := intent["topic"].(string)
	return strings.TrimSpace(topic)
}

func extForMime(mime string) string {
	switch {
	case strings.Contains(mime, "wav"):
		return ".wav"
	case strings.Contains(mime, "ogg"):
		return ".ogg"
	default:
		return ".mp3"
	}
}
