package pipeline

import (
	"math"
	"time"
)

// The seven pipeline stages, in execution order. The estimated durations
// feed ETA computation only; they carry no scheduling weight.
const (
	StageRequestReceived  = "request_received"
	StageNLUExtraction    = "nlu_extraction"
	StageInterestMatching = "interest_matching"
	StageRAGRetrieval     = "rag_retrieval"
	StageScriptGeneration = "script_generation"
	StageTTSGeneration    = "tts_generation"
	StageVideoGeneration  = "video_generation"
)

type Stage struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Description      string `json:"description"`
	EstimatedSeconds int    `json:"estimated_seconds"`
}

var stages = []Stage{
	{StageRequestReceived, "Request received", "Validating and registering the request", 2},
	{StageNLUExtraction, "Understanding the question", "Extracting topic, concepts and intent", 8},
	{StageInterestMatching, "Matching interests", "Choosing a framing that fits the learner", 5},
	{StageRAGRetrieval, "Gathering material", "Retrieving supporting curriculum content", 15},
	{StageScriptGeneration, "Writing the script", "Drafting the narration script", 30},
	{StageTTSGeneration, "Recording narration", "Synthesizing speech from the script", 45},
	{StageVideoGeneration, "Rendering video", "Composing the final video", 120},
}

// Stages returns the ordered stage table.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func StageCount() int { return len(stages) }

// StageIndex returns the zero-based position of a stage id, or -1.
func StageIndex(id string) int {
	for i, s := range stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// NextStage returns the stage after id, or "" when id is the last stage or
// unknown.
func NextStage(id string) string {
	i := StageIndex(id)
	if i < 0 || i+1 >= len(stages) {
		return ""
	}
	return stages[i+1].ID
}

// ProgressAfter is the persisted progress once `completed` stages have
// finished: round(100 * completed / 7).
func ProgressAfter(completed int) int {
	if completed <= 0 {
		return 0
	}
	if completed >= len(stages) {
		return 100
	}
	return int(math.Round(100 * float64(completed) / float64(len(stages))))
}

// EstimateRemaining computes the ETA for a request currently inside
// currentStage at overall progress pct. The within-stage fraction is derived
// from how far progress sits past the stage's starting share, so stages with
// different duration estimates still produce a consistent ETA.
// Returns false for unknown stages (callers report a null ETA for terminal
// states before asking).
func EstimateRemaining(currentStage string, progressPct int) (time.Duration, bool) {
	idx := StageIndex(currentStage)
	if idx < 0 {
		return 0, false
	}
	n := float64(len(stages))
	stageSpan := float64(stages[idx].EstimatedSeconds)
	stageStartPct := 100 * float64(idx) / n
	stageShare := 100 / n

	frac := (float64(progressPct) - stageStartPct) / stageShare
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}

	remaining := stageSpan * (1 - frac)
	for _, s := range stages[idx+1:] {
		remaining += float64(s.EstimatedSeconds)
	}
	return time.Duration(remaining * float64(time.Second)), true
}
