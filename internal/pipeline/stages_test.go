package pipeline

import (
	"testing"
	"time"
)

func TestStageOrderAndLookup(t *testing.T) {
	want := []string{
		StageRequestReceived,
		StageNLUExtraction,
		StageInterestMatching,
		StageRAGRetrieval,
		StageScriptGeneration,
		StageTTSGeneration,
		StageVideoGeneration,
	}
	got := Stages()
	if len(got) != len(want) {
		t.Fatalf("expected %d stages, got %d", len(want), len(got))
	}
	for i, s := range got {
		if s.ID != want[i] {
			t.Fatalf("stage %d: expected %q, got %q", i, want[i], s.ID)
		}
		if StageIndex(s.ID) != i {
			t.Fatalf("StageIndex(%q) = %d, want %d", s.ID, StageIndex(s.ID), i)
		}
	}
	if StageIndex("no_such_stage") != -1 {
		t.Fatalf("unknown stage should index to -1")
	}
}

func TestNextStage(t *testing.T) {
	if next := NextStage(StageRequestReceived); next != StageNLUExtraction {
		t.Fatalf("NextStage(request_received) = %q", next)
	}
	if next := NextStage(StageVideoGeneration); next != "" {
		t.Fatalf("last stage should have no successor, got %q", next)
	}
	if next := NextStage("bogus"); next != "" {
		t.Fatalf("unknown stage should have no successor, got %q", next)
	}
}

func TestProgressAfter(t *testing.T) {
	cases := []struct {
		completed int
		want      int
	}{
		{0, 0},
		{1, 14},
		{2, 29},
		{3, 43},
		{4, 57},
		{5, 71},
		{6, 86},
		{7, 100},
		{9, 100},
		{-1, 0},
	}
	for _, tc := range cases {
		if got := ProgressAfter(tc.completed); got != tc.want {
			t.Fatalf("ProgressAfter(%d) = %d, want %d", tc.completed, got, tc.want)
		}
	}
}

func TestProgressMonotonicallyIncreases(t *testing.T) {
	prev := -1
	for i := 0; i <= StageCount(); i++ {
		p := ProgressAfter(i)
		if p <= prev {
			t.Fatalf("progress after %d stages (%d) not greater than after %d (%d)", i, p, i-1, prev)
		}
		prev = p
	}
}

func TestEstimateRemaining(t *testing.T) {
	// At the start of the first stage the ETA is the full pipeline estimate.
	total := 0
	for _, s := range Stages() {
		total += s.EstimatedSeconds
	}
	eta, ok := EstimateRemaining(StageRequestReceived, 0)
	if !ok {
		t.Fatalf("expected an ETA for the first stage")
	}
	if eta != time.Duration(total)*time.Second {
		t.Fatalf("ETA at pipeline start = %v, want %ds", eta, total)
	}

	// At the start of the last stage only that stage remains.
	eta, ok = EstimateRemaining(StageVideoGeneration, ProgressAfter(6))
	if !ok {
		t.Fatalf("expected an ETA for the last stage")
	}
	if eta > 120*time.Second || eta < 115*time.Second {
		t.Fatalf("ETA at final stage start = %v, want ~120s", eta)
	}

	// Progress past the stage's span clamps to zero remaining for it.
	eta, ok = EstimateRemaining(StageVideoGeneration, 100)
	if !ok || eta != 0 {
		t.Fatalf("ETA at 100%% = %v ok=%v, want 0s", eta, ok)
	}

	if _, ok := EstimateRemaining("bogus", 50); ok {
		t.Fatalf("unknown stage should not produce an ETA")
	}
}
