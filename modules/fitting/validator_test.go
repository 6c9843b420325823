package fitting

import (
	"context"
	"image/color"
	"testing"

	"quel-fitting-server/modules/common/model"
	"quel-fitting-server/modules/composite"
)

func referenceCanvas(t *testing.T, product color.Color) []byte {
	t.Helper()
	canvas, err := composite.New(composite.DefaultOptions()).Compose([]composite.Image{
		{Role: composite.RoleProduct, Data: pngBytes(t, 60, 100, product)},
	})
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	return canvas
}

func TestHeuristicScorerComparesGarmentColor(t *testing.T) {
	blue := color.RGBA{30, 60, 200, 255}
	ref := referenceCanvas(t, blue)
	s := HeuristicScorer{}

	match, err := s.Score(context.Background(), model.ScoreInput{Reference: ref, Output: pngBytes(t, 90, 160, blue)})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	mismatch, err := s.Score(context.Background(), model.ScoreInput{Reference: ref, Output: pngBytes(t, 90, 160, color.RGBA{200, 30, 30, 255})})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	if match.Accuracy < 0.9 || mismatch.Accuracy > 0.6 {
		t.Fatalf("accuracy match = %v mismatch = %v", match.Accuracy, mismatch.Accuracy)
	}
	// face 밴드가 비어 있으면 consistency 는 기준값
	if match.Consistency != defaultBaseline {
		t.Fatalf("consistency = %v", match.Consistency)
	}
}

func TestHeuristicScorerPrefersProviderMetrics(t *testing.T) {
	scores, err := HeuristicScorer{}.Score(context.Background(), model.ScoreInput{
		ProviderMetrics: &model.QualityScores{Consistency: 1.3, Accuracy: 0.42},
	})
	if err != nil {
		t.Fatalf("Score: %v", err)
	}
	if scores.Consistency != 1 || scores.Accuracy != 0.42 {
		t.Fatalf("scores = %+v", scores)
	}
}

func TestHeuristicScorerBaselineAndDecodeError(t *testing.T) {
	scores, err := HeuristicScorer{Baseline: 0.66}.Score(context.Background(), model.ScoreInput{Reference: []byte{1}})
	if err != nil || scores.Consistency != 0.66 || scores.Accuracy != 0.66 {
		t.Fatalf("scores = %+v err = %v", scores, err)
	}
	ref := referenceCanvas(t, color.Black)
	if _, err := (HeuristicScorer{}).Score(context.Background(), model.ScoreInput{Reference: ref, Output: []byte("junk")}); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestOverallScoreWeightsByPriority(t *testing.T) {
	scores := model.QualityScores{Consistency: 0.4, Accuracy: 0.8}
	cases := []struct {
		settings model.QualitySettings
		want     float64
	}{
		{model.QualitySettings{}, 0.6},
		{model.QualitySettings{ConsistencyPriority: 1, AccuracyPriority: 0}, 0.4},
		{model.QualitySettings{ConsistencyPriority: 0.25, AccuracyPriority: 0.75}, 0.7},
	}
	for _, tc := range cases {
		if got := OverallScore(scores, tc.settings); got != tc.want {
			t.Errorf("OverallScore(%+v) = %v, want %v", tc.settings, got, tc.want)
		}
	}
}
