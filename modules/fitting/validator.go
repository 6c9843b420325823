package fitting

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"

	"quel-fitting-server/modules/common/model"
	"quel-fitting-server/modules/composite"
)

// Scorer - 검증 단계 점수 계산기. Overall 은 OverallScore 로 따로 계산한다.
type Scorer interface {
	Score(ctx context.Context, in model.ScoreInput) (model.QualityScores, error)
}

// ScorerFunc - 함수를 Scorer 로 쓰기 위한 어댑터
type ScorerFunc func(ctx context.Context, in model.ScoreInput) (model.QualityScores, error)

func (f ScorerFunc) Score(ctx context.Context, in model.ScoreInput) (model.QualityScores, error) {
	return f(ctx, in)
}

const (
	defaultBaseline = 0.75
	minCoverage     = 0.02
)

// HeuristicScorer - 기본 검증기.
// 프로바이더가 점수를 주면 그대로 쓰고, 아니면 참조 캔버스의 face/product 밴드와
// 결과 이미지의 위/가운데 영역 색 통계를 비교한다. 비교할 수 없으면 Baseline.
type HeuristicScorer struct {
	Layout   composite.Layout
	Baseline float64
}

func (h HeuristicScorer) Score(ctx context.Context, in model.ScoreInput) (model.QualityScores, error) {
	if in.ProviderMetrics != nil {
		return model.QualityScores{
			Consistency: clamp01(in.ProviderMetrics.Consistency),
			Accuracy:    clamp01(in.ProviderMetrics.Accuracy),
		}, nil
	}

	baseline := h.Baseline
	if baseline <= 0 {
		baseline = defaultBaseline
	}
	fallback := model.QualityScores{Consistency: baseline, Accuracy: baseline}
	if len(in.Output) == 0 || len(in.Reference) == 0 {
		return fallback, nil
	}

	ref, _, err := image.Decode(bytes.NewReader(in.Reference))
	if err != nil {
		return model.QualityScores{}, fmt.Errorf("decode reference canvas: %w", err)
	}
	out, _, err := image.Decode(bytes.NewReader(in.Output))
	if err != nil {
		return model.QualityScores{}, fmt.Errorf("decode generated image: %w", err)
	}

	layout := h.Layout
	if layout.Height == 0 {
		layout = composite.New(composite.DefaultOptions()).Layout()
	}
	ob := out.Bounds()
	outTop := image.Rect(ob.Min.X, ob.Min.Y, ob.Max.X, ob.Min.Y+ob.Dy()/4)
	outMid := image.Rect(ob.Min.X, ob.Min.Y+ob.Dy()/4, ob.Max.X, ob.Max.Y-ob.Dy()/4)

	scores := fallback
	if band, ok := layout.Band(composite.RoleFace); ok {
		refFace := sampleStats(ref, band.Rect.Intersect(ref.Bounds()))
		if refFace.coverage >= minCoverage && !outTop.Empty() {
			top := sampleStats(out, outTop)
			scores.Consistency = round3(clamp01(1 - math.Abs(refFace.luma-top.luma)))
		}
	}
	if band, ok := layout.Band(composite.RoleProduct); ok {
		refProduct := sampleStats(ref, band.Rect.Intersect(ref.Bounds()))
		if refProduct.coverage >= minCoverage && !outMid.Empty() {
			mid := sampleStats(out, outMid)
			scores.Accuracy = round3(clamp01(1 - colorDistance(refProduct.dominant, mid.dominant)))
		}
	}
	return scores, nil
}

// OverallScore - 우선순위 가중 평균. 두 우선순위가 모두 0이면 단순 평균.
func OverallScore(scores model.QualityScores, settings model.QualitySettings) float64 {
	cw, aw := settings.ConsistencyPriority, settings.AccuracyPriority
	if cw+aw <= 0 {
		cw, aw = 1, 1
	}
	return round3((scores.Consistency*cw + scores.Accuracy*aw) / (cw + aw))
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
