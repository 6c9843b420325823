// Package estimate computes deterministic cost and latency estimates for a
// generation job from the quality-tier table and the job's quality settings.
package estimate

import (
	"fmt"
	"math"

	"quel-fitting-server/modules/common/model"
)

const (
	retryCostFactor      = 0.3
	retryTimeFactor      = 0.2
	highPriorityCut      = 0.8
	highPriorityCostMult = 1.2
	highPriorityTimeMult = 1.15
)

// TierConfig - 등급별 고정 기본값
type TierConfig struct {
	Tier                model.QualityTier `json:"tier"`
	BaseCost            float64           `json:"baseCost"`
	BaseTimeSeconds     float64           `json:"baseTimeSeconds"`
	ValidationThreshold float64           `json:"validationThreshold"`
	Steps               int               `json:"steps"`
	Guidance            float64           `json:"guidance"`
}

// Table - 등급 → 설정. 생성 후에는 읽기 전용으로만 쓴다.
type Table map[model.QualityTier]TierConfig

// DefaultTable - 기본 4등급 테이블 (호출마다 새 값)
func DefaultTable() Table {
	return Table{
		model.TierBasic:    {Tier: model.TierBasic, BaseCost: 0.04, BaseTimeSeconds: 30, ValidationThreshold: 0.5, Steps: 20, Guidance: 2.5},
		model.TierStandard: {Tier: model.TierStandard, BaseCost: 0.08, BaseTimeSeconds: 45, ValidationThreshold: 0.6, Steps: 28, Guidance: 3.0},
		model.TierPremium:  {Tier: model.TierPremium, BaseCost: 0.15, BaseTimeSeconds: 75, ValidationThreshold: 0.7, Steps: 40, Guidance: 3.5},
		model.TierUltra:    {Tier: model.TierUltra, BaseCost: 0.25, BaseTimeSeconds: 120, ValidationThreshold: 0.8, Steps: 50, Guidance: 4.0},
	}
}

// Lookup - 등급 설정 조회
func (t Table) Lookup(tier model.QualityTier) (TierConfig, error) {
	cfg, ok := t[tier]
	if !ok {
		return TierConfig{}, fmt.Errorf("%w: no tier config for %q", model.ErrInvalidInput, tier)
	}
	return cfg, nil
}

// Result - 표시용으로 반올림된 추정치
type Result struct {
	Cost           float64 `json:"estimatedCost"`
	TimeSeconds    int     `json:"estimatedTime"`
	CostMultiplier float64 `json:"costMultiplier"`
	TimeMultiplier float64 `json:"timeMultiplier"`
}

// Estimate - 등급 기본값에 재시도/우선순위 배수를 순서대로 곱한다
func Estimate(cfg TierConfig, settings model.QualitySettings) Result {
	costMult, timeMult := 1.0, 1.0

	if settings.EnableRetry {
		retries := float64(max(settings.MaxRetries, 0))
		costMult *= 1 + retries*retryCostFactor
		timeMult *= 1 + retries*retryTimeFactor
	}

	avgPriority := (settings.ConsistencyPriority + settings.AccuracyPriority) / 2
	if avgPriority > highPriorityCut {
		costMult *= highPriorityCostMult
		timeMult *= highPriorityTimeMult
	}

	return Result{
		Cost:           math.Round(cfg.BaseCost*costMult*100) / 100,
		TimeSeconds:    int(math.Round(cfg.BaseTimeSeconds * timeMult)),
		CostMultiplier: costMult,
		TimeMultiplier: timeMult,
	}
}

// EstimateFor - 테이블에서 등급을 찾아 Estimate 수행
func (t Table) EstimateFor(settings model.QualitySettings) (Result, error) {
	cfg, err := t.Lookup(settings.Tier)
	if err != nil {
		return Result{}, err
	}
	return Estimate(cfg, settings), nil
}
