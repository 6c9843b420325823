package model

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus - 작업 상태 (running 동안의 세부 단계는 Stage 로 표현)
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal - 더 이상 전이가 없는 상태인지
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Stage - running 상태의 세부 단계
type Stage string

const (
	StageNone            Stage = ""
	StageAnalyzing       Stage = "analyzing"
	StageGeneratingModel Stage = "generating_model"
	StageApplyingProduct Stage = "applying_product"
	StageValidating      Stage = "validating"
	StageRetrying        Stage = "retrying"
)

// ProgressFloor - 단계별 진행률 구간의 시작값 (4단계 × 25%)
func (s Stage) ProgressFloor() int {
	switch s {
	case StageGeneratingModel, StageRetrying:
		return 25
	case StageApplyingProduct:
		return 50
	case StageValidating:
		return 75
	default:
		return 0
	}
}

// QualityTier - 품질 등급
type QualityTier string

const (
	TierBasic    QualityTier = "basic"
	TierStandard QualityTier = "standard"
	TierPremium  QualityTier = "premium"
	TierUltra    QualityTier = "ultra"
)

// ParseQualityTier - 문자열을 등급으로 변환 (빈 값은 standard)
func ParseQualityTier(raw string) (QualityTier, error) {
	switch tier := QualityTier(strings.ToLower(strings.TrimSpace(raw))); tier {
	case "":
		return TierStandard, nil
	case TierBasic, TierStandard, TierPremium, TierUltra:
		return tier, nil
	default:
		return "", fmt.Errorf("%w: unknown quality tier %q", ErrInvalidInput, raw)
	}
}

// InputImage - 이름이 붙은 참조 이미지 (product, detail1..N, face)
type InputImage struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Data     []byte `json:"-"`
}

// QualitySettings - 작업 생성 시 고정되는 품질 설정
type QualitySettings struct {
	Tier                QualityTier `json:"qualityTier"`
	EnableRetry         bool        `json:"enableRetry"`
	MaxRetries          int         `json:"maxRetries"`
	ConsistencyPriority float64     `json:"consistencyPriority"`
	AccuracyPriority    float64     `json:"accuracyPriority"`
	ValidationThreshold float64     `json:"validationThreshold,omitempty"` // 0이면 등급 기본값
	Provider            string      `json:"provider,omitempty"`
}

// MaxAttempts - 재시도 예산을 포함한 전체 시도 횟수
func (s QualitySettings) MaxAttempts() int {
	if !s.EnableRetry || s.MaxRetries <= 0 {
		return 1
	}
	return 1 + s.MaxRetries
}

// QualityScores - 검증 단계 점수 (0~1)
type QualityScores struct {
	Consistency float64 `json:"consistency"`
	Accuracy    float64 `json:"accuracy"`
	Overall     float64 `json:"overall"`
}

// AttemptRecord - 한 번의 생성 시도 기록 (append-only)
type AttemptRecord struct {
	Attempt      int     `json:"attempt"`
	Success      bool    `json:"success"`
	QualityScore float64 `json:"qualityScore"`
	DurationMs   int64   `json:"durationMs"`
}

// JobResult - 성공 시 결과 이미지와 검증 지표
type JobResult struct {
	ImageURL   string        `json:"imageUrl"`
	StoredPath string        `json:"storedPath,omitempty"`
	AttachID   int64         `json:"attachId,omitempty"`
	Metrics    QualityScores `json:"metrics"`
}

// ArchivedResult - 보관 저장소에 올린 결과 파일. AttachID 는 quel_attach 에 기록됐을 때만 0 이 아니다.
type ArchivedResult struct {
	Path     string
	AttachID int64
}

// GenerationJob - 가상 피팅 생성 작업
type GenerationJob struct {
	ID              string          `json:"id"`
	Status          JobStatus       `json:"status"`
	Stage           Stage           `json:"stage,omitempty"`
	Progress        int             `json:"progress"`
	Attempt         int             `json:"attempt"`
	MaxAttempts     int             `json:"maxAttempts"`
	QualityTier     QualityTier     `json:"qualityTier"`
	Settings        QualitySettings `json:"settings"`
	Inputs          []InputImage    `json:"inputs"`
	CompositeDigest string          `json:"compositeDigest,omitempty"`
	ProviderJobRef  string          `json:"providerJobRef,omitempty"`
	Result          *JobResult      `json:"result"`
	Error           *JobError       `json:"error"`
	History         []AttemptRecord `json:"history"`
	EstimatedCost   float64         `json:"estimatedCost"`
	EstimatedTime   int             `json:"estimatedTime"`
	ETASeconds      int             `json:"etaSeconds"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
}

// Clone - 호출자에게 넘겨줄 스냅샷 (입력 바이트는 공유, 나머지는 복사)
func (j *GenerationJob) Clone() *GenerationJob {
	if j == nil {
		return nil
	}
	out := *j
	out.Inputs = append([]InputImage(nil), j.Inputs...)
	out.History = append([]AttemptRecord(nil), j.History...)
	if j.Result != nil {
		result := *j.Result
		out.Result = &result
	}
	if j.Error != nil {
		jobErr := *j.Error
		out.Error = &jobErr
	}
	if j.CompletedAt != nil {
		completedAt := *j.CompletedAt
		out.CompletedAt = &completedAt
	}
	return &out
}

// Attach - quel_attach 테이블 구조
type Attach struct {
	AttachID          int64     `json:"attach_id"`
	CreatedAt         time.Time `json:"created_at"`
	AttachFileName    *string   `json:"attach_file_name"`
	AttachFilePath    *string   `json:"attach_file_path"`
	AttachFileSize    *int64    `json:"attach_file_size"`
	AttachFileType    *string   `json:"attach_file_type"`
	AttachDirectory   *string   `json:"attach_directory"`
	AttachStorageType *string   `json:"attach_storage_type"`
}

// ScoreInput - 검증 단계에서 점수 계산기에 넘기는 자료
type ScoreInput struct {
	JobID           string
	Attempt         int
	Reference       []byte // 합성 캔버스 (JPEG)
	Output          []byte // 생성 결과 (받아오지 못했으면 nil)
	OutputMIMEType  string
	Prompt          string
	ProviderMetrics *QualityScores // 프로바이더가 점수를 보고한 경우
}
