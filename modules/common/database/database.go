package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/supabase-community/supabase-go"

	"quel-fitting-server/modules/common/logger"
	"quel-fitting-server/modules/common/model"
)

const attachTable = "quel_attach"

// Client - Supabase(PostgREST) 기반 작업 기록 저장소
type Client struct {
	supabase *supabase.Client
	table    string
	log      *zerolog.Logger
}

// NewClient - Database 클라이언트 생성
func NewClient(url, serviceKey, table string, log *zerolog.Logger) (*Client, error) {
	supabaseClient, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("create supabase client: %w", err)
	}
	if table == "" {
		table = "quel_fitting_jobs"
	}
	return &Client{supabase: supabaseClient, table: table, log: logger.OrNop(log)}, nil
}

// jobRow - quel_fitting_jobs 행. 입력 바이트는 저장하지 않는다.
type jobRow struct {
	JobID           string                `json:"job_id"`
	JobStatus       model.JobStatus       `json:"job_status"`
	Stage           model.Stage           `json:"stage"`
	Progress        int                   `json:"progress"`
	Attempt         int                   `json:"attempt"`
	MaxAttempts     int                   `json:"max_attempts"`
	QualityTier     model.QualityTier     `json:"quality_tier"`
	QualitySettings model.QualitySettings `json:"quality_settings"`
	CompositeDigest string                `json:"composite_digest,omitempty"`
	ProviderJobRef  string                `json:"provider_job_ref,omitempty"`
	Result          *model.JobResult      `json:"result"`
	Error           *model.JobError       `json:"error"`
	History         []model.AttemptRecord `json:"history"`
	EstimatedCost   float64               `json:"estimated_cost"`
	EstimatedTime   int                   `json:"estimated_time"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
	CompletedAt     *time.Time            `json:"completed_at"`
}

func rowFromJob(job *model.GenerationJob) jobRow {
	history := job.History
	if history == nil {
		history = []model.AttemptRecord{}
	}
	return jobRow{
		JobID:           job.ID,
		JobStatus:       job.Status,
		Stage:           job.Stage,
		Progress:        job.Progress,
		Attempt:         job.Attempt,
		MaxAttempts:     job.MaxAttempts,
		QualityTier:     job.QualityTier,
		QualitySettings: job.Settings,
		CompositeDigest: job.CompositeDigest,
		ProviderJobRef:  job.ProviderJobRef,
		Result:          job.Result,
		Error:           job.Error,
		History:         history,
		EstimatedCost:   job.EstimatedCost,
		EstimatedTime:   job.EstimatedTime,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
	}
}

func (r jobRow) toJob() *model.GenerationJob {
	return &model.GenerationJob{
		ID:              r.JobID,
		Status:          r.JobStatus,
		Stage:           r.Stage,
		Progress:        r.Progress,
		Attempt:         r.Attempt,
		MaxAttempts:     r.MaxAttempts,
		QualityTier:     r.QualityTier,
		Settings:        r.QualitySettings,
		CompositeDigest: r.CompositeDigest,
		ProviderJobRef:  r.ProviderJobRef,
		Result:          r.Result,
		Error:           r.Error,
		History:         r.History,
		EstimatedCost:   r.EstimatedCost,
		EstimatedTime:   r.EstimatedTime,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// SaveJob - 작업 스냅샷 upsert (job_id 기준)
func (c *Client) SaveJob(ctx context.Context, job *model.GenerationJob) error {
	_, _, err := c.supabase.From(c.table).
		Insert(rowFromJob(job), true, "job_id", "minimal", "").
		Execute()
	if err != nil {
		return fmt.Errorf("upsert job %s: %w", job.ID, err)
	}
	c.log.Debug().Str("job_id", job.ID).Str("status", string(job.Status)).Str("stage", string(job.Stage)).Msg("job record saved")
	return nil
}

// FetchJob - 저장된 작업 조회 (다른 인스턴스가 처리 중인 작업의 상태 확인용)
func (c *Client) FetchJob(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	var rows []jobRow
	_, err := c.supabase.From(c.table).
		Select("*", "", false).
		Eq("job_id", jobID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("query job %s: %w", jobID, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	return rows[0].toJob(), nil
}

// InputRef - 큐로 들어온 작업의 입력 이미지 참조 (quel_attach)
type InputRef struct {
	Name     string `json:"name"`
	AttachID int64  `json:"attachId"`
	MimeType string `json:"mimeType"`
}

// QueuedJob - 외부에서 생성되어 큐로 전달된 작업 정의
type QueuedJob struct {
	ID       string                `json:"job_id"`
	Settings model.QualitySettings `json:"quality_settings"`
	Inputs   []InputRef            `json:"job_input_data"`
}

// FetchQueuedJob - 큐에서 꺼낸 job id 로 작업 정의 조회
func (c *Client) FetchQueuedJob(ctx context.Context, jobID string) (*QueuedJob, error) {
	var jobs []QueuedJob
	_, err := c.supabase.From(c.table).
		Select("job_id,quality_settings,job_input_data", "", false).
		Eq("job_id", jobID).
		ExecuteTo(&jobs)
	if err != nil {
		return nil, fmt.Errorf("query queued job %s: %w", jobID, err)
	}
	if len(jobs) == 0 {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	if len(jobs[0].Inputs) == 0 {
		return nil, fmt.Errorf("%w: job %s has no inputs", model.ErrInvalidInput, jobID)
	}
	return &jobs[0], nil
}

// FetchAttachInfo - quel_attach 테이블에서 파일 정보 조회
func (c *Client) FetchAttachInfo(ctx context.Context, attachID int64) (*model.Attach, error) {
	var attaches []model.Attach
	data, _, err := c.supabase.From(attachTable).
		Select("*", "", false).
		Eq("attach_id", strconv.FormatInt(attachID, 10)).
		Execute()
	if err != nil {
		return nil, fmt.Errorf("failed to query quel_attach: %w", err)
	}
	if err := json.Unmarshal(data, &attaches); err != nil {
		return nil, fmt.Errorf("failed to parse attach response: %w", err)
	}
	if len(attaches) == 0 {
		return nil, fmt.Errorf("attach not found: %d", attachID)
	}
	return &attaches[0], nil
}

// CreateAttachRecord - 업로드된 결과 파일을 quel_attach 에 기록
func (c *Client) CreateAttachRecord(ctx context.Context, filePath string, fileSize int64, mimeType string) (int64, error) {
	fileName := filePath
	for i := len(filePath) - 1; i >= 0; i-- {
		if filePath[i] == '/' {
			fileName = filePath[i+1:]
			break
		}
	}

	insertData := map[string]interface{}{
		"attach_original_name": fileName,
		"attach_file_name":     fileName,
		"attach_file_path":     filePath,
		"attach_file_size":     fileSize,
		"attach_file_type":     mimeType,
		"attach_directory":     filePath,
		"attach_storage_type":  "supabase",
	}

	var attaches []model.Attach
	_, err := c.supabase.From(attachTable).
		Insert(insertData, false, "", "representation", "").
		ExecuteTo(&attaches)
	if err != nil {
		return 0, fmt.Errorf("failed to insert attach record: %w", err)
	}
	if len(attaches) == 0 {
		return 0, fmt.Errorf("no attach record returned")
	}
	return attaches[0].AttachID, nil
}
