package fitting

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quel-fitting-server/modules/common/database"
	"quel-fitting-server/modules/common/logger"
	"quel-fitting-server/modules/common/model"
)

// QueueSource - 작업 ID 큐 (redis.Queue 가 구현)
type QueueSource interface {
	Pop(ctx context.Context, timeout time.Duration) (string, error)
}

// QueuedJobSource - 큐로 들어온 작업의 정의 조회 (database.Client 가 구현)
type QueuedJobSource interface {
	FetchQueuedJob(ctx context.Context, jobID string) (*database.QueuedJob, error)
}

// InputLoader - 입력 참조를 이미지 바이트로 (storage.Client 가 구현)
type InputLoader interface {
	LoadInputs(ctx context.Context, refs []database.InputRef) ([]model.InputImage, error)
}

// WorkerOptions - Worker 구성
type WorkerOptions struct {
	Queue         QueueSource
	Jobs          QueuedJobSource
	Inputs        InputLoader
	Orchestrator  *Orchestrator
	MaxConcurrent int           // 동시에 실행할 작업 수 (기본 4)
	PopTimeout    time.Duration // BRPOP 대기 (기본 5s)
	ErrorBackoff  time.Duration // 큐 오류 후 대기 (기본 5s)
	Logger        *zerolog.Logger
}

// Worker - 큐에서 작업을 꺼내 Orchestrator 에 넘긴다.
// 작업이 끝날 때까지 슬롯을 잡고 있어 동시 실행 수를 제한한다.
type Worker struct {
	queue         QueueSource
	jobs          QueuedJobSource
	inputs        InputLoader
	orch          *Orchestrator
	maxConcurrent int
	popTimeout    time.Duration
	errorBackoff  time.Duration
	log           *zerolog.Logger
}

// NewWorker - 빈 옵션은 기본값으로 채운다
func NewWorker(opts WorkerOptions) *Worker {
	w := &Worker{
		queue:         opts.Queue,
		jobs:          opts.Jobs,
		inputs:        opts.Inputs,
		orch:          opts.Orchestrator,
		maxConcurrent: opts.MaxConcurrent,
		popTimeout:    opts.PopTimeout,
		errorBackoff:  opts.ErrorBackoff,
		log:           logger.OrNop(opts.Logger),
	}
	if w.maxConcurrent <= 0 {
		w.maxConcurrent = 4
	}
	if w.popTimeout <= 0 {
		w.popTimeout = 5 * time.Second
	}
	if w.errorBackoff <= 0 {
		w.errorBackoff = 5 * time.Second
	}
	return w
}

// Run - ctx 가 끝날 때까지 큐를 감시한다
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info().Int("max_concurrent", w.maxConcurrent).Msg("queue worker started")

	var g errgroup.Group
	g.SetLimit(w.maxConcurrent)

	for ctx.Err() == nil {
		jobID, err := w.queue.Pop(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			w.log.Error().Err(err).Dur("backoff", w.errorBackoff).Msg("queue pop failed")
			t := time.NewTimer(w.errorBackoff)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
			continue
		}
		if jobID == "" {
			continue
		}

		w.log.Info().Str("job_id", jobID).Msg("received job from queue")
		g.Go(func() error {
			w.process(ctx, jobID)
			return nil
		})
	}

	g.Wait()
	w.log.Info().Msg("queue worker stopped")
	return nil
}

// process - 작업 정의와 입력을 읽어 실행하고 끝날 때까지 기다린다
func (w *Worker) process(ctx context.Context, jobID string) {
	log := w.log.With().Str("job_id", jobID).Logger()

	queued, err := w.jobs.FetchQueuedJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Msg("fetch queued job failed")
		return
	}
	inputs, err := w.inputs.LoadInputs(ctx, queued.Inputs)
	if err != nil {
		log.Error().Err(err).Msg("load inputs failed")
		return
	}

	job, est, err := w.orch.CreateJob(ctx, JobRequest{ID: queued.ID, Inputs: inputs, Settings: queued.Settings})
	if err != nil {
		log.Error().Err(err).Msg("queued job rejected")
		return
	}
	log.Info().Int("inputs", len(inputs)).Float64("estimated_cost", est.Cost).Msg("queued job started")

	done, err := w.orch.Done(job.ID)
	if err != nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}
