package fitting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quel-fitting-server/modules/common/config"
	"quel-fitting-server/modules/common/logger"
	"quel-fitting-server/modules/common/metrics"
	"quel-fitting-server/modules/common/model"
	"quel-fitting-server/modules/composite"
	"quel-fitting-server/modules/estimate"
	"quel-fitting-server/modules/provider"
)

// ErrShuttingDown - Shutdown 이후 생성 요청
var ErrShuttingDown = errors.New("orchestrator is shutting down")

// Provider - submit/poll/cancel 어댑터 (provider.Client 가 구현)
type Provider interface {
	Submit(ctx context.Context, req provider.Request) (provider.Ref, error)
	Poll(ctx context.Context, ref provider.Ref, opts provider.PollOptions) (provider.Result, error)
	Cancel(ctx context.Context, ref provider.Ref) error
}

// JobStore - 상태 변경마다 작업 레코드를 기록하는 영속화 경계
type JobStore interface {
	SaveJob(ctx context.Context, job *model.GenerationJob) error
}

// JobFinder - 이 프로세스에 없는 작업 조회
type JobFinder interface {
	FetchJob(ctx context.Context, jobID string) (*model.GenerationJob, error)
}

// ResultArchiver - 결과 이미지를 보관 저장소로 옮기고 저장 경로와 attach ID 를 돌려준다
type ResultArchiver interface {
	Archive(ctx context.Context, jobID, imageURL string) (model.ArchivedResult, error)
}

// Downloader - 결과 이미지 바이트를 받아온다 (검증용)
type Downloader interface {
	Download(ctx context.Context, url string) ([]byte, error)
}

// CancelFlags - 프로세스 간 취소 신호 (redis.Queue 가 구현)
type CancelFlags interface {
	SetJobCancelled(ctx context.Context, jobID string) error
	IsJobCancelled(ctx context.Context, jobID string) (bool, error)
}

// Options - Orchestrator 구성. Provider 와 Profiles 는 필수.
type Options struct {
	Profiles   []config.ProviderProfile // 첫 번째가 기본
	Tiers      estimate.Table
	Provider   Provider
	Compositor *composite.Compositor
	Analyzers  map[composite.Role]RoleAnalyzer
	Scorer     Scorer
	Store      JobStore
	Finder     JobFinder
	Archiver   ResultArchiver
	Downloader Downloader
	Cancels    CancelFlags

	CancelCheckInterval time.Duration // 기본 1s
	PersistTimeout      time.Duration // 기본 5s
	Retention           time.Duration // 끝난 작업을 메모리에 두는 시간 (기본 10m)

	Metrics *metrics.Metrics
	Logger  *zerolog.Logger
	Now     func() time.Time
	NewID   func() string
}

// JobRequest - 작업 생성 요청. ID 가 비어 있으면 새로 발급한다.
type JobRequest struct {
	ID       string
	Inputs   []model.InputImage
	Settings model.QualitySettings
}

// Orchestrator - 작업마다 고루틴 하나로 상태 머신을 실행한다.
// 작업 상태는 해당 jobHandle 만 소유하고 작업 간 공유 상태는 jobs 맵뿐이다.
type Orchestrator struct {
	profiles   []config.ProviderProfile
	tiers      estimate.Table
	provider   Provider
	compositor *composite.Compositor
	analyzers  map[composite.Role]RoleAnalyzer
	scorer     Scorer
	store      JobStore
	finder     JobFinder
	archiver   ResultArchiver
	downloader Downloader
	cancels    CancelFlags

	cancelCheckInterval time.Duration
	persistTimeout      time.Duration
	retention           time.Duration

	metrics *metrics.Metrics
	log     *zerolog.Logger
	now     func() time.Time
	newID   func() string

	mu     sync.Mutex
	jobs   map[string]*jobHandle
	evicts map[string]*time.Timer
	closed bool
	wg     sync.WaitGroup
}

type jobHandle struct {
	mu      sync.Mutex
	job     *model.GenerationJob
	tier    estimate.TierConfig
	cancel  context.CancelFunc
	ref     *provider.Ref
	subs    map[int]chan *model.GenerationJob
	nextSub int
	version int
	stageAt time.Time
	done    chan struct{}

	saveMu    sync.Mutex
	savedUpTo int
}

// NewOrchestrator - 빈 옵션은 기본값으로 채운다
func NewOrchestrator(opts Options) (*Orchestrator, error) {
	if opts.Provider == nil {
		return nil, errors.New("fitting: provider is required")
	}
	if len(opts.Profiles) == 0 {
		return nil, errors.New("fitting: at least one provider profile is required")
	}
	o := &Orchestrator{
		profiles:            opts.Profiles,
		tiers:               opts.Tiers,
		provider:            opts.Provider,
		compositor:          opts.Compositor,
		analyzers:           opts.Analyzers,
		scorer:              opts.Scorer,
		store:               opts.Store,
		finder:              opts.Finder,
		archiver:            opts.Archiver,
		downloader:          opts.Downloader,
		cancels:             opts.Cancels,
		cancelCheckInterval: opts.CancelCheckInterval,
		persistTimeout:      opts.PersistTimeout,
		retention:           opts.Retention,
		metrics:             opts.Metrics,
		log:                 logger.OrNop(opts.Logger),
		now:                 opts.Now,
		newID:               opts.NewID,
		jobs:                make(map[string]*jobHandle),
		evicts:              make(map[string]*time.Timer),
	}
	if o.tiers == nil {
		o.tiers = estimate.DefaultTable()
	}
	if o.compositor == nil {
		o.compositor = composite.New(composite.DefaultOptions())
	}
	if o.analyzers == nil {
		o.analyzers = DefaultAnalyzers()
	}
	if o.scorer == nil {
		o.scorer = HeuristicScorer{Layout: o.compositor.Layout()}
	}
	if o.cancelCheckInterval <= 0 {
		o.cancelCheckInterval = time.Second
	}
	if o.persistTimeout <= 0 {
		o.persistTimeout = 5 * time.Second
	}
	if o.retention <= 0 {
		o.retention = 10 * time.Minute
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	return o, nil
}

// Estimate - 설정 검증 후 비용/시간 추정
func (o *Orchestrator) Estimate(settings model.QualitySettings) (estimate.Result, error) {
	settings, err := o.validateSettings(settings)
	if err != nil {
		return estimate.Result{}, err
	}
	return o.tiers.EstimateFor(settings)
}

// CreateJob - 입력과 설정을 검증하고 queued 작업을 등록한 뒤 바로 실행을 시작한다
func (o *Orchestrator) CreateJob(ctx context.Context, req JobRequest) (*model.GenerationJob, estimate.Result, error) {
	settings, err := o.validateSettings(req.Settings)
	if err != nil {
		return nil, estimate.Result{}, err
	}
	if err := ValidateInputs(req.Inputs); err != nil {
		return nil, estimate.Result{}, err
	}
	tierCfg, err := o.tiers.Lookup(settings.Tier)
	if err != nil {
		return nil, estimate.Result{}, err
	}
	est := estimate.Estimate(tierCfg, settings)

	id := strings.TrimSpace(req.ID)
	if id == "" {
		id = o.newID()
	}
	now := o.now()
	job := &model.GenerationJob{
		ID:            id,
		Status:        model.StatusQueued,
		MaxAttempts:   settings.MaxAttempts(),
		QualityTier:   settings.Tier,
		Settings:      settings,
		Inputs:        append([]model.InputImage(nil), req.Inputs...),
		History:       []model.AttemptRecord{},
		EstimatedCost: est.Cost,
		EstimatedTime: est.TimeSeconds,
		ETASeconds:    est.TimeSeconds,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h := &jobHandle{
		job:    job,
		tier:   tierCfg,
		cancel: cancel,
		subs:   make(map[int]chan *model.GenerationJob),
		done:   make(chan struct{}),
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		cancel()
		return nil, estimate.Result{}, ErrShuttingDown
	}
	if _, exists := o.jobs[id]; exists {
		o.mu.Unlock()
		cancel()
		return nil, estimate.Result{}, fmt.Errorf("%w: job %s already exists", model.ErrInvalidInput, id)
	}
	o.jobs[id] = h
	o.wg.Add(1)
	o.mu.Unlock()

	h.mu.Lock()
	snap, version := o.publishLocked(h)
	h.mu.Unlock()
	o.persist(h, snap, version)

	o.metrics.JobStarted()
	o.log.Info().Str("job_id", id).Str("tier", string(settings.Tier)).Int("max_attempts", job.MaxAttempts).
		Float64("estimated_cost", est.Cost).Int("estimated_time", est.TimeSeconds).Msg("job created")

	go o.run(runCtx, h)
	return snap, est, nil
}

// GetJobStatus - 이 프로세스의 작업이면 메모리 스냅샷, 아니면 Finder 조회
func (o *Orchestrator) GetJobStatus(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	if h := o.handle(jobID); h != nil {
		return h.snapshot(), nil
	}
	if o.finder != nil {
		return o.finder.FetchJob(ctx, jobID)
	}
	return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
}

// CancelJob - 종료 전이면 cancelled 로 끝내고 폴링을 멈춘다. 이미 cancelled 면
// 같은 스냅샷을 돌려주고, completed/failed 면 ErrJobFinished.
// 다른 프로세스가 실행 중인 작업은 취소 플래그만 세운다.
func (o *Orchestrator) CancelJob(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	h := o.handle(jobID)
	if h == nil {
		return o.cancelRemote(ctx, jobID)
	}
	if o.cancelLocal(h, "cancelled by request") {
		return h.snapshot(), nil
	}
	snap := h.snapshot()
	if snap.Status == model.StatusCancelled {
		return snap, nil
	}
	return snap, fmt.Errorf("%w: %s is %s", model.ErrJobFinished, jobID, snap.Status)
}

func (o *Orchestrator) cancelRemote(ctx context.Context, jobID string) (*model.GenerationJob, error) {
	if o.finder == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	job, err := o.finder.FetchJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	switch {
	case job.Status == model.StatusCancelled:
		return job, nil
	case job.Status.IsTerminal():
		return job, fmt.Errorf("%w: %s is %s", model.ErrJobFinished, jobID, job.Status)
	case o.cancels == nil:
		return nil, fmt.Errorf("job %s is owned by another instance and no cancel channel is configured", jobID)
	}
	if err := o.cancels.SetJobCancelled(ctx, jobID); err != nil {
		return nil, fmt.Errorf("set cancel flag for %s: %w", jobID, err)
	}
	o.log.Info().Str("job_id", jobID).Msg("cancel flag set for remote job")
	return job, nil
}

// cancelLocal - 종료 전이를 한 번만 수행한다. 전이했으면 true.
func (o *Orchestrator) cancelLocal(h *jobHandle, reason string) bool {
	ok := o.finish(h, func(j *model.GenerationJob) {
		j.Status = model.StatusCancelled
		j.Error = &model.JobError{Kind: model.KindCancelled, Message: reason}
	})
	if !ok {
		return false
	}
	h.cancel()

	h.mu.Lock()
	ref := h.ref
	h.mu.Unlock()
	if ref != nil {
		o.cancelProvider(*ref)
	}
	return true
}

// cancelProvider - 프로바이더 취소는 최선 노력, 실패는 로그만 남긴다
func (o *Orchestrator) cancelProvider(ref provider.Ref) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), o.persistTimeout)
		defer cancel()
		if err := o.provider.Cancel(ctx, ref); err != nil {
			o.log.Warn().Err(err).Str("provider_job", ref.ID).Msg("provider cancel failed")
		}
	}()
}

// Subscribe - 상태가 바뀔 때마다 스냅샷을 받는다. 현재 스냅샷이 먼저 오고,
// 작업이 끝나면 채널이 닫힌다. 느린 구독자는 오래된 스냅샷을 잃지만 마지막 것은 받는다.
func (o *Orchestrator) Subscribe(jobID string) (<-chan *model.GenerationJob, func(), error) {
	h := o.handle(jobID)
	if h == nil {
		return nil, nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	ch := make(chan *model.GenerationJob, 8)

	h.mu.Lock()
	defer h.mu.Unlock()
	ch <- h.job.Clone()
	if h.job.Status.IsTerminal() {
		close(ch)
		return ch, func() {}, nil
	}
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, unsubscribe, nil
}

// Done - 작업 고루틴이 끝나면 닫히는 채널
func (o *Orchestrator) Done(jobID string) (<-chan struct{}, error) {
	h := o.handle(jobID)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrJobNotFound, jobID)
	}
	return h.done, nil
}

// ActiveJobs - 아직 종료 상태가 아닌 작업 수
func (o *Orchestrator) ActiveJobs() int {
	o.mu.Lock()
	handles := make([]*jobHandle, 0, len(o.jobs))
	for _, h := range o.jobs {
		handles = append(handles, h)
	}
	o.mu.Unlock()

	active := 0
	for _, h := range handles {
		h.mu.Lock()
		if !h.job.Status.IsTerminal() {
			active++
		}
		h.mu.Unlock()
	}
	return active
}

// Shutdown - 새 작업을 막고 진행 중인 작업을 cancelled 로 끝낸 뒤 고루틴을 기다린다
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	handles := make([]*jobHandle, 0, len(o.jobs))
	for _, h := range o.jobs {
		handles = append(handles, h)
	}
	for id, t := range o.evicts {
		t.Stop()
		delete(o.evicts, id)
	}
	o.mu.Unlock()

	for _, h := range handles {
		o.cancelLocal(h, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) handle(jobID string) *jobHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.jobs[jobID]
}

// scheduleEviction - 작업 고루틴이 끝난 뒤 retention 이 지나면 jobs 맵에서 뺀다.
// 이후 조회는 Finder 로 간다.
func (o *Orchestrator) scheduleEviction(h *jobHandle) {
	id := h.snapshot().ID
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.evicts[id] = time.AfterFunc(o.retention, func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		if o.jobs[id] == h {
			delete(o.jobs, id)
		}
		delete(o.evicts, id)
		o.log.Debug().Str("job_id", id).Msg("finished job evicted from memory")
	})
}

func (h *jobHandle) snapshot() *model.GenerationJob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.job.Clone()
}

// attemptOutcome - 한 시도의 결과 이미지와 점수
type attemptOutcome struct {
	imageURL string
	scores   model.QualityScores
}

func (o *Orchestrator) run(ctx context.Context, h *jobHandle) {
	defer o.wg.Done()
	defer o.scheduleEviction(h)
	defer close(h.done)
	defer h.cancel()

	job := h.snapshot()
	settings := job.Settings
	log := o.log.With().Str("job_id", job.ID).Logger()

	if o.cancels != nil {
		go o.watchCancelFlag(ctx, h)
	}

	profile := o.profileFor(settings.Provider)
	tierCfg := h.tier
	threshold := settings.ValidationThreshold
	if threshold <= 0 {
		threshold = tierCfg.ValidationThreshold
	}

	// analyzing
	if !o.enterStage(h, model.StageAnalyzing, 1) {
		return
	}
	images := compositeImages(job.Inputs)
	canvas, err := o.compositor.Compose(images)
	if err != nil {
		log.Warn().Err(err).Msg("composition failed")
		o.fail(h, model.AsJobError(err, model.KindComposition))
		return
	}
	traits := AnalyzeInputs(images, o.analyzers)
	digest := composite.Digest(canvas)
	o.update(h, func(j *model.GenerationJob) { j.CompositeDigest = digest })
	log.Debug().Str("digest", digest).Interface("traits", traits).Msg("inputs analyzed")

	params := InitialParams(tierCfg, settings, job.ID)
	baseSeed := params.Seed
	var last model.QualityScores

	for attempt := 1; attempt <= job.MaxAttempts; attempt++ {
		if attempt > 1 && !o.enterStage(h, model.StageRetrying, attempt) {
			return
		}
		began := o.now()

		outcome, err := o.runAttempt(ctx, h, profile, canvas, traits, params, attempt)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			jobErr := model.AsJobError(err, model.KindProvider)
			log.Warn().Err(err).Str("kind", string(jobErr.Kind)).Int("attempt", attempt).Msg("attempt failed")
			o.fail(h, jobErr)
			return
		}

		last = outcome.scores
		passed := last.Overall >= threshold
		o.metrics.Attempt(passed)
		record := model.AttemptRecord{
			Attempt:      attempt,
			Success:      passed,
			QualityScore: last.Overall,
			DurationMs:   o.now().Sub(began).Milliseconds(),
		}
		log.Info().Int("attempt", attempt).Float64("overall", last.Overall).Float64("threshold", threshold).
			Bool("passed", passed).Msg("attempt validated")

		if passed {
			result := &model.JobResult{ImageURL: outcome.imageURL, Metrics: last}
			if o.archiver != nil {
				if archived, err := o.archiver.Archive(ctx, job.ID, outcome.imageURL); err != nil {
					log.Warn().Err(err).Msg("result archive failed, keeping provider url")
				} else {
					result.StoredPath = archived.Path
					result.AttachID = archived.AttachID
				}
			}
			o.finish(h, func(j *model.GenerationJob) {
				j.Status = model.StatusCompleted
				j.Result = result
				j.History = append(j.History, record)
			})
			return
		}

		if !o.update(h, func(j *model.GenerationJob) { j.History = append(j.History, record) }) {
			return
		}
		if attempt < job.MaxAttempts {
			params = params.Perturb(last, threshold, attempt+1, baseSeed)
			log.Debug().Interface("params", params).Msg("retrying with adjusted params")
		}
	}

	o.fail(h, model.NewJobError(model.KindQualityBudgetExceeded,
		fmt.Errorf("overall quality %.3f below threshold %.2f after %d attempt(s)", last.Overall, threshold, job.MaxAttempts)))
}

// runAttempt - generating_model → applying_product → validating
func (o *Orchestrator) runAttempt(ctx context.Context, h *jobHandle, profile config.ProviderProfile, canvas []byte, traits Traits, params GenerationParams, attempt int) (attemptOutcome, error) {
	if !o.enterStage(h, model.StageGeneratingModel, attempt) {
		return attemptOutcome{}, context.Canceled
	}
	modelOut, err := o.callProvider(ctx, h, profile, ModelRequest(profile, canvas, traits, params), 1)
	if err != nil {
		return attemptOutcome{}, err
	}

	if !o.enterStage(h, model.StageApplyingProduct, attempt) {
		return attemptOutcome{}, context.Canceled
	}
	applyOut, err := o.callProvider(ctx, h, profile, ApplyRequest(profile, modelOut.Sample, canvas, traits, params), 2)
	if err != nil {
		return attemptOutcome{}, err
	}

	if !o.enterStage(h, model.StageValidating, attempt) {
		return attemptOutcome{}, context.Canceled
	}
	in := model.ScoreInput{
		JobID:           h.snapshot().ID,
		Attempt:         attempt,
		Reference:       canvas,
		Prompt:          BuildApplyPrompt(profile, traits, params),
		ProviderMetrics: applyOut.Metrics,
	}
	if o.downloader != nil && applyOut.Metrics == nil {
		data, err := o.downloader.Download(ctx, applyOut.Sample)
		if err != nil {
			if ctx.Err() != nil {
				return attemptOutcome{}, ctx.Err()
			}
			return attemptOutcome{}, model.NewJobError(model.KindProvider, fmt.Errorf("download generated image: %w", err))
		}
		in.Output = data
		in.OutputMIMEType = sniffMIME(data)
	}

	scores, err := o.scorer.Score(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return attemptOutcome{}, ctx.Err()
		}
		return attemptOutcome{}, model.NewJobError(model.KindProvider, fmt.Errorf("quality scoring: %w", err))
	}
	scores.Overall = OverallScore(scores, h.snapshot().Settings)
	o.setProgress(h, 3, 100)
	return attemptOutcome{imageURL: applyOut.Sample, scores: scores}, nil
}

// sampleOutput - ready 응답의 result 필드
type sampleOutput struct {
	Sample  string               `json:"sample"`
	Metrics *model.QualityScores `json:"metrics,omitempty"`
}

// callProvider - 제출 후 끝날 때까지 폴링. 진행률은 stageIndex 의 25% 구간에 매핑한다.
func (o *Orchestrator) callProvider(ctx context.Context, h *jobHandle, profile config.ProviderProfile, req provider.Request, stageIndex int) (sampleOutput, error) {
	ref, err := o.provider.Submit(ctx, req)
	if err != nil {
		return sampleOutput{}, err
	}

	h.mu.Lock()
	cancelled := h.job.Status.IsTerminal()
	if !cancelled {
		h.ref = &ref
	}
	h.mu.Unlock()
	if cancelled {
		// 제출 직후 취소된 경우 프로바이더 작업도 정리
		o.cancelProvider(ref)
		return sampleOutput{}, context.Canceled
	}
	o.update(h, func(j *model.GenerationJob) { j.ProviderJobRef = ref.ID })

	res, err := o.provider.Poll(ctx, ref, provider.PollOptions{
		MaxAttempts: profile.Poll.MaxAttempts,
		Interval:    profile.Poll.Interval,
		OnProgress: func(pct int) {
			o.setProgress(h, stageIndex, pct)
		},
		OnPoll: func(state provider.State, err error) {
			o.metrics.Poll(string(state))
		},
	})

	h.mu.Lock()
	h.ref = nil
	h.mu.Unlock()
	if err != nil {
		return sampleOutput{}, err
	}

	var out sampleOutput
	if err := json.Unmarshal(res.Data, &out); err != nil || strings.TrimSpace(out.Sample) == "" {
		return sampleOutput{}, model.NewJobError(model.KindProvider,
			fmt.Errorf("provider job %s returned no sample: %s", ref.ID, truncateText(string(res.Data), 200)))
	}
	o.setProgress(h, stageIndex, 100)
	return out, nil
}

// watchCancelFlag - 다른 인스턴스가 세운 취소 플래그를 주기적으로 확인
func (o *Orchestrator) watchCancelFlag(ctx context.Context, h *jobHandle) {
	ticker := time.NewTicker(o.cancelCheckInterval)
	defer ticker.Stop()
	id := h.snapshot().ID
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			flagged, err := o.cancels.IsJobCancelled(ctx, id)
			if err != nil {
				if ctx.Err() == nil {
					o.log.Warn().Err(err).Str("job_id", id).Msg("cancel flag check failed")
				}
				continue
			}
			if flagged {
				o.log.Info().Str("job_id", id).Msg("cancel flag observed")
				o.cancelLocal(h, "cancelled by request")
				return
			}
		}
	}
}

// enterStage - running 으로 두고 단계/시도/진행률 바닥값을 설정
func (o *Orchestrator) enterStage(h *jobHandle, stage model.Stage, attempt int) bool {
	now := o.now()
	return o.update(h, func(j *model.GenerationJob) {
		if j.Stage != model.StageNone && !h.stageAt.IsZero() {
			o.metrics.ObserveStage(string(j.Stage), now.Sub(h.stageAt))
		}
		h.stageAt = now
		j.Status = model.StatusRunning
		j.Stage = stage
		j.Attempt = min(attempt, j.MaxAttempts)
		j.Progress = stage.ProgressFloor()
	})
}

// setProgress - stageIndex*25 + pct*25/100, 같은 시도 안에서는 줄어들지 않는다
func (o *Orchestrator) setProgress(h *jobHandle, stageIndex, pct int) {
	pct = max(0, min(100, pct))
	progress := stageIndex*25 + pct*25/100
	h.mu.Lock()
	unchanged := progress <= h.job.Progress
	h.mu.Unlock()
	if unchanged {
		return
	}
	o.update(h, func(j *model.GenerationJob) {
		if progress > j.Progress {
			j.Progress = progress
		}
	})
}

func (o *Orchestrator) fail(h *jobHandle, jobErr *model.JobError) {
	o.finish(h, func(j *model.GenerationJob) {
		j.Status = model.StatusFailed
		j.Error = jobErr
	})
}

// finish - 종료 전이. 진행 중이던 단계 시간을 기록하고 메트릭을 남긴다.
func (o *Orchestrator) finish(h *jobHandle, fn func(j *model.GenerationJob)) bool {
	now := o.now()
	var status model.JobStatus
	var kind model.ErrorKind
	ok := o.update(h, func(j *model.GenerationJob) {
		if j.Stage != model.StageNone && !h.stageAt.IsZero() {
			o.metrics.ObserveStage(string(j.Stage), now.Sub(h.stageAt))
		}
		fn(j)
		j.Stage = model.StageNone
		if j.Status == model.StatusCompleted {
			j.Progress = 100
			j.Error = nil
		} else {
			j.Result = nil
		}
		completedAt := now
		j.CompletedAt = &completedAt
		status = j.Status
		if j.Error != nil {
			kind = j.Error.Kind
		}
	})
	if !ok {
		return false
	}
	o.metrics.JobFinished(string(status), string(kind))
	ev := o.log.Info()
	if status == model.StatusFailed {
		ev = o.log.Warn()
	}
	ev.Str("job_id", h.snapshot().ID).Str("status", string(status)).Str("kind", string(kind)).Msg("job finished")
	return true
}

// update - 종료 전이면 fn 을 적용하고 구독자/저장소에 알린다. 이미 종료됐으면 false.
func (o *Orchestrator) update(h *jobHandle, fn func(j *model.GenerationJob)) bool {
	h.mu.Lock()
	if h.job.Status.IsTerminal() {
		h.mu.Unlock()
		return false
	}
	fn(h.job)
	now := o.now()
	h.job.UpdatedAt = now
	if h.job.Status.IsTerminal() {
		h.job.ETASeconds = 0
	} else {
		elapsed := int(now.Sub(h.job.CreatedAt).Seconds())
		h.job.ETASeconds = max(0, h.job.EstimatedTime-elapsed)
	}
	snap, version := o.publishLocked(h)
	h.mu.Unlock()

	o.persist(h, snap, version)
	return true
}

// publishLocked - h.mu 를 잡은 상태에서 호출. 구독자 채널이 가득 차면 가장 오래된 것을 버린다.
func (o *Orchestrator) publishLocked(h *jobHandle) (*model.GenerationJob, int) {
	h.version++
	snap := h.job.Clone()
	for id, ch := range h.subs {
		s := h.job.Clone()
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
		if h.job.Status.IsTerminal() {
			close(ch)
			delete(h.subs, id)
		}
	}
	return snap, h.version
}

// persist - 작업별로 직렬화하고 이미 더 새 버전을 저장했으면 건너뛴다
func (o *Orchestrator) persist(h *jobHandle, snap *model.GenerationJob, version int) {
	if o.store == nil {
		return
	}
	h.saveMu.Lock()
	defer h.saveMu.Unlock()
	if version <= h.savedUpTo {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.persistTimeout)
	defer cancel()
	if err := o.store.SaveJob(ctx, snap); err != nil {
		o.log.Warn().Err(err).Str("job_id", snap.ID).Str("status", string(snap.Status)).Msg("job save failed")
		return
	}
	h.savedUpTo = version
}

// profileFor - 이름이 없거나 못 찾으면 기본 프로필
func (o *Orchestrator) profileFor(name string) config.ProviderProfile {
	for _, p := range o.profiles {
		if strings.EqualFold(p.Name, name) {
			return p
		}
	}
	return o.profiles[0]
}

var allowedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

var detailName = regexp.MustCompile(`^detail[0-9]+$`)

// ValidateInputs - 이름은 face|model, product, detail<N>. product 필수, 이름 중복 금지.
// face 와 model 은 같은 자리라 둘 중 하나만 받는다.
func ValidateInputs(inputs []model.InputImage) error {
	if len(inputs) == 0 {
		return fmt.Errorf("%w: no input images", model.ErrInvalidInput)
	}
	seen := make(map[string]bool, len(inputs))
	faceName := ""
	hasProduct := false
	for _, in := range inputs {
		name := strings.ToLower(strings.TrimSpace(in.Name))
		role, ok := composite.RoleForName(name)
		if !ok || (role == composite.RoleDetail && !detailName.MatchString(name)) {
			return fmt.Errorf("%w: unknown input name %q", model.ErrInvalidInput, in.Name)
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate input %q", model.ErrInvalidInput, name)
		}
		seen[name] = true
		if role == composite.RoleFace {
			if faceName != "" {
				return fmt.Errorf("%w: inputs %q and %q both fill the face slot", model.ErrInvalidInput, faceName, name)
			}
			faceName = name
		}
		if !allowedMIMETypes[strings.ToLower(in.MimeType)] {
			return fmt.Errorf("%w: input %q has unsupported mimetype %q", model.ErrInvalidInput, name, in.MimeType)
		}
		if len(in.Data) == 0 {
			return fmt.Errorf("%w: input %q is empty", model.ErrInvalidInput, name)
		}
		if role == composite.RoleProduct {
			hasProduct = true
		}
	}
	if !hasProduct {
		return fmt.Errorf("%w: product image is required", model.ErrInvalidInput)
	}
	return nil
}

const maxRetriesLimit = 10

func (o *Orchestrator) validateSettings(s model.QualitySettings) (model.QualitySettings, error) {
	tier, err := model.ParseQualityTier(string(s.Tier))
	if err != nil {
		return s, err
	}
	s.Tier = tier
	if _, err := o.tiers.Lookup(tier); err != nil {
		return s, err
	}
	if s.MaxRetries < 0 || s.MaxRetries > maxRetriesLimit {
		return s, fmt.Errorf("%w: maxRetries must be between 0 and %d", model.ErrInvalidInput, maxRetriesLimit)
	}
	for name, v := range map[string]float64{
		"consistencyPriority": s.ConsistencyPriority,
		"accuracyPriority":    s.AccuracyPriority,
		"validationThreshold": s.ValidationThreshold,
	} {
		if v < 0 || v > 1 {
			return s, fmt.Errorf("%w: %s must be between 0 and 1", model.ErrInvalidInput, name)
		}
	}
	if s.Provider != "" {
		found := false
		for _, p := range o.profiles {
			if strings.EqualFold(p.Name, s.Provider) {
				found = true
				break
			}
		}
		if !found {
			return s, fmt.Errorf("%w: unknown provider %q", model.ErrInvalidInput, s.Provider)
		}
	}
	return s, nil
}

// compositeImages - 입력 이름을 캔버스 역할로 변환 (입력 순서 유지)
func compositeImages(inputs []model.InputImage) []composite.Image {
	images := make([]composite.Image, 0, len(inputs))
	for _, in := range inputs {
		if role, ok := composite.RoleForName(in.Name); ok {
			images = append(images, composite.Image{Role: role, Data: in.Data})
		}
	}
	return images
}

func sniffMIME(data []byte) string {
	switch {
	case len(data) >= 8 && string(data[1:4]) == "PNG":
		return "image/png"
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
