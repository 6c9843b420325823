package fitting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"quel-fitting-server/modules/common/logger"
	"quel-fitting-server/modules/common/model"
	"quel-fitting-server/modules/composite"
	"quel-fitting-server/modules/estimate"
)

const (
	defaultMaxUploadBytes = 32 << 20
	wsWriteTimeout        = 10 * time.Second
)

// Enqueuer - 작업 ID 를 외부 큐에 넣는다 (redis.Queue 가 구현)
type Enqueuer interface {
	Push(ctx context.Context, jobID string) (int64, error)
	Key() string
}

// Handler - 피팅 작업 HTTP/WebSocket 핸들러
type Handler struct {
	orch           *Orchestrator
	queue          Enqueuer
	log            *zerolog.Logger
	upgrader       websocket.Upgrader
	maxUploadBytes int64
}

// JobResponse - 작업 API 공통 응답
type JobResponse struct {
	Success  bool                 `json:"success"`
	Error    string               `json:"error,omitempty"`
	Kind     string               `json:"kind,omitempty"`
	Job      *model.GenerationJob `json:"job,omitempty"`
	Estimate *estimate.Result     `json:"estimate,omitempty"`
}

// EnqueueRequest - 큐 등록 요청
type EnqueueRequest struct {
	JobID string `json:"job_id"`
}

// EnqueueResponse - 큐 등록 응답
type EnqueueResponse struct {
	Success       bool   `json:"success"`
	Message       string `json:"message,omitempty"`
	Error         string `json:"error,omitempty"`
	JobID         string `json:"job_id,omitempty"`
	Queue         string `json:"queue,omitempty"`
	QueuePosition int64  `json:"queuePosition,omitempty"`
}

// NewHandler - queue 가 nil 이면 enqueue 라우트를 등록하지 않는다
func NewHandler(orch *Orchestrator, queue Enqueuer, log *zerolog.Logger) *Handler {
	return &Handler{
		orch:  orch,
		queue: queue,
		log:   logger.OrNop(log),
		upgrader: websocket.Upgrader{
			// 개발용 - 모든 origin 허용
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxUploadBytes: defaultMaxUploadBytes,
	}
}

// RegisterRoutes - 라우트 등록
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/api/fitting/jobs", h.HandleCreateJob).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/fitting/jobs/{jobId}", h.HandleGetJob).Methods("GET")
	r.HandleFunc("/api/fitting/jobs/{jobId}/cancel", h.HandleCancelJob).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/fitting/estimate", h.HandleEstimate).Methods("POST", "OPTIONS")
	r.HandleFunc("/ws/fitting/jobs/{jobId}", h.HandleWatchJob)
	if h.queue != nil {
		r.HandleFunc("/api/fitting/enqueue", h.HandleEnqueue).Methods("POST", "OPTIONS")
	}
	h.log.Info().Bool("enqueue", h.queue != nil).Msg("fitting routes registered")
}

// HandleCreateJob - POST /api/fitting/jobs (multipart: product, face|model, detail1..N + 설정 필드)
func (h *Handler) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		writeError(w, fmt.Errorf("%w: multipart form: %v", model.ErrInvalidInput, err))
		return
	}
	defer r.MultipartForm.RemoveAll()

	inputs, err := readInputs(r)
	if err != nil {
		writeError(w, err)
		return
	}
	settings, err := settingsFromForm(r)
	if err != nil {
		writeError(w, err)
		return
	}

	job, est, err := h.orch.CreateJob(r.Context(), JobRequest{
		ID:       r.FormValue("jobId"),
		Inputs:   inputs,
		Settings: settings,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("create job rejected")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, JobResponse{Success: true, Job: job, Estimate: &est})
}

// HandleGetJob - GET /api/fitting/jobs/{jobId}
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.orch.GetJobStatus(r.Context(), mux.Vars(r)["jobId"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Success: true, Job: job})
}

// HandleCancelJob - POST /api/fitting/jobs/{jobId}/cancel (두 번 불러도 같은 결과)
func (h *Handler) HandleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	job, err := h.orch.CancelJob(r.Context(), jobID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("cancel requested")
	writeJSON(w, http.StatusOK, JobResponse{Success: true, Job: job})
}

// HandleEstimate - POST /api/fitting/estimate (JSON QualitySettings)
func (h *Handler) HandleEstimate(w http.ResponseWriter, r *http.Request) {
	var settings model.QualitySettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", model.ErrInvalidInput))
		return
	}
	est, err := h.orch.Estimate(settings)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, JobResponse{Success: true, Estimate: &est})
}

// HandleEnqueue - POST /api/fitting/enqueue (DB 에 등록된 작업을 큐 워커에 넘긴다)
func (h *Handler) HandleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, EnqueueResponse{Success: false, Error: "Invalid request body"})
		return
	}
	if strings.TrimSpace(req.JobID) == "" {
		writeJSON(w, http.StatusBadRequest, EnqueueResponse{Success: false, Error: "job_id is required"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	position, err := h.queue.Push(ctx, req.JobID)
	if err != nil {
		h.log.Error().Err(err).Str("job_id", req.JobID).Msg("enqueue failed")
		writeJSON(w, http.StatusBadGateway, EnqueueResponse{Success: false, Error: err.Error()})
		return
	}
	h.log.Info().Str("job_id", req.JobID).Int64("position", position).Msg("job enqueued")
	writeJSON(w, http.StatusOK, EnqueueResponse{
		Success:       true,
		Message:       "Job enqueued successfully",
		JobID:         req.JobID,
		Queue:         h.queue.Key(),
		QueuePosition: position,
	})
}

// HandleWatchJob - 작업 스냅샷을 변경될 때마다 WebSocket 으로 보낸다.
// 이 인스턴스가 처리하지 않는 작업이면 현재 상태 한 번만 보내고 닫는다.
func (h *Handler) HandleWatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["jobId"]
	updates, unsubscribe, subErr := h.orch.Subscribe(jobID)

	var current *model.GenerationJob
	if subErr != nil {
		job, err := h.orch.GetJobStatus(r.Context(), jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		current = job
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("job_id", jobID).Msg("websocket upgrade failed")
		if unsubscribe != nil {
			unsubscribe()
		}
		return
	}
	defer conn.Close()

	if current != nil {
		h.writeSnapshot(conn, current)
		h.closeSocket(conn)
		return
	}
	defer unsubscribe()

	// 클라이언트가 먼저 닫으면 구독 해제
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				unsubscribe()
				return
			}
		}
	}()

	for snap := range updates {
		if err := h.writeSnapshot(conn, snap); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug().Err(err).Str("job_id", jobID).Msg("websocket write failed")
			}
			return
		}
	}
	h.closeSocket(conn)
}

func (h *Handler) writeSnapshot(conn *websocket.Conn, job *model.GenerationJob) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(JobResponse{Success: true, Job: job})
}

func (h *Handler) closeSocket(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

// readInputs - 파일 필드 이름이 입력 이름. face, product, detail 순서로 정렬한다.
func readInputs(r *http.Request) ([]model.InputImage, error) {
	var inputs []model.InputImage
	for name, headers := range r.MultipartForm.File {
		if len(headers) == 0 {
			continue
		}
		fh := headers[0]
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", model.ErrInvalidInput, name, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", model.ErrInvalidInput, name, err)
		}
		mimeType := fh.Header.Get("Content-Type")
		if mimeType == "" || mimeType == "application/octet-stream" {
			mimeType = http.DetectContentType(data)
		}
		inputs = append(inputs, model.InputImage{Name: name, MimeType: mimeType, Data: data})
	}
	sort.SliceStable(inputs, func(i, j int) bool {
		ri, ni := inputRank(inputs[i].Name)
		rj, nj := inputRank(inputs[j].Name)
		if ri != rj {
			return ri < rj
		}
		if ni != nj {
			return ni < nj
		}
		return inputs[i].Name < inputs[j].Name
	})
	return inputs, nil
}

// inputRank - 캔버스 밴드 순서와 detail 번호
func inputRank(name string) (int, int) {
	role, _ := composite.RoleForName(name)
	switch role {
	case composite.RoleFace:
		return 0, 0
	case composite.RoleProduct:
		return 1, 0
	case composite.RoleDetail:
		n, _ := strconv.Atoi(strings.TrimPrefix(strings.ToLower(name), "detail"))
		return 2, n
	default:
		return 3, 0
	}
}

// settingsFromForm - settings 필드(JSON)가 있으면 우선, 없으면 개별 필드
func settingsFromForm(r *http.Request) (model.QualitySettings, error) {
	var s model.QualitySettings
	if raw := r.FormValue("settings"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return s, fmt.Errorf("%w: settings: %v", model.ErrInvalidInput, err)
		}
		return s, nil
	}

	s.Tier = model.QualityTier(r.FormValue("qualityTier"))
	s.Provider = r.FormValue("provider")

	var err error
	if s.EnableRetry, err = formBool(r, "enableRetry"); err != nil {
		return s, err
	}
	if s.MaxRetries, err = formInt(r, "maxRetries"); err != nil {
		return s, err
	}
	if s.ConsistencyPriority, err = formFloat(r, "consistencyPriority"); err != nil {
		return s, err
	}
	if s.AccuracyPriority, err = formFloat(r, "accuracyPriority"); err != nil {
		return s, err
	}
	if s.ValidationThreshold, err = formFloat(r, "validationThreshold"); err != nil {
		return s, err
	}
	return s, nil
}

func formBool(r *http.Request, key string) (bool, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean", model.ErrInvalidInput, key)
	}
	return v, nil
}

func formInt(r *http.Request, key string) (int, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", model.ErrInvalidInput, key)
	}
	return v, nil
}

func formFloat(r *http.Request, key string) (float64, error) {
	raw := r.FormValue(key)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", model.ErrInvalidInput, key)
	}
	return v, nil
}

// statusFor - 에러를 HTTP 상태 코드로
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), JobResponse{Success: false, Error: err.Error(), Kind: string(model.KindOf(err))})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
