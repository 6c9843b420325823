// Package provider implements the submit/poll protocol shared by the external
// image-generation providers. It knows nothing about prompts, models or auth
// schemes: callers shape the request body, endpoint and headers.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"quel-fitting-server/modules/common/model"
)

// State - 단일 폴링 응답의 상태
type State string

const (
	StatePending State = "pending"
	StateReady   State = "ready"
	StateError   State = "error"
)

// Request - 호출자가 구성한 제출 요청 (엔드포인트/헤더/바디 모두 호출자 책임)
type Request struct {
	Endpoint string
	Header   http.Header
	Body     any
}

// Ref - 제출 후 프로바이더가 돌려준 작업 핸들
type Ref struct {
	ID         string      `json:"id"`
	Endpoint   string      `json:"endpoint"`
	PollingURL string      `json:"pollingUrl,omitempty"`
	Header     http.Header `json:"-"`
}

// ResultURL - 폴링 주소 (응답에 polling_url 이 있으면 그것을 우선)
func (r Ref) ResultURL() string {
	if r.PollingURL != "" {
		return r.PollingURL
	}
	return strings.TrimRight(r.Endpoint, "/") + "/result?id=" + url.QueryEscape(r.ID)
}

// Result - 폴링 한 번의 결과
type Result struct {
	State    State           `json:"state"`
	Data     json.RawMessage `json:"data,omitempty"`
	Progress int             `json:"progress"`
	Message  string          `json:"message,omitempty"`
	Raw      string          `json:"-"`
}

// TransportError - 네트워크 실패 또는 2xx 가 아닌 HTTP 응답
type TransportError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("provider: transport: %v", e.Err)
	}
	return fmt.Sprintf("provider: status %d: %s", e.StatusCode, e.Body)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Temporary - 재시도 대상인지 (네트워크, 5xx, 408, 429)
func (e *TransportError) Temporary() bool {
	switch {
	case e.StatusCode == 0:
		return true
	case e.StatusCode >= 500:
		return true
	case e.StatusCode == http.StatusRequestTimeout || e.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}

// Options configures the polling client.
type Options struct {
	HTTPClient    *http.Client
	Logger        *zerolog.Logger
	SubmitRetries int           // 제출 총 시도 횟수 (기본 3)
	SubmitBackoff time.Duration // 첫 재시도 대기 (기본 500ms, 매번 2배)
	SubmitLimiter *rate.Limiter // nil 이면 제한 없음
}

// Client executes submit/poll/cancel against any provider speaking the
// `{id}` / `result?id=` protocol.
type Client struct {
	httpClient    *http.Client
	logger        *zerolog.Logger
	submitRetries int
	submitBackoff time.Duration
	limiter       *rate.Limiter
}

type submitResponse struct {
	ID         string `json:"id"`
	PollingURL string `json:"polling_url"`
}

type pollResponse struct {
	ID       string          `json:"id"`
	Status   string          `json:"status"`
	Result   json.RawMessage `json:"result"`
	Error    json.RawMessage `json:"error"`
	Progress *float64        `json:"progress"`
}

// NewClient - 빈 옵션은 기본값으로 채운다
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	retries := opts.SubmitRetries
	if retries <= 0 {
		retries = 3
	}
	backoff := opts.SubmitBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	return &Client{
		httpClient:    httpClient,
		logger:        logger,
		submitRetries: retries,
		submitBackoff: backoff,
		limiter:       opts.SubmitLimiter,
	}
}

// Submit - POST <endpoint> → {id}. 일시적 실패는 백오프 후 재시도한다.
func (c *Client) Submit(ctx context.Context, req Request) (Ref, error) {
	body, err := json.Marshal(req.Body)
	if err != nil {
		return Ref{}, fmt.Errorf("provider: encode request: %w", err)
	}

	var lastErr error
	for try := 1; try <= c.submitRetries; try++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return Ref{}, err
			}
		}

		ref, err := c.submitOnce(ctx, req, body)
		if err == nil {
			c.logger.Debug().Str("provider_job", ref.ID).Str("endpoint", req.Endpoint).Int("try", try).Msg("provider: submitted")
			return ref, nil
		}
		if ctx.Err() != nil {
			return Ref{}, ctx.Err()
		}
		lastErr = err

		var te *TransportError
		if !errors.As(err, &te) || !te.Temporary() {
			break
		}
		if try == c.submitRetries {
			break
		}
		wait := c.submitBackoff << (try - 1)
		c.logger.Warn().Err(err).Int("try", try).Dur("wait", wait).Msg("provider: submit failed, retrying")
		if err := sleep(ctx, wait); err != nil {
			return Ref{}, err
		}
	}
	return Ref{}, providerError(lastErr)
}

func (c *Client) submitOnce(ctx context.Context, req Request, body []byte) (Ref, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Ref{}, fmt.Errorf("provider: build request: %w", err)
	}
	copyHeader(httpReq.Header, req.Header)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	raw, err := c.do(httpReq)
	if err != nil {
		return Ref{}, err
	}

	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Ref{}, fmt.Errorf("provider: decode submit response: %w", err)
	}
	if strings.TrimSpace(decoded.ID) == "" {
		return Ref{}, fmt.Errorf("provider: submit response missing id: %s", truncate(string(raw), 200))
	}
	return Ref{
		ID:         decoded.ID,
		Endpoint:   req.Endpoint,
		PollingURL: strings.TrimSpace(decoded.PollingURL),
		Header:     req.Header.Clone(),
	}, nil
}

// PollOnce - GET <endpoint>/result?id=<id>. 전송 실패는 *TransportError 로 돌려준다.
func (c *Client) PollOnce(ctx context.Context, ref Ref) (Result, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.ResultURL(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("provider: build poll request: %w", err)
	}
	copyHeader(httpReq.Header, ref.Header)
	httpReq.Header.Set("Accept", "application/json")

	raw, err := c.do(httpReq)
	if err != nil {
		return Result{}, err
	}

	var decoded pollResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Result{}, &TransportError{StatusCode: http.StatusOK, Body: truncate(string(raw), 200), Err: err}
	}

	out := Result{State: StatePending, Raw: string(raw), Progress: normalizeProgress(decoded.Progress)}
	switch decoded.Status {
	case "Ready":
		out.State = StateReady
		out.Data = decoded.Result
		out.Progress = 100
	case "Error":
		out.State = StateError
		out.Message = errorText(decoded.Error)
		if out.Message == "" {
			out.Message = truncate(string(raw), 500)
		}
	}
	return out, nil
}

// Cancel - 최선 노력 취소 (POST <endpoint>/cancel?id=<id>)
func (c *Client) Cancel(ctx context.Context, ref Ref) error {
	cancelURL := strings.TrimRight(ref.Endpoint, "/") + "/cancel?id=" + url.QueryEscape(ref.ID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, cancelURL, nil)
	if err != nil {
		return fmt.Errorf("provider: build cancel request: %w", err)
	}
	copyHeader(httpReq.Header, ref.Header)
	_, err = c.do(httpReq)
	return err
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(truncate(string(raw), 500))}
	}
	return raw, nil
}

// providerError - 제출/폴링 실패를 ProviderError 로 감싼다 (상태 코드와 메시지 보존)
func providerError(err error) error {
	if err == nil {
		return model.NewJobError(model.KindProvider, errors.New("provider: unknown failure"))
	}
	jobErr := model.NewJobError(model.KindProvider, err)
	var te *TransportError
	if errors.As(err, &te) {
		jobErr.StatusCode = te.StatusCode
		if te.Body != "" {
			jobErr.Message = te.Body
		}
	}
	return jobErr
}

func normalizeProgress(p *float64) int {
	if p == nil {
		return 0
	}
	v := *p
	if v <= 1 {
		v *= 100
	}
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return int(math.Round(v))
	}
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func copyHeader(dst, src http.Header) {
	for k, vs := range src {
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// sleep - ctx 취소를 존중하는 대기
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
