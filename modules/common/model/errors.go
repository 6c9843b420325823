package model

import (
	"errors"
	"fmt"
)

var (
	ErrJobNotFound  = errors.New("job not found")
	ErrJobFinished  = errors.New("job already finished")
	ErrInvalidInput = errors.New("invalid input")
)

// ErrorKind - 작업 실패 원인 분류
type ErrorKind string

const (
	KindComposition           ErrorKind = "CompositionError"
	KindProvider              ErrorKind = "ProviderError"
	KindPollingTimeout        ErrorKind = "PollingTimeout"
	KindQualityBudgetExceeded ErrorKind = "QualityBudgetExceeded"
	KindCancelled             ErrorKind = "Cancelled" // cancelled 상태 전용 (실패 아님)
)

// JobError - 종료된 작업이 들고 있는 구조화된 실패 사유
type JobError struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	StatusCode int       `json:"statusCode,omitempty"`
	Err        error     `json:"-"`
}

func (e *JobError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// NewJobError - err 를 감싸 kind 를 붙인다
func NewJobError(kind ErrorKind, err error) *JobError {
	jobErr := &JobError{Kind: kind, Err: err}
	if err != nil {
		jobErr.Message = err.Error()
	}
	return jobErr
}

// KindOf - 에러 체인에서 JobError kind 를 찾는다 (없으면 빈 문자열)
func KindOf(err error) ErrorKind {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind
	}
	return ""
}

// AsJobError - JobError 를 꺼내거나, 없으면 fallback kind 로 감싼다
func AsJobError(err error, fallback ErrorKind) *JobError {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr
	}
	return NewJobError(fallback, err)
}
