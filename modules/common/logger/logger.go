package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New - 서비스 공용 zerolog 로거 (development 는 콘솔 출력 + debug 레벨)
func New(appEnv string) zerolog.Logger {
	return NewWithWriter(appEnv, os.Stdout)
}

// NewWithWriter - 출력 대상을 지정해 로거 생성
func NewWithWriter(appEnv string, w io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	if appEnv == "development" {
		level = zerolog.DebugLevel
	}

	log := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", "quel-fitting").
		Logger()

	if appEnv == "development" {
		log = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339})
	}
	return log
}

// Nop - 옵션에서 로거가 빠졌을 때 쓰는 무출력 로거
func Nop() *zerolog.Logger {
	l := zerolog.New(io.Discard)
	return &l
}

// OrNop - nil 이면 Nop
func OrNop(l *zerolog.Logger) *zerolog.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
