package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// PollConfig - 프로바이더 폴링 한도
type PollConfig struct {
	MaxAttempts int
	Interval    time.Duration
}

// ProviderProfile - 프로바이더 하나의 불변 설정.
// 여러 프로필이 공존할 수 있고 작업 설정의 provider 이름으로 선택한다.
type ProviderProfile struct {
	Name         string
	BaseURL      string
	ModelPath    string // generating_model 단계 엔드포인트
	ApplyPath    string // applying_product 단계 엔드포인트
	AuthHeader   string
	APIKey       string
	TriggerWords []string
	Poll         PollConfig
}

// ModelEndpoint - 모델 생성 단계 제출 주소
func (p ProviderProfile) ModelEndpoint() string {
	return joinURL(p.BaseURL, p.ModelPath)
}

// ApplyEndpoint - 제품 적용 단계 제출 주소
func (p ProviderProfile) ApplyEndpoint() string {
	return joinURL(p.BaseURL, p.ApplyPath)
}

// Config 구조체 - 모든 환경변수를 담음
type Config struct {
	AppEnv string
	Port   string

	// Redis (REDIS_HOST 가 비어 있으면 큐 워커 비활성)
	RedisHost     string
	RedisPort     string
	RedisUsername string
	RedisPassword string
	RedisUseTLS   bool
	JobQueueKey   string

	// Supabase (URL/키가 없으면 영속화 비활성)
	SupabaseURL            string
	SupabaseServiceKey     string
	SupabaseStorageBaseURL string
	SupabaseJobsTable      string
	ResultBucket           string

	// Providers - 첫 번째가 기본 프로필
	Providers        []ProviderProfile
	SubmitRatePerSec float64

	// Gemini 검증 (키가 없으면 휴리스틱 검증 사용)
	GeminiAPIKeys []string
	GeminiModel   string

	MaxConcurrentJobs int
}

// LoadConfig - .env 를 읽은 뒤 환경변수로 설정 구성
func LoadConfig() (*Config, bool, error) {
	// .env 파일 로드 (있으면)
	dotenv := godotenv.Load() == nil
	cfg, err := FromEnv()
	return cfg, dotenv, err
}

// FromEnv - 현재 프로세스 환경변수만으로 설정 구성
func FromEnv() (*Config, error) {
	poll := PollConfig{
		MaxAttempts: getEnvInt("POLL_MAX_ATTEMPTS", 60),
		Interval:    time.Duration(getEnvInt("POLL_INTERVAL_MS", 2000)) * time.Millisecond,
	}

	defaultProfile := ProviderProfile{
		Name:         getEnv("PROVIDER_NAME", "bfl"),
		BaseURL:      getEnv("PROVIDER_BASE_URL", "https://api.bfl.ai/v1"),
		ModelPath:    getEnv("PROVIDER_MODEL_PATH", "/flux-kontext-pro"),
		ApplyPath:    getEnv("PROVIDER_APPLY_PATH", "/flux-kontext-pro"),
		AuthHeader:   getEnv("PROVIDER_AUTH_HEADER", "x-key"),
		APIKey:       getEnv("PROVIDER_API_KEY", ""),
		TriggerWords: getEnvList("PROVIDER_TRIGGER_WORDS", nil),
		Poll:         poll,
	}

	providers := []ProviderProfile{defaultProfile}
	for _, name := range getEnvList("PROVIDER_EXTRA", nil) {
		providers = append(providers, extraProfile(name, defaultProfile))
	}

	cfg := &Config{
		AppEnv: getEnv("APP_ENV", "production"),
		Port:   getEnv("PORT", "8080"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisUsername: getEnv("REDIS_USERNAME", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisUseTLS:   getEnvBool("REDIS_USE_TLS", true),
		JobQueueKey:   getEnv("JOB_QUEUE_KEY", "fitting:queue"),

		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:     getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBaseURL: getEnv("SUPABASE_STORAGE_BASE_URL", ""),
		SupabaseJobsTable:      getEnv("SUPABASE_JOBS_TABLE", "quel_fitting_jobs"),
		ResultBucket:           getEnv("SUPABASE_RESULT_BUCKET", "attachments"),

		Providers:        providers,
		SubmitRatePerSec: getEnvFloat("SUBMIT_RATE_PER_SEC", 2),

		GeminiAPIKeys: getEnvList("GEMINI_API_KEYS", getEnvList("GEMINI_API_KEY", nil)),
		GeminiModel:   getEnv("GEMINI_MODEL", "gemini-2.5-flash"),

		MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", 16),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// extraProfile - PROVIDER_<NAME>_* 키로 추가 프로필 구성 (없는 값은 기본 프로필 값)
func extraProfile(name string, base ProviderProfile) ProviderProfile {
	prefix := "PROVIDER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
	return ProviderProfile{
		Name:         name,
		BaseURL:      getEnv(prefix+"BASE_URL", base.BaseURL),
		ModelPath:    getEnv(prefix+"MODEL_PATH", base.ModelPath),
		ApplyPath:    getEnv(prefix+"APPLY_PATH", base.ApplyPath),
		AuthHeader:   getEnv(prefix+"AUTH_HEADER", base.AuthHeader),
		APIKey:       getEnv(prefix+"API_KEY", ""),
		TriggerWords: getEnvList(prefix+"TRIGGER_WORDS", nil),
		Poll: PollConfig{
			MaxAttempts: getEnvInt(prefix+"POLL_MAX_ATTEMPTS", base.Poll.MaxAttempts),
			Interval:    time.Duration(getEnvInt(prefix+"POLL_INTERVAL_MS", int(base.Poll.Interval/time.Millisecond))) * time.Millisecond,
		},
	}
}

// validate - 설정 값 검증
func (c *Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT is required")
	}
	if (c.SupabaseURL == "") != (c.SupabaseServiceKey == "") {
		return fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY must be set together")
	}
	if c.SubmitRatePerSec < 0 {
		return fmt.Errorf("SUBMIT_RATE_PER_SEC must not be negative")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" || p.BaseURL == "" {
			return fmt.Errorf("provider profile needs a name and base url")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate provider profile %q", p.Name)
		}
		seen[p.Name] = true
		if p.Poll.MaxAttempts <= 0 || p.Poll.Interval <= 0 {
			return fmt.Errorf("provider %s: poll attempts and interval must be positive", p.Name)
		}
	}
	return nil
}

// RedisEnabled - 큐 워커 사용 여부
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// SupabaseEnabled - 작업 기록 영속화 사용 여부
func (c *Config) SupabaseEnabled() bool {
	return c.SupabaseURL != "" && c.SupabaseServiceKey != ""
}

// GetRedisAddr - Redis 연결 문자열 생성
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// getEnv - 환경변수 가져오기 (기본값 지원)
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvList - 쉼표 구분 목록 (빈 항목 제거)
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func joinURL(base, path string) string {
	if path == "" {
		return base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}
