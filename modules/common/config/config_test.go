package config

import (
	"strings"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_SERVICE_KEY", "")
	t.Setenv("PROVIDER_EXTRA", "")
	t.Setenv("PROVIDER_BASE_URL", "")
	t.Setenv("PROVIDER_MODEL_PATH", "")
	t.Setenv("POLL_MAX_ATTEMPTS", "")
	t.Setenv("POLL_INTERVAL_MS", "")
	t.Setenv("JOB_QUEUE_KEY", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Port != "8080" || cfg.JobQueueKey != "fitting:queue" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.RedisEnabled() || cfg.SupabaseEnabled() {
		t.Fatalf("redis/supabase should be disabled by default")
	}
	if len(cfg.Providers) != 1 {
		t.Fatalf("providers = %d", len(cfg.Providers))
	}
	p := cfg.Providers[0]
	if p.Poll.MaxAttempts != 60 || p.Poll.Interval != 2*time.Second {
		t.Fatalf("poll = %+v", p.Poll)
	}
	if p.ModelEndpoint() != "https://api.bfl.ai/v1/flux-kontext-pro" {
		t.Fatalf("model endpoint = %s", p.ModelEndpoint())
	}
}

func TestFromEnvProviderOverrides(t *testing.T) {
	t.Setenv("PROVIDER_NAME", "fal")
	t.Setenv("PROVIDER_BASE_URL", "http://localhost:9000/")
	t.Setenv("PROVIDER_MODEL_PATH", "model")
	t.Setenv("PROVIDER_APPLY_PATH", "/apply")
	t.Setenv("PROVIDER_TRIGGER_WORDS", "quelfit, studio light ,")
	t.Setenv("POLL_MAX_ATTEMPTS", "5")
	t.Setenv("POLL_INTERVAL_MS", "250")
	t.Setenv("PROVIDER_EXTRA", "backup")
	t.Setenv("PROVIDER_BACKUP_BASE_URL", "http://backup:9000")
	t.Setenv("PROVIDER_BACKUP_POLL_INTERVAL_MS", "1000")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	p := cfg.Providers[0]
	if p.Name != "fal" || p.ModelEndpoint() != "http://localhost:9000/model" || p.ApplyEndpoint() != "http://localhost:9000/apply" {
		t.Fatalf("profile = %+v", p)
	}
	if strings.Join(p.TriggerWords, "|") != "quelfit|studio light" {
		t.Fatalf("trigger words = %q", p.TriggerWords)
	}
	if p.Poll.MaxAttempts != 5 || p.Poll.Interval != 250*time.Millisecond {
		t.Fatalf("poll = %+v", p.Poll)
	}

	if len(cfg.Providers) != 2 {
		t.Fatalf("providers = %d, want 2", len(cfg.Providers))
	}
	backup := cfg.Providers[1]
	if backup.Name != "backup" || backup.BaseURL != "http://backup:9000" || backup.ModelPath != "model" {
		t.Fatalf("backup = %+v", backup)
	}
	if backup.Poll.MaxAttempts != 5 || backup.Poll.Interval != time.Second {
		t.Fatalf("backup poll = %+v", backup.Poll)
	}
}

func TestFromEnvValidation(t *testing.T) {
	t.Setenv("SUPABASE_URL", "https://example.supabase.co")
	t.Setenv("SUPABASE_SERVICE_KEY", "")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error when only SUPABASE_URL is set")
	}

	t.Setenv("SUPABASE_SERVICE_KEY", "service")
	t.Setenv("POLL_INTERVAL_MS", "0")
	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for zero poll interval")
	}
}

func TestGeminiKeysFallBackToSingleKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEYS", "")
	t.Setenv("GEMINI_API_KEY", "only-key")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if len(cfg.GeminiAPIKeys) != 1 || cfg.GeminiAPIKeys[0] != "only-key" {
		t.Fatalf("keys = %v", cfg.GeminiAPIKeys)
	}
}
