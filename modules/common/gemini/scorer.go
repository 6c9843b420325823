// Package gemini scores generated fitting images with a Gemini vision model.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"quel-fitting-server/modules/common/logger"
	"quel-fitting-server/modules/common/model"
)

const scorePrompt = `You are a strict quality inspector for virtual try-on images.
The first image is the reference sheet: the model face at the top, the garment in the middle, garment details at the bottom.
The second image is the generated photo of a model wearing the garment.
Rate two dimensions between 0 and 1:
- "consistency": the generated person and framing stay faithful to the reference model.
- "accuracy": the garment color, shape, pattern and details match the reference garment.
Answer with JSON only: {"consistency": <number>, "accuracy": <number>, "reason": "<short>"}`

// generateFunc - API 키 하나로 한 번 호출해 텍스트 응답을 돌려준다
type generateFunc func(ctx context.Context, apiKey, modelName string, parts []genai.Part) (string, error)

// Options - Scorer 설정
type Options struct {
	APIKeys       []string
	Model         string
	RetriesPerKey int           // 429 시 키당 시도 횟수 (기본 3)
	RetryWait     time.Duration // 429 재시도 대기 (기본 2s)
	Logger        *zerolog.Logger
	generate      generateFunc
}

// Scorer - Gemini 비전 모델 기반 품질 점수 계산기
type Scorer struct {
	apiKeys       []string
	model         string
	retriesPerKey int
	retryWait     time.Duration
	log           *zerolog.Logger
	generate      generateFunc
}

// NewScorer - 키가 없으면 에러
func NewScorer(opts Options) (*Scorer, error) {
	if len(opts.APIKeys) == 0 {
		return nil, fmt.Errorf("no API keys provided")
	}
	s := &Scorer{
		apiKeys:       opts.APIKeys,
		model:         opts.Model,
		retriesPerKey: opts.RetriesPerKey,
		retryWait:     opts.RetryWait,
		log:           logger.OrNop(opts.Logger),
		generate:      opts.generate,
	}
	if s.model == "" {
		s.model = "gemini-2.5-flash"
	}
	if s.retriesPerKey <= 0 {
		s.retriesPerKey = 3
	}
	if s.retryWait <= 0 {
		s.retryWait = 2 * time.Second
	}
	if s.generate == nil {
		s.generate = generateContent
	}
	return s, nil
}

// Score - 참조 캔버스와 생성 결과를 비교해 consistency/accuracy 를 매긴다.
// 프로바이더가 점수를 함께 줬으면 모델을 부르지 않고 그 값을 쓴다.
// Overall 은 호출자가 우선순위 가중치로 계산한다.
func (s *Scorer) Score(ctx context.Context, in model.ScoreInput) (model.QualityScores, error) {
	if in.ProviderMetrics != nil {
		return model.QualityScores{
			Consistency: clamp01(in.ProviderMetrics.Consistency),
			Accuracy:    clamp01(in.ProviderMetrics.Accuracy),
		}, nil
	}
	if len(in.Output) == 0 {
		return model.QualityScores{}, fmt.Errorf("gemini scorer: output image bytes required")
	}
	parts := []genai.Part{
		genai.ImageData("jpeg", in.Reference),
		genai.ImageData(imageFormat(in.OutputMIMEType), in.Output),
		genai.Text(scorePrompt),
	}
	if in.Prompt != "" {
		parts = append(parts, genai.Text("Generation prompt used: "+in.Prompt))
	}

	text, err := s.generateWithRetry(ctx, parts)
	if err != nil {
		return model.QualityScores{}, err
	}
	scores, err := parseScores(text)
	if err != nil {
		return model.QualityScores{}, err
	}
	s.log.Debug().Str("job_id", in.JobID).Int("attempt", in.Attempt).
		Float64("consistency", scores.Consistency).Float64("accuracy", scores.Accuracy).Msg("gemini scored output")
	return scores, nil
}

// generateWithRetry - 429 면 같은 키로 재시도, 키당 한도를 넘으면 다음 키로 넘어간다
func (s *Scorer) generateWithRetry(ctx context.Context, parts []genai.Part) (string, error) {
	var lastErr error
	for keyIndex, apiKey := range s.apiKeys {
		for attempt := 1; attempt <= s.retriesPerKey; attempt++ {
			text, err := s.generate(ctx, apiKey, s.model, parts)
			if err == nil {
				return text, nil
			}
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			lastErr = err
			if !is429Error(err) {
				return "", fmt.Errorf("gemini key #%d: %w", keyIndex+1, err)
			}
			s.log.Warn().Int("key", keyIndex+1).Int("attempt", attempt).Msg("gemini rate limited")
			if attempt < s.retriesPerKey {
				t := time.NewTimer(s.retryWait)
				select {
				case <-ctx.Done():
					t.Stop()
					return "", ctx.Err()
				case <-t.C:
				}
			}
		}
	}
	return "", fmt.Errorf("all %d API keys exhausted (%d attempts each), last error: %w", len(s.apiKeys), s.retriesPerKey, lastErr)
}

func generateContent(ctx context.Context, apiKey, modelName string, parts []genai.Part) (string, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return "", fmt.Errorf("create genai client: %w", err)
	}
	defer client.Close()

	gm := client.GenerativeModel(modelName)
	gm.ResponseMIMEType = "application/json"
	gm.SetTemperature(0)

	resp, err := gm.GenerateContent(ctx, parts...)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				sb.WriteString(string(text))
			}
		}
		break
	}
	if sb.Len() == 0 {
		return "", errors.New("gemini returned no text")
	}
	return sb.String(), nil
}

type scoreResponse struct {
	Consistency *float64 `json:"consistency"`
	Accuracy    *float64 `json:"accuracy"`
	Reason      string   `json:"reason"`
}

// parseScores - 코드 펜스가 섞여 와도 JSON 부분만 읽는다
func parseScores(text string) (model.QualityScores, error) {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "{"); i >= 0 {
		if j := strings.LastIndex(text, "}"); j > i {
			text = text[i : j+1]
		}
	}
	var resp scoreResponse
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return model.QualityScores{}, fmt.Errorf("parse gemini scores: %w", err)
	}
	if resp.Consistency == nil || resp.Accuracy == nil {
		return model.QualityScores{}, fmt.Errorf("parse gemini scores: missing field in %q", text)
	}
	return model.QualityScores{
		Consistency: clamp01(*resp.Consistency),
		Accuracy:    clamp01(*resp.Accuracy),
	}, nil
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}

func imageFormat(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return "png"
	case "image/webp":
		return "webp"
	default:
		return "jpeg"
	}
}

// is429Error - 429 Rate Limit 에러인지 확인
func is429Error(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "429") ||
		strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "quota") ||
		strings.Contains(errStr, "resource_exhausted")
}
