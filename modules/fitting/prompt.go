package fitting

import (
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strings"

	"quel-fitting-server/modules/common/config"
	"quel-fitting-server/modules/common/model"
	"quel-fitting-server/modules/estimate"
	"quel-fitting-server/modules/provider"
)

const (
	maxGuidance = 10.0
	maxSteps    = 100
	aspectRatio = "9:16"
)

// GenerationParams - 시도 하나에 쓰이는 생성 파라미터
type GenerationParams struct {
	ConsistencyWeight float64 `json:"consistencyWeight"`
	AccuracyWeight    float64 `json:"accuracyWeight"`
	Guidance          float64 `json:"guidance"`
	Steps             int     `json:"steps"`
	Seed              int64   `json:"seed"`
}

// InitialParams - 등급 기본값과 우선순위로 첫 시도 파라미터를 만든다.
// seed 는 작업 ID 에서 결정적으로 뽑는다.
func InitialParams(tier estimate.TierConfig, settings model.QualitySettings, jobID string) GenerationParams {
	return GenerationParams{
		ConsistencyWeight: settings.ConsistencyPriority,
		AccuracyWeight:    settings.AccuracyPriority,
		Guidance:          tier.Guidance,
		Steps:             tier.Steps,
		Seed:              seedFor(jobID),
	}
}

// Perturb - 검증 실패 후 다음 시도 파라미터.
// 점수가 낮은 쪽 가중치를 부족분만큼 올리고 guidance/steps 도 부족분 비율로 올린다.
// seed 는 기본 seed + (다음 시도 번호 - 1).
func (p GenerationParams) Perturb(scores model.QualityScores, threshold float64, nextAttempt int, baseSeed int64) GenerationParams {
	next := p
	deficit := math.Max(0, threshold-scores.Overall)

	if scores.Consistency < scores.Accuracy {
		next.ConsistencyWeight = round3(math.Min(1, p.ConsistencyWeight+math.Max(deficit, threshold-scores.Consistency)))
	} else {
		next.AccuracyWeight = round3(math.Min(1, p.AccuracyWeight+math.Max(deficit, threshold-scores.Accuracy)))
	}

	next.Guidance = math.Min(maxGuidance, round3(p.Guidance*(1+deficit)))
	next.Steps = min(maxSteps, p.Steps+int(math.Ceil(float64(p.Steps)*deficit)))
	next.Seed = baseSeed + int64(nextAttempt-1)
	return next
}

// seedFor - FNV-1a 해시를 0..2^31 범위로
func seedFor(jobID string) int64 {
	var h uint32 = 2166136261
	for i := 0; i < len(jobID); i++ {
		h ^= uint32(jobID[i])
		h *= 16777619
	}
	return int64(h & 0x7fffffff)
}

// ProviderPayload - generating_model / applying_product 단계 제출 바디
type ProviderPayload struct {
	Prompt            string  `json:"prompt"`
	InputImage        string  `json:"input_image"`
	ReferenceImage    string  `json:"reference_image,omitempty"`
	Seed              int64   `json:"seed"`
	Guidance          float64 `json:"guidance"`
	Steps             int     `json:"steps"`
	ConsistencyWeight float64 `json:"consistency_weight"`
	AccuracyWeight    float64 `json:"accuracy_weight"`
	AspectRatio       string  `json:"aspect_ratio"`
	OutputFormat      string  `json:"output_format"`
	SafetyTolerance   int     `json:"safety_tolerance"`
}

// BuildModelPrompt - generating_model 단계 프롬프트
func BuildModelPrompt(profile config.ProviderProfile, traits Traits, params GenerationParams) string {
	var sb strings.Builder
	writeTriggerWords(&sb, profile.TriggerWords)

	sb.WriteString("Full-body fashion photograph of a single professional model standing against a clean studio background, ")
	sb.WriteString("vertical 9:16 frame, head to toe fully visible, natural pose, soft even lighting. ")
	if traits.Model != nil {
		fmt.Fprintf(&sb, "The model matches the reference face at the top of the input sheet, %s skin tone. ", traits.Model.SkinTone)
	} else {
		sb.WriteString("Choose a neutral, natural-looking model. ")
	}
	if traits.Garment != nil {
		fmt.Fprintf(&sb, "The outfit will be replaced later, keep clothing simple and close-fitting, avoid %s tones. ", traits.Garment.ColorName)
	}
	sb.WriteString(emphasis(params))
	return strings.TrimSpace(sb.String())
}

// BuildApplyPrompt - applying_product 단계 프롬프트
func BuildApplyPrompt(profile config.ProviderProfile, traits Traits, params GenerationParams) string {
	var sb strings.Builder
	writeTriggerWords(&sb, profile.TriggerWords)

	sb.WriteString("Dress the model in the garment shown in the middle of the reference sheet. ")
	if traits.Garment != nil {
		fmt.Fprintf(&sb, "The garment is predominantly %s; reproduce the exact color, cut, fabric and pattern. ", traits.Garment.ColorName)
	} else {
		sb.WriteString("Reproduce the exact color, cut, fabric and pattern of the garment. ")
	}
	if len(traits.Details) > 0 {
		fmt.Fprintf(&sb, "Preserve the %d close-up details shown at the bottom of the sheet (stitching, buttons, prints, labels). ", len(traits.Details))
	}
	sb.WriteString("Keep the model's face, body and pose unchanged. Do not add text, logos or extra accessories. ")
	sb.WriteString(emphasis(params))
	return strings.TrimSpace(sb.String())
}

// emphasis - 가중치가 높은 차원을 프롬프트에서 강조
func emphasis(p GenerationParams) string {
	var parts []string
	switch {
	case p.ConsistencyWeight >= 0.75:
		parts = append(parts, "STRICTLY preserve the identity and proportions of the reference model.")
	case p.ConsistencyWeight >= 0.5:
		parts = append(parts, "Keep the reference model recognizable.")
	}
	switch {
	case p.AccuracyWeight >= 0.75:
		parts = append(parts, "STRICTLY match every visible garment detail to the reference.")
	case p.AccuracyWeight >= 0.5:
		parts = append(parts, "Match the garment closely to the reference.")
	}
	return strings.Join(parts, " ")
}

func writeTriggerWords(sb *strings.Builder, words []string) {
	if len(words) == 0 {
		return
	}
	sb.WriteString(strings.Join(words, ", "))
	sb.WriteString(", ")
}

// ModelRequest - 합성 캔버스를 입력으로 모델 이미지를 생성하는 요청
func ModelRequest(profile config.ProviderProfile, canvas []byte, traits Traits, params GenerationParams) provider.Request {
	return provider.Request{
		Endpoint: profile.ModelEndpoint(),
		Header:   authHeader(profile),
		Body:     newPayload(BuildModelPrompt(profile, traits, params), encodeImage(canvas), "", params),
	}
}

// ApplyRequest - 앞 단계 모델 이미지에 제품을 입히는 요청. 캔버스는 참조로 함께 보낸다.
func ApplyRequest(profile config.ProviderProfile, modelImageURL string, canvas []byte, traits Traits, params GenerationParams) provider.Request {
	return provider.Request{
		Endpoint: profile.ApplyEndpoint(),
		Header:   authHeader(profile),
		Body:     newPayload(BuildApplyPrompt(profile, traits, params), modelImageURL, encodeImage(canvas), params),
	}
}

func newPayload(prompt, input, reference string, params GenerationParams) ProviderPayload {
	return ProviderPayload{
		Prompt:            prompt,
		InputImage:        input,
		ReferenceImage:    reference,
		Seed:              params.Seed,
		Guidance:          params.Guidance,
		Steps:             params.Steps,
		ConsistencyWeight: params.ConsistencyWeight,
		AccuracyWeight:    params.AccuracyWeight,
		AspectRatio:       aspectRatio,
		OutputFormat:      "png",
		SafetyTolerance:   2,
	}
}

func authHeader(profile config.ProviderProfile) http.Header {
	h := http.Header{}
	if profile.APIKey == "" {
		return h
	}
	name := profile.AuthHeader
	if name == "" {
		name = "Authorization"
	}
	if strings.EqualFold(name, "Authorization") {
		h.Set(name, "Bearer "+profile.APIKey)
	} else {
		h.Set(name, profile.APIKey)
	}
	return h
}

func encodeImage(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}
