package fitting

import (
	"strings"
	"testing"

	"quel-fitting-server/modules/common/config"
	"quel-fitting-server/modules/common/model"
	"quel-fitting-server/modules/estimate"
)

func TestInitialParamsFromTier(t *testing.T) {
	tier := estimate.DefaultTable()[model.TierPremium]
	p := InitialParams(tier, model.QualitySettings{ConsistencyPriority: 0.3, AccuracyPriority: 0.9}, "job-1")
	if p.Steps != 40 || p.Guidance != 3.5 || p.ConsistencyWeight != 0.3 || p.AccuracyWeight != 0.9 {
		t.Fatalf("params = %+v", p)
	}
	if p.Seed != InitialParams(tier, model.QualitySettings{}, "job-1").Seed {
		t.Fatal("seed should depend only on the job id")
	}
	if p.Seed == InitialParams(tier, model.QualitySettings{}, "job-2").Seed {
		t.Fatal("different jobs should get different seeds")
	}
}

func TestPerturbRaisesWeakerDimension(t *testing.T) {
	p := GenerationParams{ConsistencyWeight: 0.5, AccuracyWeight: 0.5, Guidance: 3, Steps: 28, Seed: 100}

	next := p.Perturb(model.QualityScores{Consistency: 0.7, Accuracy: 0.3, Overall: 0.5}, 0.6, 2, 100)
	if next.AccuracyWeight != 0.8 || next.ConsistencyWeight != 0.5 {
		t.Fatalf("weights = %v/%v", next.ConsistencyWeight, next.AccuracyWeight)
	}
	if next.Guidance != 3.3 || next.Steps != 31 || next.Seed != 101 {
		t.Fatalf("next = %+v", next)
	}

	again := p.Perturb(model.QualityScores{Consistency: 0.7, Accuracy: 0.3, Overall: 0.5}, 0.6, 2, 100)
	if again != next {
		t.Fatal("perturbation must be deterministic")
	}

	capped := GenerationParams{ConsistencyWeight: 0.95, Guidance: 9.9, Steps: 99}.
		Perturb(model.QualityScores{Consistency: 0, Accuracy: 1, Overall: 0.1}, 0.9, 3, 0)
	if capped.ConsistencyWeight != 1 || capped.Guidance != maxGuidance || capped.Steps != maxSteps || capped.Seed != 2 {
		t.Fatalf("capped = %+v", capped)
	}
}

func TestPromptsCarryTraitsAndEmphasis(t *testing.T) {
	profile := config.ProviderProfile{TriggerWords: []string{"tw1", "tw2"}}
	traits := Traits{
		Model:   &ModelTraits{SkinTone: "light"},
		Garment: &GarmentTraits{ColorName: "navy"},
		Details: []DetailTraits{{}, {}},
	}
	params := GenerationParams{ConsistencyWeight: 0.8, AccuracyWeight: 0.55}

	modelPrompt := BuildModelPrompt(profile, traits, params)
	if !strings.HasPrefix(modelPrompt, "tw1, tw2, ") || !strings.Contains(modelPrompt, "light skin tone") {
		t.Fatalf("model prompt = %q", modelPrompt)
	}
	apply := BuildApplyPrompt(profile, traits, params)
	for _, want := range []string{"predominantly navy", "2 close-up details", "STRICTLY preserve the identity", "Match the garment closely"} {
		if !strings.Contains(apply, want) {
			t.Fatalf("apply prompt missing %q: %q", want, apply)
		}
	}
}

func TestRequestsUseProfileEndpointsAndAuth(t *testing.T) {
	profile := config.ProviderProfile{BaseURL: "https://api.test/v1/", ModelPath: "/gen", ApplyPath: "edit", APIKey: "k"}
	req := ModelRequest(profile, []byte("canvas"), Traits{}, GenerationParams{Steps: 20, Seed: 7})
	if req.Endpoint != "https://api.test/v1/gen" || req.Header.Get("Authorization") != "Bearer k" {
		t.Fatalf("request = %+v", req)
	}
	body := req.Body.(ProviderPayload)
	if body.InputImage != "Y2FudmFz" || body.Seed != 7 || body.AspectRatio != "9:16" {
		t.Fatalf("body = %+v", body)
	}

	profile.AuthHeader = "x-key"
	apply := ApplyRequest(profile, "https://cdn/model.png", []byte("canvas"), Traits{}, GenerationParams{})
	if apply.Endpoint != "https://api.test/v1/edit" || apply.Header.Get("x-key") != "k" {
		t.Fatalf("apply = %+v", apply)
	}
	if b := apply.Body.(ProviderPayload); b.InputImage != "https://cdn/model.png" || b.ReferenceImage != "Y2FudmFz" {
		t.Fatalf("apply body = %+v", b)
	}
}
