package fitting

import (
	"bytes"
	"image"
	"image/color"
	"math"

	"quel-fitting-server/modules/composite"
)

// Characteristics - 역할별 분석 결과 (ModelTraits, GarmentTraits, DetailTraits)
type Characteristics interface {
	Role() composite.Role
}

// RoleAnalyzer - 역할 하나에 대한 특성 추출 전략
type RoleAnalyzer interface {
	Analyze(img image.Image) Characteristics
}

// ModelTraits - face/model 이미지 특성
type ModelTraits struct {
	SkinTone   string  `json:"skinTone"` // light, medium, deep
	Brightness float64 `json:"brightness"`
}

func (ModelTraits) Role() composite.Role { return composite.RoleFace }

// GarmentTraits - product 이미지 특성
type GarmentTraits struct {
	Dominant  color.RGBA `json:"dominant"`
	ColorName string     `json:"colorName"`
	Coverage  float64    `json:"coverage"` // 배경이 아닌 픽셀 비율
}

func (GarmentTraits) Role() composite.Role { return composite.RoleProduct }

// DetailTraits - detail 이미지 특성
type DetailTraits struct {
	Average  color.RGBA `json:"average"`
	Contrast float64    `json:"contrast"`
}

func (DetailTraits) Role() composite.Role { return composite.RoleDetail }

// Traits - 한 작업의 분석 결과 모음
type Traits struct {
	Model   *ModelTraits   `json:"model,omitempty"`
	Garment *GarmentTraits `json:"garment,omitempty"`
	Details []DetailTraits `json:"details,omitempty"`
}

type modelAnalyzer struct{}
type garmentAnalyzer struct{}
type detailAnalyzer struct{}

// DefaultAnalyzers - 역할별 기본 전략
func DefaultAnalyzers() map[composite.Role]RoleAnalyzer {
	return map[composite.Role]RoleAnalyzer{
		composite.RoleFace:    modelAnalyzer{},
		composite.RoleProduct: garmentAnalyzer{},
		composite.RoleDetail:  detailAnalyzer{},
	}
}

// AnalyzeInputs - 입력마다 역할 전략을 적용한다. 디코딩 실패한 입력은 건너뛴다.
func AnalyzeInputs(images []composite.Image, analyzers map[composite.Role]RoleAnalyzer) Traits {
	var traits Traits
	for _, in := range images {
		analyzer, ok := analyzers[in.Role]
		if !ok {
			continue
		}
		img, _, err := image.Decode(bytes.NewReader(in.Data))
		if err != nil || img.Bounds().Empty() {
			continue
		}
		switch c := analyzer.Analyze(img).(type) {
		case ModelTraits:
			if traits.Model == nil {
				traits.Model = &c
			}
		case GarmentTraits:
			if traits.Garment == nil {
				traits.Garment = &c
			}
		case DetailTraits:
			traits.Details = append(traits.Details, c)
		}
	}
	return traits
}

func (modelAnalyzer) Analyze(img image.Image) Characteristics {
	// 가운데 영역(얼굴이 있을 가능성이 높은 곳)의 밝기
	b := img.Bounds()
	center := image.Rect(
		b.Min.X+b.Dx()/4, b.Min.Y+b.Dy()/4,
		b.Max.X-b.Dx()/4, b.Max.Y-b.Dy()/4,
	)
	if center.Empty() {
		center = b
	}
	s := sampleStats(img, center)
	tone := "medium"
	switch {
	case s.luma >= 0.65:
		tone = "light"
	case s.luma < 0.35:
		tone = "deep"
	}
	return ModelTraits{SkinTone: tone, Brightness: round3(s.luma)}
}

func (garmentAnalyzer) Analyze(img image.Image) Characteristics {
	s := sampleStats(img, img.Bounds())
	return GarmentTraits{
		Dominant:  s.dominant,
		ColorName: ColorName(s.dominant),
		Coverage:  round3(s.coverage),
	}
}

func (detailAnalyzer) Analyze(img image.Image) Characteristics {
	s := sampleStats(img, img.Bounds())
	return DetailTraits{Average: s.average, Contrast: round3(s.lumaStdDev)}
}

// colorStats - 샘플링 기반 색 통계
type colorStats struct {
	average    color.RGBA
	dominant   color.RGBA
	luma       float64
	lumaStdDev float64
	coverage   float64
}

const maxSamplesPerAxis = 64

// sampleStats - 최대 64x64 격자로 샘플링. 거의 흰색인 픽셀은 배경으로 보고
// dominant/coverage 계산에서 제외한다.
func sampleStats(img image.Image, r image.Rectangle) colorStats {
	stepX := max(1, r.Dx()/maxSamplesPerAxis)
	stepY := max(1, r.Dy()/maxSamplesPerAxis)

	var sumR, sumG, sumB, sumL, sumL2 float64
	var n, fg int
	buckets := make(map[uint16]int)
	bucketSum := make(map[uint16][3]float64)

	for y := r.Min.Y; y < r.Max.Y; y += stepY {
		for x := r.Min.X; x < r.Max.X; x += stepX {
			cr, cg, cb, _ := img.At(x, y).RGBA()
			rf, gf, bf := float64(cr>>8), float64(cg>>8), float64(cb>>8)
			l := luma(rf, gf, bf)
			sumR, sumG, sumB = sumR+rf, sumG+gf, sumB+bf
			sumL += l
			sumL2 += l * l
			n++

			if rf > 240 && gf > 240 && bf > 240 {
				continue
			}
			fg++
			key := uint16(cr>>12)<<8 | uint16(cg>>12)<<4 | uint16(cb>>12)
			buckets[key]++
			acc := bucketSum[key]
			bucketSum[key] = [3]float64{acc[0] + rf, acc[1] + gf, acc[2] + bf}
		}
	}
	if n == 0 {
		return colorStats{}
	}

	mean := sumL / float64(n)
	variance := math.Max(0, sumL2/float64(n)-mean*mean)
	out := colorStats{
		average:    color.RGBA{R: uint8(sumR / float64(n)), G: uint8(sumG / float64(n)), B: uint8(sumB / float64(n)), A: 255},
		luma:       mean,
		lumaStdDev: math.Sqrt(variance),
		coverage:   float64(fg) / float64(n),
		dominant:   color.RGBA{R: 255, G: 255, B: 255, A: 255},
	}

	// 가장 많은 버킷, 동률이면 작은 키 (결정적)
	var bestKey uint16
	bestCount := 0
	for key, count := range buckets {
		if count > bestCount || (count == bestCount && key < bestKey) {
			bestKey, bestCount = key, count
		}
	}
	if bestCount > 0 {
		acc := bucketSum[bestKey]
		c := float64(bestCount)
		out.dominant = color.RGBA{R: uint8(acc[0] / c), G: uint8(acc[1] / c), B: uint8(acc[2] / c), A: 255}
	}
	return out
}

// luma - 0..1 상대 밝기 (Rec.601)
func luma(r, g, b float64) float64 {
	return (0.299*r + 0.587*g + 0.114*b) / 255
}

var palette = []struct {
	name string
	c    color.RGBA
}{
	{"black", color.RGBA{20, 20, 20, 255}},
	{"white", color.RGBA{245, 245, 245, 255}},
	{"gray", color.RGBA{128, 128, 128, 255}},
	{"red", color.RGBA{200, 30, 30, 255}},
	{"orange", color.RGBA{240, 140, 30, 255}},
	{"yellow", color.RGBA{240, 220, 50, 255}},
	{"green", color.RGBA{40, 150, 60, 255}},
	{"blue", color.RGBA{40, 90, 220, 255}},
	{"navy", color.RGBA{25, 35, 90, 255}},
	{"purple", color.RGBA{120, 50, 160, 255}},
	{"pink", color.RGBA{240, 150, 190, 255}},
	{"brown", color.RGBA{110, 70, 40, 255}},
	{"beige", color.RGBA{220, 200, 160, 255}},
}

// ColorName - 팔레트에서 가장 가까운 색 이름
func ColorName(c color.RGBA) string {
	best, bestDist := "", math.MaxFloat64
	for _, p := range palette {
		if d := colorDistance(c, p.c); d < bestDist {
			best, bestDist = p.name, d
		}
	}
	return best
}

// colorDistance - RGB 유클리드 거리를 0..1 로 정규화
func colorDistance(a, b color.RGBA) float64 {
	dr := float64(a.R) - float64(b.R)
	dg := float64(a.G) - float64(b.G)
	db := float64(a.B) - float64(b.B)
	return math.Sqrt(dr*dr+dg*dg+db*db) / (255 * math.Sqrt(3))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
