// Package composite lays out the reference photos of a fitting job on a single
// fixed-size canvas so that providers accepting one input image still see the
// face, the garment and its detail shots.
package composite

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png" // PNG 디코더 등록
	"strings"

	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // WebP 디코더 등록

	"quel-fitting-server/modules/common/model"
)

const (
	CanvasWidth    = 752
	CanvasHeight   = 1392
	DefaultQuality = 90
)

// Role - 캔버스 밴드 역할
type Role string

const (
	RoleFace    Role = "face"
	RoleProduct Role = "product"
	RoleDetail  Role = "detail"
)

// RoleForName - 입력 이름(face, model, product, detail1..N)을 역할로 매핑
func RoleForName(name string) (Role, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	switch {
	case name == "face" || name == "model":
		return RoleFace, true
	case name == "product":
		return RoleProduct, true
	case strings.HasPrefix(name, "detail"):
		return RoleDetail, true
	default:
		return "", false
	}
}

// Image - 역할이 지정된 원본 이미지 바이트
type Image struct {
	Role Role
	Data []byte
}

// Band - 역할별 고정 세로 구간
type Band struct {
	Role Role
	Rect image.Rectangle
}

// Layout - 위에서부터 face, product, detail 순서의 밴드 배치
type Layout struct {
	Width  int
	Height int
	Bands  [3]Band
}

// Band - 역할에 해당하는 밴드
func (l Layout) Band(role Role) (Band, bool) {
	for _, b := range l.Bands {
		if b.Role == role {
			return b, true
		}
	}
	return Band{}, false
}

// Placement - 실제로 그려진 이미지 위치 (검증/테스트용)
type Placement struct {
	Role  Role
	Index int
	Rect  image.Rectangle
}

// Options - 캔버스 설정
type Options struct {
	Width        int
	Height       int
	FaceShare    int // 높이 대비 퍼센트
	ProductShare int
	Background   color.Color
	Quality      int
	Required     []Role
}

// DefaultOptions - 752x1392, 25/50/25, 흰 배경, product 필수
func DefaultOptions() Options {
	return Options{
		Width:        CanvasWidth,
		Height:       CanvasHeight,
		FaceShare:    25,
		ProductShare: 50,
		Background:   color.White,
		Quality:      DefaultQuality,
		Required:     []Role{RoleProduct},
	}
}

// Compositor - 순수 함수형 합성기 (파일/네트워크 접근 없음)
type Compositor struct {
	layout     Layout
	background *image.Uniform
	quality    int
	required   map[Role]bool
}

// New - 옵션의 빈 값은 기본값으로 채운다
func New(opts Options) *Compositor {
	def := DefaultOptions()
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = def.Width, def.Height
	}
	if opts.FaceShare <= 0 || opts.ProductShare <= 0 || opts.FaceShare+opts.ProductShare >= 100 {
		opts.FaceShare, opts.ProductShare = def.FaceShare, def.ProductShare
	}
	if opts.Background == nil {
		opts.Background = def.Background
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = def.Quality
	}
	if opts.Required == nil {
		opts.Required = def.Required
	}

	faceH := opts.Height * opts.FaceShare / 100
	productH := opts.Height * opts.ProductShare / 100
	layout := Layout{
		Width:  opts.Width,
		Height: opts.Height,
		Bands: [3]Band{
			{Role: RoleFace, Rect: image.Rect(0, 0, opts.Width, faceH)},
			{Role: RoleProduct, Rect: image.Rect(0, faceH, opts.Width, faceH+productH)},
			{Role: RoleDetail, Rect: image.Rect(0, faceH+productH, opts.Width, opts.Height)},
		},
	}

	required := make(map[Role]bool, len(opts.Required))
	for _, role := range opts.Required {
		required[role] = true
	}

	return &Compositor{
		layout:     layout,
		background: image.NewUniform(opts.Background),
		quality:    opts.Quality,
		required:   required,
	}
}

// Layout - 입력과 무관한 고정 배치
func (c *Compositor) Layout() Layout {
	return c.layout
}

// Compose - 캔버스를 그려 JPEG 로 인코딩. 같은 입력이면 같은 바이트.
func (c *Compositor) Compose(images []Image) ([]byte, error) {
	canvas, _, err := c.Render(images)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.quality}); err != nil {
		return nil, model.NewJobError(model.KindComposition, fmt.Errorf("encode canvas: %w", err))
	}
	return buf.Bytes(), nil
}

// Render - 인코딩 전 캔버스와 배치 정보
func (c *Compositor) Render(images []Image) (*image.RGBA, []Placement, error) {
	canvas := image.NewRGBA(image.Rect(0, 0, c.layout.Width, c.layout.Height))
	draw.Draw(canvas, canvas.Bounds(), c.background, image.Point{}, draw.Src)

	var placements []Placement
	for _, band := range c.layout.Bands {
		decoded, err := c.decodeRole(band.Role, images)
		if err != nil {
			return nil, nil, err
		}
		if len(decoded) == 0 {
			continue
		}

		// detail 이 여러 장이면 밴드를 가로로 균등 분할
		n := len(decoded)
		bw := band.Rect.Dx()
		for i, src := range decoded {
			cell := image.Rect(
				band.Rect.Min.X+bw*i/n, band.Rect.Min.Y,
				band.Rect.Min.X+bw*(i+1)/n, band.Rect.Max.Y,
			)
			dst := fitInside(src.Bounds(), cell)
			xdraw.CatmullRom.Scale(canvas, dst, src, src.Bounds(), xdraw.Over, nil)
			placements = append(placements, Placement{Role: band.Role, Index: i, Rect: dst})
		}
	}
	return canvas, placements, nil
}

// decodeRole - 필수 역할은 누락/손상 시 에러, 선택 역할은 조용히 건너뛴다.
// face/product 는 첫 장만 사용한다.
func (c *Compositor) decodeRole(role Role, images []Image) ([]image.Image, error) {
	var decoded []image.Image
	seen := 0
	for _, in := range images {
		if in.Role != role {
			continue
		}
		seen++
		if role != RoleDetail && seen > 1 {
			break
		}
		img, _, err := image.Decode(bytes.NewReader(in.Data))
		if err != nil || img.Bounds().Empty() {
			if c.required[role] {
				if err == nil {
					err = fmt.Errorf("empty image")
				}
				return nil, model.NewJobError(model.KindComposition, fmt.Errorf("decode %s image: %w", role, err))
			}
			continue
		}
		decoded = append(decoded, img)
	}
	if seen == 0 && c.required[role] {
		return nil, model.NewJobError(model.KindComposition, fmt.Errorf("missing required %s image", role))
	}
	return decoded, nil
}

// fitInside - 비율을 유지한 채 cell 안에 전부 들어가는 중앙 정렬 사각형.
// 정수 내림으로 계산하므로 어떤 축도 cell 을 넘지 않는다.
func fitInside(src, cell image.Rectangle) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	cw, ch := cell.Dx(), cell.Dy()

	var w, h int
	if sw*ch >= sh*cw {
		w = cw
		h = max(1, sh*cw/sw)
	} else {
		h = ch
		w = max(1, sw*ch/sh)
	}

	x := cell.Min.X + (cw-w)/2
	y := cell.Min.Y + (ch-h)/2
	return image.Rect(x, y, x+w, y+h)
}

// Digest - 합성 결과 식별용 sha256
func Digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
