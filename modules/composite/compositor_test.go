package composite

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"quel-fitting-server/modules/common/model"
)

func solidPNG(t *testing.T, w, h int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

var (
	red  = color.RGBA{R: 255, A: 255}
	blue = color.RGBA{B: 255, A: 255}
)

func isWhite(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r>>8 == 255 && g>>8 == 255 && b>>8 == 255
}

func isRed(c color.Color) bool {
	r, g, b, _ := c.RGBA()
	return r>>8 > 200 && g>>8 < 60 && b>>8 < 60
}

func TestComposeIsDeterministic(t *testing.T) {
	c := New(DefaultOptions())
	images := []Image{
		{Role: RoleFace, Data: solidPNG(t, 200, 300, blue)},
		{Role: RoleProduct, Data: solidPNG(t, 640, 480, red)},
		{Role: RoleDetail, Data: solidPNG(t, 50, 50, color.Black)},
	}

	first, err := c.Compose(images)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	second, err := c.Compose(images)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	if !bytes.Equal(first, second) {
		t.Fatalf("compose output differs between identical calls")
	}
	if Digest(first) != Digest(second) {
		t.Fatalf("digest differs")
	}
}

func TestLayoutBandsTileCanvas(t *testing.T) {
	layout := New(DefaultOptions()).Layout()

	wantOrder := []Role{RoleFace, RoleProduct, RoleDetail}
	sum := 0
	prevBottom := 0
	for i, band := range layout.Bands {
		if band.Role != wantOrder[i] {
			t.Fatalf("band %d role = %s, want %s", i, band.Role, wantOrder[i])
		}
		if band.Rect.Min.Y != prevBottom {
			t.Fatalf("band %d starts at %d, want %d", i, band.Rect.Min.Y, prevBottom)
		}
		if band.Rect.Dx() != CanvasWidth {
			t.Fatalf("band %d width = %d", i, band.Rect.Dx())
		}
		sum += band.Rect.Dy()
		prevBottom = band.Rect.Max.Y
	}
	if sum != CanvasHeight {
		t.Fatalf("band heights sum = %d, want %d", sum, CanvasHeight)
	}
	if h := layout.Bands[1].Rect.Dy(); h != 696 {
		t.Fatalf("product band height = %d, want 696", h)
	}
}

func TestRenderProductOnlyLeavesOtherBandsWhite(t *testing.T) {
	c := New(DefaultOptions())
	canvas, placements, err := c.Render([]Image{{Role: RoleProduct, Data: solidPNG(t, 400, 400, red)}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if canvas.Bounds().Dx() != CanvasWidth || canvas.Bounds().Dy() != CanvasHeight {
		t.Fatalf("canvas = %v", canvas.Bounds())
	}
	if len(placements) != 1 || placements[0].Role != RoleProduct {
		t.Fatalf("placements = %+v", placements)
	}

	detail, _ := c.Layout().Band(RoleDetail)
	face, _ := c.Layout().Band(RoleFace)
	for _, band := range []Band{detail, face} {
		for y := band.Rect.Min.Y; y < band.Rect.Max.Y; y++ {
			for x := band.Rect.Min.X; x < band.Rect.Max.X; x++ {
				if !isWhite(canvas.At(x, y)) {
					t.Fatalf("%s band pixel (%d,%d) = %v, want white", band.Role, x, y, canvas.At(x, y))
				}
			}
		}
	}

	// encoded output keeps size and the bottom quarter stays white
	encoded, err := c.Compose([]Image{{Role: RoleProduct, Data: solidPNG(t, 400, 400, red)}})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if decoded.Bounds().Dx() != CanvasWidth || decoded.Bounds().Dy() != CanvasHeight {
		t.Fatalf("encoded canvas = %v", decoded.Bounds())
	}
	for y := detail.Rect.Min.Y + 16; y < detail.Rect.Max.Y; y += 7 {
		for x := 0; x < CanvasWidth; x += 7 {
			r, g, b, _ := decoded.At(x, y).RGBA()
			if r>>8 < 250 || g>>8 < 250 || b>>8 < 250 {
				t.Fatalf("encoded detail pixel (%d,%d) not white: %v", x, y, decoded.At(x, y))
			}
		}
	}
}

func TestRenderNeverCrops(t *testing.T) {
	c := New(DefaultOptions())
	product, _ := c.Layout().Band(RoleProduct)

	cases := []struct {
		name string
		w, h int
	}{
		{"tall", 100, 1000},
		{"wide", 4000, 100},
		{"small", 10, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			canvas, placements, err := c.Render([]Image{{Role: RoleProduct, Data: solidPNG(t, tc.w, tc.h, red)}})
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			rect := placements[0].Rect
			if !rect.In(product.Rect) {
				t.Fatalf("placement %v outside band %v", rect, product.Rect)
			}
			// one side touches the band, the other keeps the source ratio
			if rect.Dx() != product.Rect.Dx() && rect.Dy() != product.Rect.Dy() {
				t.Fatalf("placement %v does not fill band %v on either axis", rect, product.Rect)
			}
			srcRatio := float64(tc.w) / float64(tc.h)
			gotRatio := float64(rect.Dx()) / float64(rect.Dy())
			if d := gotRatio/srcRatio - 1; d > 0.1 || d < -0.1 {
				t.Fatalf("aspect ratio %v drifted from %v", gotRatio, srcRatio)
			}
			corners := []image.Point{
				rect.Min,
				{rect.Max.X - 1, rect.Min.Y},
				{rect.Min.X, rect.Max.Y - 1},
				{rect.Max.X - 1, rect.Max.Y - 1},
			}
			for _, p := range corners {
				if !isRed(canvas.At(p.X, p.Y)) {
					t.Fatalf("corner %v = %v, source content clipped", p, canvas.At(p.X, p.Y))
				}
			}
		})
	}
}

func TestRenderSplitsDetailBand(t *testing.T) {
	c := New(DefaultOptions())
	_, placements, err := c.Render([]Image{
		{Role: RoleProduct, Data: solidPNG(t, 100, 100, red)},
		{Role: RoleDetail, Data: solidPNG(t, 100, 100, red)},
		{Role: RoleDetail, Data: solidPNG(t, 100, 100, blue)},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	var details []Placement
	for _, p := range placements {
		if p.Role == RoleDetail {
			details = append(details, p)
		}
	}
	if len(details) != 2 {
		t.Fatalf("detail placements = %d, want 2", len(details))
	}
	if details[0].Rect.Max.X > CanvasWidth/2 || details[1].Rect.Min.X < CanvasWidth/2 {
		t.Fatalf("details overlap halves: %v %v", details[0].Rect, details[1].Rect)
	}
}

func TestComposeFailures(t *testing.T) {
	c := New(DefaultOptions())

	_, err := c.Compose([]Image{{Role: RoleDetail, Data: solidPNG(t, 10, 10, red)}})
	if model.KindOf(err) != model.KindComposition {
		t.Fatalf("missing product: err = %v, want CompositionError", err)
	}

	_, err = c.Compose([]Image{{Role: RoleProduct, Data: []byte("not an image")}})
	if model.KindOf(err) != model.KindComposition {
		t.Fatalf("corrupt product: err = %v, want CompositionError", err)
	}
}

func TestCorruptOptionalImageDegradesToBackground(t *testing.T) {
	c := New(DefaultOptions())
	canvas, placements, err := c.Render([]Image{
		{Role: RoleProduct, Data: solidPNG(t, 100, 100, red)},
		{Role: RoleDetail, Data: []byte{0xff, 0xd8, 0x00}},
		{Role: RoleFace, Data: nil},
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if len(placements) != 1 {
		t.Fatalf("placements = %+v, want product only", placements)
	}
	detail, _ := c.Layout().Band(RoleDetail)
	if !isWhite(canvas.At(detail.Rect.Min.X+10, detail.Rect.Min.Y+10)) {
		t.Fatalf("detail band should be background")
	}
}

func TestRoleForName(t *testing.T) {
	cases := map[string]Role{
		"product":  RoleProduct,
		"detail1":  RoleDetail,
		"Detail12": RoleDetail,
		"face":     RoleFace,
		"model":    RoleFace,
	}
	for name, want := range cases {
		got, ok := RoleForName(name)
		if !ok || got != want {
			t.Fatalf("RoleForName(%q) = %s,%v want %s", name, got, ok, want)
		}
	}
	if _, ok := RoleForName("background"); ok {
		t.Fatalf("background should not map to a role")
	}
}
