package compositor

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/bobarin/newsreel/internal/models"
)

func solid(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func rgbAt(img *image.RGBA, x, y int) [3]uint8 {
	o := img.PixOffset(x, y)
	return [3]uint8{img.Pix[o], img.Pix[o+1], img.Pix[o+2]}
}

func TestPerspectiveTransformMapsCorners(t *testing.T) {
	src := models.RectQuad(0, 0, 100, 50)
	dst := models.Quad{
		TopLeft:     models.Point{X: 410, Y: 274},
		TopRight:    models.Point{X: 996, Y: 140},
		BottomRight: models.Point{X: 995, Y: 685},
		BottomLeft:  models.Point{X: 410, Y: 649},
	}
	m, err := PerspectiveTransform(src, dst)
	if err != nil {
		t.Fatalf("PerspectiveTransform: %v", err)
	}

	s, d := src.Corners(), dst.Corners()
	for i := range s {
		u, v, ok := m.Apply(s[i].X, s[i].Y)
		if !ok {
			t.Fatalf("corner %d mapped to infinity", i)
		}
		if math.Abs(u-d[i].X) > 1e-6 || math.Abs(v-d[i].Y) > 1e-6 {
			t.Errorf("corner %d: got (%.4f, %.4f), want (%.1f, %.1f)", i, u, v, d[i].X, d[i].Y)
		}
	}

	inv, err := m.Inverse()
	if err != nil {
		t.Fatalf("Inverse: %v", err)
	}
	x, y, _ := inv.Apply(d[2].X, d[2].Y)
	if math.Abs(x-100) > 1e-6 || math.Abs(y-50) > 1e-6 {
		t.Errorf("inverse of bottom-right: got (%.4f, %.4f)", x, y)
	}
}

func TestPerspectiveTransformDegenerate(t *testing.T) {
	tests := []struct {
		name string
		quad models.Quad
	}{
		{"zero area", models.RectQuad(10, 10, 0, 20)},
		{"collinear", models.Quad{
			TopLeft:     models.Point{X: 0, Y: 0},
			TopRight:    models.Point{X: 10, Y: 10},
			BottomRight: models.Point{X: 20, Y: 20},
			BottomLeft:  models.Point{X: 30, Y: 30},
		}},
		{"reversed winding", models.Quad{
			TopLeft:     models.Point{X: 0, Y: 0},
			TopRight:    models.Point{X: 0, Y: 10},
			BottomRight: models.Point{X: 10, Y: 10},
			BottomLeft:  models.Point{X: 10, Y: 0},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := PerspectiveTransform(models.RectQuad(0, 0, 4, 4), tt.quad)
			if !errors.Is(err, ErrDegenerateQuad) {
				t.Errorf("expected ErrDegenerateQuad, got %v", err)
			}
		})
	}
}

func TestComposeFullCanvasLayerIsIdentity(t *testing.T) {
	src := image.NewNRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 30), G: uint8(y * 40), B: 200, A: 255})
		}
	}

	c := ComposeLayers(image.Pt(8, 6), []Layer{{Name: "bg", Image: src, Quad: models.RectQuad(0, 0, 8, 6)}})
	out := c.RGBA()
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			want := src.NRGBAAt(x, y)
			if got := rgbAt(out, x, y); got != [3]uint8{want.R, want.G, want.B} {
				t.Fatalf("pixel (%d,%d): got %v, want %v", x, y, got, want)
			}
			if c.AlphaAt(x, y) < 0.999 {
				t.Fatalf("pixel (%d,%d): alpha %v", x, y, c.AlphaAt(x, y))
			}
		}
	}
}

func TestComposeZOrder(t *testing.T) {
	red := solid(4, 4, color.NRGBA{R: 255, A: 255})
	blue := solid(4, 4, color.NRGBA{B: 255, A: 255})

	layers := []Layer{
		{Name: "top", Image: blue, Quad: models.RectQuad(5, 5, 10, 10), ZIndex: 2},
		{Name: "bottom", Image: red, Quad: models.RectQuad(0, 0, 10, 10), ZIndex: 1},
	}
	out := ComposeLayers(image.Pt(20, 20), layers).RGBA()

	if got := rgbAt(out, 7, 7); got != [3]uint8{0, 0, 255} {
		t.Errorf("overlap should show higher z-index, got %v", got)
	}
	if got := rgbAt(out, 2, 2); got != [3]uint8{255, 0, 0} {
		t.Errorf("expected red outside overlap, got %v", got)
	}
	if got := rgbAt(out, 18, 2); got != [3]uint8{0, 0, 0} {
		t.Errorf("expected uncovered pixel to be black, got %v", got)
	}
}

func TestComposeSkipsDegenerateLayer(t *testing.T) {
	red := solid(4, 4, color.NRGBA{R: 255, A: 255})
	green := solid(4, 4, color.NRGBA{G: 255, A: 255})

	layers := []Layer{
		{Name: "bg", Image: red, Quad: models.RectQuad(0, 0, 10, 10)},
		{Name: "flat", Image: green, Quad: models.RectQuad(0, 0, 10, 0), ZIndex: 5},
	}
	out := ComposeLayers(image.Pt(10, 10), layers).RGBA()
	if got := rgbAt(out, 5, 5); got != [3]uint8{255, 0, 0} {
		t.Errorf("degenerate layer should be skipped, got %v", got)
	}
}

func TestComposeTranslucentLayerBlends(t *testing.T) {
	white := solid(2, 2, color.NRGBA{R: 255, G: 255, B: 255, A: 255})
	half := solid(2, 2, color.NRGBA{A: 128})

	c := ComposeLayers(image.Pt(4, 4), []Layer{
		{Image: white, Quad: models.RectQuad(0, 0, 4, 4)},
		{Image: half, Quad: models.RectQuad(0, 0, 4, 4), ZIndex: 1},
	})
	got := rgbAt(c.RGBA(), 1, 1)
	if got[0] < 125 || got[0] > 128 {
		t.Errorf("expected roughly half intensity, got %v", got)
	}
	if c.AlphaAt(1, 1) < 0.999 {
		t.Errorf("alpha should keep the maximum coverage, got %v", c.AlphaAt(1, 1))
	}
}

func TestGaussianKernel(t *testing.T) {
	k := gaussianKernel(21, 0)
	if len(k) != 21 {
		t.Fatalf("expected 21 taps, got %d", len(k))
	}
	var sum float32
	for _, v := range k {
		sum += v
	}
	if math.Abs(float64(sum)-1) > 1e-5 {
		t.Errorf("kernel should sum to 1, got %v", sum)
	}
	if k[10] <= k[9] || k[0] != k[20] {
		t.Errorf("kernel should peak at the center and be symmetric: %v", k)
	}
}

func TestReflect101(t *testing.T) {
	tests := []struct{ i, n, want int }{
		{-1, 5, 1},
		{-2, 5, 2},
		{5, 5, 3},
		{6, 5, 2},
		{2, 5, 2},
		{-3, 1, 0},
	}
	for _, tt := range tests {
		if got := reflect101(tt.i, tt.n); got != tt.want {
			t.Errorf("reflect101(%d, %d) = %d, want %d", tt.i, tt.n, got, tt.want)
		}
	}
}

func TestKeyerMasksDarkPixels(t *testing.T) {
	// Left half black, right half bright green.
	frame := image.NewRGBA(image.Rect(0, 0, 60, 40))
	for y := 0; y < 40; y++ {
		for x := 30; x < 60; x++ {
			frame.SetRGBA(x, y, color.RGBA{G: 220, A: 255})
		}
	}
	bg := image.NewRGBA(image.Rect(0, 0, 60, 40))
	for i := 0; i < len(bg.Pix); i += 4 {
		bg.Pix[i], bg.Pix[i+3] = 200, 255
	}

	out, err := KeyAndPlaceForeground(frame, frame.Rect, 10, bg, models.RectQuad(0, 0, 60, 40))
	if err != nil {
		t.Fatalf("KeyAndPlaceForeground: %v", err)
	}

	if got := rgbAt(out, 2, 20); got != [3]uint8{200, 0, 0} {
		t.Errorf("keyed-out pixel should show background, got %v", got)
	}
	if got := rgbAt(out, 57, 20); got != [3]uint8{0, 220, 0} {
		t.Errorf("bright pixel should show foreground, got %v", got)
	}
	edge := rgbAt(out, 30, 20)
	if edge[0] == 0 || edge[1] == 0 {
		t.Errorf("edge pixel should be a blend, got %v", edge)
	}
	if got := rgbAt(bg, 57, 20); got != [3]uint8{200, 0, 0} {
		t.Errorf("background must not be modified, got %v", got)
	}
}

func TestKeyerPlacesCropIntoQuad(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 40; y < 60; y++ {
		for x := 40; x < 60; x++ {
			frame.SetRGBA(x, y, color.RGBA{R: 255, G: 255, B: 255, A: 255})
		}
	}
	canvas := image.NewRGBA(image.Rect(0, 0, 200, 100))

	k, err := NewKeyer(frame.Rect.Size(), image.Rect(40, 40, 60, 60), 10, canvas.Rect.Size(), models.RectQuad(150, 10, 40, 40), 3)
	if err != nil {
		t.Fatalf("NewKeyer: %v", err)
	}
	out, err := k.Apply(frame, canvas)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if got := rgbAt(out, 170, 30); got != [3]uint8{255, 255, 255} {
		t.Errorf("center of quad should be foreground, got %v", got)
	}
	if got := rgbAt(out, 50, 50); got != [3]uint8{0, 0, 0} {
		t.Errorf("outside quad should be background, got %v", got)
	}
}

func TestNewKeyerRejectsEmptyCrop(t *testing.T) {
	_, err := NewKeyer(image.Pt(10, 10), image.Rect(20, 20, 30, 30), 10, image.Pt(10, 10), models.RectQuad(0, 0, 10, 10), 21)
	if err == nil {
		t.Fatal("expected error for crop outside the frame")
	}
}

func TestKeyerRejectsWrongBackgroundSize(t *testing.T) {
	k, err := NewKeyer(image.Pt(10, 10), image.Rect(0, 0, 10, 10), 10, image.Pt(10, 10), models.RectQuad(0, 0, 10, 10), 3)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := k.Apply(image.NewRGBA(image.Rect(0, 0, 10, 10)), image.NewRGBA(image.Rect(0, 0, 5, 5))); err == nil {
		t.Fatal("expected error for mismatched background")
	}
}
