package compositor

import (
	"fmt"
	"image"
	"math"

	"github.com/bobarin/newsreel/internal/models"
)

// DefaultBlurKernel is the Gaussian kernel size used to soften the key mask.
const DefaultBlurKernel = 21

// Keyer places a luma-keyed crop of a foreground video onto a background.
// The crop-to-canvas mapping is computed once and reused for every frame.
type Keyer struct {
	crop      image.Rectangle
	threshold uint8
	canvas    image.Point
	kernel    []float32
	samples   []keySample
}

type keySample struct {
	dst    int // pixel index on the canvas
	sx, sy float32
}

// NewKeyer prepares a keyer for frames of frameSize. crop is clipped to the
// frame; an empty result is an error.
func NewKeyer(frameSize image.Point, crop image.Rectangle, threshold uint8, canvas image.Point, quad models.Quad, blurKernel int) (*Keyer, error) {
	crop = crop.Intersect(image.Rectangle{Max: frameSize})
	if crop.Empty() {
		return nil, fmt.Errorf("crop %v does not intersect %dx%d frame", crop, frameSize.X, frameSize.Y)
	}
	if blurKernel <= 0 {
		blurKernel = DefaultBlurKernel
	}
	if blurKernel%2 == 0 {
		blurKernel++
	}

	cw, ch := crop.Dx(), crop.Dy()
	fwd, err := PerspectiveTransform(models.RectQuad(0, 0, float64(cw), float64(ch)), quad)
	if err != nil {
		return nil, err
	}
	inv, err := fwd.Inverse()
	if err != nil {
		return nil, err
	}

	k := &Keyer{
		crop:      crop,
		threshold: threshold,
		canvas:    canvas,
		kernel:    gaussianKernel(blurKernel, 0),
	}

	x0, y0, x1, y1 := bounds(quad, canvas.X, canvas.Y)
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sx, sy, ok := inv.Apply(float64(x), float64(y))
			if !ok || !inside(sx, sy, cw, ch) {
				continue
			}
			k.samples = append(k.samples, keySample{dst: y*canvas.X + x, sx: float32(sx), sy: float32(sy)})
		}
	}
	return k, nil
}

// Apply keys frame and blends it over background, returning a new image.
// background must be canvas-sized.
func (k *Keyer) Apply(frame image.Image, background *image.RGBA) (*image.RGBA, error) {
	if background.Rect.Dx() != k.canvas.X || background.Rect.Dy() != k.canvas.Y {
		return nil, fmt.Errorf("background is %v, want %dx%d", background.Rect, k.canvas.X, k.canvas.Y)
	}

	fb := frame.Bounds()
	crop := k.crop.Add(fb.Min)
	if !crop.In(fb) {
		return nil, fmt.Errorf("crop %v outside frame %v", k.crop, fb)
	}
	fg := toRGBA(subImage(frame, crop))
	mask := k.mask(fg)

	out := image.NewRGBA(background.Rect)
	copy(out.Pix, background.Pix)

	cw, ch := fg.Rect.Dx(), fg.Rect.Dy()
	for _, s := range k.samples {
		m := sampleMask(mask, cw, ch, s.sx, s.sy)
		if m <= 0 {
			continue
		}
		r, g, b := sampleRGB(fg, s.sx, s.sy)
		o := s.dst * 4
		out.Pix[o] = to8(float32(out.Pix[o])*(1-m) + r*m)
		out.Pix[o+1] = to8(float32(out.Pix[o+1])*(1-m) + g*m)
		out.Pix[o+2] = to8(float32(out.Pix[o+2])*(1-m) + b*m)
		out.Pix[o+3] = 0xff
	}
	return out, nil
}

// mask returns the blurred binary luma key of fg in [0,1].
func (k *Keyer) mask(fg *image.RGBA) []float32 {
	w, h := fg.Rect.Dx(), fg.Rect.Dy()
	m := make([]float32, w*h)
	t := float64(k.threshold)
	for y := 0; y < h; y++ {
		row := fg.Pix[y*fg.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			if luma(p[0], p[1], p[2]) >= t {
				m[y*w+x] = 1
			}
		}
	}
	return blur(m, w, h, k.kernel)
}

// KeyAndPlaceForeground keys one frame. Use a Keyer for frame sequences.
func KeyAndPlaceForeground(frame image.Image, crop image.Rectangle, threshold uint8, canvas *image.RGBA, quad models.Quad) (*image.RGBA, error) {
	fb := frame.Bounds()
	k, err := NewKeyer(fb.Size(), crop, threshold, canvas.Rect.Size(), quad, DefaultBlurKernel)
	if err != nil {
		return nil, err
	}
	return k.Apply(frame, toRGBA(canvas))
}

// luma uses BT.601 weights, rounded to the nearest integer level.
func luma(r, g, b uint8) float64 {
	return math.Round(0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b))
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func subImage(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			out.Set(x, y, img.At(r.Min.X+x, r.Min.Y+y))
		}
	}
	return out
}

func sampleMask(m []float32, w, h int, sx, sy float32) float32 {
	x0, y0, x1, y1, tx, ty := neighbors(sx, sy, w, h)
	top := m[y0*w+x0]*(1-tx) + m[y0*w+x1]*tx
	bot := m[y1*w+x0]*(1-tx) + m[y1*w+x1]*tx
	return top*(1-ty) + bot*ty
}

func sampleRGB(img *image.RGBA, sx, sy float32) (r, g, b float32) {
	x0, y0, x1, y1, tx, ty := neighbors(sx, sy, img.Rect.Dx(), img.Rect.Dy())
	p00 := y0*img.Stride + x0*4
	p10 := y0*img.Stride + x1*4
	p01 := y1*img.Stride + x0*4
	p11 := y1*img.Stride + x1*4
	var c [3]float32
	for k := 0; k < 3; k++ {
		top := float32(img.Pix[p00+k])*(1-tx) + float32(img.Pix[p10+k])*tx
		bot := float32(img.Pix[p01+k])*(1-tx) + float32(img.Pix[p11+k])*tx
		c[k] = top*(1-ty) + bot*ty
	}
	return c[0], c[1], c[2]
}

func neighbors(sx, sy float32, w, h int) (x0, y0, x1, y1 int, tx, ty float32) {
	fx := float32(math.Floor(float64(sx)))
	fy := float32(math.Floor(float64(sy)))
	tx, ty = sx-fx, sy-fy
	x0 = clampInt(int(fx), 0, w-1)
	y0 = clampInt(int(fy), 0, h-1)
	x1 = clampInt(int(fx)+1, 0, w-1)
	y1 = clampInt(int(fy)+1, 0, h-1)
	return
}
