package compositor

import (
	"image"
	"log"
	"math"
	"sort"

	"github.com/bobarin/newsreel/internal/models"
)

// Layer is an image warped onto the canvas through its quad.
type Layer struct {
	Name   string
	Image  image.Image
	Quad   models.Quad
	ZIndex int
}

// Canvas accumulates layers in floating point. Color channels are in
// [0,255]; alpha is coverage in [0,1].
type Canvas struct {
	Width  int
	Height int
	color  []float32 // 3 per pixel
	alpha  []float32
}

// NewCanvas returns a fully transparent canvas.
func NewCanvas(width, height int) *Canvas {
	return &Canvas{
		Width:  width,
		Height: height,
		color:  make([]float32, width*height*3),
		alpha:  make([]float32, width*height),
	}
}

// ComposeLayers draws layers in ascending z-index onto a transparent canvas.
// Equal z-indices keep their input order. Degenerate layers are skipped.
func ComposeLayers(size image.Point, layers []Layer) *Canvas {
	c := NewCanvas(size.X, size.Y)

	ordered := make([]Layer, len(layers))
	copy(ordered, layers)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].ZIndex < ordered[j].ZIndex })

	for _, l := range ordered {
		if err := c.Draw(l); err != nil {
			log.Printf("[Compositor] Skipping layer %q (z=%d): %v", l.Name, l.ZIndex, err)
		}
	}
	return c
}

// Draw warps one layer onto the canvas and blends it with its own alpha.
func (c *Canvas) Draw(l Layer) error {
	src := toNRGBA(l.Image)
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	if sw == 0 || sh == 0 {
		return nil
	}

	fwd, err := PerspectiveTransform(models.RectQuad(0, 0, float64(sw), float64(sh)), l.Quad)
	if err != nil {
		return err
	}
	inv, err := fwd.Inverse()
	if err != nil {
		return err
	}

	x0, y0, x1, y1 := bounds(l.Quad, c.Width, c.Height)
	var px [4]float32
	for y := y0; y < y1; y++ {
		for x := x0; x < x1; x++ {
			sx, sy, ok := inv.Apply(float64(x), float64(y))
			if !ok || !inside(sx, sy, sw, sh) {
				continue
			}
			sampleNRGBA(src, sx, sy, &px)
			a := px[3] / 255
			if a <= 0 {
				continue
			}

			i := y*c.Width + x
			ci := i * 3
			c.color[ci] = px[0]*a + c.color[ci]*(1-a)
			c.color[ci+1] = px[1]*a + c.color[ci+1]*(1-a)
			c.color[ci+2] = px[2]*a + c.color[ci+2]*(1-a)
			if a > c.alpha[i] {
				c.alpha[i] = a
			}
		}
	}
	return nil
}

// AlphaAt returns the accumulated coverage at (x, y).
func (c *Canvas) AlphaAt(x, y int) float32 {
	return c.alpha[y*c.Width+x]
}

// RGBA flattens the canvas over black into an opaque 8-bit image.
func (c *Canvas) RGBA() *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, c.Width, c.Height))
	for i := 0; i < c.Width*c.Height; i++ {
		o := i * 4
		ci := i * 3
		out.Pix[o] = to8(c.color[ci])
		out.Pix[o+1] = to8(c.color[ci+1])
		out.Pix[o+2] = to8(c.color[ci+2])
		out.Pix[o+3] = 0xff
	}
	return out
}

// inside reports whether (sx, sy) falls on a source pixel of a w x h image.
func inside(sx, sy float64, w, h int) bool {
	return sx >= -0.5 && sy >= -0.5 && sx < float64(w)-0.5 && sy < float64(h)-0.5
}

func to8(v float32) uint8 {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(float64(v)))
}

// sampleNRGBA bilinearly samples src at (sx, sy), clamping at the edges.
func sampleNRGBA(src *image.NRGBA, sx, sy float64, out *[4]float32) {
	w, h := src.Rect.Dx(), src.Rect.Dy()
	fx, fy := math.Floor(sx), math.Floor(sy)
	tx, ty := float32(sx-fx), float32(sy-fy)
	x0 := clampInt(int(fx), 0, w-1)
	y0 := clampInt(int(fy), 0, h-1)
	x1 := clampInt(int(fx)+1, 0, w-1)
	y1 := clampInt(int(fy)+1, 0, h-1)

	p00 := src.PixOffset(src.Rect.Min.X+x0, src.Rect.Min.Y+y0)
	p10 := src.PixOffset(src.Rect.Min.X+x1, src.Rect.Min.Y+y0)
	p01 := src.PixOffset(src.Rect.Min.X+x0, src.Rect.Min.Y+y1)
	p11 := src.PixOffset(src.Rect.Min.X+x1, src.Rect.Min.Y+y1)
	for k := 0; k < 4; k++ {
		top := float32(src.Pix[p00+k])*(1-tx) + float32(src.Pix[p10+k])*tx
		bot := float32(src.Pix[p01+k])*(1-tx) + float32(src.Pix[p11+k])*tx
		out[k] = top*(1-ty) + bot*ty
	}
}
