package compositor

import (
	"errors"
	"fmt"
	"math"

	"github.com/bobarin/newsreel/internal/models"
)

// ErrDegenerateQuad is returned for quadrilaterals with zero or negative
// area, or whose corners do not determine a perspective transform.
var ErrDegenerateQuad = errors.New("degenerate quadrilateral")

const areaEpsilon = 1e-6

// Matrix is a row-major 3x3 homography.
type Matrix [9]float64

// Identity is the identity homography.
var Identity = Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Apply maps (x, y). ok is false when the point maps to infinity.
func (m Matrix) Apply(x, y float64) (u, v float64, ok bool) {
	w := m[6]*x + m[7]*y + m[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (m[0]*x + m[1]*y + m[2]) / w, (m[3]*x + m[4]*y + m[5]) / w, true
}

// Inverse returns the inverse transform.
func (m Matrix) Inverse() (Matrix, error) {
	a, b, c := m[0], m[1], m[2]
	d, e, f := m[3], m[4], m[5]
	g, h, i := m[6], m[7], m[8]

	A := e*i - f*h
	B := -(d*i - f*g)
	C := d*h - e*g
	det := a*A + b*B + c*C
	if math.Abs(det) < 1e-12 {
		return Matrix{}, fmt.Errorf("%w: singular transform", ErrDegenerateQuad)
	}

	inv := Matrix{
		A, -(b*i - c*h), b*f - c*e,
		B, a*i - c*g, -(a*f - c*d),
		C, -(a*h - b*g), a*e - b*d,
	}
	for k := range inv {
		inv[k] /= det
	}
	return inv.normalized(), nil
}

func (m Matrix) normalized() Matrix {
	if m[8] == 0 {
		return m
	}
	s := m[8]
	for k := range m {
		m[k] /= s
	}
	return m
}

// SignedArea is the shoelace area of the quad in TL, TR, BR, BL order.
// It is positive for the clockwise-on-screen (y down) orientation.
func SignedArea(q models.Quad) float64 {
	c := q.Corners()
	var sum float64
	for i := 0; i < 4; i++ {
		j := (i + 1) % 4
		sum += c[i].X*c[j].Y - c[j].X*c[i].Y
	}
	return sum / 2
}

// PerspectiveTransform solves the homography mapping the corners of src onto
// the corners of dst.
func PerspectiveTransform(src, dst models.Quad) (Matrix, error) {
	if a := SignedArea(src); a <= areaEpsilon {
		return Matrix{}, fmt.Errorf("%w: source area %.3f", ErrDegenerateQuad, a)
	}
	if a := SignedArea(dst); a <= areaEpsilon {
		return Matrix{}, fmt.Errorf("%w: destination area %.3f", ErrDegenerateQuad, a)
	}

	s, d := src.Corners(), dst.Corners()
	var sys [8][9]float64
	for i := 0; i < 4; i++ {
		x, y := s[i].X, s[i].Y
		u, v := d[i].X, d[i].Y
		sys[2*i] = [9]float64{x, y, 1, 0, 0, 0, -u * x, -u * y, u}
		sys[2*i+1] = [9]float64{0, 0, 0, x, y, 1, -v * x, -v * y, v}
	}

	h, err := solve8(sys)
	if err != nil {
		return Matrix{}, err
	}
	return Matrix{h[0], h[1], h[2], h[3], h[4], h[5], h[6], h[7], 1}, nil
}

// solve8 runs Gaussian elimination with partial pivoting on an augmented 8x9 system.
func solve8(a [8][9]float64) ([8]float64, error) {
	const n = 8
	var x [8]float64

	for col := 0; col < n; col++ {
		pivot := col
		for r := col + 1; r < n; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-10 {
			return x, fmt.Errorf("%w: collinear corners", ErrDegenerateQuad)
		}
		a[col], a[pivot] = a[pivot], a[col]

		for r := col + 1; r < n; r++ {
			f := a[r][col] / a[col][col]
			if f == 0 {
				continue
			}
			for c := col; c <= n; c++ {
				a[r][c] -= f * a[col][c]
			}
		}
	}

	for r := n - 1; r >= 0; r-- {
		sum := a[r][n]
		for c := r + 1; c < n; c++ {
			sum -= a[r][c] * x[c]
		}
		x[r] = sum / a[r][r]
	}
	return x, nil
}

// bounds returns the integer pixel box covering q, clipped to w x h.
func bounds(q models.Quad, w, h int) (x0, y0, x1, y1 int) {
	c := q.Corners()
	minX, minY := c[0].X, c[0].Y
	maxX, maxY := minX, minY
	for _, p := range c[1:] {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	x0 = clampInt(int(math.Floor(minX)), 0, w)
	y0 = clampInt(int(math.Floor(minY)), 0, h)
	x1 = clampInt(int(math.Ceil(maxX)), 0, w)
	y1 = clampInt(int(math.Ceil(maxY)), 0, h)
	return
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
