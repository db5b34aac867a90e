package compositor

import "math"

// gaussianKernel returns a normalized 1-D kernel of odd size n. A
// non-positive sigma is derived from n: 0.3*((n-1)/2-1)+0.8.
func gaussianKernel(n int, sigma float64) []float32 {
	if sigma <= 0 {
		sigma = 0.3*(float64(n-1)*0.5-1) + 0.8
	}
	half := n / 2
	k := make([]float64, n)
	var sum float64
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-d * d / (2 * sigma * sigma))
		sum += k[i]
	}
	out := make([]float32, n)
	for i := range k {
		out[i] = float32(k[i] / sum)
	}
	return out
}

// blur applies a separable convolution with kernel to a w x h plane.
// Borders reflect without repeating the edge sample (dcb|abcd|cba).
func blur(src []float32, w, h int, kernel []float32) []float32 {
	if w == 0 || h == 0 {
		return src
	}
	half := len(kernel) / 2
	tmp := make([]float32, len(src))
	out := make([]float32, len(src))

	for y := 0; y < h; y++ {
		row := src[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			var acc float32
			for k, wt := range kernel {
				acc += row[reflect101(x+k-half, w)] * wt
			}
			tmp[y*w+x] = acc
		}
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float32
			for k, wt := range kernel {
				acc += tmp[reflect101(y+k-half, h)*w+x] * wt
			}
			out[y*w+x] = acc
		}
	}
	return out
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*(n-1) - i
		}
	}
	return i
}
