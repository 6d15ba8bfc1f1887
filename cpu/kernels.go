package cpu

import (
	"math"

	"github.com/openfluke/camsensor/compute"
)

// The kernels below follow gpu/wgsl.Source line for line so both devices
// produce the same bytes for the same frame.

type rgba [4]float32

func unpack(w uint32) rgba {
	return rgba{
		float32(w&0xFF) / 255,
		float32(w>>8&0xFF) / 255,
		float32(w>>16&0xFF) / 255,
		float32(w>>24&0xFF) / 255,
	}
}

func pack8(c rgba) uint32 {
	var w uint32
	for i, v := range c {
		v = min(max(v, 0), 1)
		w |= uint32(math.Floor(float64(0.5+255*v))) << (8 * i)
	}
	return w
}

func loadClamped(src []uint32, p compute.Uniforms, x, y int) rgba {
	x = min(max(x, 0), int(p.Width)-1)
	y = min(max(y, 0), int(p.Height)-1)
	return unpack(src[y*int(p.Width)+x])
}

func mix(a, b rgba, t float32) rgba {
	var o rgba
	for i := range o {
		o[i] = a[i]*(1-t) + b[i]*t
	}
	return o
}

func sampleBilinear(src []uint32, p compute.Uniforms, px, py float32) rgba {
	maxX := float32(p.Width - 1)
	maxY := float32(p.Height - 1)
	if px < -0.5 || py < -0.5 || px > maxX+0.5 || py > maxY+0.5 {
		return rgba{0, 0, 0, 1}
	}
	x0 := float32(math.Floor(float64(px)))
	y0 := float32(math.Floor(float64(py)))
	tx, ty := px-x0, py-y0
	ix, iy := int(x0), int(y0)
	top := mix(loadClamped(src, p, ix, iy), loadClamped(src, p, ix+1, iy), tx)
	bottom := mix(loadClamped(src, p, ix, iy+1), loadClamped(src, p, ix+1, iy+1), tx)
	return mix(top, bottom, ty)
}

func plumbBob(x, y, k1, k2, k3, p1, p2 float32) (float32, float32) {
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}

func sharpen(src, dst []uint32, p compute.Uniforms, cols, rows int) {
	w, h := min(cols, int(p.Width)), min(rows, int(p.Height))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := loadClamped(src, p, x, y)
			l := loadClamped(src, p, x-1, y)
			r := loadClamped(src, p, x+1, y)
			u := loadClamped(src, p, x, y-1)
			d := loadClamped(src, p, x, y+1)
			var o rgba
			for i := range o {
				edge := 4*c[i] - l[i] - r[i] - u[i] - d[i]
				o[i] = min(max(c[i]+p.Sharpness*edge, 0), 1)
			}
			o[3] = c[3]
			dst[y*int(p.Width)+x] = pack8(o)
		}
	}
}

func remap(src, dst []uint32, p compute.Uniforms, cols, rows int, k1, k2, k3, p1, p2 float32) {
	w, h := min(cols, int(p.Width)), min(rows, int(p.Height))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			nx := (float32(x) - p.Cx) / p.Fx
			ny := (float32(y) - p.Cy) / p.Fy
			dx, dy := plumbBob(nx, ny, k1, k2, k3, p1, p2)
			c := sampleBilinear(src, p, dx*p.Fx+p.Cx, dy*p.Fy+p.Cy)
			dst[y*int(p.Width)+x] = pack8(c)
		}
	}
}

func pack(src, words []uint32, p compute.Uniforms, limit int) {
	n := min(limit, int(p.Words), len(words))
	for i := 0; i < n; i++ {
		var word uint32
		for j := 0; j < 4; j++ {
			b := i*4 + j
			pixel := b / 3
			channel := b % 3
			shift := uint(2-channel) * 8
			v := src[pixel] >> shift & 0xFF
			word |= v << (8 * j)
		}
		words[i] = word
	}
}
