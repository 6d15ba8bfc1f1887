package camera

import "math"

const (
	undistortIterations = 20
	undistortEpsilon    = 1e-12
)

// Distort applies the plumb-bob model to normalized image coordinates.
func (p *Parameters) Distort(x, y float64) (xd, yd float64) {
	return plumbBob(x, y, p.K1, p.K2, p.K3, p.P1, p.P2)
}

// Undistort inverts Distort by fixed-point iteration. It converges for the
// coefficient ranges Validate accepts over the visible image.
func (p *Parameters) Undistort(xd, yd float64) (x, y float64) {
	x, y = xd, yd
	for i := 0; i < undistortIterations; i++ {
		r2 := x*x + y*y
		radial := 1 + p.K1*r2 + p.K2*r2*r2 + p.K3*r2*r2*r2
		dx := 2*p.P1*x*y + p.P2*(r2+2*x*x)
		dy := p.P1*(r2+2*y*y) + 2*p.P2*x*y
		nx := (xd - dx) / radial
		ny := (yd - dy) / radial
		if math.Abs(nx-x) < undistortEpsilon && math.Abs(ny-y) < undistortEpsilon {
			return nx, ny
		}
		x, y = nx, ny
	}
	return x, y
}

// ToNormalized maps pixel coordinates to the normalized image plane.
func (p *Parameters) ToNormalized(u, v float64) (x, y float64) {
	return (u - p.Cx) / p.Fx, (v - p.Cy) / p.Fy
}

// ToPixel maps normalized coordinates back to pixels.
func (p *Parameters) ToPixel(x, y float64) (u, v float64) {
	return x*p.Fx + p.Cx, y*p.Fy + p.Cy
}

func plumbBob(x, y, k1, k2, k3, p1, p2 float64) (float64, float64) {
	r2 := x*x + y*y
	radial := 1 + k1*r2 + k2*r2*r2 + k3*r2*r2*r2
	xd := x*radial + 2*p1*x*y + p2*(r2+2*x*x)
	yd := y*radial + p1*(r2+2*y*y) + 2*p2*x*y
	return xd, yd
}
