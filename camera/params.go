// Package camera holds the intrinsic and distortion parameters of a simulated
// camera sensor and the matrices derived from them.
package camera

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	// BytesPerPixel of the delivered BGR frame.
	BytesPerPixel = 3
	// WordSize is the size in bytes of one packed output word.
	WordSize = 4

	MinDimension = 256
	MaxDimension = 2048

	// FocalTolerance is the allowed difference, in pixels, between a user
	// supplied focal length and the one derived from sensor geometry.
	FocalTolerance = 0.001

	MaxSharpness = 4.0
)

// Axis selects the horizontal or vertical image axis.
type Axis int

const (
	AxisX Axis = iota
	AxisY
)

func (a Axis) String() string {
	if a == AxisY {
		return "fy"
	}
	return "fx"
}

// Parameters describes one camera sensor. Width/Height changes require the
// frame buffers to be reallocated; the distortion coefficients and sharpness
// may be edited between frames.
type Parameters struct {
	Width  int `json:"width"`
	Height int `json:"height"`

	// Physical sensor size and lens focal length, in millimetres.
	SensorWidth  float64 `json:"sensor_width"`
	SensorHeight float64 `json:"sensor_height"`
	FocalLength  float64 `json:"focal_length"`

	// Focal lengths and principal point in pixels.
	Fx float64 `json:"fx"`
	Fy float64 `json:"fy"`
	Cx float64 `json:"cx"`
	Cy float64 `json:"cy"`

	// Plumb-bob distortion coefficients.
	K1 float64 `json:"k1"`
	K2 float64 `json:"k2"`
	K3 float64 `json:"k3"`
	P1 float64 `json:"p1"`
	P2 float64 `json:"p2"`

	Sharpness float64 `json:"sharpness"`

	derived bool
	// Focal lengths Derive filled in, zero when user supplied.
	autoFx, autoFy float64

	derivedW, derivedH int
}

// Validate checks dimensions, coefficient ranges and sensor geometry.
func (p *Parameters) Validate() error {
	if p.Width < MinDimension || p.Width > MaxDimension {
		return &ConfigurationError{Field: "width", Value: p.Width, Reason: "must be within [256, 2048]"}
	}
	if p.Height < MinDimension || p.Height > MaxDimension {
		return &ConfigurationError{Field: "height", Value: p.Height, Reason: "must be within [256, 2048]"}
	}
	if p.FrameBytes()%WordSize != 0 {
		return &ConfigurationError{
			Field:  "width*height",
			Value:  p.Width * p.Height,
			Reason: "frame byte count must be a multiple of the 4 byte pack word",
		}
	}

	coeffs := []struct {
		name  string
		value float64
		limit float64
	}{
		{"k1", p.K1, 1}, {"k2", p.K2, 1}, {"k3", p.K3, 1},
		{"p1", p.P1, 0.5}, {"p2", p.P2, 0.5},
	}
	for _, c := range coeffs {
		if math.IsNaN(c.value) || c.value < -c.limit || c.value > c.limit {
			return &ConfigurationError{Field: c.name, Value: c.value, Reason: "distortion coefficient out of range"}
		}
	}
	if math.IsNaN(p.Sharpness) || p.Sharpness < 0 || p.Sharpness > MaxSharpness {
		return &ConfigurationError{Field: "sharpness", Value: p.Sharpness, Reason: "must be within [0, 4]"}
	}

	geometry := []struct {
		name  string
		value float64
	}{
		{"fx", p.Fx}, {"fy", p.Fy},
		{"sensor_width", p.SensorWidth}, {"sensor_height", p.SensorHeight},
		{"focal_length", p.FocalLength},
	}
	for _, g := range geometry {
		if math.IsNaN(g.value) || math.IsInf(g.value, 0) {
			return &ConfigurationError{Field: g.name, Value: g.value, Reason: "must be finite"}
		}
	}

	if p.Fx == 0 || p.Fy == 0 {
		if p.FocalLength <= 0 {
			return &ConfigurationError{Field: "focal_length", Value: p.FocalLength, Reason: "required to derive fx/fy"}
		}
	}
	if p.Fx == 0 && p.SensorWidth <= 0 {
		return &ConfigurationError{Field: "sensor_width", Value: p.SensorWidth, Reason: "required to derive fx"}
	}
	if p.Fy == 0 && p.SensorHeight <= 0 {
		return &ConfigurationError{Field: "sensor_height", Value: p.SensorHeight, Reason: "required to derive fy"}
	}
	if p.Fx < 0 || p.Fy < 0 {
		return &ConfigurationError{Field: "fx/fy", Value: [2]float64{p.Fx, p.Fy}, Reason: "focal lengths must be positive"}
	}
	return nil
}

// FrameBytes is the size of one delivered BGR frame.
func (p *Parameters) FrameBytes() int {
	return p.Width * p.Height * BytesPerPixel
}

// PackedWords is the number of 32-bit words the pack stage writes.
func (p *Parameters) PackedWords() int {
	return (p.FrameBytes() + WordSize - 1) / WordSize
}

// ComputeFocalLength derives the focal length in pixels for axis from the
// sensor geometry. A zero user value is replaced by the derived one. A
// non-zero user value that disagrees beyond FocalTolerance is kept and a
// *ParameterMismatchWarning is returned.
func (p *Parameters) ComputeFocalLength(axis Axis) (float64, error) {
	dim, sensor, user := float64(p.Width), p.SensorWidth, &p.Fx
	if axis == AxisY {
		dim, sensor, user = float64(p.Height), p.SensorHeight, &p.Fy
	}

	if sensor <= 0 || p.FocalLength <= 0 {
		// Nothing to check against; a user value stands on its own.
		return *user, nil
	}
	expected := dim / sensor * p.FocalLength

	if *user == 0 {
		*user = expected
		if axis == AxisY {
			p.autoFy = expected
		} else {
			p.autoFx = expected
		}
		return expected, nil
	}
	if math.Abs(*user-expected) > FocalTolerance {
		return *user, &ParameterMismatchWarning{Axis: axis, Expected: expected, Provided: *user}
	}
	return *user, nil
}

// PrincipalPoint returns the image centre for the current dimensions.
func (p *Parameters) PrincipalPoint() (cx, cy float64) {
	return float64(p.Width+1) / 2, float64(p.Height+1) / 2
}

// Derive computes fx, fy, cx and cy once per set of dimensions. It returns
// the focal length mismatch warnings; none of them are fatal. After a
// Width/Height change, or when fx or fy was reset to zero, the focal lengths
// Derive filled in are derived again; user values are kept.
func (p *Parameters) Derive() []error {
	if p.Derived() {
		return nil
	}
	p.clearDerived()
	var warnings []error
	for _, axis := range []Axis{AxisX, AxisY} {
		if _, err := p.ComputeFocalLength(axis); err != nil {
			warnings = append(warnings, err)
		}
	}
	p.Cx, p.Cy = p.PrincipalPoint()
	p.derived = true
	p.derivedW, p.derivedH = p.Width, p.Height
	return warnings
}

// Rederive forces derivation to run again.
func (p *Parameters) Rederive() []error {
	p.clearDerived()
	return p.Derive()
}

// clearDerived zeroes the focal lengths Derive filled in. A value the caller
// has since overwritten counts as user supplied.
func (p *Parameters) clearDerived() {
	if p.autoFx != 0 && p.Fx == p.autoFx {
		p.Fx = 0
	}
	if p.autoFy != 0 && p.Fy == p.autoFy {
		p.Fy = 0
	}
	p.autoFx, p.autoFy = 0, 0
	p.derived = false
}

// Derived reports whether the derived values match the current dimensions
// and both focal lengths are set.
func (p *Parameters) Derived() bool {
	return p.derived && p.derivedW == p.Width && p.derivedH == p.Height && p.Fx != 0 && p.Fy != 0
}

// CheckDerived returns a *ConfigurationError unless both focal lengths are
// positive. Call it after Derive, before the parameters reach a kernel.
func (p *Parameters) CheckDerived() error {
	if !(p.Fx > 0) || !(p.Fy > 0) || math.IsInf(p.Fx, 0) || math.IsInf(p.Fy, 0) {
		return &ConfigurationError{Field: "fx/fy", Value: [2]float64{p.Fx, p.Fy}, Reason: "focal lengths must be positive after derivation"}
	}
	return nil
}

// SetDistortion replaces the distortion coefficients. It is meant to be
// called between frames.
func (p *Parameters) SetDistortion(k1, k2, k3, p1, p2 float64) error {
	next := *p
	next.K1, next.K2, next.K3, next.P1, next.P2 = k1, k2, k3, p1, p2
	if err := next.Validate(); err != nil {
		return err
	}
	*p = next
	return nil
}

// SetSharpness replaces the sharpen stage strength.
func (p *Parameters) SetSharpness(s float64) error {
	if math.IsNaN(s) || s < 0 || s > MaxSharpness {
		return &ConfigurationError{Field: "sharpness", Value: s, Reason: "must be within [0, 4]"}
	}
	p.Sharpness = s
	return nil
}

// SameDimensions reports whether q needs the same frame buffers as p.
func (p *Parameters) SameDimensions(q Parameters) bool {
	return p.Width == q.Width && p.Height == q.Height
}

// IntrinsicMatrix returns K = [fx 0 cx; 0 fy cy; 0 0 1].
func (p *Parameters) IntrinsicMatrix() *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		p.Fx, 0, p.Cx,
		0, p.Fy, p.Cy,
		0, 0, 1,
	})
}

// ProjectionMatrix returns P = K [I | 0].
func (p *Parameters) ProjectionMatrix() *mat.Dense {
	rt := mat.NewDense(3, 4, []float64{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
	})
	var proj mat.Dense
	proj.Mul(p.IntrinsicMatrix(), rt)
	return &proj
}

// DistortionVector returns (k1, k2, p1, p2, k3), the plumb-bob ordering.
func (p *Parameters) DistortionVector() *mat.VecDense {
	return mat.NewVecDense(5, []float64{p.K1, p.K2, p.P1, p.P2, p.K3})
}
