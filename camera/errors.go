package camera

import "fmt"

// ConfigurationError reports an invalid camera configuration. It is fatal at
// sensor start: a pipeline is never built from parameters that fail Validate.
type ConfigurationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("camera: invalid %s=%v: %s", e.Field, e.Value, e.Reason)
}

// ParameterMismatchWarning is returned when a user supplied focal length
// disagrees with the one derived from the sensor geometry. It is non-fatal;
// the user value is kept.
type ParameterMismatchWarning struct {
	Axis     Axis
	Expected float64
	Provided float64
}

func (w *ParameterMismatchWarning) Error() string {
	return fmt.Sprintf("camera: focal length %s=%.4f does not match sensor geometry (expected %.4f)",
		w.Axis, w.Provided, w.Expected)
}
