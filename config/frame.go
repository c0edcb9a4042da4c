package config

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/igtkit/igtk/spatialmath"
)

// Translation is the translation between two coordinate systems. It is always in millimeters.
type Translation struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Orientation is a rotation of TH degrees around the axis (X, Y, Z).
type Orientation struct {
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
	Z  float64 `json:"z"`
	TH float64 `json:"th"`
}

// TransformConfig describes a fixed transform, e.g. a patient registration or a tool calibration.
type TransformConfig struct {
	Translation Translation  `json:"translation"`
	Orientation *Orientation `json:"orientation,omitempty"`
	Error       float64      `json:"error,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (cfg *TransformConfig) Validate(path string) error {
	_, err := cfg.Transform()
	if err != nil {
		return goutils.NewConfigValidationError(path, err)
	}
	return nil
}

// Transform converts the config into a transform that is valid forever.
func (cfg *TransformConfig) Transform() (spatialmath.Transform, error) {
	rotation := spatialmath.IdentityQuaternion
	if o := cfg.Orientation; o != nil && o.TH != 0 {
		q, err := spatialmath.NewR4AAFromDegrees(o.TH, o.X, o.Y, o.Z).ToQuat()
		if err != nil {
			return spatialmath.Transform{}, errors.Wrap(err, "orientation")
		}
		rotation = q
	}
	t := cfg.Translation
	return spatialmath.NewTransform(r3.Vector{X: t.X, Y: t.Y, Z: t.Z}, rotation, cfg.Error), nil
}
