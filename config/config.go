// Package config defines the structures to configure trackers and the devices behind them.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	goutils "go.viam.com/utils"

	"github.com/igtkit/igtk/logging"
	"github.com/igtkit/igtk/pulse"
	"github.com/igtkit/igtk/tracker"
	"github.com/igtkit/igtk/tracker/fake"
	"github.com/igtkit/igtk/tracker/serialtracker"
	"github.com/igtkit/igtk/utils"
)

// DefaultPulseInterval is how often the scheduler checks for due pulses when the config does not
// say.
const DefaultPulseInterval = time.Millisecond

// Config describes a set of trackers driven by one pulse scheduler.
type Config struct {
	ConfigFilePath  string          `json:"-"`
	LogLevel        *logging.Level  `json:"log_level,omitempty"`
	PulseIntervalMs int             `json:"pulse_interval_ms,omitempty"`
	LogFile         *LogFileConfig  `json:"log_file,omitempty"`
	Trackers        []TrackerConfig `json:"trackers"`
}

// LogFileConfig describes a rotated log file written next to the console output.
type LogFileConfig struct {
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (lf *LogFileConfig) Validate(path string) error {
	if lf.Path == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "path")
	}
	if lf.MaxSizeMB < 0 || lf.MaxBackups < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_size_mb and max_backups must not be negative"))
	}
	return nil
}

// Ensure ensures all parts of the config are valid.
func (c *Config) Ensure() error {
	if c.PulseIntervalMs < 0 {
		return goutils.NewConfigValidationError("pulse_interval_ms", errors.New("must not be negative"))
	}
	if c.LogFile != nil {
		if err := c.LogFile.Validate("log_file"); err != nil {
			return err
		}
	}
	if len(c.Trackers) == 0 {
		return goutils.NewConfigValidationFieldRequiredError("", "trackers")
	}
	for idx := 0; idx < len(c.Trackers); idx++ {
		if err := c.Trackers[idx].Validate(fmt.Sprintf("%s.%d", "trackers", idx)); err != nil {
			return err
		}
	}
	names := lo.Map(c.Trackers, func(tc TrackerConfig, _ int) string { return tc.Name })
	if dups := lo.FindDuplicates(names); len(dups) > 0 {
		return errors.Errorf("tracker name %q is not unique", dups[0])
	}
	return nil
}

// Level returns the configured log level, INFO when unset.
func (c *Config) Level() logging.Level {
	if c.LogLevel == nil {
		return logging.INFO
	}
	return *c.LogLevel
}

// PulseInterval returns how often the scheduler checks for due pulses.
func (c *Config) PulseInterval() time.Duration {
	if c.PulseIntervalMs == 0 {
		return DefaultPulseInterval
	}
	return time.Duration(c.PulseIntervalMs) * time.Millisecond
}

// ToolReference names a tool by port and tool index.
type ToolReference struct {
	Port int `json:"port"`
	Tool int `json:"tool"`
}

// TrackerConfig describes one tracker.
type TrackerConfig struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`

	FrequencyHz float64 `json:"frequency_hz,omitempty"`
	Threaded    bool    `json:"threaded,omitempty"`
	// ValidityMs is how long a sample stays valid. Zero means twice the polling period and -1
	// means forever.
	ValidityMs int `json:"validity_ms,omitempty"`

	ReferenceTool    *ToolReference             `json:"reference_tool,omitempty"`
	PatientTransform *TransformConfig           `json:"patient_transform,omitempty"`
	ToolCalibration  *TransformConfig           `json:"tool_calibration,omitempty"`
	ToolCalibrations map[string]TransformConfig `json:"tool_calibrations,omitempty"`

	// ConvertedAttributes holds Attributes decoded into the adapter's config type by Validate.
	ConvertedAttributes validator `json:"-"`
}

// Validate ensures all parts of the config are valid and decodes the adapter attributes.
func (config *TrackerConfig) Validate(path string) error {
	if config.Name == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if config.Type == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "type")
	}
	at, ok := adapterTypes[config.Type]
	if !ok {
		known := lo.Keys(adapterTypes)
		slices.Sort(known)
		return goutils.NewConfigValidationError(path,
			errors.Errorf("unknown adapter type %q, expected one of %s", config.Type, strings.Join(known, ", ")))
	}

	converted := at.newConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		ErrorUnused: true,
		Result:      converted,
	})
	if err != nil {
		return errors.Wrap(err, "error creating decoder")
	}
	if err := decoder.Decode(config.Attributes); err != nil {
		return goutils.NewConfigValidationError(path+".attributes", err)
	}
	if err := converted.Validate(path + ".attributes"); err != nil {
		return err
	}
	config.ConvertedAttributes = converted

	if config.FrequencyHz < 0 || config.FrequencyHz > pulse.MaxFrequency {
		return goutils.NewConfigValidationError(path+".frequency_hz",
			errors.Errorf("must be in (0, %v]", pulse.MaxFrequency))
	}
	if config.ValidityMs < -1 {
		return goutils.NewConfigValidationError(path+".validity_ms", errors.New("must be -1, 0 or positive"))
	}
	if ref := config.ReferenceTool; ref != nil && (ref.Port < 0 || ref.Tool < 0) {
		return goutils.NewConfigValidationError(path+".reference_tool", errors.New("indices must not be negative"))
	}
	if config.PatientTransform != nil {
		if err := config.PatientTransform.Validate(path + ".patient_transform"); err != nil {
			return err
		}
	}
	if config.ToolCalibration != nil {
		if err := config.ToolCalibration.Validate(path + ".tool_calibration"); err != nil {
			return err
		}
	}
	for name, tc := range config.ToolCalibrations {
		if err := tc.Validate(fmt.Sprintf("%s.tool_calibrations.%s", path, name)); err != nil {
			return err
		}
	}
	return nil
}

// Options returns the tracker options the config describes.
func (config *TrackerConfig) Options() tracker.Options {
	validity := time.Duration(config.ValidityMs) * time.Millisecond
	if config.ValidityMs < 0 {
		validity = -1
	}
	return tracker.Options{
		Name:             config.Name,
		Frequency:        config.FrequencyHz,
		ThreadingEnabled: config.Threaded,
		ValidityPeriod:   validity,
	}
}

// NewAdapter builds the adapter the config describes. Validate must have been called.
func (config *TrackerConfig) NewAdapter(logger logging.Logger) (tracker.Adapter, error) {
	at, ok := adapterTypes[config.Type]
	if !ok || config.ConvertedAttributes == nil {
		return nil, errors.Errorf("tracker %q: config was not validated", config.Name)
	}
	return at.build(config.ConvertedAttributes, logger.Sublogger(config.Type))
}

// ApplyTransforms sets the patient transform and the tracker wide tool calibration.
func (config *TrackerConfig) ApplyTransforms(tr *tracker.Tracker) error {
	if config.PatientTransform != nil {
		tf, err := config.PatientTransform.Transform()
		if err != nil {
			return err
		}
		tr.SetPatientTransform(tf)
	}
	if config.ToolCalibration != nil {
		tf, err := config.ToolCalibration.Transform()
		if err != nil {
			return err
		}
		tr.SetToolCalibrationTransform(tf)
	}
	return nil
}

// ApplyToolSettings sets the reference tool and the per-tool calibrations. The tools must be
// active.
func (config *TrackerConfig) ApplyToolSettings(tr *tracker.Tracker) error {
	if ref := config.ReferenceTool; ref != nil {
		if err := tr.SetReferenceTool(true, ref.Port, ref.Tool); err != nil {
			return errors.Wrapf(err, "tracker %q reference tool", config.Name)
		}
	}
	for _, name := range lo.Keys(config.ToolCalibrations) {
		info, err := tr.ToolByName(name)
		if err != nil {
			return errors.Wrapf(err, "tracker %q tool calibration", config.Name)
		}
		cal := config.ToolCalibrations[name]
		tf, err := cal.Transform()
		if err != nil {
			return err
		}
		if err := tr.SetToolCalibration(info.Handle.Port, info.Handle.Tool, tf); err != nil {
			return err
		}
	}
	return nil
}

type validator interface {
	Validate(path string) error
}

type adapterType struct {
	newConfig func() validator
	build     func(cfg validator, logger logging.Logger) (tracker.Adapter, error)
}

// attributesAs returns converted attributes as the config type an adapter builder expects.
func attributesAs[T validator](cfg validator) (T, error) {
	conf, ok := cfg.(T)
	if !ok {
		return conf, errors.Wrap(utils.NewUnexpectedTypeError[T](cfg), "adapter attributes")
	}
	return conf, nil
}

var adapterTypes = map[string]adapterType{
	"fake": {
		newConfig: func() validator { return &fake.Config{} },
		build: func(cfg validator, logger logging.Logger) (tracker.Adapter, error) {
			conf, err := attributesAs[*fake.Config](cfg)
			if err != nil {
				return nil, err
			}
			return fake.NewFromConfig(*conf), nil
		},
	},
	"serial": {
		newConfig: func() validator { return &serialtracker.Config{} },
		build: func(cfg validator, logger logging.Logger) (tracker.Adapter, error) {
			conf, err := attributesAs[*serialtracker.Config](cfg)
			if err != nil {
				return nil, err
			}
			return serialtracker.New(*conf, logger), nil
		},
	},
}
