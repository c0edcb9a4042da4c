package cli

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/igtkit/igtk/config"
	"github.com/igtkit/igtk/logging"
	"github.com/igtkit/igtk/pulse"
	"github.com/igtkit/igtk/serial"
	"github.com/igtkit/igtk/spatialmath"
	"github.com/igtkit/igtk/tracker"
)

func printf(w io.Writer, format string, a ...interface{}) {
	fmt.Fprintf(w, format+"\n", a...)
}

// loadConfig reads the config named by the global flag and builds a logger writing to the
// app's error writer, and to the rotated log file when one is configured, at the configured
// level. The logger also becomes the global one. The returned function closes the log file.
func loadConfig(c *cli.Context) (*config.Config, logging.Logger, func() error, error) {
	path := c.String(configFlag)
	if path == "" {
		return nil, nil, nil, errors.Errorf("--%s is required", configFlag)
	}
	cfg, err := config.Read(path)
	if err != nil {
		return nil, nil, nil, err
	}
	logger := logging.NewBlankLogger("igtk")
	logger.AddAppender(logging.NewWriterAppender(c.App.ErrWriter))
	closeLog := func() error { return nil }
	if lf := cfg.LogFile; lf != nil {
		file := &lumberjack.Logger{
			Filename:   lf.Path,
			MaxSize:    lf.MaxSizeMB,
			MaxBackups: lf.MaxBackups,
			Compress:   lf.Compress,
		}
		logger.AddAppender(logging.NewWriterAppender(file))
		closeLog = file.Close
	}
	logger.SetLevel(cfg.Level())
	if c.Bool(debugFlag) {
		logger.SetLevel(logging.DEBUG)
	}
	logging.ReplaceGlobal(logger)
	return cfg, logger, closeLog, nil
}

// ValidateAction checks the config file and lists its trackers.
func ValidateAction(c *cli.Context) error {
	cfg, _, closeLog, err := loadConfig(c)
	if err != nil {
		return err
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Name", "Type", "Frequency", "Threaded", "Reference"})
	for i, tc := range cfg.Trackers {
		opts := tc.Options()
		frequency := "default"
		if opts.Frequency > 0 {
			frequency = fmt.Sprintf("%gHz", opts.Frequency)
		}
		reference := ""
		if ref := tc.ReferenceTool; ref != nil {
			reference = tracker.ToolHandle{Port: ref.Port, Tool: ref.Tool}.String()
		}
		t.AppendRow(table.Row{i + 1, tc.Name, tc.Type, frequency, opts.ThreadingEnabled, reference})
	}
	printf(c.App.Writer, "%s", t.Render())
	printf(c.App.Writer, "config %s is valid", cfg.ConfigFilePath)
	return closeLog()
}

// PortsAction lists the serial ports present on the system.
func PortsAction(c *cli.Context) error {
	ports, err := serial.ListPorts()
	if err != nil {
		return errors.Wrap(err, "listing serial ports")
	}
	if len(ports) == 0 {
		printf(c.App.Writer, "no serial ports found")
		return nil
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Path"})
	for i, port := range ports {
		t.AppendRow(table.Row{i + 1, port})
	}
	printf(c.App.Writer, "%s", t.Render())
	return nil
}

// RunAction opens every configured tracker, starts tracking and drives the pulse scheduler until
// interrupted or until the requested duration has passed. The final tool poses are printed
// before the trackers are closed.
func RunAction(c *cli.Context) (err error) {
	cfg, logger, closeLog, err := loadConfig(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeLog())
	}()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration(durationFlag); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	scheduler := pulse.NewScheduler(nil)
	var trackers []*tracker.Tracker
	closeAll := func() error {
		var errs error
		for _, tr := range trackers {
			errs = multierr.Combine(errs, tr.Close(context.Background()))
		}
		return errs
	}

	for idx := range cfg.Trackers {
		tr, err := startTracker(ctx, &cfg.Trackers[idx], scheduler, logger)
		if tr != nil {
			trackers = append(trackers, tr)
		}
		if err != nil {
			return multierr.Combine(err, closeAll())
		}
	}

	logger.Infow("tracking", "trackers", len(trackers), "pulse_interval", cfg.PulseInterval())
	scheduler.Run(ctx, cfg.PulseInterval())

	printf(c.App.Writer, "%s", poseTable(trackers))
	return closeAll()
}

// startTracker brings one tracker from Idle to Tracking. The tracker is returned whenever it was
// created so the caller can close it.
func startTracker(
	ctx context.Context,
	tc *config.TrackerConfig,
	scheduler *pulse.Scheduler,
	logger logging.Logger,
) (*tracker.Tracker, error) {
	adapter, err := tc.NewAdapter(logger)
	if err != nil {
		return nil, err
	}
	tr, err := tracker.New(adapter, scheduler, logger, tc.Options())
	if err != nil {
		return nil, err
	}
	trLogger := logger.Sublogger(tc.Name)
	tr.Subscribe(func(ev tracker.Event) {
		switch ev.Kind {
		case tracker.EventToolAvailable:
			trLogger.Infow("tool available", "tool", ev.Tool.String())
		case tracker.EventToolNotAvailable:
			trLogger.Infow("tool out of view", "tool", ev.Tool.String())
		case tracker.EventStateChanged:
			trLogger.Debugw("state changed", "state", ev.State.String())
		default:
		}
	})

	if err := tc.ApplyTransforms(tr); err != nil {
		return tr, err
	}
	for _, step := range []func(context.Context) error{tr.Open, tr.Initialize} {
		if err := step(ctx); err != nil {
			return tr, errors.Wrapf(err, "tracker %q", tc.Name)
		}
	}
	if err := tc.ApplyToolSettings(tr); err != nil {
		return tr, err
	}
	if err := tr.StartTracking(ctx); err != nil {
		return tr, errors.Wrapf(err, "tracker %q", tc.Name)
	}
	return tr, nil
}

// poseTable renders the composed pose of every tool of every tracker.
func poseTable(trackers []*tracker.Tracker) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{
		"Tracker", "Tool", "Handle", "Visible", "Translation", "Rotation (x, y, z, w)", "Axis-angle", "Error",
	})
	for _, tr := range trackers {
		for _, info := range tr.Tools() {
			pose, err := tr.ToolTransform(info.Handle.Port, info.Handle.Tool)
			if err != nil {
				t.AppendRow(table.Row{tr.Name(), info.Name, info.Handle.String(), info.Visible, err.Error(), "", "", ""})
				continue
			}
			tra := pose.Translation()
			rot := pose.Rotation()
			aa := spatialmath.QuatToR4AA(rot)
			t.AppendRow(table.Row{
				tr.Name(),
				info.Name,
				info.Handle.String(),
				info.Visible,
				fmt.Sprintf("X:%.2f, Y:%.2f, Z:%.2f", tra.X, tra.Y, tra.Z),
				fmt.Sprintf("%.4f, %.4f, %.4f, %.4f", rot.Imag, rot.Jmag, rot.Kmag, rot.Real),
				fmt.Sprintf("%.2f deg about (%.3f, %.3f, %.3f)", aa.Theta*180/math.Pi, aa.RX, aa.RY, aa.RZ),
				fmt.Sprintf("%.3f", pose.Error()),
			})
		}
	}
	return t.Render()
}
