// Package cli contains the igtk command line: running trackers from a config file and checking
// config files.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

const (
	configFlag   = "config"
	debugFlag    = "debug"
	durationFlag = "duration"
)

var app = &cli.App{
	Name:            "igtk",
	Usage:           "drive surgical navigation trackers",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    configFlag,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    debugFlag,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:  "run",
			Usage: "open every configured tracker and poll it until interrupted",
			Flags: []cli.Flag{
				&cli.DurationFlag{
					Name:  durationFlag,
					Usage: "stop after `DURATION` instead of waiting for an interrupt",
				},
			},
			Action: RunAction,
		},
		{
			Name:   "validate",
			Usage:  "check a config file and print the trackers it describes",
			Action: ValidateAction,
		},
		{
			Name:   "ports",
			Usage:  "list the serial ports a tracker can be attached to",
			Action: PortsAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
