// Package main is the igtk command itself.
package main

import (
	"log"
	"os"

	"github.com/igtkit/igtk/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
