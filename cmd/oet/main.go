// Command oet is the engine's CLI entrypoint: `oet serve` boots the REST
// surface and the execution service together; `oet version` reports the
// build version. Modeled on the reference runtime's cmd/quarry/main.go
// App construction and exit-code handling.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

// version is set via ldflags at build time.
var version = "dev"

// commit is set via ldflags at build time.
var commit = "unknown"

func main() {
	app := &cli.App{
		Name:           "oet",
		Usage:          "Observation Execution Tool engine",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version information",
		Action: func(c *cli.Context) error {
			fmt.Printf("oet %s (commit: %s)\n", version, commit)
			return nil
		},
	}
}
