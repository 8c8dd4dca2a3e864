// Command tether runs the tether authority and client tools.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/tether/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
