// Command convo manages conversation sessions and command history.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/convo/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
