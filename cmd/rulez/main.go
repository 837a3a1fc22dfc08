// Command rulez validates, evaluates and tests CUE-defined rule bases.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rulez/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
