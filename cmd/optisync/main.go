// Command optisync serves, inspects and exercises the optimistic-update
// sync engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/optisync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
