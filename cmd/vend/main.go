// Command vend runs and administers the RPC request coordination layer.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/vend/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "vend:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
