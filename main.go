package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/seopages/spiderworker/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if errors.Is(err, cmd.ErrRestart) {
			os.Exit(cmd.RestartExitCode)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
