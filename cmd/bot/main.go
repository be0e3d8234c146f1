// Command bot runs the signal-driven options trading engine and its
// maintenance tools.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}
