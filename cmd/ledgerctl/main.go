// Command ledgerctl seeds and inspects a ledger directory directly.
// The node must be stopped while it runs; Pebble holds an exclusive lock on the directory.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
