// Command toolserverd runs the tool-server platform: plugin discovery,
// batch load, the management HTTP surface, and hot reload, plus
// install/verify utilities for operating on a plugin directory without a
// running server.
package main

import (
	"fmt"
	"os"
)

// Version is set by the build system; "dev" otherwise.
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
