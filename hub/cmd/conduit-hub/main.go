// Command conduit-hub runs the conduit WebSocket message router.
package main

import (
	"fmt"
	"os"

	"github.com/amurg-ai/conduit/hub/internal/cmd"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cmd.NewRootCmd(version).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
