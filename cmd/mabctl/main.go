// mabctl is a thin CLI client for the daemon's Unix-socket RPC interface.
package main

import (
	"os"

	"github.com/steveyegge/mabd/cmd/mabctl/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
