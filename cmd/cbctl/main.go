// Command cbctl is the operator tool for CommandBridge: catalog checks, schema
// migration, user seeding and test token minting.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cbctl: %v\n", err)
		os.Exit(1)
	}
}
