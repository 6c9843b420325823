// Package main is the entry point for quelctl, the operator CLI for the
// fitting server.
package main

import (
	"os"

	"quel-fitting-server/cmd/quelctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
