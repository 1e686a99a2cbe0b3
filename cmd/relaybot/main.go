package main

import (
	"fmt"
	"os"

	"relaybot/cmd/relaybot/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
