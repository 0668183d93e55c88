package main

import (
	"os"

	"github.com/rustyeddy/signalbridge/cmd/signalbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
