package main

import (
	"os"

	"github.com/renderq/renderq/cmd/renderq/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
