package main

import (
	"os"

	"github.com/spigell/hirescope/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
