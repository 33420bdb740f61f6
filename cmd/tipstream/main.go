package main

import (
	"os"

	"github.com/tipstream/tipstream/cmd/tipstream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
