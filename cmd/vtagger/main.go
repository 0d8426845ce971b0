package main

import (
	"os"

	"github.com/catherinevee/vtagger/cmd/vtagger/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
