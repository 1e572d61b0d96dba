package main

import (
	"os"

	"github.com/criapa/torpaste/cmd/torpaste/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
