package main

import (
	"os"

	"github.com/fatih/color"

	"github.com/jrjohn/harbor-go/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
