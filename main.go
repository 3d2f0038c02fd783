package main

import (
	"os"

	"github.com/umduru/umdu-haos-updater/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
