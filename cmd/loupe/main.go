package main

import (
	"os"

	"github.com/go-loupe/loupe/cmd/loupe/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
