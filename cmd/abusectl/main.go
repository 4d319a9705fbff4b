package main

import (
	"os"

	"github.com/mbd888/abuseguard/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
