package main

import (
	"os"

	"github.com/danmuck/clearctl/internal/logging"
)

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
