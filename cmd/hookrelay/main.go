package main

import (
	"context"
	"errors"
	"os"

	"github.com/btouchard/hookrelay/internal/monitor"
)

var version = "dev"

// exitEscalated tells the process supervisor that tunnel recovery gave up.
const exitEscalated = 3

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if errors.Is(err, monitor.ErrEscalated) {
			os.Exit(exitEscalated)
		}
		os.Exit(1)
	}
}
