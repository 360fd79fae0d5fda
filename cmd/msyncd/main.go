package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/msgsync/internal/daemon"
	"github.com/matheus3301/msgsync/internal/paths"
	"go.uber.org/fx"
)

func main() {
	dataDir := flag.String("data-dir", paths.DefaultDataDir(), "engine data directory")
	flag.Parse()

	if err := paths.EnsureDirs(*dataDir); err != nil {
		fmt.Fprintf(os.Stderr, "msyncd: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{DataDir: *dataDir}),
		fx.NopLogger,
	)
	app.Run()
}
