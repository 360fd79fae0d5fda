package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/msgsync/internal/config"
	"github.com/matheus3301/msgsync/internal/paths"
	"github.com/matheus3301/msgsync/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// refusingDialer keeps the lifecycle test off the network; the session
// sits in its reconnect loop until the app stops.
type refusingDialer struct{}

func (refusingDialer) Dial(context.Context, string) (transport.Conn, error) {
	return nil, errors.New("dialing disabled in tests")
}

func testParams(t *testing.T) Params {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.LocalUserID = "me"
	cfg.TransportURL = "ws://127.0.0.1:1/sync"
	cfg.MetricsAddr = "127.0.0.1:0"
	cfg.Retry.BaseDelay.Duration = 10 * time.Millisecond
	cfg.Retry.MaxDelay.Duration = 20 * time.Millisecond
	if err := config.Save(paths.ConfigPath(dir), cfg); err != nil {
		t.Fatal(err)
	}

	return Params{DataDir: dir, Dialer: refusingDialer{}}
}

func TestModuleWiring(t *testing.T) {
	if err := fx.ValidateApp(Module(testParams(t)), fx.NopLogger); err != nil {
		t.Fatalf("dependency graph does not resolve: %v", err)
	}
}

func TestModuleStartStop(t *testing.T) {
	app := fxtest.New(t, Module(testParams(t)), fx.NopLogger)
	app.RequireStart()

	// Give the transport a moment to run a failed dial cycle so shutdown
	// exercises the lifecycle from inside the reconnect loop.
	time.Sleep(50 * time.Millisecond)

	app.RequireStop()
}
