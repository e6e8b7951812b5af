// Command lanrage-cpserver is the central control-plane server: a
// WebSocket signaling hub and party/peer/relay registry for
// deployments that don't use the local file-based control plane. One
// flag.NewFlagSet and a single role, since this binary only ever runs
// the hub.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/config"
	"lanrage/internal/cpserver"
	"lanrage/internal/logging"
	"lanrage/internal/task"
)

func main() {
	fs := flag.NewFlagSet("lanrage-cpserver", flag.ExitOnError)
	addr := fs.String("addr", ":8666", "address to listen on")
	dataPath := fs.String("data", "./control_state.json", "path to persist control server state")
	token := fs.String("token", "", "optional bearer token required of clients")
	maxClients := fs.Int("max-clients", config.DefaultMaxClients, "default per-party peer limit")
	pretty := fs.Bool("log-pretty", false, "use console log formatting instead of JSON")
	_ = fs.Parse(os.Args[1:])

	logger := logging.New(*pretty, zerolog.InfoLevel)

	srv, err := cpserver.NewServer(cpserver.Config{
		DataPath:   *dataPath,
		Token:      *token,
		MaxClients: *maxClients,
	}, logger)
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	sup := task.New(ctx, logger)
	sup.Go("persister", srv.RunPersister)
	sup.Go("reaper", srv.RunReaper)

	httpSrv := &http.Server{Addr: *addr, Handler: srv}
	sup.Go("http", func(ctx context.Context) error {
		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.ListenAndServe() }()
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpSrv.Shutdown(shutdownCtx)
			return nil
		case err := <-errCh:
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		}
	})

	logger.Info().Str("addr", *addr).Msg("control plane server listening")
	<-ctx.Done()
	sup.Shutdown(time.Duration(config.DefaultShutdownDeadlineSec) * time.Second)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
