// Command lanrage-relay runs the stateless UDP relay server: a
// standalone deployment referenced only by endpoint, with no
// control-plane or tunnel dependency of its own.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lanrage/internal/config"
	"lanrage/internal/logging"
	"lanrage/internal/relay"
	"lanrage/internal/task"
)

func main() {
	fs := flag.NewFlagSet("lanrage-relay", flag.ExitOnError)
	port := fs.Int("port", relay.DefaultPort, "UDP port to listen on")
	clientTimeout := fs.Duration("client-timeout", relay.DefaultClientTimeout, "eviction age for idle clients")
	pretty := fs.Bool("log-pretty", false, "use console log formatting instead of JSON")
	_ = fs.Parse(os.Args[1:])

	logger := logging.New(*pretty, zerolog.InfoLevel)

	srv, err := relay.NewServer(*port, *clientTimeout, logger)
	if err != nil {
		fatal(err)
	}
	defer srv.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sup := task.New(ctx, logger)
	sup.Go("serve", srv.Serve)
	sup.Go("cleanup", func(ctx context.Context) error {
		return srv.RunCleanup(ctx, relay.DefaultCleanupInterval)
	})
	sup.Go("stats", func(ctx context.Context) error {
		return srv.RunStats(ctx, relay.DefaultStatsInterval)
	})

	logger.Info().Str("addr", srv.LocalAddr()).Msg("relay server listening")
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
