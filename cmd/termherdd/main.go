// termherdd – the terminal execution server.
//
// Usage:
//
//	termherdd [--port 5001] [--config termherd.yaml]
//
// The daemon owns a pool of PTY-backed shells on behalf of remote clients,
// streams their output over WebSockets, and republishes it to named topics
// consumable as server-sent events. See the internal packages for the
// engine; this binary is flags, wiring, and signal handling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termherd/internal/action"
	"github.com/ianremillard/termherd/internal/config"
	"github.com/ianremillard/termherd/internal/server"
	"github.com/ianremillard/termherd/internal/topic"
)

func main() {
	configPath := flag.String("config", "termherd.yaml", "path to the server config file")
	port := flag.Int("port", 0, "port to bind to (overrides the config file; default 5001)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "termherdd: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.ListenPort = *port
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	service := action.NewService(action.Config{
		Shell:        cfg.Shell,
		PollInterval: time.Duration(cfg.PollInterval * float64(time.Second)),
		BufferDepth:  cfg.ReaderBuffer,
	})
	topics := topic.NewManager(cfg.SubscriberBuffer)
	srv := server.New(service, topics)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ListenPort),
		Handler: srv.Handler(),
	}

	// Graceful shutdown on SIGINT / SIGTERM: stop accepting, then tear down
	// every terminal the engine owns.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		sig := <-sigCh
		logrus.Infof("received %v, shutting down", sig)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(ctx)
		service.Shutdown()
		close(done)
	}()

	logrus.Infof("termherdd listening on :%d", cfg.ListenPort)
	if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logrus.Fatalf("serve: %v", err)
	}
	<-done
}
