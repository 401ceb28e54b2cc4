// termherd-collector – durable-storage sidecar for termherd topics.
//
// Usage:
//
//	termherd-collector --server http://127.0.0.1:5001 --topics t1,t2 \
//	    [--dsn postgres://...]
//
// It subscribes to each topic's SSE stream and persists every message as a
// (session_id, topic_id, payload_json, received_at) row. The DSN defaults
// to the DATABASE_URL environment variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ianremillard/termherd/internal/collector"
)

func main() {
	serverURL := flag.String("server", "http://127.0.0.1:5001", "termherd server base URL")
	topicsCSV := flag.String("topics", "", "comma-separated topic ids to consume (required)")
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres DSN (env: DATABASE_URL)")
	flag.Parse()

	if *topicsCSV == "" || *dsn == "" {
		fmt.Fprintln(os.Stderr, "termherd-collector: --topics and --dsn (or DATABASE_URL) are required")
		os.Exit(1)
	}
	var topics []string
	for _, t := range strings.Split(*topicsCSV, ",") {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := collector.OpenStore(ctx, *dsn)
	if err != nil {
		logrus.Fatalf("collector: %v", err)
	}
	defer store.Close()

	logrus.Infof("collecting %d topic(s) from %s", len(topics), *serverURL)
	if err := collector.New(*serverURL, topics, store).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logrus.Fatalf("collector: %v", err)
	}
}
