package collector

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// reconnectDelay paces stream reconnects. The server end is allowed to be
// down for long stretches; we just keep trying.
const reconnectDelay = 2 * time.Second

// Sink receives every parsed topic message. *Store satisfies it; tests use
// a recorder.
type Sink interface {
	SaveMessage(ctx context.Context, sessionID, topicID, payloadJSON string) error
}

// Collector subscribes to a fixed set of topics on one termherd server and
// hands every message to the sink.
type Collector struct {
	baseURL string
	topics  []string
	sink    Sink
	client  *http.Client
}

// New builds a collector. baseURL is the server root, e.g.
// "http://127.0.0.1:5001".
func New(baseURL string, topics []string, sink Sink) *Collector {
	return &Collector{
		baseURL: strings.TrimRight(baseURL, "/"),
		topics:  topics,
		sink:    sink,
		// Streaming responses never complete; rely on context cancellation
		// instead of a client timeout.
		client: &http.Client{},
	}
}

// Run consumes every configured topic until ctx is cancelled. Each topic
// gets its own worker that reconnects with a flat delay on any failure.
func (c *Collector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, topicID := range c.topics {
		topicID := topicID
		g.Go(func() error {
			for {
				err := c.streamOnce(ctx, topicID)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logrus.WithField("topic", topicID).WithError(err).Warn("stream ended, reconnecting")
				select {
				case <-time.After(reconnectDelay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}
	return g.Wait()
}

// streamOnce holds one SSE connection open and persists each data frame.
// Keep-alive comment frames and blank lines are skipped.
func (c *Collector) streamOnce(ctx context.Context, topicID string) error {
	url := fmt.Sprintf("%s/topics/%s/stream", c.baseURL, topicID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream %s: status %d", topicID, resp.StatusCode)
	}

	logrus.WithField("topic", topicID).Info("stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := line[len("data: "):]

		var envelope struct {
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
			logrus.WithField("topic", topicID).WithError(err).Warn("skipping malformed frame")
			continue
		}
		if err := c.sink.SaveMessage(ctx, envelope.SessionID, topicID, payload); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return fmt.Errorf("stream %s: server closed", topicID)
}
