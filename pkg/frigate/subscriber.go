package frigate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ericvolp12/nvr.tools/pkg/events"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// message is the envelope the NVR uses to relay MQTT topics over its websocket.
type message struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber follows the NVR's relayed "events" topic. New detections are
// inserted if absent; every other event type is upserted.
type Subscriber struct {
	logger    *slog.Logger
	host      string
	socketURL *url.URL
	ingester  Ingester

	ReconnectDelay time.Duration

	lastMessage atomic.Int64
}

func NewSubscriber(logger *slog.Logger, host string, ingester Ingester) (*Subscriber, error) {
	host = strings.TrimSuffix(host, "/")

	u, err := url.Parse(host + "/ws")
	if err != nil {
		return nil, fmt.Errorf("failed to parse socket url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	return &Subscriber{
		logger:         logger.With("module", "subscriber"),
		host:           host,
		socketURL:      u,
		ingester:       ingester,
		ReconnectDelay: 5 * time.Second,
	}, nil
}

// LastMessage returns when the last message arrived, zero if none has.
func (s *Subscriber) LastMessage() time.Time {
	n := s.lastMessage.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// Run connects and consumes messages until ctx is done, reconnecting after
// ReconnectDelay whenever the connection fails.
func (s *Subscriber) Run(ctx context.Context) error {
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			s.logger.Info("subscriber shut down")
			return ctx.Err()
		}
		s.logger.Error("websocket connection failed, reconnecting", "err", err, "delay", s.ReconnectDelay.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.ReconnectDelay):
		}
	}
}

func (s *Subscriber) consume(ctx context.Context) error {
	s.logger.Info("connecting to nvr", "url", s.socketURL.String())

	con, _, err := websocket.DefaultDialer.DialContext(ctx, s.socketURL.String(), http.Header{
		"User-Agent": []string{"nvr-mirror/0.0.1"},
	})
	if err != nil {
		wsConnects.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to connect to nvr: %w", err)
	}
	wsConnects.WithLabelValues("ok").Inc()
	defer con.Close()

	// Unblock ReadMessage when ctx ends.
	stop := context.AfterFunc(ctx, func() { con.Close() })
	defer stop()

	for {
		_, raw, err := con.ReadMessage()
		if err != nil {
			return fmt.Errorf("failed to read message: %w", err)
		}
		s.lastMessage.Store(time.Now().UnixNano())

		if err := s.handleMessage(ctx, raw); err != nil {
			s.logger.Warn("dropping websocket message", "err", err)
		}
	}
}

func (s *Subscriber) handleMessage(ctx context.Context, raw []byte) error {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	wsMessages.WithLabelValues(msg.Topic).Inc()

	if msg.Topic != "events" {
		return nil
	}

	ctx, span := tracer.Start(ctx, "HandleEventMessage")
	defer span.End()

	// The payload is usually a JSON document encoded as a string.
	body := []byte(msg.Payload)
	var encoded string
	if err := json.Unmarshal(msg.Payload, &encoded); err == nil {
		body = []byte(encoded)
	}

	var evt TopicEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	span.SetAttributes(
		attribute.String("id", evt.After.ID),
		attribute.String("type", evt.Type),
	)

	p := evt.Payload(s.host)
	if evt.Type == events.TypeNew {
		s.ingester.IngestNew(ctx, p, events.TransportMQTT)
	} else {
		s.ingester.IngestUpdate(ctx, p, events.TransportMQTT)
	}
	return nil
}
