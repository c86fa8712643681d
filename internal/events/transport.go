package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStream appends events to a Redis stream, capped at roughly maxLen
// entries.
type RedisStream struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisStream(client redis.Cmdable, stream string, maxLen int64) *RedisStream {
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

func (r *RedisStream) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: r.stream,
		Values: map[string]any{
			"name":        event.Name,
			"data":        string(payload),
			"actor_id":    event.Actor.ID,
			"actor_email": event.Actor.Email,
			"emitted_at":  event.EmittedAt.Format(time.RFC3339Nano),
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	if err := r.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", r.stream, err)
	}
	return nil
}

// HTTPIngest posts events to an Inngest-compatible ingest endpoint:
// POST {baseURL}/e/{key} with {name, data, user, ts}.
type HTTPIngest struct {
	url    string
	client *http.Client
}

func NewHTTPIngest(baseURL, key string, client *http.Client) *HTTPIngest {
	url := strings.TrimRight(baseURL, "/")
	if key != "" {
		url += "/e/" + key
	}
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPIngest{url: url, client: client}
}

type ingestPayload struct {
	Name string `json:"name"`
	Data any    `json:"data"`
	User Actor  `json:"user"`
	TS   int64  `json:"ts"`
}

func (h *HTTPIngest) Send(ctx context.Context, event Event) error {
	body, err := json.Marshal(ingestPayload{
		Name: event.Name,
		Data: event.Data,
		User: event.Actor,
		TS:   event.EmittedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("post event: status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// LogTransport writes events to the log. It is the transport for local
// runs without Redis or an ingest endpoint.
type LogTransport struct {
	logger *slog.Logger
}

func NewLogTransport(logger *slog.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (l *LogTransport) Send(ctx context.Context, event Event) error {
	l.logger.InfoContext(ctx, "domain event",
		"event", event.Name,
		"actor_id", event.Actor.ID,
		"emitted_at", event.EmittedAt,
	)
	return nil
}
