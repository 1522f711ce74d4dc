package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"

	"github.com/kirillkom/domain-retrieval/internal/infrastructure/resilience"
)

// Bus publishes and consumes JSON events. Trace context travels in message
// headers.
type Bus struct {
	conn     *nats.Conn
	executor *resilience.Executor
}

type Options struct {
	Name                 string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func Connect(url string, options Options) (*Bus, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}
	name := options.Name
	if name == "" {
		name = "domain-retrieval"
	}

	conn, err := nats.Connect(
		url,
		nats.Name(name),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewFromConn(conn, options.ResilienceExecutor), nil
}

// NewFromConn wraps an existing connection.
func NewFromConn(conn *nats.Conn, executor *resilience.Executor) *Bus {
	return &Bus{conn: conn, executor: executor}
}

func (b *Bus) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

func publishJSON[T any](ctx context.Context, b *Bus, subject string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", subject, err)
	}

	call := func(callCtx context.Context) error {
		msg := &nats.Msg{Subject: subject, Data: data}
		otel.GetTextMapPropagator().Inject(callCtx, (*headerCarrier)(msg))
		if err := b.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	return resilience.WrapUpstreamError("nats publish "+subject, err, classifyNATSError)
}

// subscribeJSON consumes subject until ctx is done, then drains. An empty
// queue group delivers every message to every subscriber.
func subscribeJSON[T any](ctx context.Context, b *Bus, subject, queueGroup string, handler func(context.Context, T) error) error {
	callback := func(msg *nats.Msg) {
		if ctx.Err() != nil {
			return
		}
		var event T
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			slog.Warn("queue_message_malformed", "subject", msg.Subject, "error", err)
			return
		}
		handlerCtx := otel.GetTextMapPropagator().Extract(ctx, (*headerCarrier)(msg))
		if err := handler(handlerCtx, event); err != nil {
			slog.Error("queue_handler_error", "subject", msg.Subject, "error", err)
		}
	}

	var (
		sub *nats.Subscription
		err error
	)
	if queueGroup == "" {
		sub, err = b.conn.Subscribe(subject, callback)
	} else {
		sub, err = b.conn.QueueSubscribe(subject, queueGroup, callback)
	}
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil && b.conn.IsConnected() {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}

// headerCarrier adapts message headers to the OpenTelemetry text map.
type headerCarrier nats.Msg

func (c *headerCarrier) Get(key string) string {
	if c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

func (c *headerCarrier) Set(key, val string) {
	if c.Header == nil {
		c.Header = make(nats.Header)
	}
	c.Header.Set(key, val)
}

func (c *headerCarrier) Keys() []string {
	if c.Header == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Header))
	for k := range c.Header {
		keys = append(keys, k)
	}
	return keys
}
