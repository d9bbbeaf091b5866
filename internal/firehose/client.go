package firehose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/zstd"

	"github.com/blackmichael/bbs/internal/domain"
	"github.com/blackmichael/bbs/internal/metrics"
)

// ClientConfig tunes the stream connection.
type ClientConfig struct {
	// Collections restricts Jetstream to these collection NSIDs.
	Collections []string

	ConnectTimeout time.Duration

	// ReadTimeout closes a connection that has been silent this long.
	ReadTimeout time.Duration

	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// Compress requests zstd-compressed Jetstream messages.
	Compress bool

	// ZstdDictionary is the dictionary compressed messages were built with.
	ZstdDictionary []byte
}

// Client maintains the long-lived connection to a subscription's stream and
// forwards raw records in arrival order. It never reorders or fabricates
// records; duplicates across reconnects are left to the ledger.
type Client struct {
	sub     domain.Subscription
	format  domain.RecordFormat
	cursors domain.CursorReader
	cfg     ClientConfig
	dialer  *websocket.Dialer
	zstd    *zstd.Decoder
	logger  *slog.Logger

	// lastDelivered is the highest position handed downstream by this
	// process. It is preferred over the stored cursor on reconnect so
	// records still queued for apply are not requested twice.
	lastDelivered int64
}

// NewClient creates a stream client for sub. The stored cursor is read from
// cursors on the first connection.
func NewClient(sub domain.Subscription, cursors domain.CursorReader, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	c := &Client{
		sub:     sub,
		format:  domain.FormatFirehose,
		cursors: cursors,
		cfg:     cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.ConnectTimeout,
		},
		logger: logger.With("subscription", string(sub.ID)),
	}

	if sub.Protocol == domain.ProtocolJetstream {
		c.format = domain.FormatJetstream
		if cfg.Compress {
			var opts []zstd.DOption
			if len(cfg.ZstdDictionary) > 0 {
				opts = append(opts, zstd.WithDecoderDicts(cfg.ZstdDictionary))
			}
			dec, err := zstd.NewReader(nil, opts...)
			if err != nil {
				return nil, fmt.Errorf("create zstd decoder: %w", err)
			}
			c.zstd = dec
		}
	}
	return c, nil
}

// Run connects and forwards records to out until ctx is cancelled. It
// blocks while out is full, which stops reads from the network. connected
// is called after every successful handshake. A positive from is the
// position to resume after; otherwise Run starts from the stored cursor.
func (c *Client) Run(ctx context.Context, from int64, out chan<- domain.RawRecord, connected func()) error {
	c.lastDelivered = max(from, 0)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.cfg.BackoffInitial
	bo.MaxInterval = c.cfg.BackoffMax

	for {
		delivered, err := c.session(ctx, out, connected)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered > 0 {
			bo.Reset()
		}

		wait := bo.NextBackOff()
		metrics.StreamReconnects.WithLabelValues(string(c.sub.ID)).Inc()
		c.logger.Warn("stream connection lost, reconnecting",
			"error", err,
			"delivered", delivered,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close releases the zstd decoder.
func (c *Client) Close() {
	if c.zstd != nil {
		c.zstd.Close()
	}
}

func (c *Client) resumePosition(ctx context.Context) int64 {
	if c.lastDelivered > 0 {
		return c.lastDelivered
	}
	cur, found, err := c.cursors.Cursor(ctx, c.sub.ID)
	if err != nil {
		c.logger.Warn("failed to load cursor, starting from live", "error", err)
		return 0
	}
	if !found {
		return 0
	}
	return cur.Position
}

func (c *Client) buildURL(cursor int64) (string, error) {
	u, err := url.Parse(c.sub.StreamURL)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	if c.format == domain.FormatJetstream {
		for _, col := range c.cfg.Collections {
			q.Add("wantedCollections", col)
		}
		if c.zstd != nil {
			q.Set("compress", "true")
		}
	}
	if cursor > 0 {
		q.Set("cursor", strconv.FormatInt(cursor, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) session(ctx context.Context, out chan<- domain.RawRecord, connected func()) (int, error) {
	wsURL, err := c.buildURL(c.resumePosition(ctx))
	if err != nil {
		return 0, err
	}
	c.logger.Info("connecting to stream", "url", wsURL)

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	conn, _, err := c.dialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("%w: dial stream: %w", domain.ErrTransientNetwork, err)
	}
	defer conn.Close()

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c.logger.Info("connected to stream")
	if connected != nil {
		connected()
	}

	delivered := 0
	for {
		if c.cfg.ReadTimeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout)); err != nil {
				return delivered, fmt.Errorf("%w: set read deadline: %w", domain.ErrTransientNetwork, err)
			}
		}

		msgType, message, err := conn.ReadMessage()
		if err != nil {
			return delivered, fmt.Errorf("%w: read message: %w", domain.ErrTransientNetwork, err)
		}

		payload, err := c.payload(msgType, message)
		if err != nil {
			c.logger.Warn("failed to decompress message", "error", err)
			payload = message
		}

		pos, err := PositionOf(c.format, payload)
		var frameErr *ErrorFrame
		if errors.As(err, &frameErr) {
			return delivered, fmt.Errorf("%w: %w", domain.ErrTransientNetwork, frameErr)
		}
		if err != nil {
			// Forwarded anyway; the decoder dead-letters it.
			pos = 0
		}

		rec := domain.RawRecord{
			Format:     c.format,
			Position:   pos,
			Payload:    payload,
			ReceivedAt: time.Now().UTC(),
		}
		select {
		case out <- rec:
		case <-ctx.Done():
			return delivered, ctx.Err()
		}

		if pos > c.lastDelivered {
			c.lastDelivered = pos
		}
		delivered++
		metrics.RecordsReceived.WithLabelValues(string(c.sub.ID), "live").Inc()
	}
}

func (c *Client) payload(msgType int, message []byte) ([]byte, error) {
	if c.zstd == nil || msgType != websocket.BinaryMessage || c.format != domain.FormatJetstream {
		return message, nil
	}
	return c.zstd.DecodeAll(message, nil)
}
