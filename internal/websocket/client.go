// Package websocket streams new block headers from an Ethereum node.
//
// The Client keeps one long-lived connection open, sends the eth_subscribe
// request on connect, and hands every frame to a Handler that turns it into
// model.HeadEvent values. The wallet watcher consumes HeadChan to notice chain
// switches without polling.
package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"stockexchange/internal/model"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// defaultPingPeriod is the keepalive interval.
	defaultPingPeriod = 15 * time.Second

	// defaultSendTimeout bounds every write on the connection.
	defaultSendTimeout = 5 * time.Second

	// defaultReadLimit caps incoming frames; a header notification is a few KB.
	defaultReadLimit = 1 << 20

	// defaultHandshakeTimeout bounds the websocket upgrade.
	defaultHandshakeTimeout = 10 * time.Second

	// headBuffer is the capacity of HeadChan.
	headBuffer = 64
)

// ErrClientShuttingDown is reported on ErrChan when Close ends the stream.
var ErrClientShuttingDown = errors.New("client is shutting down")

// Handler decodes one frame and forwards the resulting heads.
type Handler func(data []byte, heads chan<- model.HeadEvent) error

// Config defines settings for the head stream client.
type Config struct {
	// Endpoint is the ws:// or wss:// node URL. Required.
	Endpoint string

	// Handler decodes frames. Required; HeadHandler is the usual choice.
	Handler Handler

	// TLSInsecureSkip disables certificate verification.
	TLSInsecureSkip bool

	// PingPeriod is the keepalive interval.
	PingPeriod time.Duration

	// SendTimeout bounds writes.
	SendTimeout time.Duration

	// SubscriptionMessages are written right after the connection opens.
	SubscriptionMessages [][]byte
}

// Client is a websocket connection with lifecycle management.
type Client struct {
	conn atomic.Pointer[websocket.Conn]

	// HeadChan delivers decoded headers; it is closed when the read loop exits.
	HeadChan chan model.HeadEvent

	disconnect chan struct{}
	errChan    chan error

	cfg     *Config
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	wg      sync.WaitGroup
	writeMu sync.Mutex
}

// NewClient dials cfg.Endpoint, sends the subscription messages and starts
// the read and keepalive loops. Cancelling ctx closes the client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("endpoint URL is required")
	}
	if cfg.Handler == nil {
		return nil, errors.New("message handler is required")
	}

	if cfg.SubscriptionMessages == nil {
		cfg.SubscriptionMessages = [][]byte{}
	}
	if cfg.PingPeriod == 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = defaultSendTimeout
	}

	ctx, cancel := context.WithCancel(ctx)
	client := &Client{
		cfg:        &cfg,
		ctx:        ctx,
		cancel:     cancel,
		disconnect: make(chan struct{}),
		errChan:    make(chan error, 1),
		HeadChan:   make(chan model.HeadEvent, headBuffer),
	}

	if err := client.run(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start client: %w", err)
	}

	return client, nil
}

func (c *Client) run() (err error) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "heads").
		Logger()

	conn, err := c.dial(c.ctx)
	if err != nil {
		return fmt.Errorf("initial dial failed: %w", err)
	}
	defer func() {
		if err != nil {
			if closeErr := conn.Close(); closeErr != nil {
				logger.Warn().Err(closeErr).Msg("error closing connection during cleanup")
			}
		}
	}()

	conn.SetReadLimit(defaultReadLimit)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PingPeriod * 2))
	})

	for _, msg := range c.cfg.SubscriptionMessages {
		if err = c.write(conn, websocket.TextMessage, msg); err != nil {
			logger.Error().Err(err).Msg("subscription error")
			return err
		}
	}

	c.conn.Store(conn)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.readLoop(conn)
	}()
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()

	// Not tracked by wg: Close waits on wg.
	go func() {
		<-c.ctx.Done()
		c.Close()
	}()

	logger.Info().Msg("head stream started")
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	logger := log.With().
		Str("endpoint", c.cfg.Endpoint).
		Str("component", "heads.read").
		Logger()

	defer func() {
		close(c.disconnect)
		close(c.HeadChan)
		c.report(ErrClientShuttingDown)
		logger.Info().Msg("read loop exiting")
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case c.ctx.Err() != nil:
				logger.Debug().Err(err).Msg("read stopped by shutdown")
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				logger.Info().Err(err).Msg("websocket closed normally")
				c.report(err)
			default:
				logger.Warn().Err(err).Msg("read error")
				c.report(err)
			}
			return
		}

		c.handle(data)
	}
}

// handle runs the handler on one frame. A panicking handler drops the frame.
func (c *Client) handle(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Any("recover", r).Str("component", "heads").Msg("panic in message handler")
		}
	}()

	if err := c.cfg.Handler(data, c.HeadChan); err != nil {
		log.Warn().Err(err).Str("component", "heads").Msg("dropping undecodable frame")
	}
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			conn := c.conn.Load()
			if conn == nil {
				continue
			}
			if err := c.write(conn, websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("component", "heads").Msg("ping error")
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// write serializes writers; gorilla connections allow one concurrent writer.
func (c *Client) write(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout)); err != nil {
		return err
	}
	return conn.WriteMessage(messageType, data)
}

// report sends err on ErrChan unless an error is already queued.
func (c *Client) report(err error) {
	select {
	case c.errChan <- err:
	default:
	}
}

// Close shuts the client down. It is safe to call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		c.cancel()

		if conn := c.conn.Load(); conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
			if err := conn.Close(); err != nil {
				log.Debug().Err(err).Str("component", "heads").Msg("error closing websocket connection")
			}
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			log.Warn().Str("component", "heads").Msg("timeout waiting for goroutines to complete")
		}
	})
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: c.cfg.TLSInsecureSkip},
		HandshakeTimeout: defaultHandshakeTimeout,
	}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.Endpoint, make(http.Header))
	if err != nil {
		event := log.Error().Err(err).Str("endpoint", c.cfg.Endpoint)
		if resp != nil {
			event = event.Int("statusCode", resp.StatusCode)
		}
		event.Msg("connection failed")
		return nil, err
	}
	return conn, nil
}

// DisconnectChan is closed when the connection is lost or closed.
func (c *Client) DisconnectChan() <-chan struct{} {
	return c.disconnect
}

// ErrChan reports the error that ended the stream.
func (c *Client) ErrChan() <-chan error {
	return c.errChan
}
