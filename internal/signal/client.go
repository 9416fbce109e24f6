package signal

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"mcstream/native/internal/domain"
	"mcstream/native/internal/metrics"

	"github.com/gorilla/websocket"
	"github.com/pion/logging"
	"github.com/pion/randutil"
)

const (
	pingInterval = 10 * time.Second
	writeWait    = 5 * time.Second
)

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	url     string
	token   string
	handler domain.SignalHandler
	log     logging.LeveledLogger
	dialer  *websocket.Dialer
	header  http.Header
	rng     randutil.MathRandomGenerator

	mu        sync.Mutex
	conn      *websocket.Conn
	connected atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

// Option configures a Client.
type Option func(*Client)

// WithLoggerFactory sets the factory the client's logger is created from.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(c *Client) {
		c.log = f.NewLogger("signal")
	}
}

// WithUserAgent sets the User-Agent header sent on the upgrade request.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.header.Set("User-Agent", ua)
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) {
		c.dialer = d
	}
}

// NewClient creates a new signaling client. Nothing is dialed until Connect.
func NewClient(rawURL, token string, handler domain.SignalHandler, opts ...Option) *Client {
	c := &Client{
		url:     rawURL,
		token:   token,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		header:  http.Header{},
		rng:     randutil.NewMathRandomGenerator(),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.NewDefaultLoggerFactory().NewLogger("signal")
	}
	return c
}

// Factory returns a SignalerFactory building clients with opts.
func Factory(opts ...Option) domain.SignalerFactory {
	return func(rawURL, token string, h domain.SignalHandler) domain.Signaler {
		return NewClient(rawURL, token, h, opts...)
	}
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("parse signaling url: %w", err)
	}
	q := u.Query()
	q.Set("token", c.token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Connect dials the signaling WebSocket and starts the read loop. The
// handler's OnOpen runs before any inbound message is dispatched.
func (c *Client) Connect(ctx context.Context) error {
	select {
	case <-c.closed:
		return domain.ErrClosed
	default:
	}

	endpoint, err := c.endpoint()
	if err != nil {
		return err
	}

	c.log.Infof("connecting to %s", c.url)

	conn, _, err := c.dialer.DialContext(ctx, endpoint, c.header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	// Disconnect may have run while dialing; it found no conn to close.
	c.mu.Lock()
	select {
	case <-c.closed:
		c.mu.Unlock()
		_ = conn.Close()
		return domain.ErrClosed
	default:
	}
	c.conn = conn
	c.connected.Store(true)
	metrics.SignalingConnected.Inc()
	c.mu.Unlock()

	c.handler.OnOpen()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	return nil
}

// Disconnect closes the connection. It is safe to call more than once and
// before Connect.
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		close(c.closed)
		if c.connected.Swap(false) {
			metrics.SignalingConnected.Dec()
		}
		if c.conn == nil {
			return
		}
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		err = c.conn.Close()
	})
	return err
}

// IsConnected reports whether the socket is open.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Send serializes e as a command. Notification tags are rejected, and
// sending while disconnected reports ErrNotConnected.
func (c *Client) Send(e domain.Event, data any) error {
	if !c.IsConnected() {
		c.log.Warnf("dropping %s: connection closed", e)
		return fmt.Errorf("send %s: %w", e, domain.ErrNotConnected)
	}

	frame, err := EncodeCommand(e, int(c.rng.Uint32()>>1), data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.log.Debugf(">>> %s", string(frame))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return domain.NewError(domain.KindTransport, "send "+commandNames[e], err)
	}
	metrics.SignalingMessagesTotal.WithLabelValues("out", commandNames[e]).Inc()
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	reason := "client disconnect"
	defer func() {
		if c.connected.Swap(false) {
			metrics.SignalingConnected.Dec()
		}
		c.handler.OnClose(reason)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
			default:
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) {
					reason = fmt.Sprintf("closed by server: %d %s", closeErr.Code, closeErr.Text)
				} else {
					reason = err.Error()
				}
				c.log.Warnf("read error: %v", err)
			}
			return
		}

		c.log.Debugf("<<< %s", string(data))

		e, payload, err := Decode(data)
		if err != nil {
			c.log.Warnf("dispatch: %v", err)
			c.handler.OnError(err)
			continue
		}
		metrics.SignalingMessagesTotal.WithLabelValues("in", e.String()).Inc()
		c.handler.OnEvent(e, payload)
	}
}

func (c *Client) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				select {
				case <-c.closed:
				default:
					c.log.Warnf("ping error: %v", err)
				}
				return
			}
		}
	}
}
