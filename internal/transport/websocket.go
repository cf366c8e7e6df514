package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	CloseNormal    = websocket.CloseNormalClosure
	CloseGoingAway = websocket.CloseGoingAway
	CloseAbnormal  = websocket.CloseAbnormalClosure
)

// CloseError reports why a connection stopped delivering frames.
type CloseError struct {
	Code int
	Text string
	Err  error
}

func (e *CloseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport: connection closed code=%d: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("transport: connection closed code=%d text=%q", e.Code, e.Text)
}

func (e *CloseError) Unwrap() error {
	return e.Err
}

// IsNormalClosure reports whether err is a deliberate, non-reconnecting close.
func IsNormalClosure(err error) bool {
	var ce *CloseError
	if !errors.As(err, &ce) {
		return false
	}
	return ce.Code == CloseNormal
}

// Conn is one established duplex message connection. WriteMessage must give
// up once deadline passes.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte, deadline time.Time) error
	Close(code int, reason string) error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer dials ws:// and wss:// endpoints.
type WebsocketDialer struct {
	TLS              TLSConfig
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	if strings.HasPrefix(strings.ToLower(rawURL), "wss://") {
		tlsCfg, err := clientTLSConfig(rawURL, d.TLS)
		if err != nil {
			return nil, err
		}
		dialer.TLSClientConfig = tlsCfg
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

func clientTLSConfig(rawURL string, cfg TLSConfig) (*tls.Config, error) {
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(cfg.ServerName)
	if serverName == "" {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, err
		}
		host := u.Host
		if h, _, err := net.SplitHostPort(host); err == nil {
			host = h
		}
		serverName = host
	}
	out.ServerName = serverName

	if caPath := strings.TrimSpace(cfg.CAFile); caPath != "" {
		caPEM, err := os.ReadFile(caPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if ok := pool.AppendCertsFromPEM(caPEM); !ok {
			return nil, fmt.Errorf("transport: parse tls ca bundle: %s", caPath)
		}
		out.RootCAs = pool
	}
	return out, nil
}

type wsConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err == nil {
		return data, nil
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return nil, &CloseError{Code: ce.Code, Text: ce.Text}
	}
	return nil, &CloseError{Code: CloseAbnormal, Err: err}
}

func (c *wsConn) WriteMessage(data []byte, deadline time.Time) error {
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
