// Package wspush carries push events over a WebSocket.
package wspush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bnema/tasksync/internal/realtime"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const maxMessageBytes = 1 << 20

type Logger interface {
	Printf(format string, args ...any)
}

type Dialer struct {
	url        string
	httpClient *http.Client
	schema     *jsonschema.Schema
	logger     Logger
}

var _ realtime.Dialer = (*Dialer)(nil)

func NewDialer(rawURL string, httpClient *http.Client, logger Logger) (*Dialer, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse push url: %w", err)
	}
	switch parsed.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, errors.New("push url must use ws, wss, http or https")
	}
	if parsed.Host == "" {
		return nil, errors.New("push url host is required")
	}

	schema, err := compileEventSchema()
	if err != nil {
		return nil, err
	}
	return &Dialer{url: parsed.String(), httpClient: httpClient, schema: schema, logger: logger}, nil
}

func (d *Dialer) Dial(ctx context.Context, accessToken string) (realtime.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+accessToken)

	conn, resp, err := websocket.Dial(ctx, d.url, &websocket.DialOptions{
		HTTPClient: d.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("dial push server: %w", realtime.ErrUnauthorized)
		}
		return nil, fmt.Errorf("dial push server: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	return &Conn{conn: conn, schema: d.schema, logger: d.logger}, nil
}

type Conn struct {
	conn   *websocket.Conn
	schema *jsonschema.Schema
	logger Logger
}

var _ realtime.Conn = (*Conn)(nil)

// ReadEvent returns the next well-formed event. Messages failing the
// envelope schema are logged and skipped.
func (c *Conn) ReadEvent(ctx context.Context) (realtime.Event, error) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, c.conn, &raw); err != nil {
			return realtime.Event{}, fmt.Errorf("read push event: %w", err)
		}
		if err := validateEvent(c.schema, raw); err != nil {
			c.logf("wspush: %v", err)
			continue
		}

		var ev realtime.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			c.logf("wspush: decode push event: %v", err)
			continue
		}
		return ev, nil
	}
}

func (c *Conn) Send(ctx context.Context, event realtime.Event) error {
	if err := wsjson.Write(ctx, c.conn, event); err != nil {
		return fmt.Errorf("send %s: %w", event.Name, err)
	}
	return nil
}

func (c *Conn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Conn) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
