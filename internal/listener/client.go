package listener

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/coder/websocket"

	"github.com/hallveticapro/live-translation/pkg/types"
)

// ErrServer wraps an error event pushed by the server.
var ErrServer = errors.New("listener: server error")

// Client is a caption channel connection as seen from a listener or
// publisher. It is not safe for concurrent Next calls.
type Client struct {
	conn *websocket.Conn
}

// Dial connects to a caption channel URL such as "ws://host:3000/ws?lang=es".
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("listener: dial %s: %w", url, err)
	}
	return &Client{conn: conn}, nil
}

// SelectLanguage subscribes the connection to lang.
func (c *Client) SelectLanguage(ctx context.Context, lang string) error {
	return c.send(ctx, EventSelectLanguage, lang)
}

// Publish sends a caption in direct-publish mode.
func (c *Client) Publish(ctx context.Context, caption types.Caption) error {
	return c.send(ctx, EventPublishCaption, caption)
}

// Next blocks until the next caption arrives. An error event from the server
// is returned wrapping [ErrServer].
func (c *Client) Next(ctx context.Context) (types.Caption, error) {
	for {
		_, data, err := c.conn.Read(ctx)
		if err != nil {
			return types.Caption{}, err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return types.Caption{}, fmt.Errorf("listener: decode envelope: %w", err)
		}
		switch env.Event {
		case EventCaption:
			return decodeCaption(env.Data)
		case EventError:
			var msg string
			_ = json.Unmarshal(env.Data, &msg)
			return types.Caption{}, fmt.Errorf("%w: %s", ErrServer, msg)
		}
	}
}

// Close closes the connection normally.
func (c *Client) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *Client) send(ctx context.Context, event string, data any) error {
	frame, err := encode(event, data)
	if err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("listener: send %s: %w", event, err)
	}
	return nil
}
