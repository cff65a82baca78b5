// Package consoleclient drives a running console over its client port.
package consoleclient

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"grindstone/internal/communication"
	"grindstone/internal/messages"
)

type Option func(*Client)

func WithLogger(logger log.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client sends blocking requests to a console.
type Client struct {
	conn   *communication.ClientConnection
	logger log.Logger
}

// Connect opens a console client connection to address.
func Connect(ctx context.Context, address, name string, opts ...Option) (*Client, error) {
	c := &Client{logger: log.NewNopLogger()}
	for _, opt := range opts {
		opt(c)
	}

	connector := communication.NewConnector(address, communication.ConnectionTypeConsoleClient,
		communication.NewIdentity(name), messages.NewCodec(),
		communication.WithConnectorLogger(c.logger))
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting to console %s: %w", address, err)
	}
	c.conn = conn
	level.Debug(c.logger).Log("msg", "connected to console", "console", address)
	return c, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) expectSuccess(ctx context.Context, msg communication.Message) error {
	resp, err := c.conn.BlockingSend(ctx, msg)
	if err != nil {
		return err
	}
	if _, ok := resp.(*messages.SuccessMessage); !ok {
		return fmt.Errorf("unexpected response %T", resp)
	}
	return nil
}

// StartRecording makes the console merge reports into its totals.
func (c *Client) StartRecording(ctx context.Context) error {
	return c.expectSuccess(ctx, &messages.StartRecordingMessage{})
}

// StopRecording makes the console drop reports, keeping its totals.
func (c *Client) StopRecording(ctx context.Context) error {
	return c.expectSuccess(ctx, &messages.StopRecordingMessage{})
}

// ResetRecording zeroes the console's totals.
func (c *Client) ResetRecording(ctx context.Context) error {
	return c.expectSuccess(ctx, &messages.ResetRecordingMessage{})
}

// NumberOfAgents returns how many agents the console considers live.
func (c *Client) NumberOfAgents(ctx context.Context) (int, error) {
	resp, err := c.conn.BlockingSend(ctx, &messages.GetNumberOfAgentsMessage{})
	if err != nil {
		return 0, err
	}
	result, ok := resp.(*messages.ResultMessage)
	if !ok {
		return 0, fmt.Errorf("unexpected response %T", resp)
	}
	return int(result.Value), nil
}
