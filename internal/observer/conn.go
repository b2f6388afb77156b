package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/agentrelay/internal/envelope"
)

const writeWait = 10 * time.Second

// Run connects to the relay and processes frames until ctx is done. Every
// disconnect schedules one reconnect after the fixed delay.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			c.stopTimer()
			return ctx.Err()
		}
		c.logger.Info("relay connection lost", "error", err, "retry_in", c.reconnectDelay)
		c.scheduleReconnect()

		select {
		case <-ctx.Done():
			c.stopTimer()
			return ctx.Err()
		case <-c.wake:
		}
	}
}

// session dials the relay and reads frames until the connection fails.
func (c *Client) session(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: %w (status %d)", c.url, err, resp.StatusCode)
		}
		return fmt.Errorf("dial %s: %w", c.url, err)
	}
	c.logger.Info("connected to relay", "url", c.url)
	c.resetSequence()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer func() {
		stop()
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.Handle(data)
	}
}

// scheduleReconnect arms the reconnect timer. It reports false, doing
// nothing, when a reconnect is already pending.
func (c *Client) scheduleReconnect() bool {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		return false
	}
	c.timer = time.AfterFunc(c.reconnectDelay, func() {
		c.timerMu.Lock()
		c.timer = nil
		c.timerMu.Unlock()
		select {
		case c.wake <- struct{}{}:
		default:
		}
	})
	return true
}

func (c *Client) stopTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Connected reports whether a relay socket is currently open.
func (c *Client) Connected() bool {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn != nil
}

// Publish sends env to the relay over the open socket. The relay treats it
// like any producer envelope.
func (c *Client) Publish(ctx context.Context, env *envelope.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write envelope: %w", err)
	}
	return nil
}
