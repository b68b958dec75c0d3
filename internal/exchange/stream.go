package exchange

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// StartStream subscribes to the miniTicker stream for the given symbols
// and keeps the last-price cache warm. Position updates read from the
// cache; REST is the fallback when the stream has no price yet.
func (c *Client) StartStream(symbols []string) {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.running {
		return
	}
	c.running = true
	go c.runStream(symbols)
}

// StopStream shuts the stream down.
func (c *Client) StopStream() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	close(c.stopCh)
}

// LastPrice returns the cached stream price, zero when unknown.
func (c *Client) LastPrice(symbol string) decimal.Decimal {
	c.pricesMu.RLock()
	defer c.pricesMu.RUnlock()
	return c.prices[symbol]
}

func (c *Client) runStream(symbols []string) {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = strings.ToLower(s) + "@miniTicker"
	}
	url := fmt.Sprintf("%s/%s", c.wsURL, strings.Join(streams, "/"))

	for c.isRunning() {
		conn, err := c.dialStream(url)
		if err != nil {
			log.Error().Err(err).Msg("Ticker stream connect failed")
			if !c.sleepOrStop(5 * time.Second) {
				return
			}
			continue
		}

		c.readStream(conn)
		conn.Close()

		if c.isRunning() {
			log.Warn().Msg("Ticker stream disconnected, reconnecting...")
			if !c.sleepOrStop(time.Second) {
				return
			}
		}
	}
}

func (c *Client) dialStream(url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	log.Info().Str("url", url).Msg("Ticker stream connected")
	return conn, nil
}

func (c *Client) readStream(conn *websocket.Conn) {
	for c.isRunning() {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if c.isRunning() {
				log.Error().Err(err).Msg("Ticker stream read error")
			}
			return
		}
		c.handleStreamMessage(message)
	}
}

func (c *Client) handleStreamMessage(data []byte) {
	var msg struct {
		EventType string `json:"e"`
		Symbol    string `json:"s"`
		Close     string `json:"c"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.EventType != "24hrMiniTicker" || msg.Symbol == "" {
		return
	}
	price, err := decimal.NewFromString(msg.Close)
	if err != nil || price.IsZero() {
		return
	}

	c.pricesMu.Lock()
	c.prices[msg.Symbol] = price
	c.pricesMu.Unlock()
}

func (c *Client) isRunning() bool {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	return c.running
}

func (c *Client) sleepOrStop(d time.Duration) bool {
	select {
	case <-c.stopCh:
		return false
	case <-time.After(d):
		return true
	}
}
