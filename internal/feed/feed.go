// Package feed connects to the chat relay that carries trade signals. It
// reads message envelopes from a websocket, routes them by channel, hands
// recognized signals to the reconciler one at a time and acknowledges
// test-channel signals with a reaction.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/retry"
	"github.com/eddiefleurent/signal_pilot/internal/signal"
)

// Envelope types on the wire.
const (
	TypeReady    = "ready"
	TypeMessage  = "message"
	TypeReaction = "reaction"
)

// ThumbsUp is the default acknowledgment emoji.
const ThumbsUp = "\U0001F44D"

// Message is an inbound envelope.
type Message struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	Author  string `json:"author,omitempty"`
	Content string `json:"content,omitempty"`
	// User is the relay account name, sent once in the ready envelope.
	User string `json:"user,omitempty"`
}

// Reaction is the outbound acknowledgment envelope.
type Reaction struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji"`
}

// Parser turns message text into a signal.
type Parser interface {
	Parse(text string) (signal.Signal, bool)
}

// Handler acts on a parsed signal.
type Handler interface {
	Handle(ctx context.Context, sig signal.Signal) error
}

// Config describes the relay endpoint and channel routing.
type Config struct {
	URL   string
	Token string

	AlertChannel           string
	TestChannel            string
	ChatChannel            string
	SelfName               string
	ExecuteFromTestChannel bool
	AckEmoji               string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	PingInterval     time.Duration
}

func (c *Config) normalize() {
	if c.AckEmoji == "" {
		c.AckEmoji = ThumbsUp
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 90 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout / 3
	}
}

// Client is a websocket feed consumer.
type Client struct {
	config  Config
	parser  Parser
	handler Handler
	retry   *retry.Client
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	dialer  *websocket.Dialer

	mu       sync.Mutex
	selfName string

	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates a feed client. rc governs dial retries.
func New(cfg Config, parser Parser, handler Handler, rc *retry.Client, logger logrus.FieldLogger, m *metrics.Metrics) *Client {
	cfg.normalize()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if rc == nil {
		rc = retry.NewClient(logger)
	}
	return &Client{
		config:   cfg,
		parser:   parser,
		handler:  handler,
		retry:    rc,
		logger:   logger.WithField("component", "feed"),
		metrics:  m,
		dialer:   &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		selfName: cfg.SelfName,
	}
}

// Run connects and processes messages until ctx ends or the connection
// fails with a non-transient error. Dropped connections are re-dialed.
func (c *Client) Run(ctx context.Context) error {
	for {
		var conn *websocket.Conn
		err := c.retry.Do(ctx, "feed connect", func(ctx context.Context) error {
			var err error
			conn, err = c.dial(ctx)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connecting to feed: %w", err)
		}

		err = c.process(ctx, conn)
		if ctx.Err() != nil {
			return nil
		}
		if !reconnectable(err) {
			return fmt.Errorf("feed connection lost: %w", err)
		}
		c.metrics.IncFeedReconnect()
		c.logger.WithError(err).Warn("Feed connection dropped, reconnecting")
	}
}

// reconnectable reports whether a dropped connection should be re-dialed.
func reconnectable(err error) bool {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure,
		websocket.CloseInternalServerErr,
		websocket.CloseServiceRestart,
		websocket.CloseTryAgainLater) {
		return true
	}
	return retry.IsTransient(err)
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := make(http.Header)
	header.Set("User-Agent", "signal_pilot")
	if c.config.Token != "" {
		header.Set("Authorization", "Bearer "+c.config.Token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, c.config.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, retry.Permanent(fmt.Errorf("feed handshake rejected: %s", resp.Status))
		}
		return nil, err
	}
	c.logger.WithField("url", c.config.URL).Info("Connected to signal feed")
	return conn, nil
}

func (c *Client) process(ctx context.Context, conn *websocket.Conn) error {
	c.writeMu.Lock()
	c.conn = conn
	c.writeMu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		c.writeMu.Lock()
		c.conn = nil
		c.writeMu.Unlock()
		_ = conn.Close()
	}()

	// Unblock ReadMessage when ctx ends.
	go func() {
		<-connCtx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	})
	go c.pingLoop(connCtx, conn)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)); err != nil {
			return err
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				return retry.Permanent(err)
			}
			return err
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.WithError(err).Warn("Discarding malformed feed envelope")
			continue
		}
		c.Dispatch(ctx, msg)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.WithError(err).Debug("Ping failed")
				return
			}
		}
	}
}

// Dispatch routes one envelope. Signal handling errors are logged; they
// never end the feed.
func (c *Client) Dispatch(ctx context.Context, msg Message) {
	switch msg.Type {
	case TypeReady:
		if msg.User != "" {
			c.mu.Lock()
			c.selfName = msg.User
			c.mu.Unlock()
		}
		c.logger.WithField("user", msg.User).Info("Feed session ready")
		return
	case TypeMessage, "":
	default:
		c.logger.WithField("type", msg.Type).Debug("Ignoring envelope")
		return
	}

	if msg.Channel == "" {
		return
	}
	log := c.logger.WithFields(logrus.Fields{"channel": msg.Channel, "author": msg.Author, "message_id": msg.ID})

	switch msg.Channel {
	case c.config.AlertChannel:
		c.metrics.IncFeedMessage("alert")
		log.WithField("content", msg.Content).Info("Options signal received")
		sig, ok := c.parser.Parse(msg.Content)
		if !ok {
			return
		}
		c.execute(ctx, log, sig)

	case c.config.TestChannel:
		c.metrics.IncFeedMessage("test")
		sig, ok := c.parser.Parse(msg.Content)
		if !ok {
			return
		}
		if c.config.ExecuteFromTestChannel && msg.Author == c.SelfName() {
			c.execute(ctx, log, sig)
		} else {
			log.WithField("signal", sig.String()).Info("Test signal recognized, not executing")
		}
		if err := c.React(msg.ID, c.config.AckEmoji); err != nil {
			log.WithError(err).Warn("Failed to acknowledge test signal")
		}

	case c.config.ChatChannel:
		c.metrics.IncFeedMessage("chat")
		log.Infof("%s:@%s - %s", msg.Channel, msg.Author, msg.Content)

	default:
		c.metrics.IncFeedMessage("other")
	}
}

func (c *Client) execute(ctx context.Context, log logrus.FieldLogger, sig signal.Signal) {
	log = log.WithFields(logrus.Fields{"signal": sig.ID, "kind": sig.Kind.String(), "ticker": sig.Ticker})
	if err := c.handler.Handle(ctx, sig); err != nil {
		log.WithError(err).Error("Signal handling failed, state will be re-evaluated on the next signal")
		return
	}
	log.Debug("Signal handled")
}

// SelfName is the relay account name used to recognize our own test posts.
func (c *Client) SelfName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selfName
}

// ErrNotConnected is returned by React when no connection is open.
var ErrNotConnected = errors.New("feed not connected")

// React sends a reaction envelope for messageID.
func (c *Client) React(messageID, emoji string) error {
	if messageID == "" {
		return errors.New("reaction needs a message id")
	}
	data, err := json.Marshal(Reaction{Type: TypeReaction, MessageID: messageID, Emoji: emoji})
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
