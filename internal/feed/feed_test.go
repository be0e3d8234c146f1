package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddiefleurent/signal_pilot/internal/metrics"
	"github.com/eddiefleurent/signal_pilot/internal/retry"
	"github.com/eddiefleurent/signal_pilot/internal/signal"
)

const (
	entryText  = "NEW ENTRY: AAPL 9/17 150 CALL ENTRY: 4.50 MARK: 4.60 STOCK STOP: 145 OPTION STOP: 3.00"
	deactivate = "DEACTIVATE: AAPL 9/17 150 CALL"
)

type recordingHandler struct {
	mu      sync.Mutex
	signals []signal.Signal
	err     error
}

func (h *recordingHandler) Handle(_ context.Context, sig signal.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.signals = append(h.signals, sig)
	return h.err
}

func (h *recordingHandler) kinds() []signal.Kind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]signal.Kind, 0, len(h.signals))
	for _, s := range h.signals {
		out = append(out, s.Kind)
	}
	return out
}

func testConfig(url string) Config {
	return Config{
		URL:          url,
		Token:        "feed-token",
		AlertChannel: "option-signals",
		TestChannel:  "bot-test",
		ChatChannel:  "trading-floor",
		SelfName:     "pilot",
		ReadTimeout:  time.Second,
	}
}

func newTestClient(cfg Config, h Handler) (*Client, *test.Hook) {
	logger, hook := test.NewNullLogger()
	rc := retry.NewClient(logger, retry.Config{
		Forever:        true,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	})
	return New(cfg, signal.MustParser(signal.Patterns{}), h, rc, logger, metrics.New()), hook
}

// createMockWSServer upgrades every request and hands the connection to handler.
func createMockWSServer(t *testing.T, handler func(r *http.Request, conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		handler(r, conn)
	}))
	t.Cleanup(server.Close)
	return server
}

func httpToWS(url string) string {
	return strings.Replace(url, "http://", "ws://", 1)
}

func send(t *testing.T, conn *websocket.Conn, msg Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestDispatch_AlertChannelExecutes(t *testing.T) {
	h := &recordingHandler{}
	c, _ := newTestClient(testConfig("ws://unused"), h)

	c.Dispatch(context.Background(), Message{Type: TypeMessage, ID: "1", Channel: "option-signals", Author: "analyst", Content: entryText})
	c.Dispatch(context.Background(), Message{Type: TypeMessage, ID: "2", Channel: "option-signals", Author: "analyst", Content: "gm"})

	assert.Equal(t, []signal.Kind{signal.Entry}, h.kinds())
}

func TestDispatch_TestChannelOnlyExecutesOwnPostsWhenEnabled(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		author  string
		want    int
	}{
		{"disabled", false, "pilot", 0},
		{"enabled, other author", true, "someone", 0},
		{"enabled, own post", true, "pilot", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("ws://unused")
			cfg.ExecuteFromTestChannel = tt.enabled
			h := &recordingHandler{}
			c, hook := newTestClient(cfg, h)

			c.Dispatch(context.Background(), Message{Type: TypeMessage, ID: "9", Channel: "bot-test", Author: tt.author, Content: deactivate})

			assert.Len(t, h.kinds(), tt.want)
			var ackFailed bool
			for _, e := range hook.AllEntries() {
				if e.Message == "Failed to acknowledge test signal" {
					ackFailed = true
					assert.ErrorIs(t, e.Data["error"].(error), ErrNotConnected)
				}
			}
			assert.True(t, ackFailed, "an acknowledgment is attempted for every recognized test signal")
		})
	}
}

func TestDispatch_ChatChannelIsLogged(t *testing.T) {
	h := &recordingHandler{}
	c, hook := newTestClient(testConfig("ws://unused"), h)

	c.Dispatch(context.Background(), Message{Type: TypeMessage, Channel: "trading-floor", Author: "bob", Content: entryText})

	assert.Empty(t, h.kinds())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "trading-floor:@bob - "+entryText, hook.LastEntry().Message)
}

func TestDispatch_ReadySetsSelfName(t *testing.T) {
	cfg := testConfig("ws://unused")
	cfg.SelfName = ""
	cfg.ExecuteFromTestChannel = true
	h := &recordingHandler{}
	c, _ := newTestClient(cfg, h)

	c.Dispatch(context.Background(), Message{Type: TypeReady, User: "pilot-bot"})
	assert.Equal(t, "pilot-bot", c.SelfName())

	c.Dispatch(context.Background(), Message{Type: TypeMessage, ID: "3", Channel: "bot-test", Author: "pilot-bot", Content: deactivate})
	assert.Equal(t, []signal.Kind{signal.Deactivate}, h.kinds())
}

func TestDispatch_IgnoresOtherEnvelopes(t *testing.T) {
	h := &recordingHandler{}
	c, _ := newTestClient(testConfig("ws://unused"), h)

	c.Dispatch(context.Background(), Message{Type: "typing", Channel: "option-signals", Content: entryText})
	c.Dispatch(context.Background(), Message{Type: TypeMessage, Channel: "", Content: entryText})
	c.Dispatch(context.Background(), Message{Type: TypeMessage, Channel: "random", Content: entryText})

	assert.Empty(t, h.kinds())
}

func TestRun_ReceivesSignalsAndAcknowledges(t *testing.T) {
	reactions := make(chan Reaction, 1)
	var auth atomic.Value
	server := createMockWSServer(t, func(r *http.Request, conn *websocket.Conn) {
		auth.Store(r.Header.Get("Authorization"))
		send(t, conn, Message{Type: TypeReady, User: "pilot"})
		send(t, conn, Message{Type: TypeMessage, ID: "m1", Channel: "option-signals", Author: "analyst", Content: entryText})
		send(t, conn, Message{Type: TypeMessage, ID: "m2", Channel: "bot-test", Author: "pilot", Content: deactivate})

		var r2 Reaction
		if err := conn.ReadJSON(&r2); err == nil {
			reactions <- r2
		}
		// Hold the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	cfg := testConfig(httpToWS(server.URL))
	cfg.ExecuteFromTestChannel = true
	h := &recordingHandler{}
	c, _ := newTestClient(cfg, h)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case r := <-reactions:
		assert.Equal(t, Reaction{Type: TypeReaction, MessageID: "m2", Emoji: ThumbsUp}, r)
	case <-time.After(2 * time.Second):
		t.Fatal("no reaction received")
	}
	assert.Equal(t, []signal.Kind{signal.Entry, signal.Deactivate}, h.kinds())
	assert.Equal(t, "Bearer feed-token", auth.Load())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_ReconnectsAfterDrop(t *testing.T) {
	var connections atomic.Int32
	server := createMockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		n := connections.Add(1)
		if n == 1 {
			// Abrupt close without a close frame.
			return
		}
		send(t, conn, Message{Type: TypeMessage, ID: "m1", Channel: "option-signals", Content: deactivate})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	h := &recordingHandler{}
	c, _ := newTestClient(testConfig(httpToWS(server.URL)), h)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(h.kinds()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, connections.Load(), int32(2))
}

func TestRun_UnauthorizedIsFatal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer server.Close()

	c, _ := newTestClient(testConfig(httpToWS(server.URL)), &recordingHandler{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake rejected")
	assert.NoError(t, ctx.Err(), "a rejected handshake is not retried")
}

func TestRun_PolicyViolationCloseIsFatal(t *testing.T) {
	server := createMockWSServer(t, func(_ *http.Request, conn *websocket.Conn) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "session revoked")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		time.Sleep(50 * time.Millisecond)
	})

	c, _ := newTestClient(testConfig(httpToWS(server.URL)), &recordingHandler{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := c.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session revoked")
}
