package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/Shugur-Network/inbox-relay/internal/errors"
	"github.com/Shugur-Network/inbox-relay/internal/filters"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/Shugur-Network/inbox-relay/internal/metrics"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	"github.com/Shugur-Network/inbox-relay/internal/relay/nips"
	"github.com/gorilla/websocket"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// floodStrikes is how many throttled frames in a row close the connection
const floodStrikes = 20

// MessageRouter turns a decoded frame into the handler for one connection
type MessageRouter interface {
	Dispatch(msg protocol.Message, conn domain.Connection) (domain.MessageHandler, error)
}

// LiveFeed is the receiving side of the event dispatcher
type LiveFeed interface {
	AddClient(clientID string) <-chan *nostr.Event
	RemoveClient(clientID string)
}

// connDeps are the node services a connection talks to
type connDeps struct {
	router   MessageRouter
	feed     LiveFeed
	registry domain.ConnectionManager
	settings config.Provider
}

// extractRealClientIP extracts the real client IP from request headers when behind a proxy
func extractRealClientIP(r *http.Request) string {
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return strings.TrimSpace(realIP)
	}

	// X-Forwarded-For lists the original client first
	if forwardedFor := r.Header.Get("X-Forwarded-For"); forwardedFor != "" {
		parts := strings.Split(forwardedFor, ",")
		return strings.TrimSpace(parts[0])
	}

	return normalizeIP(r.RemoteAddr)
}

// normalizeIP converts a network address to a normalized IP string
func normalizeIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	ip := net.ParseIP(host)
	if ip != nil {
		if ipv4 := ip.To4(); ipv4 != nil {
			return ipv4.String()
		}
		return ip.String()
	}

	return host
}

// generateClientID generates a unique client ID for event dispatcher
func generateClientID() string {
	bytes := make([]byte, 8)
	if _, err := rand.Read(bytes); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(bytes)
}

type subscription struct {
	filters []filters.Filter
	ctx     context.Context
	cancel  context.CancelFunc
}

// WsConnection represents a single WebSocket client connection
type WsConnection struct {
	ws           *websocket.Conn
	deps         connDeps
	clientID     string
	realClientIP string
	startTime    time.Time
	lastActivity atomic.Int64
	log          *zap.Logger

	authMu          sync.RWMutex
	challenge       string
	challengeIssued time.Time
	authPubkey      string

	subs *xsync.MapOf[string, *subscription]

	writeMu  sync.Mutex
	limiter  *rate.Limiter
	strikes  int
	isClosed atomic.Bool

	closeOnce   sync.Once
	closeReason atomic.Pointer[string]

	ctx    context.Context
	cancel context.CancelFunc
	tasks  sync.WaitGroup
}

var _ domain.ManagedConnection = (*WsConnection)(nil)

// NewWsConnection wraps an upgraded socket. Serve must be called to start
// reading.
func NewWsConnection(ctx context.Context, ws *websocket.Conn, deps connDeps, realClientIP string) *WsConnection {
	cfg := deps.settings().Relay
	connCtx, cancel := context.WithCancel(ctx)

	c := &WsConnection{
		ws:           ws,
		deps:         deps,
		clientID:     generateClientID(),
		realClientIP: realClientIP,
		startTime:    time.Now(),
		subs:         xsync.NewMapOf[string, *subscription](),
		ctx:          connCtx,
		cancel:       cancel,
	}
	c.log = logger.ForConnection(c.clientID, realClientIP)
	c.lastActivity.Store(time.Now().UnixNano())

	if cfg.Throttling.Enabled {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.Throttling.MessagesPerSecond), cfg.Throttling.Burst)
	}

	ws.SetReadLimit(cfg.MaxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.readTimeout()))
	})

	return c
}

// ClientID identifies the connection in logs, rate-limit keys and the live feed
func (c *WsConnection) ClientID() string { return c.clientID }

// RemoteAddr returns the client's real remote address (extracted from proxy headers)
func (c *WsConnection) RemoteAddr() string { return c.realClientIP }

// AuthChallenge returns the pending NIP-42 challenge
func (c *WsConnection) AuthChallenge() (string, time.Time) {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.challenge, c.challengeIssued
}

// RenewAuthChallenge issues a fresh challenge
func (c *WsConnection) RenewAuthChallenge() (string, error) {
	challenge, err := nips.GenerateAuthChallenge()
	if err != nil {
		return "", err
	}

	c.authMu.Lock()
	c.challenge = challenge
	c.challengeIssued = time.Now()
	c.authMu.Unlock()
	return challenge, nil
}

// SetAuthenticated records the pubkey proven by a successful AUTH
func (c *WsConnection) SetAuthenticated(pubkey string) {
	c.authMu.Lock()
	c.authPubkey = pubkey
	c.authMu.Unlock()
	c.log.Debug("Client authenticated", zap.String("pubkey", pubkey))
}

// AuthPubkey returns the authenticated pubkey, if any
func (c *WsConnection) AuthPubkey() (string, bool) {
	c.authMu.RLock()
	defer c.authMu.RUnlock()
	return c.authPubkey, c.authPubkey != ""
}

// Subscriptions returns a snapshot of the subscription table
func (c *WsConnection) Subscriptions() map[string][]filters.Filter {
	out := make(map[string][]filters.Filter, c.subs.Size())
	c.subs.Range(func(id string, s *subscription) bool {
		out[id] = s.filters
		return true
	})
	return out
}

// SubscriptionCount returns the number of open subscriptions
func (c *WsConnection) SubscriptionCount() int {
	return c.subs.Size()
}

// AddSubscription registers subID, cancelling the replay of any subscription
// it replaces.
func (c *WsConnection) AddSubscription(subID string, fs []filters.Filter) context.Context {
	ctx, cancel := context.WithCancel(c.ctx)
	prev, loaded := c.subs.LoadAndStore(subID, &subscription{filters: fs, ctx: ctx, cancel: cancel})
	if loaded {
		prev.cancel()
	} else {
		metrics.IncrementActiveSubscriptions()
	}
	return ctx
}

// RemoveSubscription drops subID and cancels its replay
func (c *WsConnection) RemoveSubscription(subID string) bool {
	sub, ok := c.subs.LoadAndDelete(subID)
	if !ok {
		return false
	}
	sub.cancel()
	metrics.DecrementActiveSubscriptions(1)
	return true
}

// EndSubscription drops subID only while it is still the registration whose
// context is ctx. A REQ that reused the id in the meantime is left alone.
func (c *WsConnection) EndSubscription(ctx context.Context, subID string) bool {
	var ended *subscription
	c.subs.Compute(subID, func(sub *subscription, loaded bool) (*subscription, bool) {
		if !loaded || sub.ctx != ctx {
			return sub, !loaded
		}
		ended = sub
		return sub, true
	})
	if ended == nil {
		return false
	}
	ended.cancel()
	metrics.DecrementActiveSubscriptions(1)
	return true
}

// Emit writes msg once the write lock is free. It returns after the frame
// is written, so callers are paced by the socket.
func (c *WsConnection) Emit(ctx context.Context, msg protocol.Outgoing) error {
	if c.isClosed.Load() {
		return errors.ConnectionClosed()
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return errors.InternalError("encode "+msg.Label(), err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if c.isClosed.Load() {
		return errors.ConnectionClosed()
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.deps.settings().Relay.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		wsErr := errors.WebSocketError("write", err)
		errors.Log(c.log, "Failed to write message", wsErr)
		go c.closeWith("write failed")
		return errors.ConnectionLost(wsErr)
	}

	metrics.MessagesSent.WithLabelValues(msg.Label()).Inc()
	return nil
}

// Go runs fn on a goroutine that Serve waits for before returning
func (c *WsConnection) Go(fn func()) {
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		fn()
	}()
}

// Serve sends the AUTH challenge and processes frames until the client
// disconnects or ctx ends.
func (c *WsConnection) Serve() {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Recovered from panic in message loop", zap.Any("panic", r))
		}
		c.closeWith("message handler terminated")
		c.tasks.Wait()
	}()

	if err := c.sendChallenge(); err != nil {
		c.log.Debug("Failed to send AUTH challenge", zap.Error(err))
		return
	}

	if c.deps.feed != nil {
		events := c.deps.feed.AddClient(c.clientID)
		c.Go(func() { c.processFeedEvents(events) })
	}
	c.Go(c.monitorConnection)

	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout()))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.logReadError(err)
			return
		}

		c.lastActivity.Store(time.Now().UnixNano())
		metrics.IncrementMessagesReceived()
		metrics.MessageSizeBytes.Observe(float64(len(raw)))

		if !c.allowFrame() {
			if c.strikes >= floodStrikes {
				c.closeWith("flood")
				return
			}
			_ = c.Emit(c.ctx, protocol.NewNotice("rate-limited: slow down"))
			continue
		}

		c.handleFrame(raw)
		if c.isClosed.Load() {
			return
		}
	}
}

func (c *WsConnection) sendChallenge() error {
	challenge, err := c.RenewAuthChallenge()
	if err != nil {
		return err
	}
	return c.Emit(c.ctx, protocol.NewAuthChallenge(challenge))
}

func (c *WsConnection) allowFrame() bool {
	if c.limiter == nil || c.limiter.Allow() {
		c.strikes = 0
		return true
	}
	c.strikes++
	metrics.RateLimited.WithLabelValues("frame").Inc()
	return false
}

// handleFrame decodes, routes and runs one inbound message. Handlers run
// on the read goroutine, so messages of a connection are handled in order.
func (c *WsConnection) handleFrame(raw []byte) {
	msg, err := protocol.Parse(raw)
	if err != nil {
		metrics.CommandsReceived.WithLabelValues(protocol.MessageTypeUnknown.String()).Inc()
		c.reportError(err)
		return
	}

	label := msg.Type().String()
	metrics.CommandsReceived.WithLabelValues(label).Inc()
	start := time.Now()
	defer func() {
		metrics.CommandProcessingDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	}()

	handler, err := c.deps.router.Dispatch(msg, c)
	if err != nil {
		c.reportError(err)
		return
	}
	if err := handler.HandleMessage(c.ctx, msg); err != nil {
		c.reportError(err)
	}
}

// reportError answers protocol errors with a NOTICE and logs the rest.
// A critical error ends the connection.
func (c *WsConnection) reportError(err error) {
	if errors.IsCancellation(err) || stderrors.Is(err, errors.ErrConnectionClosed) {
		return
	}

	var appErr *errors.AppError
	if stderrors.As(err, &appErr) && appErr.Type == errors.ErrorTypeProtocol {
		metrics.ErrorsCount.WithLabelValues(string(appErr.Type)).Inc()
		_ = c.Emit(c.ctx, protocol.NewNotice(noticeText(appErr)))
		return
	}

	errors.Log(c.log, "Message handling failed", err)
	if errors.SeverityOf(err) == errors.SeverityCritical {
		c.closeWith("critical error")
	}
}

// noticeText keeps messages that already carry a NIP-01 prefix and marks
// the rest as errors.
func noticeText(appErr *errors.AppError) string {
	text := appErr.ClientMessage()
	if i := strings.Index(text, ": "); i > 0 && !strings.Contains(text[:i], " ") {
		return text
	}
	return "error: " + text
}

// processFeedEvents forwards live events to every subscription they match
func (c *WsConnection) processFeedEvents(events <-chan *nostr.Event) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case evt := <-events:
			c.subs.Range(func(subID string, sub *subscription) bool {
				if !filters.MatchesAny(sub.filters, evt) {
					return true
				}
				subCtx, cancel := context.WithCancel(c.ctx)
				err := c.Emit(subCtx, protocol.NewOutgoingEvent(subID, evt))
				cancel()
				if err != nil {
					return false
				}
				c.log.Debug("Sent live event",
					zap.String("sub_id", subID),
					zap.String("event_id", evt.ID))
				return true
			})
		}
	}
}

// monitorConnection pings the client and enforces the idle timeout
func (c *WsConnection) monitorConnection() {
	cfg := c.deps.settings().Relay
	ticker := time.NewTicker(cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, c.lastActivity.Load()))
			if idle > c.deps.settings().Relay.IdleTimeout {
				c.closeWith("idle timeout")
				return
			}

			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(c.deps.settings().Relay.WriteTimeout))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug("Failed to send ping, closing connection", zap.Error(err))
				c.closeWith("ping failed")
				return
			}
		}
	}
}

// readTimeout allows two missed pongs before the read fails
func (c *WsConnection) readTimeout() time.Duration {
	cfg := c.deps.settings().Relay
	return cfg.IdleTimeout + 2*cfg.PingInterval
}

func (c *WsConnection) logReadError(err error) {
	if c.isClosed.Load() {
		return
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.setCloseReason("client closed connection")
		return
	}
	c.setCloseReason("read error")
	errors.Log(c.log, "WS read error, disconnecting client", errors.WebSocketError("read", err))
}

func (c *WsConnection) setCloseReason(reason string) {
	c.closeReason.CompareAndSwap(nil, &reason)
}

// Close shuts the connection down with a normal closure frame
func (c *WsConnection) Close() {
	c.closeWith("server shutdown")
}

func (c *WsConnection) closeWith(reason string) {
	c.setCloseReason(reason)
	c.closeOnce.Do(func() {
		c.isClosed.Store(true)
		c.cancel()

		if c.deps.feed != nil {
			c.deps.feed.RemoveClient(c.clientID)
		}

		removed := 0
		c.subs.Range(func(id string, sub *subscription) bool {
			sub.cancel()
			c.subs.Delete(id)
			removed++
			return true
		})
		metrics.DecrementActiveSubscriptions(removed)

		finalReason := *c.closeReason.Load()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, finalReason)
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()

		if c.deps.registry != nil {
			c.deps.registry.UnregisterConn(c)
		}

		c.log.Debug("WebSocket connection closed",
			zap.String("reason", finalReason),
			zap.Duration("connection_duration", time.Since(c.startTime)))
	})
}
