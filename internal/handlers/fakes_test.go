package handlers

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/domain"
	"github.com/Shugur-Network/inbox-relay/internal/filters"
	"github.com/Shugur-Network/inbox-relay/internal/limiter"
	"github.com/Shugur-Network/inbox-relay/internal/protocol"
	"github.com/Shugur-Network/inbox-relay/internal/stream"
	nostr "github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

/* ------------------------------------------------------------------ *
|  Connection                                                         |
* -------------------------------------------------------------------*/

type emitted struct {
	msg    protocol.Outgoing
	authed bool
}

type fakeConn struct {
	id        string
	mu        sync.Mutex
	challenge string
	issuedAt  time.Time
	renewals  int
	pubkey    string
	authed    bool
	subs      map[string][]filters.Filter
	cancels   map[string]context.CancelFunc
	ctxs      map[string]context.Context
	sent      []emitted
	emitErr   error
	onEmit    func(protocol.Outgoing)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newFakeConn() *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &fakeConn{
		id:        "client-1",
		challenge: "challenge-1",
		issuedAt:  time.Now(),
		subs:      map[string][]filters.Filter{},
		cancels:   map[string]context.CancelFunc{},
		ctxs:      map[string]context.Context{},
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *fakeConn) ClientID() string   { return c.id }
func (c *fakeConn) RemoteAddr() string { return "127.0.0.1" }

func (c *fakeConn) AuthChallenge() (string, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.challenge, c.issuedAt
}

func (c *fakeConn) RenewAuthChallenge() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.renewals++
	c.challenge = "challenge-renewed"
	c.issuedAt = time.Now()
	return c.challenge, nil
}

func (c *fakeConn) SetAuthenticated(pubkey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubkey, c.authed = pubkey, true
}

func (c *fakeConn) AuthPubkey() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pubkey, c.authed
}

func (c *fakeConn) Subscriptions() map[string][]filters.Filter {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]filters.Filter, len(c.subs))
	for id, fs := range c.subs {
		out[id] = fs
	}
	return out
}

func (c *fakeConn) SubscriptionCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeConn) AddSubscription(subID string, fs []filters.Filter) context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cancel, ok := c.cancels[subID]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(c.ctx)
	c.subs[subID] = fs
	c.cancels[subID] = cancel
	c.ctxs[subID] = ctx
	return ctx
}

func (c *fakeConn) RemoveSubscription(subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(subID)
}

func (c *fakeConn) EndSubscription(ctx context.Context, subID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctxs[subID] != ctx {
		return false
	}
	return c.removeLocked(subID)
}

func (c *fakeConn) removeLocked(subID string) bool {
	cancel, ok := c.cancels[subID]
	if ok {
		cancel()
		delete(c.cancels, subID)
		delete(c.ctxs, subID)
		delete(c.subs, subID)
	}
	return ok
}

func (c *fakeConn) Emit(ctx context.Context, msg protocol.Outgoing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.emitErr != nil {
		c.mu.Unlock()
		return c.emitErr
	}
	c.sent = append(c.sent, emitted{msg: msg, authed: c.authed})
	hook := c.onEmit
	c.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return nil
}

func (c *fakeConn) Go(fn func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

// wait blocks until every goroutine started with Go has returned.
func (c *fakeConn) wait() { c.wg.Wait() }

func (c *fakeConn) close() {
	c.cancel()
	c.wait()
}

func (c *fakeConn) messages() []protocol.Outgoing {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Outgoing, len(c.sent))
	for i, e := range c.sent {
		out[i] = e.msg
	}
	return out
}

func (c *fakeConn) results() []protocol.CommandResult {
	var out []protocol.CommandResult
	for _, m := range c.messages() {
		if r, ok := m.(protocol.CommandResult); ok {
			out = append(out, r)
		}
	}
	return out
}

func (c *fakeConn) notices() []string {
	var out []string
	for _, m := range c.messages() {
		if n, ok := m.(protocol.Notice); ok {
			out = append(out, n.Message)
		}
	}
	return out
}

func (c *fakeConn) lastResult(t *testing.T) protocol.CommandResult {
	t.Helper()
	rs := c.results()
	require.NotEmpty(t, rs, "no OK sent")
	return rs[len(rs)-1]
}

/* ------------------------------------------------------------------ *
|  Repositories                                                       |
* -------------------------------------------------------------------*/

type fakeEvents struct {
	mu        sync.Mutex
	stored    map[string]*nostr.Event
	delegator map[string]string
	upserts   int
	deleted   []string
	replay    []domain.StoredEvent
	findCalls int
	findErr   error
	saveErr   error
	cursor    func() domain.EventCursor
}

func newFakeEvents(replay ...domain.StoredEvent) *fakeEvents {
	return &fakeEvents{
		stored:    map[string]*nostr.Event{},
		delegator: map[string]string{},
		replay:    replay,
	}
}

func (r *fakeEvents) FindByFilters(ctx context.Context, _ []filters.Filter) (domain.EventCursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++
	if r.findErr != nil {
		return nil, r.findErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.cursor != nil {
		return r.cursor(), nil
	}
	return stream.FromSlice(r.replay), nil
}

func (r *fakeEvents) Create(_ context.Context, evt *nostr.Event, delegator string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return false, r.saveErr
	}
	if _, ok := r.stored[evt.ID]; ok {
		return false, nil
	}
	r.stored[evt.ID] = evt
	r.delegator[evt.ID] = delegator
	return true, nil
}

func (r *fakeEvents) Upsert(ctx context.Context, evt *nostr.Event, delegator string) (bool, error) {
	r.mu.Lock()
	r.upserts++
	r.mu.Unlock()
	return r.Create(ctx, evt, delegator)
}

func (r *fakeEvents) DeleteByAuthor(_ context.Context, _ string, ids []string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids...)
	return int64(len(ids)), nil
}

func (r *fakeEvents) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findCalls
}

type domainUser = domain.User

type fakeUsers struct {
	users map[string]*domain.User
	err   error
}

func (u fakeUsers) FindByPubkey(_ context.Context, pubkey string) (*domain.User, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.users[pubkey], nil
}

func admitted(pubkeys ...string) fakeUsers {
	users := map[string]*domain.User{}
	for _, pk := range pubkeys {
		users[pk] = &domain.User{Pubkey: pk, IsAdmitted: true}
	}
	return fakeUsers{users: users}
}

type fakeCache struct {
	keys map[string]bool
	err  error
	seen []string
}

func (c *fakeCache) HasKey(_ context.Context, key string) (bool, error) {
	c.seen = append(c.seen, key)
	return c.keys[key], c.err
}

type recordingFeed struct {
	mu     sync.Mutex
	events []*nostr.Event
}

func (f *recordingFeed) Publish(evt *nostr.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
}

/* ------------------------------------------------------------------ *
|  Cursors                                                            |
* -------------------------------------------------------------------*/

// gatedCursor yields its values one per signal on gate and records Close.
type gatedCursor struct {
	values []domain.StoredEvent
	gate   chan struct{}
	pos    int
	err    error
	mu     sync.Mutex
	closed bool
}

func (c *gatedCursor) Next(ctx context.Context) bool {
	if c.pos >= len(c.values) {
		return false
	}
	select {
	case <-c.gate:
	case <-ctx.Done():
		c.err = ctx.Err()
		return false
	}
	c.pos++
	return true
}

func (c *gatedCursor) Value() domain.StoredEvent { return c.values[c.pos-1] }
func (c *gatedCursor) Err() error                { return c.err }

func (c *gatedCursor) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *gatedCursor) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// stalledCursor blocks until gate closes and then fails with err, whatever
// happened to the caller's context in the meantime.
type stalledCursor struct {
	gate chan struct{}
	err  error
}

func (c *stalledCursor) Next(context.Context) bool {
	<-c.gate
	return false
}

func (c *stalledCursor) Value() domain.StoredEvent { return domain.StoredEvent{} }
func (c *stalledCursor) Err() error                { return c.err }
func (c *stalledCursor) Close() error              { return nil }

// failingCursor yields values and then fails with err.
type failingCursor struct {
	domain.EventCursor
	err  error
	done bool
}

func (c *failingCursor) Next(ctx context.Context) bool {
	if c.EventCursor.Next(ctx) {
		return true
	}
	c.done = true
	return false
}

func (c *failingCursor) Err() error {
	if c.done {
		return c.err
	}
	return nil
}

/* ------------------------------------------------------------------ *
|  Settings & events                                                  |
* -------------------------------------------------------------------*/

func testConfig() *config.Config {
	return &config.Config{
		Limits: config.LimitsConfig{
			Subscription: config.SubscriptionLimits{
				MaxSubscriptions:        10,
				MaxFilters:              10,
				MaxSubscriptionIDLength: 64,
			},
			Event: config.EventLimits{
				MaxContentLength:  1024,
				MaxCreatedAtDrift: 15 * time.Minute,
			},
		},
		Auth: config.AuthConfig{Source: config.AuthSourceRepository},
	}
}

type fixture struct {
	conn   *fakeConn
	events *fakeEvents
	feed   *recordingFeed
	cfg    *config.Config
	router *Router
	now    time.Time
}

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		conn:   newFakeConn(),
		events: newFakeEvents(),
		feed:   &recordingFeed{},
		cfg:    testConfig(),
		now:    time.Now(),
	}
	deps := Deps{
		Events:   f.events,
		Users:    admitted(),
		Limiter:  limiter.NewSlidingWindowFactory(),
		Settings: func() *config.Config { return f.cfg },
		Feed:     f.feed,
		Now:      func() time.Time { return f.now },
		Logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(&deps)
	}
	f.router = NewRouter(deps)
	t.Cleanup(f.conn.close)
	return f
}

func (f *fixture) handle(t *testing.T, msg protocol.Message) error {
	t.Helper()
	h, err := f.router.Dispatch(msg, f.conn)
	require.NoError(t, err)
	return h.HandleMessage(context.Background(), msg)
}

// reconnect swaps in a fresh connection from the same address, as a client
// that dropped and dialled again would get.
func (f *fixture) reconnect(t *testing.T) {
	t.Helper()
	prev := f.conn
	f.conn = newFakeConn()
	f.conn.id = prev.id + "-reconnected"
	t.Cleanup(f.conn.close)
}

type keypair struct {
	sk string
	pk string
}

func newKeypair(t *testing.T) keypair {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	return keypair{sk: sk, pk: pk}
}

func (k keypair) sign(t *testing.T, evt nostr.Event) *nostr.Event {
	t.Helper()
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if evt.Tags == nil {
		evt.Tags = nostr.Tags{}
	}
	require.NoError(t, evt.Sign(k.sk))
	return &evt
}

var errBoom = errors.New("boom")
