package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"elitebot/internal/broadcast"
	"elitebot/internal/storage"
	"elitebot/internal/telegram"
	logx "elitebot/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	sent  []string
	chats []int64
}

func (c *captureSender) SendText(_ context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = append(c.chats, chatID)
	c.sent = append(c.sent, text)
	return nil
}

func (c *captureSender) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return c.sent[len(c.sent)-1]
}

type memUserStore struct {
	mu    sync.Mutex
	users map[int64]storage.User
}

func newMemUserStore() *memUserStore {
	return &memUserStore{users: map[int64]storage.User{}}
}

func (m *memUserStore) UpsertUser(_ context.Context, u storage.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.TelegramID] = u
	return nil
}

func (m *memUserStore) ListUserIDs(context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memUserStore) UserByTelegramID(_ context.Context, id int64) (*storage.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &u, nil
}

type stubOrderLister struct {
	orders []storage.Order
}

func (s *stubOrderLister) OrdersForRecipient(context.Context, int64) ([]storage.Order, error) {
	return s.orders, nil
}

type openLimiter struct {
	denied bool
}

func (l *openLimiter) AllowUser(context.Context, int64, string, int, time.Duration) (bool, error) {
	return !l.denied, nil
}

type memBans struct {
	mu     sync.Mutex
	banned map[int64]string
}

func (m *memBans) IsBanned(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.banned[id]
	return ok, nil
}

func (m *memBans) BanUser(_ context.Context, id int64, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.banned == nil {
		m.banned = map[int64]string{}
	}
	m.banned[id] = reason
	return nil
}

func (m *memBans) UnbanUser(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.banned[id]
	delete(m.banned, id)
	return ok, nil
}

type stubStats struct {
	users, bans, orders, paid int64
}

func (s *stubStats) CountUsers(context.Context) (int64, error) { return s.users, nil }
func (s *stubStats) CountBans(context.Context) (int64, error)  { return s.bans, nil }
func (s *stubStats) CountOrders(_ context.Context, status storage.OrderStatus) (int64, error) {
	if status == storage.OrderPaid {
		return s.paid, nil
	}
	return s.orders, nil
}

func newTestRouter(cfg Config, sender *captureSender, users *memUserStore, orders *stubOrderLister, bans *memBans, stats *stubStats, limiter AdmissionControl) *Router {
	if sender == nil {
		sender = &captureSender{}
	}
	if users == nil {
		users = newMemUserStore()
	}
	if orders == nil {
		orders = &stubOrderLister{}
	}
	if bans == nil {
		bans = &memBans{}
	}
	if stats == nil {
		stats = &stubStats{}
	}
	if limiter == nil {
		limiter = &openLimiter{}
	}
	engine := broadcast.New(broadcast.Config{RatePerSec: 100000}, limiter, users, sender, nil, logx.Nop())
	return NewRouter(cfg, sender, users, orders, bans, stats, engine, limiter, logx.Nop())
}

func update(fromID int64, text string) telegram.Update {
	return telegram.Update{ChatID: fromID, FromID: fromID, FromFirst: "Test", Text: text}
}

func TestHandleStart(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	users := newMemUserStore()
	r := newTestRouter(Config{}, sender, users, nil, nil, nil, nil)

	r.handle(context.Background(), update(7, "/start"))

	if got := sender.last(); !strings.Contains(got, "Welcome, Test!") {
		t.Fatalf("reply = %q, want welcome", got)
	}
	if _, err := users.UserByTelegramID(context.Background(), 7); err != nil {
		t.Fatalf("user not registered: %v", err)
	}
}

func TestHandleRegistersEveryMessage(t *testing.T) {
	t.Parallel()
	users := newMemUserStore()
	r := newTestRouter(Config{OwnerUserIDs: []int64{7}}, nil, users, nil, nil, nil, nil)

	// Any text, not just commands, refreshes the registry.
	r.handle(context.Background(), update(7, "hello there"))

	u, err := users.UserByTelegramID(context.Background(), 7)
	if err != nil {
		t.Fatalf("user not registered: %v", err)
	}
	if !u.IsAdmin {
		t.Fatal("owner should be flagged admin on upsert")
	}
}

func TestHandleRateLimited(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	users := newMemUserStore()
	r := newTestRouter(Config{}, sender, users, nil, nil, nil, &openLimiter{denied: true})

	r.handle(context.Background(), update(7, "/start"))

	if got := sender.last(); !strings.Contains(got, "Slow down") {
		t.Fatalf("reply = %q, want throttle notice", got)
	}
	if _, err := users.UserByTelegramID(context.Background(), 7); err == nil {
		t.Fatal("throttled message must not reach the registry")
	}
}

func TestHandleOrders(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	orders := &stubOrderLister{orders: []storage.Order{
		{SKU: "premium", Status: storage.OrderPaid, CreatedAt: time.Now()},
	}}
	r := newTestRouter(Config{}, sender, nil, orders, nil, nil, nil)

	r.handle(context.Background(), update(7, "/orders"))
	if got := sender.last(); !strings.Contains(got, "premium") || !strings.Contains(got, "paid") {
		t.Fatalf("reply = %q, want order listing", got)
	}

	orders.orders = nil
	r.handle(context.Background(), update(7, "/orders"))
	if got := sender.last(); !strings.Contains(got, "no orders") {
		t.Fatalf("reply = %q, want empty notice", got)
	}
}

func TestHandleBroadcastOwnerOnly(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, nil, nil, nil, nil, nil)

	r.handle(context.Background(), update(2, "/broadcast hi"))
	if got := sender.last(); got != "Not authorized." {
		t.Fatalf("reply = %q, want authorization refusal", got)
	}
}

func TestHandleBroadcastUsage(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, nil, nil, nil, nil, nil)

	r.handle(context.Background(), update(1, "/broadcast"))
	if got := sender.last(); !strings.Contains(got, "Usage:") {
		t.Fatalf("reply = %q, want usage hint", got)
	}
}

func TestHandleBroadcastFansOut(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	users := newMemUserStore()
	for _, id := range []int64{1, 10, 11} {
		_ = users.UpsertUser(context.Background(), storage.User{TelegramID: id})
	}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, users, nil, nil, nil, nil)

	r.handle(context.Background(), update(1, "/broadcast hello everyone"))

	last := sender.last()
	if !strings.Contains(last, "Sent: 3") {
		t.Fatalf("summary reply = %q, want Sent: 3", last)
	}
	// 3 fan-out sends plus the progress and summary replies.
	sender.mu.Lock()
	total := len(sender.sent)
	sender.mu.Unlock()
	if total != 5 {
		t.Fatalf("sends = %d, want 5", total)
	}
}

func TestHandleDropsBannedUsers(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	users := newMemUserStore()
	bans := &memBans{banned: map[int64]string{7: "spam"}}
	r := newTestRouter(Config{}, sender, users, nil, bans, nil, nil)

	r.handle(context.Background(), update(7, "/start"))

	if got := sender.last(); got != "" {
		t.Fatalf("banned user got a reply: %q", got)
	}
	if _, err := users.UserByTelegramID(context.Background(), 7); err == nil {
		t.Fatal("banned user's message must not refresh the registry")
	}
}

func TestHandleOwnerExemptFromBan(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	bans := &memBans{banned: map[int64]string{1: "oops"}}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, nil, nil, bans, nil, nil)

	r.handle(context.Background(), update(1, "/start"))
	if got := sender.last(); !strings.Contains(got, "Welcome") {
		t.Fatalf("reply = %q, want owner to be handled despite a ban row", got)
	}
}

func TestHandleBanCommand(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	bans := &memBans{}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, nil, nil, bans, nil, nil)
	ctx := context.Background()

	r.handle(ctx, update(2, "/ban 99"))
	if got := sender.last(); got != "Not authorized." {
		t.Fatalf("non-owner reply = %q", got)
	}

	r.handle(ctx, update(1, "/ban"))
	if got := sender.last(); !strings.Contains(got, "Usage:") {
		t.Fatalf("missing-arg reply = %q", got)
	}
	r.handle(ctx, update(1, "/ban notanumber"))
	if got := sender.last(); !strings.Contains(got, "Usage:") {
		t.Fatalf("bad-arg reply = %q", got)
	}

	r.handle(ctx, update(1, "/ban 1"))
	if got := sender.last(); !strings.Contains(got, "cannot be banned") {
		t.Fatalf("self-ban reply = %q", got)
	}

	r.handle(ctx, update(1, "/ban 99 spamming the chat"))
	if got := sender.last(); !strings.Contains(got, "User 99 banned") {
		t.Fatalf("ban reply = %q", got)
	}
	bans.mu.Lock()
	reason := bans.banned[99]
	bans.mu.Unlock()
	if reason != "spamming the chat" {
		t.Fatalf("stored reason = %q", reason)
	}
}

func TestHandleUnbanCommand(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	bans := &memBans{banned: map[int64]string{99: "spam"}}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, nil, nil, bans, nil, nil)
	ctx := context.Background()

	r.handle(ctx, update(1, "/unban 99"))
	if got := sender.last(); !strings.Contains(got, "User 99 unbanned") {
		t.Fatalf("unban reply = %q", got)
	}
	r.handle(ctx, update(1, "/unban 99"))
	if got := sender.last(); !strings.Contains(got, "was not banned") {
		t.Fatalf("second unban reply = %q", got)
	}
}

func TestHandleStatsCommand(t *testing.T) {
	t.Parallel()
	sender := &captureSender{}
	stats := &stubStats{users: 10, bans: 2, orders: 5, paid: 3}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, nil, nil, nil, stats, nil)
	ctx := context.Background()

	r.handle(ctx, update(2, "/stats"))
	if got := sender.last(); got != "Not authorized." {
		t.Fatalf("non-owner reply = %q", got)
	}

	r.handle(ctx, update(1, "/stats"))
	got := sender.last()
	for _, want := range []string{"Users: 10", "Banned: 2", "Orders: 5", "paid 3"} {
		if !strings.Contains(got, want) {
			t.Fatalf("stats reply = %q, want %q", got, want)
		}
	}
}

// scopeDeadlineLimiter records, per admission scope, whether the context it
// was consulted with carried a deadline.
type scopeDeadlineLimiter struct {
	mu        sync.Mutex
	deadlines map[string]bool
}

func (l *scopeDeadlineLimiter) AllowUser(ctx context.Context, _ int64, scope string, _ int, _ time.Duration) (bool, error) {
	_, has := ctx.Deadline()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deadlines == nil {
		l.deadlines = map[string]bool{}
	}
	l.deadlines[scope] = has
	return true, nil
}

func TestHandleBroadcastNotBoundByCommandDeadline(t *testing.T) {
	t.Parallel()
	limiter := &scopeDeadlineLimiter{}
	sender := &captureSender{}
	users := newMemUserStore()
	for _, id := range []int64{1, 2} {
		_ = users.UpsertUser(context.Background(), storage.User{TelegramID: id})
	}
	r := newTestRouter(Config{OwnerUserIDs: []int64{1}}, sender, users, nil, nil, nil, limiter)

	r.handle(context.Background(), update(1, "/broadcast hi"))

	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if !limiter.deadlines[messagesScope] {
		t.Fatal("command admission should run under the per-command deadline")
	}
	if limiter.deadlines["broadcast"] {
		t.Fatal("fan-out admission must not inherit the per-command deadline")
	}
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		cmd  string
		args string
	}{
		{"/start", "/start", ""},
		{"/BROADCAST hello", "/broadcast", "hello"},
		{"/broadcast@mybot  hello  world", "/broadcast", "hello  world"},
		{"/help@MyBot", "/help", ""},
		{"plain text", "", "plain text"},
		{"  /orders  ", "/orders", ""},
		{"/broadcast\nmultiline body", "/broadcast", "multiline body"},
	}
	for _, tt := range tests {
		cmd, args := splitCommand(tt.in)
		if cmd != tt.cmd || args != tt.args {
			t.Fatalf("splitCommand(%q) = (%q, %q), want (%q, %q)", tt.in, cmd, args, tt.cmd, tt.args)
		}
	}
}
