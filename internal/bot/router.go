// Package bot routes incoming Telegram commands. The command surface is
// deliberately small: user registration, order history and the owner-only
// broadcast trigger.
package bot

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"elitebot/internal/broadcast"
	"elitebot/internal/storage"
	"elitebot/internal/telegram"
	logx "elitebot/pkg/logx"
)

const (
	messagesScope    = "messages"
	broadcastTextMax = 4000
	handleTimeout    = 30 * time.Second
)

type Config struct {
	OwnerUserIDs   []int64
	MessagesLimit  int           // default 20
	MessagesWindow time.Duration // default 30s
}

// UserStore is the registry slice the router needs.
type UserStore interface {
	UpsertUser(ctx context.Context, u storage.User) error
	ListUserIDs(ctx context.Context) ([]int64, error)
}

// OrderLister answers the /orders command.
type OrderLister interface {
	OrdersForRecipient(ctx context.Context, recipientID int64) ([]storage.Order, error)
}

// Sender replies to the chatting user.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// AdmissionControl gates inbound commands per user.
type AdmissionControl interface {
	AllowUser(ctx context.Context, userID int64, scope string, limit int, window time.Duration) (bool, error)
}

// BanStore backs ban enforcement and the owner ban commands.
type BanStore interface {
	IsBanned(ctx context.Context, telegramID int64) (bool, error)
	BanUser(ctx context.Context, telegramID int64, reason string) error
	UnbanUser(ctx context.Context, telegramID int64) (bool, error)
}

// StatsSource answers the /stats command.
type StatsSource interface {
	CountUsers(ctx context.Context) (int64, error)
	CountBans(ctx context.Context) (int64, error)
	CountOrders(ctx context.Context, status storage.OrderStatus) (int64, error)
}

type Router struct {
	mu  sync.Mutex
	cfg Config

	sender  Sender
	users   UserStore
	orders  OrderLister
	bans    BanStore
	stats   StatsSource
	engine  *broadcast.Engine
	limiter AdmissionControl
	log     logx.Logger

	wg sync.WaitGroup
}

func NewRouter(cfg Config, sender Sender, users UserStore, orders OrderLister, bans BanStore, stats StatsSource, engine *broadcast.Engine, limiter AdmissionControl, log logx.Logger) *Router {
	if cfg.MessagesLimit <= 0 {
		cfg.MessagesLimit = 20
	}
	if cfg.MessagesWindow <= 0 {
		cfg.MessagesWindow = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:     cfg,
		sender:  sender,
		users:   users,
		orders:  orders,
		bans:    bans,
		stats:   stats,
		engine:  engine,
		limiter: limiter,
		log:     log,
	}
}

// Apply swaps router limits at runtime (config hot-reload).
func (r *Router) Apply(cfg Config) {
	if cfg.MessagesLimit <= 0 {
		cfg.MessagesLimit = 20
	}
	if cfg.MessagesWindow <= 0 {
		cfg.MessagesWindow = 30 * time.Second
	}
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()
}

func (r *Router) config() Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

// Run consumes updates until ctx is done. Each update is handled in its own
// goroutine so one slow command does not stall the stream.
func (r *Router) Run(ctx context.Context, updates <-chan telegram.Update) {
	for {
		select {
		case <-ctx.Done():
			r.wg.Wait()
			return
		case up, ok := <-updates:
			if !ok {
				r.wg.Wait()
				return
			}
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				defer func() {
					if rec := recover(); rec != nil {
						r.log.Error("panic in command handler",
							logx.Int64("from", up.FromID),
							logx.Any("panic", rec),
							logx.Stack(string(debug.Stack())))
					}
				}()
				r.handle(ctx, up)
			}()
		}
	}
}

func (r *Router) handle(ctx context.Context, up telegram.Update) {
	cfg := r.config()

	hctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()

	allowed, err := r.limiter.AllowUser(hctx, up.FromID, messagesScope, cfg.MessagesLimit, cfg.MessagesWindow)
	if err != nil {
		// Admission backend trouble: let the message through rather than
		// locking every user out.
		r.log.Warn("message admission check failed", logx.Int64("from", up.FromID), logx.Err(err))
	} else if !allowed {
		r.reply(hctx, up.ChatID, "Slow down — you are sending messages too quickly.")
		return
	}

	isOwner := slices.Contains(cfg.OwnerUserIDs, up.FromID)

	// Banned users are dropped silently, middleware-style. Owners are exempt
	// so a stray /ban cannot lock the operator out.
	if !isOwner && r.bans != nil {
		banned, err := r.bans.IsBanned(hctx, up.FromID)
		if err != nil {
			r.log.Warn("ban check failed", logx.Int64("from", up.FromID), logx.Err(err))
		} else if banned {
			return
		}
	}

	// Every message keeps the registry fresh (middleware behavior).
	if err := r.users.UpsertUser(hctx, storage.User{
		TelegramID:   up.FromID,
		Username:     up.FromUsername,
		FirstName:    up.FromFirst,
		LastName:     up.FromLast,
		LanguageCode: up.LanguageCode,
		IsAdmin:      isOwner,
	}); err != nil {
		r.log.Warn("user upsert failed", logx.Int64("from", up.FromID), logx.Err(err))
	}

	cmd, args := splitCommand(up.Text)
	switch cmd {
	case "/start":
		name := up.FromFirst
		if name == "" {
			name = up.FromUsername
		}
		if name == "" {
			name = "friend"
		}
		r.reply(hctx, up.ChatID, fmt.Sprintf("Welcome, %s!\n\nUse /help to explore available commands.", name))
	case "/help":
		r.reply(hctx, up.ChatID,
			"/start — restart bot\n"+
				"/help — command list\n"+
				"/orders — order history\n"+
				"/broadcast <msg> — send announcement (owner)\n"+
				"/ban <user_id> [reason] — ban user (owner)\n"+
				"/unban <user_id> — lift ban (owner)\n"+
				"/stats — usage stats (owner)")
	case "/orders":
		r.handleOrders(hctx, up)
	case "/ban":
		r.handleBan(hctx, up, args)
	case "/unban":
		r.handleUnban(hctx, up, args)
	case "/stats":
		r.handleStats(hctx, up)
	case "/broadcast":
		r.handleBroadcast(ctx, hctx, up, args)
	}
}

func (r *Router) handleOrders(ctx context.Context, up telegram.Update) {
	orders, err := r.orders.OrdersForRecipient(ctx, up.FromID)
	if err != nil {
		r.log.Warn("order listing failed", logx.Int64("from", up.FromID), logx.Err(err))
		r.reply(ctx, up.ChatID, "Could not load your orders, try again later.")
		return
	}
	if len(orders) == 0 {
		r.reply(ctx, up.ChatID, "You have no orders yet.")
		return
	}
	var b strings.Builder
	b.WriteString("Your orders:\n")
	for _, o := range orders {
		fmt.Fprintf(&b, "• %s — %s (%s)\n", o.SKU, o.Status, o.CreatedAt.Format("2006-01-02"))
	}
	r.reply(ctx, up.ChatID, b.String())
}

func (r *Router) handleBan(ctx context.Context, up telegram.Update, args string) {
	if !slices.Contains(r.config().OwnerUserIDs, up.FromID) {
		r.reply(ctx, up.ChatID, "Not authorized.")
		return
	}
	id, reason, err := parseUserArg(args)
	if err != nil {
		r.reply(ctx, up.ChatID, "Usage: /ban <user_id> [reason]")
		return
	}
	if slices.Contains(r.config().OwnerUserIDs, id) {
		r.reply(ctx, up.ChatID, "Owners cannot be banned.")
		return
	}
	if err := r.bans.BanUser(ctx, id, reason); err != nil {
		r.log.Warn("ban failed", logx.Int64("target", id), logx.Err(err))
		r.reply(ctx, up.ChatID, "Could not ban user, try again later.")
		return
	}
	r.log.Info("user banned", logx.Int64("target", id), logx.Int64("by", up.FromID))
	r.reply(ctx, up.ChatID, fmt.Sprintf("User %d banned.", id))
}

func (r *Router) handleUnban(ctx context.Context, up telegram.Update, args string) {
	if !slices.Contains(r.config().OwnerUserIDs, up.FromID) {
		r.reply(ctx, up.ChatID, "Not authorized.")
		return
	}
	id, _, err := parseUserArg(args)
	if err != nil {
		r.reply(ctx, up.ChatID, "Usage: /unban <user_id>")
		return
	}
	changed, err := r.bans.UnbanUser(ctx, id)
	if err != nil {
		r.log.Warn("unban failed", logx.Int64("target", id), logx.Err(err))
		r.reply(ctx, up.ChatID, "Could not unban user, try again later.")
		return
	}
	if !changed {
		r.reply(ctx, up.ChatID, fmt.Sprintf("User %d was not banned.", id))
		return
	}
	r.log.Info("user unbanned", logx.Int64("target", id), logx.Int64("by", up.FromID))
	r.reply(ctx, up.ChatID, fmt.Sprintf("User %d unbanned.", id))
}

func (r *Router) handleStats(ctx context.Context, up telegram.Update) {
	if !slices.Contains(r.config().OwnerUserIDs, up.FromID) {
		r.reply(ctx, up.ChatID, "Not authorized.")
		return
	}
	users, uErr := r.stats.CountUsers(ctx)
	banned, bErr := r.stats.CountBans(ctx)
	total, tErr := r.stats.CountOrders(ctx, "")
	paid, pErr := r.stats.CountOrders(ctx, storage.OrderPaid)
	if err := errors.Join(uErr, bErr, tErr, pErr); err != nil {
		r.log.Warn("stats query failed", logx.Err(err))
		r.reply(ctx, up.ChatID, "Could not load stats, try again later.")
		return
	}
	r.reply(ctx, up.ChatID, fmt.Sprintf(
		"Users: %d\nBanned: %d\nOrders: %d (paid %d)", users, banned, total, paid))
}

// handleBroadcast gets two contexts: hctx bounds the surrounding replies like
// any other command, while the fan-out itself runs on the router's lifetime
// ctx — a large recipient list under the outbound rps cap legitimately takes
// longer than one command is allowed to.
func (r *Router) handleBroadcast(ctx, hctx context.Context, up telegram.Update, args string) {
	if !slices.Contains(r.config().OwnerUserIDs, up.FromID) {
		r.reply(hctx, up.ChatID, "Not authorized.")
		return
	}
	text := strings.TrimSpace(args)
	if text == "" {
		r.reply(hctx, up.ChatID, "Usage: /broadcast <message>")
		return
	}
	if len(text) > broadcastTextMax {
		r.reply(hctx, up.ChatID, fmt.Sprintf("Message too long (max %d chars).", broadcastTextMax))
		return
	}

	ids, err := r.users.ListUserIDs(hctx)
	if err != nil {
		r.log.Error("listing broadcast recipients failed", logx.Err(err))
		r.reply(hctx, up.ChatID, "Could not load recipients, broadcast aborted.")
		return
	}

	r.reply(hctx, up.ChatID, fmt.Sprintf("Broadcasting to %d recipients…", len(ids)))

	summary := r.engine.Send(ctx, broadcast.Job{Recipients: ids, Text: text})

	// hctx may have expired while the job ran; the summary reply gets its own
	// deadline.
	sctx, cancel := context.WithTimeout(ctx, handleTimeout)
	defer cancel()
	r.reply(sctx, up.ChatID, fmt.Sprintf(
		"Broadcast complete.\nSent: %d\nFailed: %d\nSkipped: %d",
		summary.Sent, summary.Failed, summary.Skipped))
}

func (r *Router) reply(ctx context.Context, chatID int64, text string) {
	if err := r.sender.SendText(ctx, chatID, text); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}

// parseUserArg reads a target user id from command arguments; anything after
// the id is returned as free text (e.g. a ban reason).
func parseUserArg(args string) (int64, string, error) {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return 0, "", errors.New("missing user id")
	}
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil || id == 0 {
		return 0, "", errors.New("invalid user id")
	}
	return id, strings.Join(fields[1:], " "), nil
}

// splitCommand separates "/cmd@botname rest of text" into the command and its
// argument remainder.
func splitCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd = text
	if i := strings.IndexAny(text, " \t\n"); i >= 0 {
		cmd, args = text[:i], strings.TrimSpace(text[i:])
	}
	if i := strings.IndexByte(cmd, '@'); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), args
}
