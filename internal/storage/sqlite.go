package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "elitebot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the sqlite-backed persistence used by the bot. A single *sql.DB
// with one open connection keeps sqlite's writer model honest.
type Store struct {
	db  *sql.DB
	log logx.Logger
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- users ----

// UpsertUser inserts the user or refreshes the mutable profile fields.
// IsAdmin is only ever set explicitly, never cleared by a profile refresh.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(telegram_id, username, first_name, last_name, language_code, is_admin, created_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   username=excluded.username,
		   first_name=excluded.first_name,
		   last_name=excluded.last_name,
		   language_code=excluded.language_code`,
		u.TelegramID, nullStr(u.Username), nullStr(u.FirstName), nullStr(u.LastName),
		nullStr(u.LanguageCode), boolInt(u.IsAdmin), u.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) UserByTelegramID(ctx context.Context, telegramID int64) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT telegram_id, username, first_name, last_name, language_code, is_admin, created_at
		 FROM users WHERE telegram_id = ?`, telegramID)

	var (
		u                     User
		username, first, last sql.NullString
		lang, created         sql.NullString
		admin                 int
	)
	err := row.Scan(&u.TelegramID, &username, &first, &last, &lang, &admin, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Username = username.String
	u.FirstName = first.String
	u.LastName = last.String
	u.LanguageCode = lang.String
	u.IsAdmin = admin != 0
	u.CreatedAt = parseTime(created.String)
	return &u, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT telegram_id FROM users ORDER BY telegram_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ---- bans ----

// BanUser inserts or refreshes a ban. Banning an already banned user updates
// the reason and timestamp.
func (s *Store) BanUser(ctx context.Context, telegramID int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO bans(telegram_id, reason, banned_at) VALUES(?,?,?)
		 ON CONFLICT(telegram_id) DO UPDATE SET
		   reason=excluded.reason,
		   banned_at=excluded.banned_at`,
		telegramID, nullStr(reason), time.Now().Format(time.RFC3339Nano),
	)
	return err
}

// UnbanUser lifts a ban and reports whether one existed.
func (s *Store) UnbanUser(ctx context.Context, telegramID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE telegram_id = ?`, telegramID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) IsBanned(ctx context.Context, telegramID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM bans WHERE telegram_id = ?`, telegramID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ---- orders ----

func (s *Store) CreateOrder(ctx context.Context, o Order) (int64, error) {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.Status == "" {
		o.Status = OrderPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO orders(recipient_id, sku, price_id, checkout_id, payment_intent, status, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		o.RecipientID, o.SKU, o.PriceID, o.CheckoutID, nullStr(o.PaymentIntent),
		string(o.Status), o.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *Store) OrderByCheckoutID(ctx context.Context, checkoutID string) (*Order, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, recipient_id, sku, price_id, checkout_id, payment_intent, status, created_at, paid_at
		 FROM orders WHERE checkout_id = ?`, checkoutID)
	return scanOrder(row)
}

func (s *Store) OrdersForRecipient(ctx context.Context, recipientID int64) ([]Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, recipient_id, sku, price_id, checkout_id, payment_intent, status, created_at, paid_at
		 FROM orders WHERE recipient_id = ? ORDER BY created_at DESC`, recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

// MarkOrderPaid moves a pending order to paid and records the provider
// transaction reference. The status guard in the WHERE clause makes the
// transition atomic: of two concurrent duplicate deliveries, exactly one
// observes changed=true. Paid stays paid on replays.
func (s *Store) MarkOrderPaid(ctx context.Context, checkoutID, paymentIntent string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ?, payment_intent = ?, paid_at = ?
		 WHERE checkout_id = ? AND status = ?`,
		string(OrderPaid), paymentIntent, time.Now().Format(time.RFC3339Nano),
		checkoutID, string(OrderPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkOrderFailed moves a pending order to failed. Terminal orders are left
// untouched (paid is sticky).
func (s *Store) MarkOrderFailed(ctx context.Context, checkoutID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE checkout_id = ? AND status = ?`,
		string(OrderFailed), checkoutID, string(OrderPending),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ---- audit ----

// AppendAuditBatch writes all records in one transaction. The broadcast
// engine flushes once per job, so a batch is the unit of durability here.
func (s *Store) AppendAuditBatch(ctx context.Context, records []AuditRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit(at, recipient_id, action, status, detail) VALUES(?,?,?,?,?)`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		at := r.At
		if at.IsZero() {
			at = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			at.Format(time.RFC3339Nano), r.RecipientID, r.Action, r.Status, nullStr(r.Detail),
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) PruneAudit(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit WHERE at < ?`, olderThan.Format(time.RFC3339Nano))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CountAudit(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit`).Scan(&n)
	return n, err
}

// ---- stats ----

func (s *Store) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n)
	return n, err
}

func (s *Store) CountBans(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bans`).Scan(&n)
	return n, err
}

// CountOrders counts orders in the given status; the empty status counts all.
func (s *Store) CountOrders(ctx context.Context, status OrderStatus) (int64, error) {
	var n int64
	var err error
	if status == "" {
		err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM orders WHERE status = ?`, string(status)).Scan(&n)
	}
	return n, err
}

// ---- helpers ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*Order, error) {
	var (
		o               Order
		intent          sql.NullString
		status          string
		created, paidAt sql.NullString
	)
	err := row.Scan(&o.ID, &o.RecipientID, &o.SKU, &o.PriceID, &o.CheckoutID, &intent, &status, &created, &paidAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	o.PaymentIntent = intent.String
	o.Status = OrderStatus(status)
	o.CreatedAt = parseTime(created.String)
	if paidAt.Valid {
		o.PaidAt = parseTime(paidAt.String)
	}
	return &o, nil
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
