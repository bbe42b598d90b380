package broadcast

import (
	"context"
	"time"

	"elitebot/internal/storage"
)

// Config controls the fan-out engine. Zero fields fall back to defaults at
// send time so a partially filled config stays usable.
type Config struct {
	Workers       int           // concurrent in-flight sends, default 10
	RatePerSec    int           // global outbound cap, default 25
	PerUserLimit  int           // per-recipient admissions per window, default 20
	PerUserWindow time.Duration // default 60s
	SendTimeout   time.Duration // per external send call, default 10s
}

const (
	defaultWorkers       = 10
	defaultRatePerSec    = 25
	defaultPerUserLimit  = 20
	defaultPerUserWindow = 60 * time.Second
	defaultSendTimeout   = 10 * time.Second

	// detailMax bounds audit detail text (payload or error).
	detailMax = 250
)

// Job is one broadcast invocation: recipients (duplicates are processed
// independently), the payload, and an optional per-job worker override.
type Job struct {
	Recipients []int64
	Text       string
	Workers    int // 0 means engine config
}

type OutcomeKind string

const (
	OutcomeSent    OutcomeKind = "sent"
	OutcomeFailed  OutcomeKind = "failed"
	OutcomeSkipped OutcomeKind = "skipped"
)

type SkipReason string

const (
	SkipRateLimited      SkipReason = "rate_limited"
	SkipUnknownRecipient SkipReason = "unknown_recipient"
)

// Outcome is the terminal result for one recipient slot.
type Outcome struct {
	RecipientID int64
	Kind        OutcomeKind
	SkipReason  SkipReason // set when Kind == OutcomeSkipped
	Detail      string     // truncated error detail for failures
}

// Summary aggregates one job. Sent+Failed+Skipped always equals
// len(Job.Recipients); every recipient slot is accounted for exactly once.
type Summary struct {
	Sent     int
	Failed   int
	Skipped  int
	Outcomes []Outcome
}

// Registry resolves recipient identifiers. Lookups return
// storage.ErrNotFound for unknown recipients.
type Registry interface {
	UserByTelegramID(ctx context.Context, telegramID int64) (*storage.User, error)
}

// Sender is the external delivery capability.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

// AuditSink persists terminal outcomes. Appends are batched once per job.
type AuditSink interface {
	AppendAuditBatch(ctx context.Context, records []storage.AuditRecord) error
}

// AdmissionControl is the slice of the rate limiter the engine consumes.
type AdmissionControl interface {
	AllowUser(ctx context.Context, userID int64, scope string, limit int, window time.Duration) (bool, error)
}
