// Package broadcast fans one message out to many recipients under a bounded
// worker pool, consulting per-recipient admission control and producing a
// complete per-recipient outcome summary plus a batched audit trail.
package broadcast

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/time/rate"

	"elitebot/internal/storage"
	logx "elitebot/pkg/logx"
)

const admissionScope = "broadcast"

type Engine struct {
	mu  sync.Mutex
	cfg Config

	limiter  AdmissionControl
	registry Registry
	sender   Sender
	audit    AuditSink
	log      logx.Logger

	// outbound is the global rps cap protecting the external channel,
	// on top of the per-recipient sliding window.
	outbound *rate.Limiter
}

func New(cfg Config, limiter AdmissionControl, registry Registry, sender Sender, audit AuditSink, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	return &Engine{
		cfg:      cfg,
		limiter:  limiter,
		registry: registry,
		sender:   sender,
		audit:    audit,
		log:      log,
		outbound: rate.NewLimiter(rate.Limit(rps), rps),
	}
}

// Apply swaps the engine config at runtime (config hot-reload).
// In-flight jobs keep the snapshot they started with.
func (e *Engine) Apply(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = defaultRatePerSec
	}
	e.outbound = rate.NewLimiter(rate.Limit(rps), rps)
}

func (e *Engine) snapshot() (Config, *rate.Limiter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cfg := e.cfg
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.PerUserLimit <= 0 {
		cfg.PerUserLimit = defaultPerUserLimit
	}
	if cfg.PerUserWindow <= 0 {
		cfg.PerUserWindow = defaultPerUserWindow
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	return cfg, e.outbound
}

// Send runs the job to completion and returns the summary. It never returns
// early: the summary covers every recipient slot, including slots that were
// never dispatched because ctx was cancelled (recorded as Failed with the
// context error).
func (e *Engine) Send(ctx context.Context, job Job) Summary {
	start := time.Now()
	cfg, outbound := e.snapshot()

	workers := job.Workers
	if workers <= 0 {
		workers = cfg.Workers
	}
	if workers > len(job.Recipients) {
		workers = len(job.Recipients)
	}
	if workers < 1 {
		workers = 1
	}

	e.log.Info("broadcast started",
		logx.Int("recipients", len(job.Recipients)),
		logx.Int("workers", workers))

	outcomes := make([]Outcome, len(job.Recipients))
	idxCh := make(chan int)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for i := range idxCh {
				outcomes[i] = e.runOne(ctx, cfg, outbound, job.Recipients[i], job.Text)
			}
		}()
	}

	// Feed recipient slots; stop dispatching new ones once ctx is done.
	cancelled := -1
feed:
	for i := range job.Recipients {
		select {
		case idxCh <- i:
		case <-ctx.Done():
			cancelled = i
			break feed
		}
	}
	close(idxCh)
	wg.Wait()

	if cancelled >= 0 {
		detail := truncate("cancelled before dispatch: "+ctx.Err().Error(), detailMax)
		for i := cancelled; i < len(job.Recipients); i++ {
			outcomes[i] = Outcome{RecipientID: job.Recipients[i], Kind: OutcomeFailed, Detail: detail}
		}
	}

	summary := summarize(outcomes)
	e.flushAudit(ctx, job.Text, summary.Outcomes)

	fields := []logx.Field{
		logx.Int("sent", summary.Sent),
		logx.Int("failed", summary.Failed),
		logx.Int("skipped", summary.Skipped),
		logx.Duration("dur", time.Since(start)),
	}
	if summary.Failed > 0 {
		e.log.Warn("broadcast finished with failures", fields...)
	} else {
		e.log.Info("broadcast finished", fields...)
	}
	return summary
}

// runOne executes one recipient's full step sequence:
// rate-check, lookup, send. Panics stay inside the slot.
func (e *Engine) runOne(ctx context.Context, cfg Config, outbound *rate.Limiter, recipientID int64, text string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in broadcast send",
				logx.Int64("recipient", recipientID),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			out = Outcome{RecipientID: recipientID, Kind: OutcomeFailed, Detail: "panic during send"}
		}
	}()

	out.RecipientID = recipientID

	// Self-throttle per recipient; protects the outbound channel, not a
	// security control. Denials are not retried within this job.
	allowed, err := e.limiter.AllowUser(ctx, recipientID, admissionScope, cfg.PerUserLimit, cfg.PerUserWindow)
	if err != nil {
		out.Kind = OutcomeFailed
		out.Detail = truncate("rate limiter: "+err.Error(), detailMax)
		return out
	}
	if !allowed {
		out.Kind = OutcomeSkipped
		out.SkipReason = SkipRateLimited
		return out
	}

	user, err := e.registry.UserByTelegramID(ctx, recipientID)
	if errors.Is(err, storage.ErrNotFound) {
		out.Kind = OutcomeSkipped
		out.SkipReason = SkipUnknownRecipient
		return out
	}
	if err != nil {
		out.Kind = OutcomeFailed
		out.Detail = truncate("recipient lookup: "+err.Error(), detailMax)
		return out
	}

	if err := outbound.Wait(ctx); err != nil {
		out.Kind = OutcomeFailed
		out.Detail = truncate(err.Error(), detailMax)
		return out
	}

	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	if err := e.sender.SendText(sctx, user.TelegramID, text); err != nil {
		out.Kind = OutcomeFailed
		out.Detail = truncate(err.Error(), detailMax)
		return out
	}

	out.Kind = OutcomeSent
	return out
}

// flushAudit appends all terminal Sent/Failed outcomes as one batch.
// Rate-limit skips are not persisted; the limiter is the source of truth for
// throttling decisions. Audit is best-effort and survives job cancellation.
func (e *Engine) flushAudit(ctx context.Context, text string, outcomes []Outcome) {
	if e.audit == nil {
		return
	}
	now := time.Now()
	records := make([]storage.AuditRecord, 0, len(outcomes))
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeSent:
			records = append(records, storage.AuditRecord{
				At: now, RecipientID: o.RecipientID, Action: admissionScope,
				Status: string(OutcomeSent), Detail: truncate(text, detailMax),
			})
		case OutcomeFailed:
			records = append(records, storage.AuditRecord{
				At: now, RecipientID: o.RecipientID, Action: admissionScope,
				Status: string(OutcomeFailed), Detail: o.Detail,
			})
		}
	}
	if len(records) == 0 {
		return
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.audit.AppendAuditBatch(actx, records); err != nil {
		e.log.Warn("audit flush failed", logx.Int("records", len(records)), logx.Err(err))
	}
}

func summarize(outcomes []Outcome) Summary {
	s := Summary{Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Kind {
		case OutcomeSent:
			s.Sent++
		case OutcomeFailed:
			s.Failed++
		case OutcomeSkipped:
			s.Skipped++
		}
	}
	return s
}

// truncate clips s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
