// Package webhook is the HTTP boundary for inbound payment-provider events.
// It verifies the shared secret, applies the global admission budget, decodes
// the provider envelope and hands the event to the payment processor. The
// processor's no-ops still acknowledge 200 so the provider stops retrying.
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"elitebot/internal/payments"
	logx "elitebot/pkg/logx"
)

const secretHeader = "X-Webhook-Secret-Token"

type Config struct {
	Addr        string
	SecretToken string

	// Global admission budget for the webhook endpoint.
	Limit  int           // default 300
	Window time.Duration // default 1s

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// GlobalLimiter is the slice of the rate limiter the boundary consumes.
type GlobalLimiter interface {
	AllowGlobal(ctx context.Context, scope string, limit int, window time.Duration) (bool, error)
}

// OrderRecorder records pending orders for checkout sessions minted by the
// external checkout flow; the payment webhook resolves them later.
type OrderRecorder interface {
	CreateOrder(ctx context.Context, recipientID int64, sku, priceID, checkoutID string) error
}

type Server struct {
	cfg       Config
	processor *payments.Processor
	orders    OrderRecorder
	limiter   GlobalLimiter
	log       logx.Logger

	srv *http.Server
	ln  net.Listener
}

func NewServer(cfg Config, processor *payments.Processor, orders OrderRecorder, limiter GlobalLimiter, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 300
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{cfg: cfg, processor: processor, orders: orders, limiter: limiter, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /webhook/payments", s.handlePayments)
	if s.orders != nil {
		mux.HandleFunc("POST /orders", s.handleOrders)
	}
	return mux
}

func (s *Server) Start() error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = srv
	s.ln = ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("webhook server error", logx.String("addr", s.cfg.Addr), logx.Err(err))
		}
	}()
	s.log.Info("webhook server listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// envelope mirrors the provider's webhook payload shape.
type envelope struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
		} `json:"object"`
	} `json:"data"`
}

// gate applies the shared-secret check and the global admission budget. Both
// endpoints share the "webhook" scope: the budget protects the process, not a
// route.
func (s *Server) gate(w http.ResponseWriter, r *http.Request) bool {
	if subtle.ConstantTimeCompare([]byte(r.Header.Get(secretHeader)), []byte(s.cfg.SecretToken)) != 1 {
		s.log.Warn("request rejected: invalid secret token", logx.String("path", r.URL.Path))
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid secret token"})
		return false
	}
	if s.limiter != nil {
		allowed, err := s.limiter.AllowGlobal(r.Context(), "webhook", s.cfg.Limit, s.cfg.Window)
		if err != nil {
			s.log.Warn("admission check failed", logx.Err(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "admission check failed"})
			return false
		}
		if !allowed {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
			return false
		}
	}
	return true
}

func (s *Server) handlePayments(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}

	var env envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if env.Data.Object.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing session id"})
		return
	}

	ev := payments.WebhookEvent{
		Kind:          payments.ParseEventKind(env.Type),
		CheckoutID:    env.Data.Object.ID,
		PaymentIntent: env.Data.Object.PaymentIntent,
	}
	disposition, err := s.processor.HandleEvent(r.Context(), ev)
	if err != nil {
		s.log.Error("event processing failed", logx.String("checkout_id", ev.CheckoutID), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "processing failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"received": "true", "disposition": string(disposition)})
}

// orderRequest is the payload the external checkout flow posts after minting
// a session, so the later payment event finds a pending order to resolve.
type orderRequest struct {
	RecipientID int64  `json:"recipient_id"`
	SKU         string `json:"sku"`
	PriceID     string `json:"price_id"`
	CheckoutID  string `json:"checkout_id"`
}

func (s *Server) handleOrders(w http.ResponseWriter, r *http.Request) {
	if !s.gate(w, r) {
		return
	}

	var req orderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed payload"})
		return
	}
	if req.RecipientID == 0 || strings.TrimSpace(req.CheckoutID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing recipient or checkout id"})
		return
	}

	if err := s.orders.CreateOrder(r.Context(), req.RecipientID, req.SKU, req.PriceID, req.CheckoutID); err != nil {
		s.log.Error("order recording failed", logx.String("checkout_id", req.CheckoutID), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "could not record order"})
		return
	}
	s.log.Info("pending order recorded",
		logx.Int64("recipient", req.RecipientID), logx.String("checkout_id", req.CheckoutID))
	writeJSON(w, http.StatusCreated, map[string]string{"recorded": "true", "checkout_id": req.CheckoutID})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
