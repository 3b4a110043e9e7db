// Package audit keeps the bounded login-attempt history.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"qazna.org/adminauth/internal/ids"
	"qazna.org/adminauth/internal/obs"
	"qazna.org/adminauth/internal/persist"
)

// DefaultCap is the number of records retained when no cap is configured.
const DefaultCap = 1000

// MethodPassword is the only authentication method recorded today.
const MethodPassword = "password"

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context so appended
// records carry it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Record is one login attempt. UserID is empty when the email matched no account.
// ID is a ULID and doubles as the storage key, so key order is append order.
type Record struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id,omitempty"`
	Email         string    `json:"email"`
	Method        string    `json:"method"`
	Success       bool      `json:"success"`
	FailureReason string    `json:"failure_reason,omitempty"`
	IPAddress     string    `json:"ip_address,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	RequestID     string    `json:"request_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	UserID  string
	Email   string
	Success *bool
	Since   time.Time
	Limit   int
}

// Log is an append-only, FIFO-trimmed record store. Several Logs may share
// one port.
type Log struct {
	port   persist.Port
	cap    int
	now    func() time.Time
	logger *zap.Logger
	seq    *ids.Sequence

	// mu orders appends of this process.
	mu sync.Mutex
}

// Option configures Log.
type Option func(*Log)

// WithCap sets the retention cap. Non-positive values are ignored.
func WithCap(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.cap = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(fn func() time.Time) Option {
	return func(l *Log) {
		if fn != nil {
			l.now = fn
		}
	}
}

// WithLogger overrides the logger used to mirror appended records.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New returns a Log over port and trims anything already beyond the cap.
func New(ctx context.Context, port persist.Port, opts ...Option) (*Log, error) {
	if port == nil {
		return nil, errors.New("audit: port is required")
	}
	l := &Log{
		port:   port,
		cap:    DefaultCap,
		now:    time.Now,
		logger: obs.Logger().Named("audit"),
		seq:    ids.NewSequence(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if err := l.trim(ctx); err != nil {
		return nil, fmt.Errorf("audit: restore: %w", err)
	}
	return l, nil
}

// Cap returns the retention cap.
func (l *Log) Cap() int { return l.cap }

// Append stores rec under a fresh identifier and the current time, then
// trims the oldest records beyond the cap.
func (l *Log) Append(ctx context.Context, rec Record) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec.CreatedAt = l.now().UTC()
	id, err := l.seq.Next(rec.CreatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("audit: id: %w", err)
	}
	rec.ID = id
	rec.Email = strings.ToLower(strings.TrimSpace(rec.Email))
	if rec.Method == "" {
		rec.Method = MethodPassword
	}
	if rec.RequestID == "" {
		rec.RequestID = requestIDFromContext(ctx)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return Record{}, err
	}
	if err := l.port.Put(ctx, persist.CollectionLoginLogs, rec.ID, data); err != nil {
		return Record{}, fmt.Errorf("audit: append: %w", err)
	}
	if err := l.trim(ctx); err != nil {
		// retried on the next append
		l.logger.Warn("audit trim failed", zap.Error(err))
	}

	l.logger.Info("login attempt",
		zap.String("type", "audit"),
		zap.String("id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("email", rec.Email),
		zap.Bool("success", rec.Success),
		zap.String("failure_reason", rec.FailureReason),
		zap.String("ip", rec.IPAddress),
		zap.String("request_id", rec.RequestID),
	)
	return rec, nil
}

// List yields matching records newest first. Each range re-reads storage.
func (l *Log) List(ctx context.Context, f Filter) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		recs, err := l.port.Scan(ctx, persist.CollectionLoginLogs, f.predicate())
		if err != nil {
			yield(Record{}, fmt.Errorf("audit: list: %w", err))
			return
		}
		emitted := 0
		for i := len(recs) - 1; i >= 0; i-- {
			if f.Limit > 0 && emitted >= f.Limit {
				return
			}
			var rec Record
			if err := json.Unmarshal(recs[i].Value, &rec); err != nil {
				if !yield(Record{}, fmt.Errorf("audit: decode %s: %w", recs[i].Key, err)) {
					return
				}
				continue
			}
			emitted++
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Collect drains List into a slice.
func (l *Log) Collect(ctx context.Context, f Filter) ([]Record, error) {
	var out []Record
	for rec, err := range l.List(ctx, f) {
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Counts returns retained totals.
func (l *Log) Counts(ctx context.Context) (total, succeeded, failed int, err error) {
	recs, err := l.port.Scan(ctx, persist.CollectionLoginLogs, nil)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("audit: counts: %w", err)
	}
	for _, r := range recs {
		if persist.FieldTrue("success")(r.Key, r.Value) {
			succeeded++
		} else {
			failed++
		}
	}
	return len(recs), succeeded, failed, nil
}

func (f Filter) predicate() persist.Predicate {
	var preds []persist.Predicate
	if f.UserID != "" {
		preds = append(preds, persist.FieldEquals("user_id", f.UserID))
	}
	if email := strings.TrimSpace(f.Email); email != "" {
		preds = append(preds, persist.FieldEqualFold("email", email))
	}
	if f.Success != nil {
		want := *f.Success
		preds = append(preds, func(key string, value []byte) bool {
			return persist.FieldTrue("success")(key, value) == want
		})
	}
	if !f.Since.IsZero() {
		since := f.Since.Add(-time.Nanosecond)
		preds = append(preds, persist.TimeAfter("created_at", since))
	}
	if len(preds) == 0 {
		return nil
	}
	return persist.All(preds...)
}

// trim deletes the oldest records until at most cap remain. The newest
// record is never a candidate since cap is at least one.
func (l *Log) trim(ctx context.Context) error {
	recs, err := l.port.Scan(ctx, persist.CollectionLoginLogs, nil)
	if err != nil {
		return err
	}
	for _, r := range recs[:max(len(recs)-l.cap, 0)] {
		if err := l.port.Delete(ctx, persist.CollectionLoginLogs, r.Key); err != nil {
			return fmt.Errorf("delete %s: %w", r.Key, err)
		}
	}
	return nil
}
