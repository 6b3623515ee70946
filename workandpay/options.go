package workandpay

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Option configures a Service, Ledger or Settler.
type Option func(*options)

// DefaultSettlementLease is how long a settlement claim lasts before another
// worker may take it over.
const DefaultSettlementLease = 5 * time.Minute

type options struct {
	now             func() time.Time
	newID           func() string
	logger          *zap.Logger
	cache           AgreementCache
	settlementLease time.Duration
}

func buildOptions(opts []Option) options {
	o := options{
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
		logger:          zap.NewNop(),
		settlementLease: DefaultSettlementLease,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithClock replaces time.Now. Tests use it to pin payment dates.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator replaces the UUID generator for opaque IDs.
func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithCache enables a read cache for GetAgreementDetails. Writes refresh it.
func WithCache(c AgreementCache) Option {
	return func(o *options) { o.cache = c }
}

// WithSettlementLease sets how long a worker holds a settlement claim. It
// should exceed the slowest expected vehicle transfer.
func WithSettlementLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.settlementLease = d
		}
	}
}
