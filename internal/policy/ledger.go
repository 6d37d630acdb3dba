package policy

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrDailyBudget   = errors.New("daily budget exhausted")
	ErrMonthlyBudget = errors.New("monthly budget exhausted")
)

// ReservationState tracks the lifecycle reserved → committed | released.
type ReservationState string

const (
	StateReserved  ReservationState = "reserved"
	StateCommitted ReservationState = "committed"
	StateReleased  ReservationState = "released"
)

// Reservation holds estimated spend against the budgets until the upstream
// call settles. Exactly one of Commit or Release consumes it.
type Reservation struct {
	ID        string
	SessionID string
	Amount    float64
	State     ReservationState
	CreatedAt time.Time

	day   string
	month string
}

// Spend is the committed and reserved view of one budget scope.
type Spend struct {
	Spent    float64
	Reserved float64
}

// Total is the figure budget checks compare against: money already gone
// plus money promised to in-flight requests.
func (s Spend) Total() float64 { return s.Spent + s.Reserved }

type bucket struct {
	spent    float64
	reserved float64
}

// Ledger tracks spend per day, month, and session. All transitions happen
// under one mutex so concurrent reservations can never oversubscribe a
// budget window.
type Ledger struct {
	mu       sync.Mutex
	days     map[string]*bucket
	months   map[string]*bucket
	sessions map[string]*bucket
	open     map[string]*Reservation

	// persist, when set, receives the committed day total after each commit.
	persist func(day string, spent float64)

	now func() time.Time
	log *logrus.Entry
}

func NewLedger() *Ledger {
	return &Ledger{
		days:     make(map[string]*bucket),
		months:   make(map[string]*bucket),
		sessions: make(map[string]*bucket),
		open:     make(map[string]*Reservation),
		now:      time.Now,
		log:      logrus.WithField("component", "ledger"),
	}
}

// OnCommit registers a hook invoked with the day key and its committed
// total after every commit. Used to mirror the ledger into the audit store.
func (l *Ledger) OnCommit(fn func(day string, spent float64)) { l.persist = fn }

// Seed restores committed spend for a day key, typically at startup from
// the audit store. Month totals are rebuilt from the day's prefix.
func (l *Ledger) Seed(day string, spent float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.bucketFor(l.days, day).spent = spent
	if len(day) >= 7 {
		l.bucketFor(l.months, day[:7]).spent += spent
	}
}

// Reserve claims estimated spend against the day, month, and session
// buckets without a budget check, and returns the open reservation.
func (l *Ledger) Reserve(sessionID string, amount float64) *Reservation {
	res, _ := l.TryReserve(sessionID, amount, 0, 0)
	return res
}

// TryReserve checks the day and month limits and claims the amount in one
// critical section, so concurrent callers can never oversubscribe a budget
// window. A zero limit disables that check.
func (l *Ledger) TryReserve(sessionID string, amount, dayLimit, monthLimit float64) (*Reservation, error) {
	now := l.now().UTC()
	res := &Reservation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Amount:    amount,
		State:     StateReserved,
		CreatedAt: now,
		day:       now.Format("2006-01-02"),
		month:     now.Format("2006-01"),
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	day := l.bucketFor(l.days, res.day)
	month := l.bucketFor(l.months, res.month)
	if dayLimit > 0 && day.spent+day.reserved+amount > dayLimit {
		return nil, ErrDailyBudget
	}
	if monthLimit > 0 && month.spent+month.reserved+amount > monthLimit {
		return nil, ErrMonthlyBudget
	}

	day.reserved += amount
	month.reserved += amount
	if sessionID != "" {
		l.bucketFor(l.sessions, sessionID).reserved += amount
	}
	l.open[res.ID] = res
	return res, nil
}

// Commit settles a reservation with the actual cost. Calling it twice, or
// after Release, is a no-op.
func (l *Ledger) Commit(res *Reservation, actual float64) {
	if res == nil {
		return
	}
	l.mu.Lock()
	if res.State != StateReserved {
		l.mu.Unlock()
		return
	}
	res.State = StateCommitted
	delete(l.open, res.ID)

	l.settle(res, actual)
	daySpent := l.bucketFor(l.days, res.day).spent
	persist := l.persist
	l.mu.Unlock()

	if persist != nil {
		persist(res.day, daySpent)
	}
}

// Release drops a reservation without spending, e.g. after an upstream
// failure. Idempotent like Commit.
func (l *Ledger) Release(res *Reservation) {
	if res == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if res.State != StateReserved {
		return
	}
	res.State = StateReleased
	delete(l.open, res.ID)
	l.settle(res, 0)
}

func (l *Ledger) settle(res *Reservation, actual float64) {
	for _, b := range []*bucket{
		l.bucketFor(l.days, res.day),
		l.bucketFor(l.months, res.month),
	} {
		b.reserved -= res.Amount
		if b.reserved < 0 {
			b.reserved = 0
		}
		b.spent += actual
	}
	if res.SessionID != "" {
		b := l.bucketFor(l.sessions, res.SessionID)
		b.reserved -= res.Amount
		if b.reserved < 0 {
			b.reserved = 0
		}
		b.spent += actual
	}
}

// Snapshot returns the current day, month, and session spend.
func (l *Ledger) Snapshot(sessionID string) (day, month, session Spend) {
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	day = l.read(l.days, now.Format("2006-01-02"))
	month = l.read(l.months, now.Format("2006-01"))
	if sessionID != "" {
		session = l.read(l.sessions, sessionID)
	}
	return day, month, session
}

// OpenReservations reports how many reservations are still unsettled.
func (l *Ledger) OpenReservations() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.open)
}

func (l *Ledger) bucketFor(m map[string]*bucket, key string) *bucket {
	b, ok := m[key]
	if !ok {
		b = &bucket{}
		m[key] = b
	}
	return b
}

func (l *Ledger) read(m map[string]*bucket, key string) Spend {
	if b, ok := m[key]; ok {
		return Spend{Spent: b.spent, Reserved: b.reserved}
	}
	return Spend{}
}
