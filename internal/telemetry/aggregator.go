// Package telemetry turns cumulative counter snapshots into per-user rates
// and lifetime totals.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/bigbes/xctl/internal/metrics"
	"github.com/bigbes/xctl/internal/stats"
)

// DefaultHistory is the number of rate samples kept per user when New is
// given a non-positive history.
const DefaultHistory = 30

// UserTelemetry is the derived view of one user.
type UserTelemetry struct {
	Email string

	// Bytes per second over the last sample interval. Zero until HasRate.
	UplinkRate   float64
	DownlinkRate float64
	HasRate      bool

	// Lifetime bytes, carried across proxy counter resets.
	UplinkTotal   int64
	DownlinkTotal int64

	LastSample time.Time
	// Orphaned marks counters for an email no longer in the config.
	Orphaned bool
	// Reset is set when the latest sample went backwards.
	Reset bool

	UplinkHistory   []float64
	DownlinkHistory []float64
}

// Aggregate sums the non-orphaned users.
type Aggregate struct {
	Users         int
	UplinkRate    float64
	DownlinkRate  float64
	UplinkTotal   int64
	DownlinkTotal int64

	UplinkHistory   []float64
	DownlinkHistory []float64
}

// Status describes the most recent polls.
type Status struct {
	LastError   error
	Misses      int // consecutive failed polls
	LastSuccess time.Time
	Samples     int
}

// Baseline restores a user's state saved by an earlier run: the lifetime
// totals and the cumulative counters they were last computed from.
type Baseline struct {
	Total      stats.Counters
	LastSeen   stats.Counters
	LastSample time.Time
}

type userState struct {
	tel      UserTelemetry
	base     stats.Counters
	baseTime time.Time
	hasBase  bool
	// seeded means base came from a Baseline, without a usable time.
	seeded bool
}

// Aggregator is safe for concurrent use; samples are applied in call order.
type Aggregator struct {
	mu       sync.Mutex
	history  int
	users    map[string]*userState
	known    []string
	knownSet map[string]bool
	status   Status
	upHist   []float64
	downHist []float64
}

// New keeps the last history rate samples per user for graphs.
func New(history int) *Aggregator {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Aggregator{
		history: history,
		users:   make(map[string]*userState),
	}
}

// SetKnown sets the users of the current config, in config order. Users seen
// in snapshots but missing here are flagged as orphaned.
func (a *Aggregator) SetKnown(emails []string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.known = append([]string(nil), emails...)
	a.knownSet = make(map[string]bool, len(emails))
	for _, e := range emails {
		a.knownSet[e] = true
	}
	for email, st := range a.users {
		st.tel.Orphaned = !a.knownSet[email]
	}
}

// Seed preloads lifetime totals. A later first sample for a seeded user adds
// only what accumulated past LastSeen.
func (a *Aggregator) Seed(baselines map[string]Baseline) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for email, b := range baselines {
		st := a.user(email)
		if st.hasBase {
			continue
		}
		st.tel.UplinkTotal = b.Total.Uplink
		st.tel.DownlinkTotal = b.Total.Downlink
		st.base = b.LastSeen
		st.seeded = true
	}
}

// Baselines returns the state Seed needs to resume every user that has a
// sample or a seed: lifetime totals including every observed reset, and the
// counters they were last advanced from.
func (a *Aggregator) Baselines() map[string]Baseline {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make(map[string]Baseline, len(a.users))
	for email, st := range a.users {
		if !st.hasBase && !st.seeded {
			continue
		}
		out[email] = Baseline{
			Total:      stats.Counters{Uplink: st.tel.UplinkTotal, Downlink: st.tel.DownlinkTotal},
			LastSeen:   st.base,
			LastSample: st.baseTime,
		}
	}
	return out
}

func (a *Aggregator) user(email string) *userState {
	st, ok := a.users[email]
	if !ok {
		st = &userState{tel: UserTelemetry{Email: email}}
		st.tel.Orphaned = a.knownSet != nil && !a.knownSet[email]
		a.users[email] = st
	}
	return st
}

// Observe applies a successful snapshot. Rates use the actual time since the
// user's previous sample, so missed polls in between do not skew them.
func (a *Aggregator) Observe(snap stats.Snapshot) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for email, cur := range snap.Users {
		st := a.user(email)
		a.apply(st, cur, snap.Time)
	}

	a.status.LastError = nil
	a.status.Misses = 0
	a.status.LastSuccess = snap.Time
	a.status.Samples++

	agg := a.totals()
	a.upHist = push(a.upHist, agg.UplinkRate, a.history)
	a.downHist = push(a.downHist, agg.DownlinkRate, a.history)
}

func (a *Aggregator) apply(st *userState, cur stats.Counters, at time.Time) {
	tel := &st.tel
	tel.Reset = false

	switch {
	case !st.hasBase:
		// First sample: the cumulative value is the baseline.
		up, down := cur.Uplink, cur.Downlink
		if st.seeded {
			up, _ = delta(st.base.Uplink, cur.Uplink)
			down, _ = delta(st.base.Downlink, cur.Downlink)
		}
		tel.UplinkTotal += up
		tel.DownlinkTotal += down
		tel.UplinkRate, tel.DownlinkRate = 0, 0
		tel.HasRate = false

	default:
		up, upReset := delta(st.base.Uplink, cur.Uplink)
		down, downReset := delta(st.base.Downlink, cur.Downlink)
		tel.UplinkTotal += up
		tel.DownlinkTotal += down
		tel.HasRate = true
		tel.Reset = upReset || downReset

		elapsed := at.Sub(st.baseTime).Seconds()
		if tel.Reset || elapsed <= 0 {
			tel.UplinkRate, tel.DownlinkRate = 0, 0
		} else {
			tel.UplinkRate = float64(up) / elapsed
			tel.DownlinkRate = float64(down) / elapsed
		}
		if tel.Reset {
			metrics.CounterResetsTotal.WithLabelValues(tel.Email).Inc()
		}
	}

	st.base = cur
	st.baseTime = at
	st.hasBase = true
	st.seeded = false
	tel.LastSample = at
	tel.UplinkHistory = push(tel.UplinkHistory, tel.UplinkRate, a.history)
	tel.DownlinkHistory = push(tel.DownlinkHistory, tel.DownlinkRate, a.history)

	metrics.UserRate.WithLabelValues(tel.Email, "uplink").Set(tel.UplinkRate)
	metrics.UserRate.WithLabelValues(tel.Email, "downlink").Set(tel.DownlinkRate)
	metrics.UserBytesTotal.WithLabelValues(tel.Email, "uplink").Set(float64(tel.UplinkTotal))
	metrics.UserBytesTotal.WithLabelValues(tel.Email, "downlink").Set(float64(tel.DownlinkTotal))
}

// delta returns the bytes added since prev. A counter that went backwards
// was reset, so everything it holds now is new.
func delta(prev, cur int64) (int64, bool) {
	if cur < prev {
		return cur, true
	}
	return cur - prev, false
}

func push(h []float64, v float64, limit int) []float64 {
	h = append(h, v)
	if len(h) > limit {
		h = append(h[:0:0], h[len(h)-limit:]...)
	}
	return h
}

// Missed records a failed poll. Baselines stay where they are.
func (a *Aggregator) Missed(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.LastError = err
	a.status.Misses++
}

// Status returns the poll status.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Get returns one user's telemetry.
func (a *Aggregator) Get(email string) (UserTelemetry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.users[email]
	if !ok {
		return UserTelemetry{}, false
	}
	return st.tel.copy(), true
}

// Users returns config users in config order, including those without
// samples yet, followed by orphans sorted by email. Without SetKnown every
// user is listed sorted.
func (a *Aggregator) Users() []UserTelemetry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]UserTelemetry, 0, len(a.known)+len(a.users))
	for _, email := range a.known {
		if st, ok := a.users[email]; ok {
			out = append(out, st.tel.copy())
		} else {
			out = append(out, UserTelemetry{Email: email})
		}
	}
	var rest []string
	for email := range a.users {
		if a.knownSet == nil || !a.knownSet[email] {
			rest = append(rest, email)
		}
	}
	sort.Strings(rest)
	for _, email := range rest {
		out = append(out, a.users[email].tel.copy())
	}
	return out
}

// Totals sums every non-orphaned user.
func (a *Aggregator) Totals() Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	agg := a.totals()
	agg.UplinkHistory = append([]float64(nil), a.upHist...)
	agg.DownlinkHistory = append([]float64(nil), a.downHist...)
	return agg
}

func (a *Aggregator) totals() Aggregate {
	var agg Aggregate
	if a.knownSet != nil {
		agg.Users = len(a.known)
	}
	for _, st := range a.users {
		if st.tel.Orphaned {
			continue
		}
		if a.knownSet == nil {
			agg.Users++
		}
		agg.UplinkRate += st.tel.UplinkRate
		agg.DownlinkRate += st.tel.DownlinkRate
		agg.UplinkTotal += st.tel.UplinkTotal
		agg.DownlinkTotal += st.tel.DownlinkTotal
	}
	return agg
}

func (t UserTelemetry) copy() UserTelemetry {
	t.UplinkHistory = append([]float64(nil), t.UplinkHistory...)
	t.DownlinkHistory = append([]float64(nil), t.DownlinkHistory...)
	return t
}
