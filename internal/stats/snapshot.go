// Package stats polls Xray's per-user traffic counters.
package stats

import (
	"errors"
	"sort"
	"time"
)

var (
	// ErrUnreachable means the counter interface could not be reached or did
	// not answer in time.
	ErrUnreachable = errors.New("stats source unreachable")
	// ErrParse means the source answered with something that is not a
	// counter response at all.
	ErrParse = errors.New("stats response unparsable")
)

// Counters are cumulative byte counts since the proxy's last counter reset.
type Counters struct {
	Uplink   int64
	Downlink int64
}

// Sum returns uplink plus downlink.
func (c Counters) Sum() int64 { return c.Uplink + c.Downlink }

// Snapshot is one poll result.
type Snapshot struct {
	Time  time.Time
	Users map[string]Counters
}

// Emails returns the users present in the snapshot, sorted.
func (s Snapshot) Emails() []string {
	out := make([]string, 0, len(s.Users))
	for email := range s.Users {
		out = append(out, email)
	}
	sort.Strings(out)
	return out
}

// Total sums the counters of all users.
func (s Snapshot) Total() Counters {
	var t Counters
	for _, c := range s.Users {
		t.Uplink += c.Uplink
		t.Downlink += c.Downlink
	}
	return t
}
