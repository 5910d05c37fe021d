package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bigbes/xctl/internal/metrics"
)

const DefaultTimeout = 5 * time.Second

// Collector polls a Querier and parses its answer into a Snapshot.
type Collector struct {
	querier Querier
	timeout time.Duration
	now     func() time.Time
}

// NewCollector bounds every query by timeout.
func NewCollector(q Querier, timeout time.Duration) *Collector {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Collector{querier: q, timeout: timeout, now: time.Now}
}

// Poll fetches the cumulative counters of all users, or of one user when
// email is set. Failures wrap ErrUnreachable or ErrParse; an expired timeout
// is ErrUnreachable.
func (c *Collector) Poll(ctx context.Context, email string) (Snapshot, error) {
	qctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := c.querier.Query(qctx, Pattern(email))
	if err != nil {
		metrics.PollsTotal.WithLabelValues("unreachable").Inc()
		if !errors.Is(err, ErrUnreachable) {
			err = fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		return Snapshot{}, err
	}
	if qctx.Err() != nil {
		metrics.PollsTotal.WithLabelValues("unreachable").Inc()
		return Snapshot{}, fmt.Errorf("stats: %w: %w", ErrUnreachable, qctx.Err())
	}
	at := c.now()

	users, err := Parse(body)
	if err != nil {
		metrics.PollsTotal.WithLabelValues("parse_error").Inc()
		return Snapshot{}, err
	}
	if email != "" {
		// expvar has no server-side filter.
		for k := range users {
			if k != email {
				delete(users, k)
			}
		}
	}
	metrics.PollsTotal.WithLabelValues("ok").Inc()
	return Snapshot{Time: at, Users: users}, nil
}
