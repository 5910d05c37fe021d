package stats

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"strings"
	"time"
)

// Querier fetches the raw counter response from Xray. Implementations report
// transport failures wrapped in ErrUnreachable.
type Querier interface {
	Query(ctx context.Context, pattern string) ([]byte, error)
}

// ExecQuerier runs the Xray CLI, e.g.
//
//	docker exec xray-core xray api statsquery --server=127.0.0.1:10085
//
// with "-pattern <pattern>" appended. The output is statsquery JSON.
type ExecQuerier struct {
	Argv []string
}

func (q ExecQuerier) Query(ctx context.Context, pattern string) ([]byte, error) {
	if len(q.Argv) == 0 {
		return nil, fmt.Errorf("stats: empty query command: %w", ErrUnreachable)
	}
	args := append(append([]string(nil), q.Argv[1:]...), "-pattern", pattern)
	cmd := exec.CommandContext(ctx, q.Argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("stats: %s: %w: %w", q.Argv[0], ErrUnreachable, ctx.Err())
		}
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("stats: %s: %w: %v: %s", q.Argv[0], ErrUnreachable, err, msg)
		}
		return nil, fmt.Errorf("stats: %s: %w: %w", q.Argv[0], ErrUnreachable, err)
	}
	return out, nil
}

// HTTPQuerier reads Xray's expvar endpoint (metrics.listen + /debug/vars).
// The pattern is ignored: expvar always returns every counter.
type HTTPQuerier struct {
	URL    string
	Client *http.Client
}

const maxBody = 8 << 20

func (q HTTPQuerier) Query(ctx context.Context, _ string) ([]byte, error) {
	client := q.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, q.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("stats: creating request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stats: fetching %s: %w: %w", q.URL, ErrUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("stats: %s: %w: unexpected status %d", q.URL, ErrUnreachable, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("stats: reading %s: %w: %w", q.URL, ErrUnreachable, err)
	}
	return body, nil
}
