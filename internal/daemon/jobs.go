package daemon

import (
	"context"
	"sort"
	"time"

	"github.com/bigbes/xctl/internal/config"
	"github.com/bigbes/xctl/internal/statsdb"
)

// flush saves the aggregator's lifetime totals. They already account for
// every counter reset seen between polls, so the database only stores them.
func (d *Daemon) flush(ctx context.Context) {
	if d.db == nil {
		return
	}
	d.mu.Lock()
	dirty := d.dirty
	d.dirty = false
	d.mu.Unlock()
	if !dirty {
		return
	}

	baselines := d.agg.Baselines()
	users := make([]statsdb.UserTotals, 0, len(baselines))
	for email, b := range baselines {
		users = append(users, statsdb.UserTotals{
			Email:            email,
			UplinkTotal:      b.Total.Uplink,
			DownlinkTotal:    b.Total.Downlink,
			UplinkLastSeen:   b.LastSeen.Uplink,
			DownlinkLastSeen: b.LastSeen.Downlink,
			LastSample:       b.LastSample,
		})
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	if err := d.db.Save(users); err != nil {
		d.logger.Error("failed to flush stats", "err", err)
		d.mu.Lock()
		d.dirty = true
		d.mu.Unlock()
		return
	}
	d.logger.Debug("stats flushed", "users", len(users))
}

// checkProxy restarts a supervised xray that died. In other modes a stopped
// proxy is only reported.
func (d *Daemon) checkProxy(ctx context.Context) {
	if d.settings.Lifecycle.Mode == config.LifecycleNone || d.proxy.Running(ctx) {
		return
	}
	if d.settings.Lifecycle.Mode != config.LifecycleProcess {
		d.logger.Warn("xray is not running", "mode", d.settings.Lifecycle.Mode)
		return
	}
	d.logger.Warn("xray exited, starting it again")
	if err := d.proxy.Start(ctx); err != nil {
		d.logger.Error("failed to start xray", "err", err)
	}
}

func (d *Daemon) logStatus(context.Context) {
	st := d.agg.Status()
	totals := d.agg.Totals()
	attrs := []any{
		"users", totals.Users,
		"samples", st.Samples,
		"misses", st.Misses,
		"uplink_total", totals.UplinkTotal,
		"downlink_total", totals.DownlinkTotal,
	}
	if d.db != nil {
		if started, err := d.db.GetDaemonStartTime(); err == nil && !started.IsZero() {
			attrs = append(attrs, "uptime", d.now().Sub(started).Round(time.Second))
		}
	}
	if st.LastError != nil {
		attrs = append(attrs, "last_err", st.LastError)
	}
	d.logger.Info("controller status", attrs...)
}
