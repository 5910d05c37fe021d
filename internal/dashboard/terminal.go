// Package dashboard renders traffic telemetry for a terminal.
package dashboard

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/bigbes/xctl/internal/telemetry"
)

// View is what one render shows. User selects the single-user view; empty
// means the aggregate view.
type View struct {
	User     string
	Interval time.Duration
	Time     time.Time
	Users    []telemetry.UserTelemetry
	Totals   telemetry.Aggregate
	Status   telemetry.Status
	// Err is set when this tick's poll failed.
	Err error
}

// Renderer draws views.
type Renderer interface {
	Render(View) error
}

const clearScreen = "\x1b[H\x1b[2J"

// Terminal writes views as text. On a TTY each frame replaces the previous
// one; otherwise frames are appended, which keeps pipes and logs readable.
type Terminal struct {
	out     io.Writer
	live    bool
	history int
}

// NewTerminal renders to out with graphs history samples wide.
func NewTerminal(out io.Writer, history int) *Terminal {
	if history <= 0 {
		history = telemetry.DefaultHistory
	}
	return &Terminal{out: out, live: IsTerminal(out), history: history}
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (t *Terminal) Render(v View) error {
	var buf bytes.Buffer
	if t.live {
		buf.WriteString(clearScreen)
	}
	if v.User != "" {
		t.single(&buf, v)
	} else {
		t.aggregate(&buf, v)
	}
	if !t.live {
		buf.WriteByte('\n')
	}
	_, err := buf.WriteTo(t.out)
	return err
}

func statusLine(v View) string {
	if v.Err != nil {
		return "no data this tick: " + v.Err.Error()
	}
	if v.Status.Samples == 0 {
		return "waiting for first sample"
	}
	return "ok"
}

func (t *Terminal) aggregate(buf *bytes.Buffer, v View) {
	fmt.Fprintf(buf, "Global Monitor   users: %d | refresh: %s | %s\n",
		v.Totals.Users, v.Interval, v.Time.Format(time.TimeOnly))
	fmt.Fprintf(buf, "status: %s\n\n", statusLine(v))

	tw := tabwriter.NewWriter(buf, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "EMAIL\t↑ RATE\t↓ RATE\t↑ TOTAL\t↓ TOTAL\t\t")
	for _, u := range v.Users {
		var flags []string
		if u.Orphaned {
			flags = append(flags, "orphan")
		}
		if u.Reset {
			flags = append(flags, "reset")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t\n",
			u.Email,
			rateOrDash(u.UplinkRate, u.HasRate),
			rateOrDash(u.DownlinkRate, u.HasRate),
			Bytes(u.UplinkTotal),
			Bytes(u.DownlinkTotal),
			strings.Join(flags, ","),
		)
	}
	fmt.Fprintf(tw, "TOTAL\t%s\t%s\t%s\t%s\t\t\n",
		Rate(v.Totals.UplinkRate), Rate(v.Totals.DownlinkRate),
		Bytes(v.Totals.UplinkTotal), Bytes(v.Totals.DownlinkTotal))
	tw.Flush()

	label := WindowLabel(t.history, v.Interval)
	fmt.Fprintf(buf, "\n↑ activity (%s) %s\n", label, Sparkline(v.Totals.UplinkHistory, t.history))
	fmt.Fprintf(buf, "↓ activity (%s) %s\n", label, Sparkline(v.Totals.DownlinkHistory, t.history))
}

func (t *Terminal) single(buf *bytes.Buffer, v View) {
	u := telemetry.UserTelemetry{Email: v.User}
	for _, cand := range v.Users {
		if cand.Email == v.User {
			u = cand
			break
		}
	}

	header := v.User
	if u.Orphaned {
		header += " (not in config)"
	}
	fmt.Fprintf(buf, "%s   refresh: %s | %s\n", header, v.Interval, v.Time.Format(time.TimeOnly))
	fmt.Fprintf(buf, "status: %s\n\n", statusLine(v))

	tw := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\tTotal Volume\tCurrent Speed\tActivity (%s)\n", WindowLabel(t.history, v.Interval))
	fmt.Fprintf(tw, "Upload (↑)\t%s\t%s\t%s\n",
		Bytes(u.UplinkTotal), rateOrDash(u.UplinkRate, u.HasRate), Sparkline(u.UplinkHistory, t.history))
	fmt.Fprintf(tw, "Download (↓)\t%s\t%s\t%s\n",
		Bytes(u.DownlinkTotal), rateOrDash(u.DownlinkRate, u.HasRate), Sparkline(u.DownlinkHistory, t.history))
	tw.Flush()
}
