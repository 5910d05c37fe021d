package dashboard

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/bigbes/xctl/internal/stats"
	"github.com/bigbes/xctl/internal/telemetry"
)

func TestSparkline(t *testing.T) {
	tests := []struct {
		name  string
		data  []float64
		width int
		want  string
	}{
		{"empty", nil, 5, "     "},
		{"left padded", []float64{10240}, 3, "  █"},
		{"floor scale", []float64{5120}, 1, "▄"},
		{"scaled to max", []float64{20480, 10240}, 2, "█▄"},
		{"keeps newest", []float64{1, 2, 3, 10240}, 1, "█"},
		{"zero width", []float64{1}, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sparkline(tt.data, tt.width); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWindowLabel(t *testing.T) {
	tests := []struct {
		samples  int
		interval time.Duration
		want     string
	}{
		{30, time.Second, "30s"},
		{30, 500 * time.Millisecond, "15s"},
		{30, 2 * time.Second, "1m"},
		{30, 3 * time.Second, "1.5m"},
		{30, 10 * time.Second, "5m"},
	}
	for _, tt := range tests {
		if got := WindowLabel(tt.samples, tt.interval); got != tt.want {
			t.Errorf("WindowLabel(%d, %v) = %q, want %q", tt.samples, tt.interval, got, tt.want)
		}
	}
}

func TestFormat(t *testing.T) {
	if got := Bytes(1536); got != "1.5 KiB" {
		t.Errorf("Bytes = %q", got)
	}
	if got := Bytes(-1); got != "0 B" {
		t.Errorf("negative Bytes = %q", got)
	}
	if got := Rate(100); got != "100 B/s" {
		t.Errorf("Rate = %q", got)
	}
	if got := rateOrDash(100, false); got != "—" {
		t.Errorf("missing rate = %q", got)
	}
}

func testView() View {
	return View{
		Interval: time.Second,
		Time:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		Users: []telemetry.UserTelemetry{
			{Email: "alice", UplinkRate: 2048, DownlinkRate: 1024, HasRate: true, UplinkTotal: 1 << 20, DownlinkTotal: 1 << 21},
			{Email: "bob"},
			{Email: "gone", Orphaned: true, Reset: true, HasRate: true, UplinkTotal: 10},
		},
		Totals: telemetry.Aggregate{Users: 2, UplinkRate: 2048, DownlinkRate: 1024, UplinkTotal: 1 << 20, DownlinkTotal: 1 << 21},
		Status: telemetry.Status{Samples: 3},
	}
}

func TestTerminalAggregate(t *testing.T) {
	var out bytes.Buffer
	term := NewTerminal(&out, 30)
	if term.live {
		t.Fatal("a buffer is not a terminal")
	}
	if err := term.Render(testView()); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{
		"users: 2 | refresh: 1s",
		"status: ok",
		"2.0 KiB/s",
		"1.0 MiB",
		"orphan,reset",
		"TOTAL",
		"activity (30s)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, clearScreen) {
		t.Error("non-terminal output contains escape codes")
	}

	// bob has no rate yet.
	for _, line := range strings.Split(got, "\n") {
		if strings.Contains(line, "bob") && !strings.Contains(line, "—") {
			t.Errorf("bob row without placeholder: %q", line)
		}
	}
}

func TestTerminalFailedTick(t *testing.T) {
	var out bytes.Buffer
	v := testView()
	v.Err = errors.New("stats source unreachable")
	if err := NewTerminal(&out, 30).Render(v); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "no data this tick: stats source unreachable") {
		t.Fatalf("status not shown:\n%s", out.String())
	}
	// The last known rows are still drawn.
	if !strings.Contains(out.String(), "alice") {
		t.Fatalf("rows missing:\n%s", out.String())
	}
}

func TestTerminalSingleUser(t *testing.T) {
	var out bytes.Buffer
	v := testView()
	v.User = "alice"
	v.Users[0].UplinkHistory = []float64{0, 10240}
	if err := NewTerminal(&out, 10).Render(v); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"alice", "Upload (↑)", "Download (↓)", "Activity (10s)", "2.0 KiB/s", "█"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}

	out.Reset()
	v.User = "nobody"
	if err := NewTerminal(&out, 10).Render(v); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "—") {
		t.Errorf("unknown user should render placeholders:\n%s", out.String())
	}
}

func TestPrintSnapshot(t *testing.T) {
	var out bytes.Buffer
	if err := PrintSnapshot(&out, "Global Server Stats", "Active Users: 2", stats.Counters{Uplink: 1024, Downlink: 2048}); err != nil {
		t.Fatal(err)
	}
	got := out.String()
	for _, want := range []string{"Global Server Stats", "Active Users: 2", "1.0 KiB", "2.0 KiB", "3.0 KiB", "Total (∑)"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
