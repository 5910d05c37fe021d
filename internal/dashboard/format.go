package dashboard

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Bars ordered from idle to the top of the scale; the first two are blank so
// a trickle of traffic does not draw.
var bars = []rune("  ▂▃▄▅▆▇█")

// sparkFloor keeps a quiet connection from looking saturated.
const sparkFloor = 10 * 1024

const noRate = "—"

// Bytes formats a byte count with binary prefixes.
func Bytes(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.IBytes(uint64(n))
}

// Rate formats bytes per second.
func Rate(bps float64) string {
	if bps < 0 || math.IsNaN(bps) {
		bps = 0
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}

func rateOrDash(bps float64, ok bool) string {
	if !ok {
		return noRate
	}
	return Rate(bps)
}

// Sparkline renders the last width samples, oldest left. Short histories are
// left-padded with idle samples.
func Sparkline(data []float64, width int) string {
	if width <= 0 {
		return ""
	}
	if len(data) > width {
		data = data[len(data)-width:]
	}
	padded := make([]float64, width-len(data), width)
	padded = append(padded, data...)

	top := float64(sparkFloor)
	for _, v := range padded {
		top = math.Max(top, v)
	}

	var b strings.Builder
	for _, v := range padded {
		idx := 0
		if v > 0 {
			idx = int(v / top * float64(len(bars)-1))
			idx = max(0, min(idx, len(bars)-1))
		}
		b.WriteRune(bars[idx])
	}
	return b.String()
}

// WindowLabel describes the span covered by samples taken every interval,
// e.g. "30s", "2m" or "1.5m".
func WindowLabel(samples int, interval time.Duration) string {
	total := int(float64(samples) * interval.Seconds())
	if total < 60 {
		return fmt.Sprintf("%ds", total)
	}
	minutes := math.Round(float64(total)/60*10) / 10
	if minutes == math.Trunc(minutes) {
		return fmt.Sprintf("%dm", int(minutes))
	}
	return fmt.Sprintf("%.1fm", minutes)
}
