package dashboard

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bigbes/xctl/internal/stats"
)

// PrintSnapshot writes a one-shot traffic panel: title, subtitle and the
// cumulative volume in each direction.
func PrintSnapshot(w io.Writer, title, subtitle string, c stats.Counters) error {
	if _, err := fmt.Fprintf(w, "%s\n%s\n\n", title, subtitle); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "\tTotal Volume\t")
	fmt.Fprintf(tw, "Upload (↑)\t%s\t\n", Bytes(c.Uplink))
	fmt.Fprintf(tw, "Download (↓)\t%s\t\n", Bytes(c.Downlink))
	fmt.Fprintln(tw, "\t\t")
	fmt.Fprintf(tw, "Total (∑)\t%s\t\n", Bytes(c.Sum()))
	return tw.Flush()
}
