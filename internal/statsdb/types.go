package statsdb

import "time"

// UserTotals is a user's lifetime traffic together with the cumulative Xray
// counters it was last advanced from (input to Save).
type UserTotals struct {
	Email            string
	UplinkTotal      int64
	DownlinkTotal    int64
	UplinkLastSeen   int64
	DownlinkLastSeen int64
	LastSample       time.Time
}

// UserRecord is the persisted lifetime record (output from reads).
type UserRecord struct {
	UplinkTotal   int64
	DownlinkTotal int64
	// Counters the totals were last accumulated from.
	UplinkLastSeen   int64
	DownlinkLastSeen int64
	LastSampleUnix   int64
}
