package statsdb

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	s, err := Open(path, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDaemonStartTime(t *testing.T) {
	s := testStore(t)
	now := time.Now().Truncate(time.Second)
	if err := s.SetDaemonStartTime(now); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetDaemonStartTime()
	if err != nil {
		t.Fatal(err)
	}
	if !got.Equal(now) {
		t.Fatalf("got %v, want %v", got, now)
	}
}

func TestSave(t *testing.T) {
	s := testStore(t)
	t0 := time.Unix(1_700_000_000, 0)

	users := []UserTotals{
		{Email: "alice", UplinkTotal: 100, DownlinkTotal: 200, UplinkLastSeen: 100, DownlinkLastSeen: 200, LastSample: t0},
		{Email: "bob"},
	}
	if err := s.Save(users); err != nil {
		t.Fatal(err)
	}

	recs, err := s.Users()
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs["alice"].UplinkTotal != 100 || recs["alice"].DownlinkTotal != 200 {
		t.Fatalf("alice totals: up=%d down=%d", recs["alice"].UplinkTotal, recs["alice"].DownlinkTotal)
	}
	if recs["bob"].LastSampleUnix != 0 {
		t.Fatalf("bob last sample: got %d", recs["bob"].LastSampleUnix)
	}

	// Xray restarted in between: the totals carry on while the counters
	// start over. Save stores them as given.
	users[0] = UserTotals{
		Email: "alice", UplinkTotal: 2600, DownlinkTotal: 290,
		UplinkLastSeen: 30, DownlinkLastSeen: 40, LastSample: t0.Add(time.Minute),
	}
	if err := s.Save(users[:1]); err != nil {
		t.Fatal(err)
	}

	recs, _ = s.Users()
	alice := recs["alice"]
	if alice.UplinkTotal != 2600 || alice.DownlinkTotal != 290 {
		t.Fatalf("alice totals after reset: %+v", alice)
	}
	if alice.UplinkLastSeen != 30 || alice.DownlinkLastSeen != 40 {
		t.Fatalf("alice last seen: %+v", alice)
	}
	if alice.LastSampleUnix != t0.Add(time.Minute).Unix() {
		t.Fatalf("alice last sample: got %d", alice.LastSampleUnix)
	}
	if _, ok := recs["bob"]; !ok {
		t.Fatal("bob dropped by a save that did not mention him")
	}
}

func TestTotalsSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.sqlite")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	s, err := Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Save([]UserTotals{{Email: "alice", UplinkTotal: 42, UplinkLastSeen: 42, LastSample: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = Open(path, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	recs, err := s.Users()
	if err != nil {
		t.Fatal(err)
	}
	if recs["alice"].UplinkTotal != 42 {
		t.Fatalf("got %+v", recs["alice"])
	}
}

func TestDeleteUser(t *testing.T) {
	s := testStore(t)
	if err := s.Save([]UserTotals{{Email: "alice", UplinkTotal: 1}, {Email: "bob", UplinkTotal: 2}}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteUser("alice"); err != nil {
		t.Fatal(err)
	}
	recs, _ := s.Users()
	if _, ok := recs["alice"]; ok || len(recs) != 1 {
		t.Fatalf("records = %v", recs)
	}
}
