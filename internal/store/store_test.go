package store

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bigbes/xctl/internal/xray"
)

const testPrivateKey = "dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testStore(t *testing.T, retention int) *Store {
	t.Helper()
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "config.json"), "", retention, testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var n int
	s.now = func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Second)
	}
	return s
}

func testConfig(users ...string) *xray.Config {
	var clients []xray.UserEntry
	for i, email := range users {
		clients = append(clients, xray.UserEntry{
			ID:    fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1),
			Email: email,
			Flow:  xray.FlowVision,
		})
	}
	return &xray.Config{
		Inbounds: []xray.Inbound{{
			Tag:      "vless-in",
			Port:     xray.PortNumber(443),
			Protocol: "vless",
			Settings: &xray.InboundSettings{Clients: clients, Decryption: "none"},
			StreamSettings: &xray.StreamSettings{
				Network:  "tcp",
				Security: "reality",
				RealitySettings: &xray.RealitySettings{
					ServerNames: []string{"www.example.com"},
					PrivateKey:  testPrivateKey,
					ShortIDs:    []string{"6ba85179e30d4fc2"},
					Fingerprint: "chrome",
				},
			},
		}},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := testStore(t, 5)
	want := testConfig("alice", "bob")

	b, err := s.Save(want)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if b != nil {
		t.Fatalf("first save created backup %+v", b)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("round trip mismatch:\ngot  %+v\nwant %+v", got, want)
	}
}

func TestLoadErrors(t *testing.T) {
	s := testStore(t, 5)

	if _, err := s.Load(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file: got %v, want ErrNotFound", err)
	}

	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("bad json: got %v, want ErrCorrupt", err)
	}

	if err := os.WriteFile(s.Path(), []byte(`{"inbounds":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := s.Load()
	var verr *xray.ValidationError
	if !errors.Is(err, ErrCorrupt) || !errors.As(err, &verr) {
		t.Fatalf("invalid schema: got %v, want ErrCorrupt wrapping ValidationError", err)
	}
}

func TestSaveInvalidLeavesFileUntouched(t *testing.T) {
	s := testStore(t, 5)
	if _, err := s.Save(testConfig("alice")); err != nil {
		t.Fatal(err)
	}
	before, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}

	bad := testConfig("alice", "alice")
	_, err = s.Save(bad)
	var verr *xray.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("got %v, want ValidationError", err)
	}

	after, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, after) {
		t.Fatal("invalid save modified the live file")
	}
	backups, _ := s.Backups()
	if len(backups) != 0 {
		t.Fatalf("invalid save created %d backups", len(backups))
	}
}

func TestCrashBeforeRename(t *testing.T) {
	s := testStore(t, 5)
	old := testConfig("alice")
	if _, err := s.Save(old); err != nil {
		t.Fatal(err)
	}

	s.beforeRename = func() error { return errCrash }
	if _, err := s.Save(testConfig("alice", "bob")); !errors.Is(err, errCrash) {
		t.Fatalf("got %v, want simulated crash", err)
	}

	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), tmpPattern))
	if len(matches) != 1 {
		t.Fatalf("expected the crash to leave one temp file, got %v", matches)
	}

	// Recovery: a fresh store on the same path, once the temp file is old
	// enough to be abandoned.
	stale := time.Now().Add(-2 * staleTempAge)
	if err := os.Chtimes(matches[0], stale, stale); err != nil {
		t.Fatal(err)
	}
	recovered := Open(s.Path(), "", 5, testLogger())
	got, err := recovered.Load()
	if err != nil {
		t.Fatalf("Load after crash: %v", err)
	}
	if !reflect.DeepEqual(got, old) {
		t.Fatalf("after crash got %v, want old record", got.Emails())
	}
	matches, _ = filepath.Glob(filepath.Join(filepath.Dir(s.Path()), tmpPattern))
	if len(matches) != 0 {
		t.Fatalf("stale temp files not cleaned: %v", matches)
	}
}

func TestFailedRenameCleansUp(t *testing.T) {
	s := testStore(t, 5)
	if _, err := s.Save(testConfig("alice")); err != nil {
		t.Fatal(err)
	}
	s.beforeRename = func() error { return errors.New("disk full") }
	if _, err := s.Save(testConfig("bob")); err == nil {
		t.Fatal("expected error")
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(s.Path()), tmpPattern))
	if len(matches) != 0 {
		t.Fatalf("temp files left after failed write: %v", matches)
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Emails(), []string{"alice"}) {
		t.Fatalf("live config changed: %v", got.Emails())
	}

	if _, err := s.Save(testConfig("alice", "bob")); err == nil {
		t.Fatal("expected error")
	}
	backups, err := s.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 0 {
		t.Fatalf("aborted saves left backups: %+v", backups)
	}
}

func TestOpenDuringSave(t *testing.T) {
	s := testStore(t, 5)
	if _, err := s.Save(testConfig("alice")); err != nil {
		t.Fatal(err)
	}

	// A temp file another process is still writing.
	foreign := filepath.Join(filepath.Dir(s.Path()), ".xctl-foreign.tmp")
	if err := os.WriteFile(foreign, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	s.beforeRename = func() error {
		Open(s.Path(), "", 5, testLogger())
		return nil
	}
	if _, err := s.Save(testConfig("alice", "bob")); err != nil {
		t.Fatalf("Open on the same path broke an in-flight save: %v", err)
	}
	s.beforeRename = nil

	Open(s.Path(), "", 5, testLogger())
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("fresh temp file of another writer was removed: %v", err)
	}

	old := time.Now().Add(-2 * staleTempAge)
	if err := os.Chtimes(foreign, old, old); err != nil {
		t.Fatal(err)
	}
	Open(s.Path(), "", 5, testLogger())
	if _, err := os.Stat(foreign); !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("abandoned temp file kept: %v", err)
	}
}

func TestBackupRetention(t *testing.T) {
	const retention = 3
	s := testStore(t, retention)

	// The first save has nothing to back up, so retention+2 saves produce
	// retention+1 backups and exactly one eviction.
	for i := 0; i < retention+2; i++ {
		if _, err := s.Save(testConfig(fmt.Sprintf("user%d", i))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	backups, err := s.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != retention {
		t.Fatalf("got %d backups, want %d", len(backups), retention)
	}
	for i, b := range backups {
		if b.Seq != i+2 {
			t.Errorf("backup %d has seq %d, want %d (oldest evicted first)", i, b.Seq, i+2)
		}
	}
	for i := 1; i < len(backups); i++ {
		if !backups[i].Time.After(backups[i-1].Time) {
			t.Errorf("backup times not increasing: %v then %v", backups[i-1].Time, backups[i].Time)
		}
	}
}

func TestRestore(t *testing.T) {
	s := testStore(t, 10)

	first := testConfig("alice")
	second := testConfig("alice", "bob")
	third := testConfig("carol")
	for _, cfg := range []*xray.Config{first, second, third} {
		if _, err := s.Save(cfg); err != nil {
			t.Fatal(err)
		}
	}

	// Backup 1 holds what was live before the second save: first.
	restored, err := s.Restore(1)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !reflect.DeepEqual(restored, first) {
		t.Fatalf("restored %v, want %v", restored.Emails(), first.Emails())
	}
	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, first) {
		t.Fatalf("loaded %v after restore, want %v", got.Emails(), first.Emails())
	}

	backups, err := s.Backups()
	if err != nil {
		t.Fatal(err)
	}
	if len(backups) != 3 {
		t.Fatalf("got %d backups, want 3", len(backups))
	}
	latest := backups[len(backups)-1]
	data, err := os.ReadFile(latest.Path)
	if err != nil {
		t.Fatal(err)
	}
	replaced, err := xray.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(replaced, third) {
		t.Fatalf("restore backed up %v, want the replaced record %v", replaced.Emails(), third.Emails())
	}

	if _, err := s.Restore(42); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown seq: got %v, want ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	s := testStore(t, 5)
	if _, err := s.Save(testConfig("alice")); err != nil {
		t.Fatal(err)
	}

	_, err := s.Update(func(cfg *xray.Config) error {
		return cfg.AddUser(xray.UserEntry{ID: "00000000-0000-4000-8000-000000000099", Email: "bob"})
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.Load()
	if !reflect.DeepEqual(got.Emails(), []string{"alice", "bob"}) {
		t.Fatalf("emails = %v", got.Emails())
	}

	sentinel := errors.New("abort")
	if _, err := s.Update(func(cfg *xray.Config) error {
		cfg.RemoveUser("alice")
		return sentinel
	}); !errors.Is(err, sentinel) {
		t.Fatalf("got %v", err)
	}
	got, _ = s.Load()
	if !reflect.DeepEqual(got.Emails(), []string{"alice", "bob"}) {
		t.Fatalf("aborted update changed config: %v", got.Emails())
	}
}

func TestConcurrentUpdatesSerialize(t *testing.T) {
	s := testStore(t, 100)
	if _, err := s.Save(testConfig()); err != nil {
		t.Fatal(err)
	}
	other := Open(s.Path(), "", 100, testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		st := s
		if i%2 == 1 {
			st = other
		}
		wg.Add(1)
		go func(i int, st *Store) {
			defer wg.Done()
			_, err := st.Update(func(cfg *xray.Config) error {
				return cfg.AddUser(xray.UserEntry{
					ID:    fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1),
					Email: fmt.Sprintf("user%d", i),
				})
			})
			if err != nil {
				t.Errorf("update %d: %v", i, err)
			}
		}(i, st)
	}
	wg.Wait()

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if n := len(got.Users()); n != 20 {
		t.Fatalf("got %d users, want 20 (lost update)", n)
	}
}

func TestSavePreservesFileMode(t *testing.T) {
	s := testStore(t, 5)
	if _, err := s.Save(testConfig("alice")); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(s.Path(), 0o640); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(testConfig("bob")); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.Path())
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o640 {
		t.Fatalf("mode = %v, want 0640", info.Mode().Perm())
	}
}
