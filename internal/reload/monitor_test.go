package reload

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bigbes/xctl/internal/store"
	"github.com/bigbes/xctl/internal/xray"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(users ...string) *xray.Config {
	var clients []xray.UserEntry
	for i, email := range users {
		clients = append(clients, xray.UserEntry{
			ID:    fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1),
			Email: email,
		})
	}
	return &xray.Config{
		Inbounds: []xray.Inbound{{
			Port:     xray.PortNumber(443),
			Protocol: "vless",
			Settings: &xray.InboundSettings{Clients: clients, Decryption: "none"},
			StreamSettings: &xray.StreamSettings{
				Network:  "tcp",
				Security: "reality",
				RealitySettings: &xray.RealitySettings{
					ServerNames: []string{"www.example.com"},
					PrivateKey:  "dwdtCnMYpX08FsFyUbJmRd9ML4frwJkqsXf7pR25LCo",
					ShortIDs:    []string{"ab"},
				},
			},
		}},
	}
}

// replaceFile swaps the content in one rename so no poll sees a partial file.
func replaceFile(t *testing.T, path string, data []byte) {
	t.Helper()
	tmp := path + ".new"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
}

type fixture struct {
	store  *store.Store
	mon    *Monitor
	logs   *syncBuffer
	cancel context.CancelFunc
	done   chan error
}

func start(t *testing.T, initial *xray.Config) *fixture {
	t.Helper()
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, nil))
	st := store.Open(filepath.Join(t.TempDir(), "config.json"), "", 5, logger)
	if _, err := st.Save(initial); err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store: st,
		mon:   New(st, st.Path(), 20*time.Millisecond, logger),
		logs:  logs,
		done:  make(chan error, 1),
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.mon.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-f.done
	})

	deadline := time.Now().Add(2 * time.Second)
	for f.mon.State() != StateWatching {
		if time.Now().After(deadline) {
			t.Fatalf("monitor never started watching, state %v", f.mon.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	return f
}

func TestExternalChangeDeliversOneEvent(t *testing.T) {
	f := start(t, testConfig("alice"))
	events, unsubscribe := f.mon.Subscribe()
	defer unsubscribe()

	// Another writer replaces the file; both the fsnotify path and the
	// ticker will notice.
	other := store.Open(f.store.Path(), "", 5, slog.New(slog.NewTextHandler(&syncBuffer{}, nil)))
	if _, err := other.Save(testConfig("alice", "bob")); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		if got := ev.Config.Emails(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
			t.Fatalf("event emails = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no reload event")
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected second event for one change: %v", ev.Config.Emails())
	case <-time.After(200 * time.Millisecond):
	}

	if got := f.mon.Current().Emails(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
		t.Fatalf("Current() = %v", got)
	}
}

func TestInvalidChangeKeepsLastGood(t *testing.T) {
	f := start(t, testConfig("alice"))
	events, unsubscribe := f.mon.Subscribe()
	defer unsubscribe()

	replaceFile(t, f.store.Path(), []byte(`{"inbounds": [`))

	select {
	case ev := <-events:
		t.Fatalf("invalid file was published: %v", ev.Config.Emails())
	case <-time.After(300 * time.Millisecond):
	}
	if got := f.mon.Current().Emails(); !reflect.DeepEqual(got, []string{"alice"}) {
		t.Fatalf("Current() = %v, want last known-good", got)
	}
	if s := f.mon.State(); s != StateWatching {
		t.Fatalf("state = %v, want watching", s)
	}
	if !strings.Contains(f.logs.String(), "keeping last known-good") {
		t.Fatalf("invalid config not logged:\n%s", f.logs.String())
	}
	// Logged once, not once per tick.
	if n := strings.Count(f.logs.String(), "changed config is invalid"); n != 1 {
		t.Fatalf("invalid config logged %d times", n)
	}

	// A later valid write is picked up.
	data, err := testConfig("carol").Encode()
	if err != nil {
		t.Fatal(err)
	}
	replaceFile(t, f.store.Path(), data)
	select {
	case ev := <-events:
		if got := ev.Config.Emails(); !reflect.DeepEqual(got, []string{"carol"}) {
			t.Fatalf("event emails = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid config after invalid one was not picked up")
	}
}

func TestIdenticalRewriteNotPublished(t *testing.T) {
	f := start(t, testConfig("alice"))
	events, unsubscribe := f.mon.Subscribe()
	defer unsubscribe()

	data, err := os.ReadFile(f.store.Path())
	if err != nil {
		t.Fatal(err)
	}
	replaceFile(t, f.store.Path(), data)
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(f.store.Path(), later, later); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-events:
		t.Fatalf("unchanged content was published: %v", ev.Config.Emails())
	case <-time.After(300 * time.Millisecond):
	}

	data, err = testConfig("alice", "bob").Encode()
	if err != nil {
		t.Fatal(err)
	}
	replaceFile(t, f.store.Path(), data)
	select {
	case ev := <-events:
		if got := ev.Config.Emails(); !reflect.DeepEqual(got, []string{"alice", "bob"}) {
			t.Fatalf("event emails = %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("real change after a touch was not picked up")
	}
}

func TestStopClosesSubscribers(t *testing.T) {
	f := start(t, testConfig("alice"))
	events, _ := f.mon.Subscribe()

	f.cancel()
	select {
	case err := <-f.done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		f.done <- nil
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if s := f.mon.State(); s != StateStopped {
		t.Fatalf("state = %v, want stopped", s)
	}
	if _, ok := <-events; ok {
		t.Fatal("subscriber channel not closed")
	}
	late, _ := f.mon.Subscribe()
	if _, ok := <-late; ok {
		t.Fatal("subscribe after stop returned an open channel")
	}
}

func TestInitialLoadFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(&syncBuffer{}, nil))
	m := New(store.Open(path, "", 5, logger), path, time.Second, logger)
	if err := m.Run(context.Background()); err == nil {
		t.Fatal("expected error for invalid initial config")
	}
	if m.Current() != nil {
		t.Fatal("Current() should be nil")
	}
}

func TestPublishKeepsNewest(t *testing.T) {
	ch := make(chan Event, 1)
	publish(ch, Event{Config: testConfig("a")})
	publish(ch, Event{Config: testConfig("b")})
	ev := <-ch
	if got := ev.Config.Emails(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("got %v, want newest", got)
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateIdle:           "idle",
		StateWatching:       "watching",
		StateChangeDetected: "change_detected",
		StateReloading:      "reloading",
		StateStopped:        "stopped",
	} {
		if s.String() != want {
			t.Errorf("%d: got %q, want %q", s, s.String(), want)
		}
	}
}
