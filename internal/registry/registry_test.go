package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/seantiz/drover/internal/model"
)

// fakeClock lets tests advance registry time deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry() (*Registry, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	r := New()
	r.now = clock.now
	return r, clock
}

func TestRegisterIssuesIdentity(t *testing.T) {
	r, _ := newTestRegistry()

	id := r.Register("")
	if id == "" {
		t.Fatal("Register returned empty identity")
	}

	c, err := r.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.State != model.ClientConnected {
		t.Errorf("State = %q, want connected", c.State)
	}
}

func TestRegisterUniqueIdentities(t *testing.T) {
	r, _ := newTestRegistry()

	a := r.Register("")
	b := r.Register("")
	if a == b {
		t.Errorf("two registrations returned the same identity %q", a)
	}
}

func TestRegisterReconnect(t *testing.T) {
	r, clock := newTestRegistry()

	id := r.Register("")
	r.MarkDisconnected(id)
	clock.advance(time.Minute)

	got := r.Register(id)
	if got != id {
		t.Errorf("reconnect returned %q, want original %q", got, id)
	}

	c, _ := r.Get(id)
	if c.State != model.ClientConnected {
		t.Errorf("State = %q, want connected after reconnect", c.State)
	}
	if !c.LastSeen.Equal(clock.now().UTC()) {
		t.Errorf("LastSeen = %v, want refreshed to %v", c.LastSeen, clock.now().UTC())
	}
}

func TestRegisterUnknownIDReadmitted(t *testing.T) {
	r, _ := newTestRegistry()

	// A client presenting an identity the server has never seen (say, after
	// a coordinator restart) keeps that identity.
	got := r.Register("carried-over-id")
	if got != "carried-over-id" {
		t.Errorf("Register = %q, want carried-over-id", got)
	}
	if _, err := r.Get("carried-over-id"); err != nil {
		t.Errorf("Get after re-admission: %v", err)
	}
}

func TestHeartbeat(t *testing.T) {
	r, clock := newTestRegistry()
	id := r.Register("")

	clock.advance(10 * time.Second)
	if err := r.Heartbeat(id); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}

	c, _ := r.Get(id)
	if !c.LastSeen.Equal(clock.now().UTC()) {
		t.Errorf("LastSeen = %v, want %v", c.LastSeen, clock.now().UTC())
	}
}

func TestHeartbeatUnknownClient(t *testing.T) {
	r, _ := newTestRegistry()

	err := r.Heartbeat("never-registered")
	if !errors.Is(err, ErrUnknownClient) {
		t.Errorf("Heartbeat error = %v, want ErrUnknownClient", err)
	}
}

func TestHeartbeatRevivesDisconnected(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Register("")
	r.MarkDisconnected(id)

	if err := r.Heartbeat(id); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	c, _ := r.Get(id)
	if c.State != model.ClientConnected {
		t.Errorf("State = %q, want connected", c.State)
	}
}

func TestStale(t *testing.T) {
	r, clock := newTestRegistry()

	old := r.Register("")
	clock.advance(time.Minute)
	fresh := r.Register("")

	stale := r.Stale(30 * time.Second)
	if len(stale) != 1 || stale[0] != old {
		t.Errorf("Stale = %v, want [%s]", stale, old)
	}

	// Disconnected clients are not reported again.
	r.MarkDisconnected(old)
	if stale := r.Stale(30 * time.Second); len(stale) != 0 {
		t.Errorf("Stale after disconnect = %v, want empty", stale)
	}

	// The fresh client ages out eventually too.
	clock.advance(time.Minute)
	stale = r.Stale(30 * time.Second)
	if len(stale) != 1 || stale[0] != fresh {
		t.Errorf("Stale = %v, want [%s]", stale, fresh)
	}
}

func TestPurgeDropsLongDisconnected(t *testing.T) {
	r, clock := newTestRegistry()

	gone := r.Register("")
	r.MarkDisconnected(gone)
	clock.advance(time.Hour)
	recent := r.Register("")
	r.MarkDisconnected(recent)
	connected := r.Register("")

	purged := r.Purge(30 * time.Minute)
	if len(purged) != 1 || purged[0] != gone {
		t.Errorf("Purge = %v, want [%s]", purged, gone)
	}
	if _, err := r.Get(gone); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("Get purged client error = %v, want ErrUnknownClient", err)
	}

	// A recently disconnected client and a connected one both stay.
	if _, err := r.Get(recent); err != nil {
		t.Errorf("Get recent client: %v", err)
	}
	if _, err := r.Get(connected); err != nil {
		t.Errorf("Get connected client: %v", err)
	}
}

func TestPurgeSparesSilentConnected(t *testing.T) {
	r, clock := newTestRegistry()

	// A connected client that went silent belongs to Stale, not Purge; only
	// after the sweep marks it disconnected does it become purgeable.
	id := r.Register("")
	clock.advance(time.Hour)

	if purged := r.Purge(time.Minute); len(purged) != 0 {
		t.Errorf("Purge = %v, want empty while still connected", purged)
	}

	r.MarkDisconnected(id)
	clock.advance(2 * time.Minute)
	if purged := r.Purge(time.Minute); len(purged) != 1 || purged[0] != id {
		t.Errorf("Purge = %v, want [%s]", purged, id)
	}
}

func TestPurgedClientCanReregister(t *testing.T) {
	r, clock := newTestRegistry()

	id := r.Register("node-1")
	r.MarkDisconnected(id)
	clock.advance(time.Hour)
	r.Purge(time.Minute)

	got := r.Register("node-1")
	if got != "node-1" {
		t.Errorf("Register after purge = %q, want node-1", got)
	}
	c, err := r.Get("node-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if c.State != model.ClientConnected {
		t.Errorf("State = %q, want connected", c.State)
	}
}

func TestList(t *testing.T) {
	r, _ := newTestRegistry()

	ids := map[string]bool{
		r.Register(""): true,
		r.Register(""): true,
		r.Register(""): true,
	}

	clients := r.List()
	if len(clients) != 3 {
		t.Fatalf("len(clients) = %d, want 3", len(clients))
	}
	for i := 1; i < len(clients); i++ {
		if clients[i-1].ID >= clients[i].ID {
			t.Errorf("clients not sorted by ID: %q >= %q", clients[i-1].ID, clients[i].ID)
		}
	}
	for _, c := range clients {
		if !ids[c.ID] {
			t.Errorf("List returned unknown client %q", c.ID)
		}
	}
}

func TestConnectedCount(t *testing.T) {
	r, _ := newTestRegistry()

	a := r.Register("")
	r.Register("")
	if got := r.ConnectedCount(); got != 2 {
		t.Errorf("ConnectedCount = %d, want 2", got)
	}

	r.MarkDisconnected(a)
	if got := r.ConnectedCount(); got != 1 {
		t.Errorf("ConnectedCount = %d, want 1", got)
	}
}

func TestGetReturnsCopy(t *testing.T) {
	r, _ := newTestRegistry()
	id := r.Register("")

	c, _ := r.Get(id)
	c.State = model.ClientDisconnected

	again, _ := r.Get(id)
	if again.State != model.ClientConnected {
		t.Error("mutating a Get result leaked into registry state")
	}
}
