package presence

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umar/guestchat/internal/apperr"
	"github.com/umar/guestchat/internal/models"
	"github.com/umar/guestchat/internal/protocol"
	redisc "github.com/umar/guestchat/internal/redis"
	"github.com/umar/guestchat/internal/registry"
)

type sent struct {
	room   string // empty for global broadcasts
	except string
	frame  protocol.Frame
}

type fakeBroadcaster struct {
	mu   sync.Mutex
	sent []sent
}

func (b *fakeBroadcaster) record(room, except string, data []byte) {
	var f protocol.Frame
	_ = json.Unmarshal(data, &f)
	b.mu.Lock()
	b.sent = append(b.sent, sent{room: room, except: except, frame: f})
	b.mu.Unlock()
}

func (b *fakeBroadcaster) BroadcastToRoom(_ context.Context, roomID string, frame []byte, except string) error {
	b.record(roomID, except, frame)
	return nil
}

func (b *fakeBroadcaster) BroadcastAll(_ context.Context, frame []byte, except string) error {
	b.record("", except, frame)
	return nil
}

func (b *fakeBroadcaster) types() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.sent))
	for i, s := range b.sent {
		out[i] = s.frame.Type
	}
	return out
}

func (b *fakeBroadcaster) reset() {
	b.mu.Lock()
	b.sent = nil
	b.mu.Unlock()
}

type fixture struct {
	mr     *miniredis.Miniredis
	reg    *registry.Registry
	bcast  *fakeBroadcaster
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	reg := registry.New()
	bcast := &fakeBroadcaster{}
	store := redisc.NewPresenceStore(client, time.Second)
	return &fixture{mr: mr, reg: reg, bcast: bcast, engine: NewEngine(store, reg, bcast, time.Hour)}
}

// open registers and connects a connection the way the gateway does.
func (f *fixture) open(t *testing.T, connID string, id models.Identity) {
	t.Helper()
	f.reg.Add(connID, id)
	require.NoError(t, f.engine.Connect(context.Background(), connID, id))
}

func memberIDs(members []models.Member) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.UserID
	}
	return ids
}

var (
	alice = models.Identity{ID: "guest_a", DisplayName: "alice", IsGuest: true}
	bob   = models.Identity{ID: "guest_b", DisplayName: "bob", IsGuest: true}
)

func TestEngine_JoinSnapshotAndDelta(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "a1", alice)
	f.open(t, "b1", bob)
	f.bcast.reset()

	members, err := f.engine.Join(ctx, "a1", "general", alice)
	require.NoError(t, err)
	assert.Equal(t, []models.Member{{UserID: "guest_a", Username: "alice"}}, members)

	members, err = f.engine.Join(ctx, "b1", "general", bob)
	require.NoError(t, err)
	assert.Equal(t, []models.Member{
		{UserID: "guest_a", Username: "alice"},
		{UserID: "guest_b", Username: "bob"},
	}, members)

	require.Len(t, f.bcast.sent, 2)
	last := f.bcast.sent[1]
	assert.Equal(t, protocol.TypeUserJoinedRoom, last.frame.Type)
	assert.Equal(t, "general", last.room)
	assert.Equal(t, "b1", last.except)

	var p protocol.MemberEventPayload
	require.NoError(t, json.Unmarshal(last.frame.Payload, &p))
	assert.Equal(t, protocol.MemberEventPayload{UserID: "guest_b", RoomID: "general", Username: "bob"}, p)
}

func TestEngine_TwoTabs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "tab1", alice)
	f.open(t, "tab2", alice)

	_, err := f.engine.Join(ctx, "tab1", "R", alice)
	require.NoError(t, err)
	_, err = f.engine.Join(ctx, "tab2", "R", alice)
	require.NoError(t, err)

	f.bcast.reset()
	require.NoError(t, f.engine.Leave(ctx, "tab1", "R", alice))
	members, err := f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, []string{"guest_a"}, memberIDs(members))
	assert.Empty(t, f.bcast.types(), "first tab leaving is not visible to the room")

	require.NoError(t, f.engine.Leave(ctx, "tab2", "R", alice))
	members, err = f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Equal(t, []string{protocol.TypeUserLeftRoom}, f.bcast.types())
	assert.False(t, f.mr.Exists(roomCounterKey("R", "guest_a")))
}

func TestEngine_DisconnectOneTabKeepsPresence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "tab1", alice)
	f.open(t, "tab2", alice)
	_, err := f.engine.Join(ctx, "tab1", "R", alice)
	require.NoError(t, err)
	_, err = f.engine.Join(ctx, "tab2", "R", alice)
	require.NoError(t, err)

	f.bcast.reset()
	require.NoError(t, f.engine.Disconnect(ctx, "tab1", alice))
	require.NoError(t, f.engine.Disconnect(ctx, "tab1", alice), "second disconnect is a no-op")

	members, err := f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, []string{"guest_a"}, memberIDs(members))
	online, err := f.engine.OnlineUsers(ctx)
	require.NoError(t, err)
	require.Len(t, online, 1)
	assert.Empty(t, f.bcast.types())

	require.NoError(t, f.engine.Disconnect(ctx, "tab2", alice))
	assert.Equal(t, []string{protocol.TypeUserLeftRoom, protocol.TypeUserOffline}, f.bcast.types())
	online, err = f.engine.OnlineUsers(ctx)
	require.NoError(t, err)
	assert.Empty(t, online)
}

func TestEngine_DuplicateJoinCountsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", alice)

	for i := 0; i < 3; i++ {
		_, err := f.engine.Join(ctx, "c1", "R", alice)
		require.NoError(t, err)
	}
	got, err := f.mr.Get(roomCounterKey("R", "guest_a"))
	require.NoError(t, err)
	assert.Equal(t, "1", got)

	require.NoError(t, f.engine.Leave(ctx, "c1", "R", alice))
	require.NoError(t, f.engine.Leave(ctx, "c1", "R", alice))
	members, err := f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestEngine_ConnectAnnouncesFirstConnectionOnly(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1", alice)
	f.open(t, "c2", alice)
	require.Equal(t, []string{protocol.TypeUserOnline}, f.bcast.types())
	assert.Equal(t, "c1", f.bcast.sent[0].except)

	online, err := f.engine.OnlineUsers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []protocol.StatusPayload{
		{UserID: "guest_a", Username: "alice", Status: "online", IsGuest: true},
	}, online)
}

func TestEngine_MissingNameFallsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", alice)
	_, err := f.engine.Join(ctx, "c1", "R", alice)
	require.NoError(t, err)

	f.mr.Del("user:guest_a:name")
	members, err := f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Equal(t, []models.Member{{UserID: "guest_a", Username: "Guest"}}, members)
}

// Members of a room must be exactly the identities with a joined connection,
// whatever order joins, leaves and disconnects arrive in.
func TestEngine_RefCountProperty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	type conn struct {
		id     string
		who    models.Identity
		open   bool
		joined bool
	}
	var conns []*conn
	for i, who := range []models.Identity{alice, alice, alice, bob, bob} {
		c := &conn{id: string(rune('p' + i)), who: who, open: true}
		f.open(t, c.id, who)
		conns = append(conns, c)
	}

	for step := 0; step < 300; step++ {
		c := conns[rng.Intn(len(conns))]
		switch op := rng.Intn(10); {
		case !c.open:
			f.open(t, c.id, c.who)
			c.open = true
		case op < 5:
			_, err := f.engine.Join(ctx, c.id, "R", c.who)
			require.NoError(t, err)
			c.joined = true
		case op < 9:
			require.NoError(t, f.engine.Leave(ctx, c.id, "R", c.who))
			c.joined = false
		default:
			require.NoError(t, f.engine.Disconnect(ctx, c.id, c.who))
			c.open, c.joined = false, false
		}

		want := map[string]bool{}
		for _, c := range conns {
			if c.joined {
				want[c.who.ID] = true
			}
		}
		members, err := f.engine.RoomMembers(ctx, "R")
		require.NoError(t, err)
		got := map[string]bool{}
		for _, id := range memberIDs(members) {
			got[id] = true
		}
		require.Equal(t, want, got, "step %d", step)
	}
}

func TestEngine_ConcurrentTabsAcrossInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const tabs = 20
	for i := 0; i < tabs; i++ {
		f.reg.Add(string(rune('A'+i)), alice)
	}
	var wg sync.WaitGroup
	for i := 0; i < tabs; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Join(ctx, id, "R", alice)
			assert.NoError(t, err)
			assert.NoError(t, f.engine.Leave(ctx, id, "R", alice))
		}(string(rune('A' + i)))
	}
	wg.Wait()

	members, err := f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.False(t, f.mr.Exists(roomCounterKey("R", "guest_a")))
}

// failingStore breaks one store operation and passes the rest through.
type failingStore struct {
	Store
	fail string
}

func (s *failingStore) Acquire(ctx context.Context, counterKey, setKey, member string) (int64, error) {
	if s.fail == "acquire" {
		return 0, apperr.Unavailable("acquire", errors.New("timeout"))
	}
	return s.Store.Acquire(ctx, counterKey, setKey, member)
}

func (s *failingStore) Release(ctx context.Context, counterKey, setKey, member string) (int64, error) {
	if s.fail == "release" {
		return 0, apperr.Unavailable("release", errors.New("timeout"))
	}
	return s.Store.Release(ctx, counterKey, setKey, member)
}

func (s *failingStore) Members(ctx context.Context, setKey string) ([]string, error) {
	if s.fail == "members" {
		return nil, apperr.Unavailable("smembers", errors.New("timeout"))
	}
	return s.Store.Members(ctx, setKey)
}

func TestEngine_FailedJoinLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.open(t, "c1", alice)
	f.bcast.reset()

	engine := NewEngine(&failingStore{Store: f.engine.store, fail: "acquire"}, f.reg, f.bcast, time.Hour)
	_, err := engine.Join(context.Background(), "c1", "R", alice)
	require.ErrorIs(t, err, apperr.ErrUnavailable)

	assert.False(t, f.reg.IsJoined("c1", "R"))
	assert.Empty(t, f.bcast.types(), "no broadcast without a committed mutation")
}

func TestEngine_FailedSnapshotRollsBackJoin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", alice)
	f.bcast.reset()

	engine := NewEngine(&failingStore{Store: f.engine.store, fail: "members"}, f.reg, f.bcast, time.Hour)
	_, err := engine.Join(ctx, "c1", "R", alice)
	require.ErrorIs(t, err, apperr.ErrUnavailable)

	assert.False(t, f.reg.IsJoined("c1", "R"))
	assert.False(t, f.mr.Exists(roomCounterKey("R", "guest_a")))
	members, err := f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Empty(t, f.bcast.types(), "the room hears nothing about a failed join")

	// A retry on a healthy store is a first join again.
	members, err = f.engine.Join(ctx, "c1", "R", alice)
	require.NoError(t, err)
	assert.Equal(t, []string{"guest_a"}, memberIDs(members))
	assert.Equal(t, []string{protocol.TypeUserJoinedRoom}, f.bcast.types())
}

func TestEngine_FailedLeaveKeepsJoinForDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.open(t, "c1", alice)
	_, err := f.engine.Join(ctx, "c1", "R", alice)
	require.NoError(t, err)
	f.bcast.reset()

	flaky := NewEngine(&failingStore{Store: f.engine.store, fail: "release"}, f.reg, f.bcast, time.Hour)
	require.ErrorIs(t, flaky.Leave(ctx, "c1", "R", alice), apperr.ErrUnavailable)
	assert.True(t, f.reg.IsJoined("c1", "R"))
	assert.Empty(t, f.bcast.types())

	require.NoError(t, f.engine.Disconnect(ctx, "c1", alice))
	members, err := f.engine.RoomMembers(ctx, "R")
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestEngine_ConnectUnavailable(t *testing.T) {
	f := newFixture(t)
	f.reg.Add("c1", alice)
	f.mr.Close()

	err := f.engine.Connect(context.Background(), "c1", alice)
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Empty(t, f.bcast.types())
}

func TestEngine_JoinRefreshesDisplayName(t *testing.T) {
	f := newFixture(t)
	f.open(t, "a1", alice)
	f.mr.FastForward(50 * time.Minute)
	require.Less(t, f.mr.TTL("user:guest_a:name"), 15*time.Minute)

	_, err := f.engine.Join(context.Background(), "a1", "general", alice)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, f.mr.TTL("user:guest_a:name"))
}
