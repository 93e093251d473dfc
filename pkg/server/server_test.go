package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/protocol"
	"github.com/aretw0/mindcache/pkg/server"
	"github.com/aretw0/mindcache/pkg/transport"
)

const waitFor = 2 * time.Second

var keys = auth.StaticKeys{
	"writer": {InstanceID: "inst", UserID: "ada", Permission: core.PermissionWrite},
	"other":  {InstanceID: "inst", UserID: "grace", Permission: core.PermissionWrite},
	"reader": {InstanceID: "inst", UserID: "bob", Permission: core.PermissionRead},
	"admin":  {InstanceID: "inst", UserID: "root", Permission: core.PermissionAdmin},
	"scoped": {InstanceID: "elsewhere", UserID: "eve", Permission: core.PermissionWrite},
	"global": {InstanceID: auth.AnyInstance, UserID: "ops", Permission: core.PermissionSystem},
}

type fixture struct {
	hub   *server.Hub
	coord *server.Coordinator
	ctx   context.Context
}

func newFixture(t *testing.T, authn auth.Authenticator, opts ...server.Option) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := server.NewHub(authn, opts...)
	coord, err := hub.Create(ctx, "inst")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitFor):
			t.Error("hub did not stop")
		}
	})
	return &fixture{hub: hub, coord: coord, ctx: ctx}
}

type peer struct {
	t       *testing.T
	conn    transport.Conn
	session string
	sync    *protocol.Sync
	served  chan error
}

func (f *fixture) dial(t *testing.T, instance string) (*peer, transport.Conn) {
	t.Helper()
	client, srv := transport.Pipe()
	p := &peer{t: t, conn: client, served: make(chan error, 1)}
	go func() { p.served <- f.hub.Serve(f.ctx, srv, instance) }()
	t.Cleanup(func() { _ = client.Close() })
	return p, client
}

func (f *fixture) connect(t *testing.T, key string) *peer {
	t.Helper()
	p, _ := f.dial(t, "inst")
	p.send(&protocol.Auth{APIKey: key})
	ok := expect[*protocol.AuthSuccess](p)
	p.session = ok.SessionID
	p.sync = expect[*protocol.Sync](p)
	return p
}

func (p *peer) send(m protocol.Message) {
	p.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(p.t, err)
	p.sendRaw(data)
}

func (p *peer) sendRaw(data []byte) {
	p.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(p.t, p.conn.Write(ctx, data))
}

func (p *peer) recv() (protocol.Message, error) {
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	data, err := p.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.Decode(data)
}

func expect[T protocol.Message](p *peer) T {
	p.t.Helper()
	m, err := p.recv()
	require.NoError(p.t, err)
	got, ok := m.(T)
	require.Truef(p.t, ok, "unexpected %T: %+v", m, m)
	return got
}

func (p *peer) expectClosed() {
	p.t.Helper()
	for {
		_, err := p.recv()
		if err != nil {
			assert.ErrorIs(p.t, err, core.ErrTransport)
			return
		}
	}
}

func TestHandshake(t *testing.T) {
	f := newFixture(t, keys)
	require.NoError(t, f.coord.Store().Set("greeting", core.TextValue("hi"), nil))

	p := f.connect(t, "writer")
	assert.NotEmpty(t, p.session)
	assert.Equal(t, "inst", p.sync.InstanceID)
	require.Len(t, p.sync.Data.Entries, 1)
	assert.Equal(t, "greeting", p.sync.Data.Entries[0].Key)

	t.Run("Sync Only Once", func(t *testing.T) {
		p.send(&protocol.Ping{})
		expect[*protocol.Pong](p)
	})

	t.Run("Second Auth Rejected", func(t *testing.T) {
		p.send(&protocol.Auth{APIKey: "writer"})
		e := expect[*protocol.Error](p)
		assert.Equal(t, protocol.CodeValidation, e.Code)
	})

	assert.Eventually(t, func() bool { return f.coord.Sessions() == 1 }, waitFor, 10*time.Millisecond)
}

func TestAuthErrors(t *testing.T) {
	now := time.Now()
	signer, err := auth.NewSigner([]byte("0123456789abcdef-server-test"))
	require.NoError(t, err)
	expired, err := signer.Mint(auth.Grant{InstanceID: "inst", UserID: "ada", Permission: core.PermissionWrite, ExpiresAt: now.Add(-time.Minute)})
	require.NoError(t, err)

	f := newFixture(t, auth.Chain(keys, signer))

	cases := []struct {
		name     string
		key      string
		instance string
		code     core.AuthCode
	}{
		{"Invalid Key", "nope", "inst", core.AuthInvalidKey},
		{"Expired", expired, "inst", core.AuthExpired},
		{"No Access", "scoped", "inst", core.AuthNoAccess},
		{"Instance Not Found", "global", "missing", core.AuthInstanceNotFound},
		{"No Instance Selected", "global", "", core.AuthInstanceNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, _ := f.dial(t, tc.instance)
			p.send(&protocol.Auth{APIKey: tc.key})
			ae := expect[*protocol.AuthError](p)
			assert.Equal(t, tc.code, ae.Code)
			p.expectClosed()

			err := <-p.served
			assert.ErrorIs(t, err, core.ErrAuth)
		})
	}

	t.Run("Valid Token", func(t *testing.T) {
		token, err := signer.Mint(auth.Grant{InstanceID: "inst", UserID: "ada", Permission: core.PermissionRead})
		require.NoError(t, err)
		p := f.connect(t, token)
		assert.NotEmpty(t, p.session)
	})

	t.Run("First Frame Must Be Auth", func(t *testing.T) {
		p, _ := f.dial(t, "inst")
		p.send(&protocol.Ping{})
		e := expect[*protocol.Error](p)
		assert.Equal(t, protocol.CodeNotAuthenticated, e.Code)
		p.expectClosed()
	})
}

func TestAuthTimeout(t *testing.T) {
	f := newFixture(t, keys, server.WithAuthTimeout(50*time.Millisecond))
	p, _ := f.dial(t, "inst")
	select {
	case err := <-p.served:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(waitFor):
		t.Fatal("handshake did not time out")
	}
}

func TestAutoCreate(t *testing.T) {
	f := newFixture(t, keys, server.WithAutoCreate(true))
	p, _ := f.dial(t, "")
	p.send(&protocol.Auth{APIKey: "scoped"})
	ok := expect[*protocol.AuthSuccess](p)
	assert.Equal(t, "elsewhere", ok.InstanceID)
	expect[*protocol.Sync](p)
	assert.Contains(t, f.hub.Instances(), "elsewhere")
}

func TestBroadcast(t *testing.T) {
	f := newFixture(t, keys)
	a := f.connect(t, "writer")
	b := f.connect(t, "other")

	a.send(&protocol.Set{Key: "name", Value: json.RawMessage(`"Ada"`), Ref: "r1"})

	echo := expect[*protocol.KeyUpdated](a)
	assert.Equal(t, "r1", echo.Ref)
	assert.Equal(t, "ada", echo.UpdatedBy)
	assert.Equal(t, a.session, echo.SessionID)
	assert.JSONEq(t, `"Ada"`, string(echo.Value))
	assert.Positive(t, echo.Timestamp)

	remote := expect[*protocol.KeyUpdated](b)
	assert.Empty(t, remote.Ref)
	assert.Equal(t, a.session, remote.SessionID)
	assert.Equal(t, echo.Timestamp, remote.Timestamp)

	v, ok := f.coord.Store().Get("name")
	require.True(t, ok)
	assert.Equal(t, core.TextValue("Ada"), v)

	t.Run("Delete", func(t *testing.T) {
		b.send(&protocol.Delete{Key: "name", Ref: "d1"})
		del := expect[*protocol.KeyDeleted](b)
		assert.Equal(t, "d1", del.Ref)
		assert.Equal(t, "grace", del.DeletedBy)
		expect[*protocol.KeyDeleted](a)
		assert.False(t, f.coord.Store().Has("name"))
	})

	t.Run("Delete Missing Is Acked", func(t *testing.T) {
		a.send(&protocol.Delete{Key: "ghost", Ref: "d2"})
		del := expect[*protocol.KeyDeleted](a)
		assert.Equal(t, "d2", del.Ref)
	})

	t.Run("Clear", func(t *testing.T) {
		_, err := f.coord.Apply(f.ctx, core.Mutation{Kind: core.MutationSet, Key: "keep", Value: core.TextValue("x"), Patch: core.WithSystemTags(core.TagProtected)})
		require.NoError(t, err)
		expect[*protocol.KeyUpdated](a)
		expect[*protocol.KeyUpdated](b)
		a.send(&protocol.Set{Key: "drop", Value: json.RawMessage(`{"n":1}`)})
		expect[*protocol.KeyUpdated](a)
		expect[*protocol.KeyUpdated](b)

		a.send(&protocol.Clear{Ref: "c1"})
		cleared := expect[*protocol.Cleared](b)
		assert.Equal(t, []string{"drop"}, cleared.Keys)
		assert.Equal(t, "c1", expect[*protocol.Cleared](a).Ref)
		assert.Equal(t, []string{"keep"}, f.coord.Store().Keys())
	})

	t.Run("In Process Writes", func(t *testing.T) {
		_, err := f.coord.Apply(f.ctx, core.Mutation{Kind: core.MutationSet, Key: "sys", Value: core.TextValue("1")})
		require.NoError(t, err)
		u := expect[*protocol.KeyUpdated](b)
		assert.Equal(t, server.OriginSystem, u.UpdatedBy)
		expect[*protocol.KeyUpdated](a)
	})
}

func TestPermissions(t *testing.T) {
	f := newFixture(t, keys)
	r := f.connect(t, "reader")
	w := f.connect(t, "writer")
	adm := f.connect(t, "admin")

	t.Run("Read Session Cannot Write", func(t *testing.T) {
		r.send(&protocol.Set{Key: "x", Value: json.RawMessage(`"y"`), Ref: "r1"})
		e := expect[*protocol.Error](r)
		assert.Equal(t, protocol.CodePermissionDenied, e.Code)
		assert.Equal(t, "r1", e.Ref)
		assert.ErrorIs(t, e.Err("x"), core.ErrPermissionDenied)
		assert.False(t, f.coord.Store().Has("x"))

		r.send(&protocol.Clear{})
		assert.Equal(t, protocol.CodePermissionDenied, expect[*protocol.Error](r).Code)
	})

	t.Run("Protected Tag Requires Admin", func(t *testing.T) {
		tags := []core.SystemTag{core.TagProtected}
		w.send(&protocol.Set{Key: "p", Value: json.RawMessage(`"v"`), Attributes: &core.AttributesPatch{SystemTags: &tags}})
		assert.Equal(t, protocol.CodePermissionDenied, expect[*protocol.Error](w).Code)
		assert.Equal(t, "p", expect[*protocol.KeyDeleted](w).Key)
		assert.False(t, f.coord.Store().Has("p"))

		adm.send(&protocol.Set{Key: "p", Value: json.RawMessage(`"v"`), Attributes: &core.AttributesPatch{SystemTags: &tags}})
		expect[*protocol.KeyUpdated](adm)
		expect[*protocol.KeyUpdated](w)
		expect[*protocol.KeyUpdated](r)
	})

	t.Run("Protected Delete", func(t *testing.T) {
		w.send(&protocol.Delete{Key: "p", Ref: "d"})
		e := expect[*protocol.Error](w)
		assert.Equal(t, protocol.CodeProtected, e.Code)
		assert.Equal(t, "d", e.Ref)
		fix := expect[*protocol.KeyUpdated](w)
		assert.Equal(t, "p", fix.Key)
		assert.Empty(t, fix.Ref)
		assert.True(t, f.coord.Store().Has("p"))
	})

	t.Run("Type Change Requires Admin", func(t *testing.T) {
		typ := core.TypeJSON
		w.send(&protocol.Set{Key: "p", Value: json.RawMessage(`{"a":1}`), Attributes: &core.AttributesPatch{Type: &typ}})
		assert.Equal(t, protocol.CodePermissionDenied, expect[*protocol.Error](w).Code)
		assert.Equal(t, core.TypeText, expect[*protocol.KeyUpdated](w).Attributes.Type)

		adm.send(&protocol.Set{Key: "p", Value: json.RawMessage(`{"a":1}`), Attributes: &core.AttributesPatch{Type: &typ}})
		u := expect[*protocol.KeyUpdated](adm)
		assert.Equal(t, core.TypeJSON, u.Attributes.Type)
		assert.JSONEq(t, `{"a":1}`, string(u.Value))
		assert.Equal(t, core.TypeJSON, expect[*protocol.KeyUpdated](w).Attributes.Type)
	})

	t.Run("Rejected Type Change Keeps Type", func(t *testing.T) {
		typ := core.TypeText
		adm.send(&protocol.Set{Key: "p", Value: json.RawMessage(`{"b":2}`), Attributes: &core.AttributesPatch{Type: &typ}, Ref: "retype"})
		e := expect[*protocol.Error](adm)
		assert.Equal(t, protocol.CodeValidation, e.Code)
		assert.Equal(t, "retype", e.Ref)
		assert.Equal(t, core.TypeJSON, expect[*protocol.KeyUpdated](adm).Attributes.Type)

		entry, ok := f.coord.Store().Entry("p")
		require.True(t, ok)
		assert.Equal(t, core.TypeJSON, entry.Attributes.Type)
		assert.Equal(t, `{"a":1}`, core.Render(entry.Value))
	})

	t.Run("Value Must Match Key Type", func(t *testing.T) {
		w.send(&protocol.Set{Key: "t", Value: json.RawMessage(`"text"`)})
		expect[*protocol.KeyUpdated](w)
		w.send(&protocol.Set{Key: "t", Value: json.RawMessage(`{"n":1}`), Ref: "bad"})
		e := expect[*protocol.Error](w)
		assert.Equal(t, protocol.CodeValidation, e.Code)
		assert.Equal(t, "bad", e.Ref)
		assert.JSONEq(t, `"text"`, string(expect[*protocol.KeyUpdated](w).Value))
	})
}

func TestStaleWrite(t *testing.T) {
	f := newFixture(t, keys)
	w := f.connect(t, "writer")

	w.send(&protocol.Set{Key: "k", Value: json.RawMessage(`"new"`)})
	first := expect[*protocol.KeyUpdated](w)

	w.send(&protocol.Set{Key: "k", Value: json.RawMessage(`"old"`), Timestamp: first.Timestamp - 1, Ref: "late"})
	e := expect[*protocol.Error](w)
	assert.Equal(t, protocol.CodeStale, e.Code)
	assert.Equal(t, "late", e.Ref)

	fix := expect[*protocol.KeyUpdated](w)
	assert.Empty(t, fix.Ref)
	assert.JSONEq(t, `"new"`, string(fix.Value))
	assert.Equal(t, first.Timestamp, fix.Timestamp)

	w.send(&protocol.Set{Key: "k", Value: json.RawMessage(`"newer"`), Timestamp: first.Timestamp + 1})
	u := expect[*protocol.KeyUpdated](w)
	assert.Greater(t, u.Timestamp, first.Timestamp)
}

func TestDocuments(t *testing.T) {
	f := newFixture(t, keys)
	a := f.connect(t, "writer")
	b := f.connect(t, "other")

	typ := core.TypeDocument
	a.send(&protocol.Set{Key: "doc", Value: json.RawMessage(`"hello"`), Attributes: &core.AttributesPatch{Type: &typ}})
	created := expect[*protocol.KeyUpdated](b)
	assert.Equal(t, core.TypeDocument, created.Attributes.Type)
	expect[*protocol.KeyUpdated](a)

	payload, err := core.DecodeDocumentPayload(created.Value)
	require.NoError(t, err)
	replica := core.NewStore(core.WithSite("b"))
	require.NoError(t, replica.Restore(core.Snapshot{Version: core.SnapshotVersion, Entries: []core.SnapshotEntry{{
		Key: "doc", Value: created.Value, Attributes: created.Attributes,
	}}}))
	require.NotEmpty(t, payload.Ops)

	require.NoError(t, replica.InsertDocumentText("doc", 5, " world"))
	doc, err := replica.Document("doc")
	require.NoError(t, err)
	ops, err := json.Marshal(core.DocumentPayload{Ops: doc.Ops()})
	require.NoError(t, err)

	b.send(&protocol.Set{Key: "doc", Value: ops, Ref: "edit"})
	u := expect[*protocol.KeyUpdated](b)
	assert.Equal(t, "edit", u.Ref)
	edit, err := core.DecodeDocumentPayload(u.Value)
	require.NoError(t, err)
	assert.Len(t, edit.Ops, len(" world"))
	expect[*protocol.KeyUpdated](a)

	text, err := f.coord.Store().DocumentText("doc")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)

	t.Run("Redundant Ops Are Acked", func(t *testing.T) {
		b.send(&protocol.Set{Key: "doc", Value: ops, Ref: "again"})
		ack := expect[*protocol.KeyUpdated](b)
		assert.Equal(t, "again", ack.Ref)
	})
}

func TestMalformedThreshold(t *testing.T) {
	f := newFixture(t, keys, server.WithMaxMalformed(2))
	p := f.connect(t, "writer")

	p.sendRaw([]byte(`{nope`))
	assert.Equal(t, protocol.CodeMalformed, expect[*protocol.Error](p).Code)
	p.send(&protocol.Pong{})
	assert.Equal(t, protocol.CodeMalformed, expect[*protocol.Error](p).Code)

	p.send(&protocol.Ping{})
	expect[*protocol.Pong](p)

	p.sendRaw([]byte(`{"type":"set"}`))
	p.expectClosed()
	assert.ErrorIs(t, <-p.served, server.ErrTooManyMalformed)
	assert.Eventually(t, func() bool { return f.coord.Sessions() == 0 }, waitFor, 10*time.Millisecond)
}

func TestMalformedAllowanceRefills(t *testing.T) {
	f := newFixture(t, keys, server.WithMaxMalformed(2), server.WithMalformedWindow(100*time.Millisecond))
	p := f.connect(t, "writer")

	p.sendRaw([]byte(`{nope`))
	assert.Equal(t, protocol.CodeMalformed, expect[*protocol.Error](p).Code)
	p.sendRaw([]byte(`{nope`))
	assert.Equal(t, protocol.CodeMalformed, expect[*protocol.Error](p).Code)

	// A long-lived session earns its allowance back.
	time.Sleep(150 * time.Millisecond)
	p.sendRaw([]byte(`{nope`))
	assert.Equal(t, protocol.CodeMalformed, expect[*protocol.Error](p).Code)
	p.send(&protocol.Ping{})
	expect[*protocol.Pong](p)
	assert.Equal(t, 1, f.coord.Sessions())
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, keys, server.WithRateLimit(0.001, 1))
	p := f.connect(t, "writer")
	p.send(&protocol.Ping{})
	expect[*protocol.Pong](p)
	p.send(&protocol.Ping{})
	assert.Equal(t, protocol.CodeRateLimited, expect[*protocol.Error](p).Code)
}

func TestIdleTimeout(t *testing.T) {
	f := newFixture(t, keys, server.WithIdleTimeout(50*time.Millisecond))
	p := f.connect(t, "writer")
	p.expectClosed()
	assert.Eventually(t, func() bool { return f.coord.Sessions() == 0 }, waitFor, 10*time.Millisecond)
}

func TestSlowSessionDropped(t *testing.T) {
	f := newFixture(t, keys, server.WithSendBuffer(16))
	_ = f.connect(t, "writer") // never reads again
	require.Equal(t, 1, f.coord.Sessions())

	for i := range 600 {
		_, err := f.coord.Apply(f.ctx, core.Mutation{Kind: core.MutationSet, Key: "k", Value: core.TextValue(strings.Repeat("x", i%7+1))})
		require.NoError(t, err)
		if f.coord.Sessions() == 0 {
			break
		}
	}
	assert.Equal(t, 0, f.coord.Sessions())
}

type memPersister struct {
	mu    sync.Mutex
	snaps map[string]core.Snapshot
	saves int
}

func (m *memPersister) Load(_ context.Context, id string) (core.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	if !ok {
		return core.Snapshot{}, core.ErrNotFound
	}
	return snap, nil
}

func (m *memPersister) Save(_ context.Context, id string, snap core.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[id] = snap
	m.saves++
	return nil
}

func (m *memPersister) Close() error { return nil }

func (m *memPersister) get(id string) (core.Snapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[id]
	return snap, ok
}

func TestPersistence(t *testing.T) {
	store := &memPersister{snaps: map[string]core.Snapshot{
		"inst": {Version: core.SnapshotVersion, Entries: []core.SnapshotEntry{{
			Key: "seed", Value: json.RawMessage(`"from disk"`), Attributes: core.Attributes{Type: core.TypeText}, UpdatedAt: 10,
		}}},
	}}
	f := newFixture(t, keys, server.WithPersister(store), server.WithFlushInterval(10*time.Millisecond))

	p := f.connect(t, "writer")
	require.Len(t, p.sync.Data.Entries, 1)
	assert.JSONEq(t, `"from disk"`, string(p.sync.Data.Entries[0].Value))

	p.send(&protocol.Set{Key: "fresh", Value: json.RawMessage(`"v"`)})
	expect[*protocol.KeyUpdated](p)

	assert.Eventually(t, func() bool {
		snap, ok := store.get("inst")
		if !ok {
			return false
		}
		_, found := snap.Lookup("fresh")
		return found
	}, waitFor, 10*time.Millisecond)

	state := f.coord.State().(server.CoordinatorState)
	assert.True(t, state.Persistent)
	assert.Positive(t, state.Flushes)
}

func TestImport(t *testing.T) {
	f := newFixture(t, keys)
	_, err := f.coord.Apply(f.ctx, core.Mutation{Kind: core.MutationSet, Key: "stay", Value: core.TextValue("same")})
	require.NoError(t, err)
	_, err = f.coord.Apply(f.ctx, core.Mutation{Kind: core.MutationSet, Key: "gone", Value: core.TextValue("bye")})
	require.NoError(t, err)
	p := f.connect(t, "writer")

	snap := f.coord.Store().Snapshot()
	snap.Entries = slicesWithout(snap.Entries, "gone")
	snap.Entries = append(snap.Entries, core.SnapshotEntry{Key: "added", Value: json.RawMessage(`"hi"`), Attributes: core.Attributes{Type: core.TypeText}})

	n, err := f.coord.Import(f.ctx, snap)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	added := expect[*protocol.KeyUpdated](p)
	assert.Equal(t, "added", added.Key)
	assert.Equal(t, "gone", expect[*protocol.KeyDeleted](p).Key)
	assert.Equal(t, []string{"stay", "added"}, f.coord.Store().Keys())
}

func slicesWithout(entries []core.SnapshotEntry, key string) []core.SnapshotEntry {
	var out []core.SnapshotEntry
	for _, e := range entries {
		if e.Key != key {
			out = append(out, e)
		}
	}
	return out
}

func TestWebsocketHandler(t *testing.T) {
	f := newFixture(t, keys)
	srv := httptest.NewServer(f.hub.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/instances/inst/ws"
	conn, err := transport.Dial(ctx, url, nil, transport.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	p := &peer{t: t, conn: conn}
	p.send(&protocol.Auth{APIKey: "writer"})
	expect[*protocol.AuthSuccess](p)
	expect[*protocol.Sync](p)

	p.send(&protocol.Set{Key: "over", Value: json.RawMessage(`"the wire"`), Ref: "ws"})
	assert.Equal(t, "ws", expect[*protocol.KeyUpdated](p).Ref)

	assert.Equal(t, server.HubState{Running: true, Instances: []string{"inst"}}, f.hub.State())
}
