package platform

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/adapters/badger"
	"github.com/aretw0/mindcache/pkg/adapters/fs"
	"github.com/aretw0/mindcache/pkg/auth"
	"github.com/aretw0/mindcache/pkg/client"
	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/transport"
)

const waitFor = 3 * time.Second

type running struct {
	srv  *Server
	addr string
	stop func()
}

func start(t *testing.T, cfg Config, opts ...Option) *running {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv, err := Build(ctx, cfg, opts...)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("server did not stop")
		}
	}
	t.Cleanup(stop)
	return &running{srv: srv, addr: ln.Addr().String(), stop: stop}
}

func (r *running) get(t *testing.T, path string) string {
	t.Helper()
	resp, err := http.Get("http://" + r.addr + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func (r *running) client(t *testing.T, credential, path string) *client.Client {
	t.Helper()
	c := client.New(transport.WebsocketDialer("ws://"+r.addr+path, nil, transport.Options{}), credential)
	t.Cleanup(func() { _ = c.Close() })

	// The connection outlives this helper, only the sync wait is bounded.
	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, c.WaitForSync(ctx))
	return c
}

func TestBuildServesFileInstances(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.Instances = []string{"notes"}
	cfg.Auth.Secret = testSecret
	cfg.Storage = StorageConfig{Adapter: AdapterFS, Path: dir, Format: ".json", Watch: true, FlushInterval: 10 * time.Millisecond}

	r := start(t, cfg)
	require.NotNil(t, r.srv.Signer)
	require.NotNil(t, r.srv.Files)

	token, err := r.srv.Signer.Mint(auth.Grant{InstanceID: "notes", UserID: "ada", Permission: core.PermissionWrite})
	require.NoError(t, err)
	c := r.client(t, token, "/ws")
	require.NoError(t, c.Set("name", core.TextValue("Ada"), nil))

	notes := r.srv.Hub.Instance("notes")
	require.NotNil(t, notes)
	require.Eventually(t, func() bool {
		v, ok := notes.Store().Get("name")
		return ok && core.Render(v) == "Ada"
	}, waitFor, 10*time.Millisecond)

	path := filepath.Join(dir, "notes.json")
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && bytes.Contains(data, []byte(`"Ada"`))
	}, waitFor, 10*time.Millisecond)

	t.Run("Metrics And State", func(t *testing.T) {
		assert.Contains(t, r.get(t, "/metrics"), "mindcache_sessions")
		state := r.get(t, "/debug/state")
		assert.Contains(t, state, `"notes"`)
		assert.Contains(t, state, `"watcher_active"`)
		assert.Equal(t, "ok\n", r.get(t, "/healthz"))
	})

	t.Run("External Edit Reaches Clients", func(t *testing.T) {
		require.Eventually(t, func() bool {
			return r.srv.Files.State().(fs.PersisterState).WatcherActive
		}, waitFor, 10*time.Millisecond)

		edited := `{"version":1,"entries":[{"key":"name","value":"Grace","attributes":{"type":"text"},"updatedAt":` +
			strconv.FormatInt(time.Now().Add(time.Minute).UnixMilli(), 10) + `}]}`
		require.NoError(t, os.WriteFile(path, []byte(edited), 0o644))

		require.Eventually(t, func() bool {
			v, ok := c.Store().Get("name")
			return ok && core.Render(v) == "Grace"
		}, waitFor, 10*time.Millisecond)
	})

	c.Disconnect()
	r.stop()

	// A restarted server picks the instance up from disk.
	cfg.Storage.Watch = false
	again, err := Build(context.Background(), cfg)
	require.NoError(t, err)
	defer again.closeStorage()
	v, ok := again.Hub.Instance("notes").Store().Get("name")
	require.True(t, ok)
	assert.Equal(t, "Grace", core.Render(v))
}

func TestBuildWithStaticKeysAndInjectedPersister(t *testing.T) {
	p, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.AutoCreate = true
	cfg.Auth.Keys = []KeyConfig{{Key: "scoped-key", Instance: "scratch", User: "bob", Permission: core.PermissionAdmin}}
	r := start(t, cfg, WithPersister(p))
	assert.Nil(t, r.srv.Signer)
	assert.Same(t, p, r.srv.Persister)

	c := r.client(t, "scoped-key", "/instances/scratch/ws")
	assert.Equal(t, core.PermissionAdmin, c.Permission())
	assert.Equal(t, []string{"scratch"}, r.srv.Hub.Instances())

	t.Run("Scope Mismatch", func(t *testing.T) {
		other := client.New(transport.WebsocketDialer("ws://"+r.addr+"/instances/notes/ws", nil, transport.Options{}), "scoped-key")
		defer other.Close()
		require.NoError(t, other.Connect(context.Background()))
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		err := other.WaitForSync(ctx)
		require.Error(t, err)
		assert.True(t, errors.Is(err, core.ErrAuth), "got %v", err)
	})
}

func TestBuildErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Auth.Secret = testSecret

	_, err := Build(context.Background(), cfg, WithAdapter("s3"))
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)

	watched := cfg
	watched.Storage.Watch = true
	_, err = Build(context.Background(), watched)
	assert.ErrorAs(t, err, &ve)

	badInstance := cfg
	badInstance.Storage = StorageConfig{Adapter: AdapterFS, Path: t.TempDir()}
	badInstance.Instances = []string{".hidden"}
	_, err = Build(context.Background(), badInstance)
	assert.Error(t, err)
}
