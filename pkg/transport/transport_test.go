package transport_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/mindcache/pkg/core"
	"github.com/aretw0/mindcache/pkg/transport"
)

func TestPipe(t *testing.T) {
	ctx := context.Background()
	a, b := transport.Pipe()

	require.NoError(t, a.Write(ctx, []byte("hello")))
	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	t.Run("Drains Before Close", func(t *testing.T) {
		require.NoError(t, b.Write(ctx, []byte("last words")))
		require.NoError(t, b.Close())

		got, err := a.Read(ctx)
		require.NoError(t, err)
		assert.Equal(t, "last words", string(got))

		_, err = a.Read(ctx)
		assert.ErrorIs(t, err, core.ErrTransport)
		assert.ErrorIs(t, a.Write(ctx, []byte("x")), core.ErrTransport)
		assert.NoError(t, a.Close())
	})
}

func TestPipe_ReadHonorsContext(t *testing.T) {
	a, _ := transport.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebsocket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := transport.Upgrade(w, r, transport.Options{})
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			if err := conn.Write(r.Context(), []byte(strings.ToUpper(string(data)))); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, err := transport.WebsocketDialer(url, nil, transport.Options{})(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(ctx, []byte("ping")))
	got, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "PING", string(got))

	t.Run("Read Deadline", func(t *testing.T) {
		short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err := conn.Read(short)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close())
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := transport.Dial(ctx, "ws://127.0.0.1:1/ws", nil, transport.Options{})
	assert.ErrorIs(t, err, core.ErrTransport)
}
