//go:build linux || darwin

package ipc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/dispatch"
	"geofenced/internal/permission"
)

func shortTempDir(t *testing.T) string {
	t.Helper()
	// unix socket paths are limited to ~104 bytes
	dir, err := os.MkdirTemp("", "gfd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func startServer(t *testing.T, b *fakeBackend) *Server {
	t.Helper()
	cfg := DefaultServerConfig(shortTempDir(t))
	cfg.Version = "test"

	h := NewDaemonHandler(b, cfg.Version)
	srv := NewServer(cfg, h, nil, nil)
	srv.BindLifecycle(b)
	h.SetStatusSource(srv)

	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dial(t *testing.T, srv *Server) *IPCClient {
	t.Helper()
	cfg := DefaultClientConfig(filepath.Dir(srv.SocketPath()))
	cfg.SocketPath = srv.SocketPath()
	cfg.RequestTimeout = 5 * time.Second

	c := NewClient(cfg)
	require.NoError(t, c.Connect())
	t.Cleanup(func() { c.Close() })
	return c
}

func TestServerHandshakeAndCalls(t *testing.T) {
	b := &fakeBackend{}
	srv := startServer(t, b)
	c := dial(t, srv)
	ctx := context.Background()

	assert.NotEmpty(t, c.ClientID())
	assert.Equal(t, "test", c.ServerVersion())
	assert.Equal(t, PermReadWrite, c.Permission(), "same-uid peer gets read-write")

	require.NoError(t, c.Ping(ctx))

	ids, err := c.Register(ctx, officeJSON)
	require.NoError(t, err)
	assert.Equal(t, []string{"office"}, ids)

	regions, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, regions, 1)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Regions)
	assert.Equal(t, 1, status.Clients)
	assert.Equal(t, 0, status.Subscribers)

	_, err = c.Register(ctx, []byte(`{"id":"bad","kind":"geo-circle"}`))
	var re *RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, ErrInvalidRegion, re.Code)
}

func TestServerDeliverWithoutSubscribers(t *testing.T) {
	srv := startServer(t, &fakeBackend{})
	dial(t, srv)

	err := srv.Deliver(context.Background(), dispatch.NewEvent(dispatch.TypeEnter, "office", time.Now(), nil))
	assert.ErrorIs(t, err, dispatch.ErrUnavailable)
}

func TestServerSubscriptionDrivesLifecycle(t *testing.T) {
	b := &fakeBackend{}
	srv := startServer(t, b)
	ctx := context.Background()

	first := dial(t, srv)
	resp, err := first.Subscribe(ctx)
	require.NoError(t, err)
	assert.True(t, resp.Initialized)

	second := dial(t, srv)
	_, err = second.Subscribe(ctx, dispatch.TypeExit)
	require.NoError(t, err)

	inits, _ := b.counts()
	assert.Equal(t, 1, inits, "only the first subscriber initializes")
	assert.Equal(t, 2, srv.SubscriberCount())

	enter := dispatch.NewEvent(dispatch.TypeEnter, "office", time.Now(), map[string]string{"state": "inside"})
	require.NoError(t, srv.Deliver(ctx, enter))

	select {
	case n := <-first.Events():
		assert.Equal(t, "geoFence.enter", n.Method)
		assert.Equal(t, enter.ID, n.Params.ID)
		assert.Equal(t, "office", n.Params.RegionID)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not receive event")
	}

	select {
	case n := <-second.Events():
		t.Fatalf("filtered subscriber received %s", n.Method)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, first.Unsubscribe(ctx))
	_, uninits := b.counts()
	assert.Equal(t, 0, uninits, "a subscriber remains")

	second.Close()
	require.Eventually(t, func() bool {
		_, uninits := b.counts()
		return uninits == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, b.IsInitialized())
}

func TestServerInitializesWhenPermissionArrives(t *testing.T) {
	b := &fakeBackend{initErr: permission.ErrDenied}
	srv := startServer(t, b)

	// no subscribers yet
	srv.PermissionChanged(permission.NotDetermined, permission.GrantedForeground)
	inits, _ := b.counts()
	assert.Equal(t, 0, inits)

	c := dial(t, srv)
	resp, err := c.Subscribe(context.Background())
	require.NoError(t, err)
	assert.False(t, resp.Initialized)

	srv.PermissionChanged(permission.GrantedForeground, permission.Denied)
	inits, _ = b.counts()
	assert.Equal(t, 1, inits, "a revocation does not retry")

	b.mu.Lock()
	b.initErr = nil
	b.mu.Unlock()
	srv.PermissionChanged(permission.NotDetermined, permission.GrantedForeground)
	assert.True(t, b.IsInitialized())

	srv.PermissionChanged(permission.GrantedForeground, permission.GrantedBackground)
	inits, _ = b.counts()
	assert.Equal(t, 2, inits, "already initialized")
}

func TestServerRefusesSecondInstance(t *testing.T) {
	srv := startServer(t, &fakeBackend{})

	cfg := DefaultServerConfig(filepath.Dir(srv.SocketPath()))
	other := NewServer(cfg, nil, nil, nil)
	assert.Error(t, other.Start())
}

func TestServerStopRemovesSocket(t *testing.T) {
	srv := startServer(t, &fakeBackend{})
	require.NoError(t, srv.Stop())

	_, err := os.Stat(srv.SocketPath())
	assert.True(t, os.IsNotExist(err))
}
