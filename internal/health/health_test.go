package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geofenced/internal/dispatch"
	"geofenced/internal/permission"
)

func healthy(ctx context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestOverallStatus(t *testing.T) {
	tests := []struct {
		name     string
		critical Status
		optional Status
		want     Status
	}{
		{"all healthy", StatusHealthy, StatusHealthy, StatusHealthy},
		{"optional unhealthy", StatusHealthy, StatusUnhealthy, StatusDegraded},
		{"critical degraded", StatusDegraded, StatusHealthy, StatusDegraded},
		{"critical unhealthy", StatusUnhealthy, StatusHealthy, StatusUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker()
			critical, optional := tt.critical, tt.optional
			c.RegisterFunc("store", true, func(ctx context.Context) CheckResult { return CheckResult{Status: critical} })
			c.RegisterFunc("permission", false, func(ctx context.Context) CheckResult { return CheckResult{Status: optional} })

			c.Check(context.Background())
			assert.Equal(t, tt.want, c.OverallStatus())
		})
	}
}

func TestUncheckedCriticalIsUnknown(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus())
}

func TestCheckRecoversPanic(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("boom", true, func(ctx context.Context) CheckResult { panic("bad") })

	res, ok := c.CheckComponent(context.Background(), "boom")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "bad", res.Error)
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	res := c.Check(context.Background())["slow"]
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "check timed out", res.Message)
}

func TestPermissionCheck(t *testing.T) {
	state := permission.NotDetermined
	check := PermissionCheck(func() permission.State { return state })

	assert.Equal(t, StatusDegraded, check(context.Background()).Status)
	state = permission.GrantedBackground
	res := check(context.Background())
	assert.Equal(t, StatusHealthy, res.Status)
	assert.Equal(t, "granted_background", res.Details["state"])
}

func TestDispatchCheck(t *testing.T) {
	stats := dispatch.Stats{}
	depth := 0
	check := DispatchCheck(func() dispatch.Stats { return stats }, func() int { return depth }, 100, 0.8)

	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	depth = 85
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)

	depth = 0
	stats.Failed = 2
	assert.Equal(t, StatusDegraded, check(context.Background()).Status)
	assert.Equal(t, StatusHealthy, check(context.Background()).Status, "only new failures degrade")
}

func TestDatabaseCheck(t *testing.T) {
	assert.Equal(t, StatusHealthy, DatabaseCheck(func() error { return nil })(context.Background()).Status)

	res := DatabaseCheck(func() error { return errors.New("disk I/O error") })(context.Background())
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Equal(t, "disk I/O error", res.Error)
}

func TestSocketCheck(t *testing.T) {
	dir, err := os.MkdirTemp("", "gfh")
	require.NoError(t, err)
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "s.sock")
	assert.Equal(t, StatusUnhealthy, SocketCheck(path)(context.Background()).Status)

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, StatusHealthy, SocketCheck(path)(context.Background()).Status)

	plain := filepath.Join(dir, "plain")
	require.NoError(t, os.WriteFile(plain, nil, 0600))
	assert.Equal(t, StatusUnhealthy, SocketCheck(plain)(context.Background()).Status)
}

func TestHTTPEndpoints(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)
	mux := http.NewServeMux()
	c.Mount(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/livez").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	c.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	rec := get("/healthz?full=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "store")

	rec = get("/healthz")
	var brief Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &brief))
	assert.Empty(t, brief.Components)
}
