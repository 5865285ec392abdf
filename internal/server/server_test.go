package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aalhour/epochkv"
	"github.com/aalhour/epochkv/internal/logging"
	"github.com/aalhour/epochkv/internal/objstore"
)

func newTestServer(t *testing.T) (*epochkv.DB, *Client, *httptest.Server) {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts := epochkv.DefaultOptions()
	opts.Store = objstore.NewMemStore()
	opts.Logger = logging.Discard
	opts.Registerer = reg
	opts.FlushInterval = 0
	opts.GCInterval = 0
	opts.DisableAutoCompactions = true

	db, err := epochkv.Open(context.Background(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	srv := New(db, Options{Gatherer: reg, Logger: logging.Discard})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return db, NewClient(ts.URL), ts
}

func statusOf(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}
	return 0
}

func TestPauseRejectsFlushButAcceptsConfig(t *testing.T) {
	db, c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := db.Put([]byte("a"), []byte("1"))
	require.NoError(t, err)

	st, err := c.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, st.Paused)

	_, err = c.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, http.StatusConflict, statusOf(err))

	trigger := 9
	groups, err := c.UpdateConfig(ctx, ConfigUpdateRequest{Groups: []uint32{0}, L0FileTrigger: &trigger})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, 9, groups[0].Config.L0FileTrigger)

	st, err = c.Resume(ctx)
	require.NoError(t, err)
	assert.False(t, st.Paused)

	e, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.NotZero(t, e)

	v, err := db.Get(ctx, []byte("a"), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	st, err = c.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, epochkv.Epoch(e), st.CommittedEpoch)
}

func TestListGroups(t *testing.T) {
	db, c, _ := newTestServer(t)
	ctx := context.Background()

	_, err := db.CreateCompactionGroup(ctx, "users", nil, []epochkv.KeyRange{{Start: []byte("u"), End: []byte("v")}})
	require.NoError(t, err)
	_, err = db.Put([]byte("u1"), []byte("x"))
	require.NoError(t, err)
	_, err = c.Flush(ctx)
	require.NoError(t, err)

	groups, err := c.Groups(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Equal(t, "default", groups[0].Name)
	assert.Equal(t, "users", groups[1].Name)
	assert.Equal(t, 1, groups[1].Tables)
	assert.NotZero(t, groups[1].Size)
	assert.Len(t, groups[1].Config.KeyRanges, 1)
}

func TestUpdateConfigErrors(t *testing.T) {
	_, c, ts := newTestServer(t)
	ctx := context.Background()

	_, err := c.UpdateConfig(ctx, ConfigUpdateRequest{Groups: []uint32{0}})
	assert.Equal(t, http.StatusBadRequest, statusOf(err), "empty update")

	_, err = c.UpdateConfig(ctx, ConfigUpdateRequest{})
	assert.Equal(t, http.StatusBadRequest, statusOf(err), "no groups")

	bad := "brotli"
	_, err = c.UpdateConfig(ctx, ConfigUpdateRequest{Groups: []uint32{0}, Compression: &bad})
	assert.Equal(t, http.StatusBadRequest, statusOf(err))

	req, err := http.NewRequest(http.MethodPatch, ts.URL+"/v1/groups/config", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCompact(t *testing.T) {
	db, c, ts := newTestServer(t)
	ctx := context.Background()

	for _, k := range []string{"a", "b"} {
		_, err := db.Put([]byte(k), []byte(k))
		require.NoError(t, err)
		_, err = db.Flush(ctx)
		require.NoError(t, err)
	}
	require.NoError(t, c.Compact(ctx, 0))

	groups, err := c.Groups(ctx)
	require.NoError(t, err)
	assert.Zero(t, groups[0].Levels[0].Tables)

	assert.Equal(t, http.StatusNotFound, statusOf(c.Compact(ctx, 42)))

	resp, err := http.Post(ts.URL+"/v1/groups/x/compact", contentTypeJSON, nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMetrics(t *testing.T) {
	_, c, ts := newTestServer(t)
	_, err := c.Pause(context.Background())
	require.NoError(t, err)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "epochkv_cluster_paused 1")
}

func TestClosedEngine(t *testing.T) {
	db, c, _ := newTestServer(t)
	require.NoError(t, db.Close())
	_, err := c.Flush(context.Background())
	assert.Equal(t, http.StatusServiceUnavailable, statusOf(err))
}
