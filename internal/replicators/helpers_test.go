package replicators

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/hookdb/internal/hookdb"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testEnv(serviceName string) *hookdb.Env {
	return &hookdb.Env{
		Integration: &hookdb.ServiceIntegration{
			ID:          7,
			OpaqueID:    "svi_test",
			ServiceName: serviceName,
			TableName:   serviceName + "_abcd",
		},
		Organization: &hookdb.Organization{ID: 1, Key: "acme"},
		HTTP:         hookdb.NewUpstreamClient(hookdb.UpstreamClientOptions{}),
		Now:          func() time.Time { return testNow },
		Settings:     hookdb.DefaultSettings(),
	}
}

func newReplicator(t *testing.T, env *hookdb.Env, opts Options) hookdb.Replicator {
	t.Helper()
	reg, err := NewRegistry(opts)
	require.NoError(t, err)
	r, err := reg.Resolve(env)
	require.NoError(t, err)
	return r
}

func payload(t *testing.T, raw string) hookdb.Payload {
	t.Helper()
	p, err := hookdb.DecodePayload([]byte(raw))
	require.NoError(t, err)
	return p
}

// recordingServer answers each request with the next canned body and keeps
// the requests it saw.
type recordingServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []*http.Request
}

func newRecordingServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *recordingServer {
	t.Helper()
	rs := &recordingServer{}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.requests = append(rs.requests, r.Clone(r.Context()))
		rs.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(rs.Close)
	return rs
}

func (rs *recordingServer) seen() []*http.Request {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return append([]*http.Request(nil), rs.requests...)
}
