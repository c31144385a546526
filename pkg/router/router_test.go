package router

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acnlabs/acn/pkg/a2a"
	"github.com/acnlabs/acn/pkg/audit"
	"github.com/acnlabs/acn/pkg/config"
	"github.com/acnlabs/acn/pkg/errs"
	"github.com/acnlabs/acn/pkg/registry"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

func newTestRouter(t *testing.T) (*Router, storage.Store, storage.Ephemeral) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eph := storage.NewMemoryEphemeral()
	recorder := audit.NewRecorder(store, nil)

	cfg := config.Load()
	cfg.AuthDomain = ""
	cfg.RequestTimeout = 2 * time.Second
	cfg.MaxRetries = 2

	reg := registry.NewService(cfg, store, eph, recorder)
	return New(cfg, store, eph, reg, recorder), store, eph
}

// a2aServer runs a message/send peer. The handler may return an error to
// produce a JSON-RPC error response instead of a reply.
func a2aServer(t *testing.T, handle func(msg *a2a.Message) (*a2a.Message, error)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req a2a.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		msg, err := a2a.ParseSendParams(&req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		var resp *a2a.Response
		reply, herr := handle(msg)
		if herr != nil {
			resp = a2a.NewErrorResponse(req.ID, a2a.CodeInternalError, herr.Error())
		} else if resp, err = a2a.NewResponse(req.ID, reply); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func echoServer(t *testing.T) *httptest.Server {
	return a2aServer(t, func(msg *a2a.Message) (*a2a.Message, error) {
		return a2a.NewTextMessage(a2a.RoleAgent, "pong:"+msg.Texts()[0]), nil
	})
}

func addAgent(t *testing.T, store storage.Store, eph storage.Ephemeral, id, endpoint string, skills []string, online bool) {
	t.Helper()
	status := types.AgentStatusOffline
	if online {
		status = types.AgentStatusOnline
	}
	agent := &types.Agent{
		ID:           id,
		Name:         id,
		Owner:        "u1",
		Endpoint:     endpoint,
		Skills:       skills,
		SubnetIDs:    []string{types.SubnetPublic},
		Status:       status,
		RegisteredAt: time.Now().UTC(),
	}
	require.NoError(t, store.CreateAgent(agent))
	if online {
		eph.SetLiveness(id, time.Minute)
	}
}

func TestSendRoundtripRecordsHistory(t *testing.T) {
	rt, store, _ := newTestRouter(t)
	ctx := context.Background()

	srv := echoServer(t)
	addAgent(t, store, rt.eph, "receiver", srv.URL, nil, true)

	reply, err := rt.Send(ctx, "sender", "receiver", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"pong:hi"}, reply.Texts())

	for _, id := range []string{"sender", "receiver", GlobalHistory} {
		hist := rt.History(id, 10)
		require.Len(t, hist, 1, "history for %s", id)
		assert.Equal(t, "sender", hist[0].FromAgent)
		assert.Equal(t, "receiver", hist[0].ToAgent)
		assert.NotEmpty(t, hist[0].Record)
	}
}

func TestSendUnknownAgentFailsFast(t *testing.T) {
	rt, store, _ := newTestRouter(t)

	_, err := rt.Send(context.Background(), "sender", "ghost", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeAgentNotFound, errs.CodeOf(err))

	// Fail-fast lookups never dead-letter.
	entries, err := store.ListDLQ()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSendFailureDeadLetters(t *testing.T) {
	rt, store, _ := newTestRouter(t)
	ctx := context.Background()

	// A closed server refuses connections immediately.
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	addAgent(t, store, rt.eph, "receiver", srv.URL, nil, true)

	_, err := rt.Send(ctx, "sender", "receiver", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.Error(t, err)

	entries, err := store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sender", entries[0].FromAgent)
	assert.Equal(t, "receiver", entries[0].ToAgent)
	assert.Equal(t, 0, entries[0].RetryCount)
	assert.Equal(t, 2, entries[0].MaxRetries)

	// The stored record replays into the original message.
	msg, err := a2a.FromRecord(entries[0].Message)
	require.NoError(t, err)
	assert.Equal(t, []string{"hi"}, msg.Texts())
}

func TestRouteBySkillPrefersOnline(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	srv := echoServer(t)
	addAgent(t, store, eph, "offline-coder", srv.URL, []string{"code"}, false)
	addAgent(t, store, eph, "online-coder", srv.URL, []string{"code"}, true)

	_, chosen, err := rt.RouteBySkill(ctx, "sender", []string{"code"}, a2a.NewTextMessage(a2a.RoleUser, "go"))
	require.NoError(t, err)
	assert.Equal(t, "online-coder", chosen)
}

func TestRouteBySkillFallsBackToOffline(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	srv := echoServer(t)
	addAgent(t, store, eph, "offline-coder", srv.URL, []string{"code"}, false)

	_, chosen, err := rt.RouteBySkill(ctx, "sender", []string{"code"}, a2a.NewTextMessage(a2a.RoleUser, "go"))
	require.NoError(t, err)
	assert.Equal(t, "offline-coder", chosen)
}

func TestRouteBySkillNoCandidates(t *testing.T) {
	rt, _, _ := newTestRouter(t)

	_, _, err := rt.RouteBySkill(context.Background(), "sender", []string{"alchemy"}, a2a.NewTextMessage(a2a.RoleUser, "go"))
	require.Error(t, err)
	assert.Equal(t, errs.CodeAgentNotFound, errs.CodeOf(err))
}

func TestBroadcastParallelRecordsOutcomes(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	srv := echoServer(t)
	bad := httptest.NewServer(http.NotFoundHandler())
	bad.Close()

	addAgent(t, store, eph, "a", srv.URL, nil, true)
	addAgent(t, store, eph, "b", bad.URL, nil, true)
	addAgent(t, store, eph, "c", srv.URL, nil, true)

	result, err := rt.Broadcast(ctx, "sender", []string{"a", "b", "c"}, a2a.NewTextMessage(a2a.RoleUser, "hi"), types.BroadcastParallel)
	require.Error(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Success)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, result.Results["a"].OK)
	assert.False(t, result.Results["b"].OK)
	assert.NotEmpty(t, result.Results["b"].Error)
	assert.True(t, result.Results["c"].OK)

	// Retrievable by id for later inspection.
	got, ok := rt.BroadcastResult(result.ID)
	require.True(t, ok)
	assert.Equal(t, result.Failed, got.Failed)
}

func TestBroadcastSequentialStopsOnFirstFailure(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	srv := echoServer(t)
	bad := httptest.NewServer(http.NotFoundHandler())
	bad.Close()

	addAgent(t, store, eph, "first", bad.URL, nil, true)
	addAgent(t, store, eph, "second", srv.URL, nil, true)

	result, err := rt.Broadcast(ctx, "sender", []string{"first", "second"}, a2a.NewTextMessage(a2a.RoleUser, "hi"), types.BroadcastSequential)
	require.Error(t, err)
	require.NotNil(t, result)

	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 0, result.Success)
	// The second recipient was never attempted.
	_, attempted := result.Results["second"]
	assert.False(t, attempted)
}

func TestBroadcastBestEffortNeverErrors(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	bad := httptest.NewServer(http.NotFoundHandler())
	bad.Close()
	addAgent(t, store, eph, "a", bad.URL, nil, true)

	result, err := rt.Broadcast(ctx, "sender", []string{"a"}, a2a.NewTextMessage(a2a.RoleUser, "hi"), types.BroadcastBestEffort)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
}

func TestBroadcastValidation(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	ctx := context.Background()

	_, err := rt.Broadcast(ctx, "sender", nil, a2a.NewTextMessage(a2a.RoleUser, "hi"), types.BroadcastParallel)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Validation))

	_, err = rt.Broadcast(ctx, "sender", []string{"a"}, a2a.NewTextMessage(a2a.RoleUser, "hi"), "zigzag")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.Validation))
}

func TestSendBySkillDelegates(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	srv := echoServer(t)
	addAgent(t, store, eph, "coder-1", srv.URL, []string{"code"}, true)
	addAgent(t, store, eph, "coder-2", srv.URL, []string{"code"}, true)

	result, err := rt.SendBySkill(ctx, "sender", []string{"code"}, a2a.NewTextMessage(a2a.RoleUser, "hi"), types.BroadcastParallel)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
	assert.Equal(t, 2, result.Success)
}

func TestRetryDLQSucceedsAndRemoves(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	// Fails on the first call, succeeds afterwards.
	var calls atomic.Int64
	flaky := a2aServer(t, func(msg *a2a.Message) (*a2a.Message, error) {
		if calls.Add(1) == 1 {
			return nil, assert.AnError
		}
		return a2a.NewTextMessage(a2a.RoleAgent, "late"), nil
	})
	addAgent(t, store, eph, "receiver", flaky.URL, nil, true)

	_, err := rt.Send(ctx, "sender", "receiver", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.Error(t, err)

	report, err := rt.RetryDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Succeeded)

	entries, err := store.ListDLQ()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRetryDLQRequeuesThenDrops(t *testing.T) {
	rt, store, eph := newTestRouter(t)
	ctx := context.Background()

	bad := httptest.NewServer(http.NotFoundHandler())
	bad.Close()
	addAgent(t, store, eph, "receiver", bad.URL, nil, true)

	_, err := rt.Send(ctx, "sender", "receiver", a2a.NewTextMessage(a2a.RoleUser, "hi"))
	require.Error(t, err)

	// MaxRetries is 2: first pass increments to 1 and requeues.
	report, err := rt.RetryDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Requeued)

	entries, err := store.ListDLQ()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.NotNil(t, entries[0].LastTryAt)

	// Second pass hits the ceiling and drops the entry.
	report, err = rt.RetryDLQ(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dropped)

	entries, err = store.ListDLQ()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDispatchTypedAndWildcard(t *testing.T) {
	rt, _, _ := newTestRouter(t)
	ctx := context.Background()

	var typed, wild atomic.Int64
	rt.RegisterHandler("task.created", func(ctx context.Context, from string, msg *a2a.Message) error {
		typed.Add(1)
		return nil
	})
	rt.RegisterHandler(Wildcard, func(ctx context.Context, from string, msg *a2a.Message) error {
		wild.Add(1)
		return nil
	})

	msg := a2a.NewMessage(a2a.RoleAgent, a2a.DataPart(map[string]interface{}{
		"notification_type": "task.created",
		"task_id":           "t1",
	}))
	n := rt.Dispatch(ctx, "sender", msg)
	assert.Equal(t, 2, n)
	assert.Equal(t, int64(1), typed.Load())
	assert.Equal(t, int64(1), wild.Load())

	// No dispatch key: only the wildcard fires.
	n = rt.Dispatch(ctx, "sender", a2a.NewTextMessage(a2a.RoleAgent, "plain"))
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(1), typed.Load())
	assert.Equal(t, int64(2), wild.Load())
}
