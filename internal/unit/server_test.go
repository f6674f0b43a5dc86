package unit

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/mimosync/internal/codec"
	"github.com/rjboer/mimosync/internal/sdr"
	"github.com/rjboer/mimosync/rpc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func startUnit(t *testing.T, lease time.Duration) *Server {
	t.Helper()
	srv, err := NewServer(ServerConfig{
		Name:         "unit0",
		Factory:      sdr.SimFactory(sdr.SimOptions{MasterClockRate: 1000, Seed: 1}),
		Policy:       RetryPolicy{Trials: 2, Delay: time.Millisecond},
		LeaseTimeout: lease,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return srv
}

func TestSessionServesDriverCalls(t *testing.T) {
	srv := startUnit(t, time.Second)
	c := rpc.NewClient(srv.Addr().String())
	defer c.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rf := sdr.RfConfig{
		TxGain: []float64{0}, RxGain: []float64{0},
		TxSamplingRate: 1000, RxSamplingRate: 1000,
		NoTxAntennas: 1, NoRxAntennas: 1,
	}
	require.NoError(t, c.Call(ctx, rpc.MethodConfigureRf, codec.EncodeRfConfig(rf), nil))

	var rec codec.RfConfigRecord
	require.NoError(t, c.Call(ctx, rpc.MethodGetRfConfig, nil, &rec))
	got, err := codec.DecodeRfConfig(rec)
	require.NoError(t, err)
	assert.True(t, rf.Equal(got))

	rx := []sdr.RxStreamingConfig{{NoSamples: 8, NumRepetitions: 1}}
	require.NoError(t, c.Call(ctx, rpc.MethodConfigureRx, rpc.ConfigureRxParams{Configs: codec.EncodeRxList(rx)}, nil))

	var now rpc.FloatResult
	require.NoError(t, c.Call(ctx, rpc.MethodGetFpgaTime, nil, &now))
	require.NoError(t, c.Call(ctx, rpc.MethodExecute, rpc.ExecuteParams{TriggerTime: now.Value + 0.05}, nil))

	var res rpc.CollectResult
	require.NoError(t, c.Call(ctx, rpc.MethodCollect, nil, &res))
	sigs, err := codec.DecodeMimoList(res.Signals)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, 8, sigs[0].Len())

	var mcr rpc.FloatResult
	require.NoError(t, c.Call(ctx, rpc.MethodGetMasterClockRate, nil, &mcr))
	assert.Equal(t, 1000.0, mcr.Value)

	require.NoError(t, c.Call(ctx, rpc.MethodSetSyncSource, rpc.SyncSourceParams{Source: "gpsdo"}, nil))
	require.NoError(t, c.Call(ctx, rpc.MethodResetNextPps, nil, nil))
	require.NoError(t, c.Call(ctx, rpc.MethodResetStreaming, nil, nil))
}

func TestSessionRejectsBadInput(t *testing.T) {
	srv := startUnit(t, time.Second)
	c := rpc.NewClient(srv.Addr().String())
	defer c.Close()
	ctx := context.Background()

	assert.ErrorIs(t, c.Call(ctx, rpc.MethodConfigureRf, nil, nil), sdr.ErrMalformedPayload)
	assert.ErrorIs(t, c.Call(ctx, rpc.MethodSetSyncSource, rpc.SyncSourceParams{Source: "sundial"}, nil), sdr.ErrMalformedPayload)
	assert.ErrorIs(t, c.Call(ctx, "selfDestruct", nil, nil), sdr.ErrMalformedPayload)
	// collecting before arming is refused outright
	assert.ErrorIs(t, c.Call(ctx, rpc.MethodCollect, nil, nil), sdr.ErrDriver)
	active := srv.Status().Active
	require.NotNil(t, active)
	assert.Zero(t, active.Controller.Retries)
	assert.Zero(t, active.Controller.Reacquisitions)
}

func TestSecondSessionWaitsForLease(t *testing.T) {
	srv := startUnit(t, 100*time.Millisecond)
	ctx := context.Background()

	first := rpc.NewClient(srv.Addr().String())
	require.NoError(t, first.Call(ctx, rpc.MethodPing, nil, nil))

	second := rpc.NewClient(srv.Addr().String())
	defer second.Close()
	err := second.Call(ctx, rpc.MethodPing, nil, nil)
	assert.ErrorIs(t, err, sdr.ErrTransport)
	assert.Equal(t, uint64(1), srv.Status().Refused)

	// once the first session ends the radio can be leased again
	require.NoError(t, first.Close())
	assert.Eventually(t, func() bool {
		return srv.Status().Active == nil
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, second.Call(ctx, rpc.MethodPing, nil, nil))
	assert.Equal(t, uint64(2), srv.Status().Sessions)
}

func TestSetPolicyReachesActiveSession(t *testing.T) {
	srv := startUnit(t, time.Second)
	c := rpc.NewClient(srv.Addr().String())
	defer c.Close()
	require.NoError(t, c.Call(context.Background(), rpc.MethodPing, nil, nil))

	srv.SetPolicy(RetryPolicy{Trials: 7, Delay: time.Second})
	st := srv.Status()
	require.NotNil(t, st.Active)
	assert.Equal(t, 7, st.Policy.Trials)
	assert.Equal(t, "1s", st.Policy.Delay)
}

func TestStatusEndpoints(t *testing.T) {
	srv := startUnit(t, time.Second)
	h := srv.StatusHandler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var st Status
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&st))
	assert.Equal(t, "unit0", st.Name)
	assert.Nil(t, st.Active)
}

func TestStatusClient(t *testing.T) {
	sc := NewStatusClient("http://unit0:8081")
	httpmock.ActivateNonDefault(sc.Client().GetClient())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "http://unit0:8081/healthz",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"ok"}`))
	httpmock.RegisterResponder(http.MethodGet, "http://unit0:8081/status",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, Status{
			Name:     "unit0",
			Sessions: 3,
			Active: &SessionStatus{
				ID:         "abc",
				Controller: Stats{State: StateRetrying, Retries: 2},
			},
		}))

	ctx := context.Background()
	require.NoError(t, sc.Healthy(ctx))
	st, err := sc.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), st.Sessions)
	require.NotNil(t, st.Active)
	assert.Equal(t, StateRetrying, st.Active.Controller.State)
}

func TestStatusClientReportsHTTPErrors(t *testing.T) {
	sc := NewStatusClient("http://unit1:8081")
	sc.Client().SetCommonRetryCount(0)
	httpmock.ActivateNonDefault(sc.Client().GetClient())
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder(http.MethodGet, "http://unit1:8081/healthz",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "down"))
	assert.Error(t, sc.Healthy(context.Background()))
}
