package backtest

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"autoquant/internal/strategy/preset"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHTTP(t *testing.T) (*HTTPServer, *Runner) {
	t.Helper()
	runner := newTestRunner(t, ChartOptions{}, nil)
	presets, err := preset.NewRegistry(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	srv, err := NewHTTPServer(HTTPConfig{
		Svc:       runner.fetcher,
		Runner:    runner,
		Optimizer: NewOptimizer(runner, nil),
		Presets:   presets,
	})
	require.NoError(t, err)
	return srv, runner
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	out := map[string]json.RawMessage{}
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestHTTPRunLifecycle(t *testing.T) {
	srv, _ := newTestHTTP(t)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{
		"symbol": "BTC-USD", "end_ts": day(2023, 4, 30),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run Run
	require.NoError(t, json.Unmarshal(body["run"], &run))
	require.NotEmpty(t, run.ID)

	require.Eventually(t, func() bool {
		rec, body := doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+run.ID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var got Run
		return json.Unmarshal(body["run"], &got) == nil && got.Status == RunStatusDone
	}, 20*time.Second, 50*time.Millisecond)

	rec, body = doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+run.ID+"/snapshots?limit=1000", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var snaps []Snapshot
	require.NoError(t, json.Unmarshal(body["snapshots"], &snaps))
	assert.Len(t, snaps, 61)

	for _, sub := range []string{"orders", "positions", "signals"} {
		rec, _ := doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+run.ID+"/"+sub, nil)
		assert.Equal(t, http.StatusOK, rec.Code, sub)
	}

	rec, _ = doJSON(t, h, http.MethodGet, "/api/backtest/runs/"+run.ID+"/chart", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, body = doJSON(t, h, http.MethodGet, "/api/backtest/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var runs []Run
	require.NoError(t, json.Unmarshal(body["runs"], &runs))
	assert.Len(t, runs, 1)
}

func TestHTTPErrors(t *testing.T) {
	srv, _ := newTestHTTP(t)
	h := srv.Handler()

	rec, _ := doJSON(t, h, http.MethodGet, "/api/backtest/runs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, h, http.MethodPost, "/api/backtest/runs", map[string]any{"strategy": "martingale"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/backtest/candles", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/backtest/fetch/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHTTPRejectsMalformedQuery(t *testing.T) {
	srv, _ := newTestHTTP(t)
	h := srv.Handler()

	for _, path := range []string{
		"/api/backtest/candles?symbol=BTC-USD&timeframe=1d&start_ts=yesterday",
		"/api/backtest/candles?symbol=BTC-USD&timeframe=1d&end_ts=1.5e12",
		"/api/backtest/candles?symbol=BTC-USD&timeframe=1d&limit=ten",
		"/api/backtest/candles?symbol=BTC-USD&timeframe=1d&source=nasdaq",
		"/api/backtest/indicators?symbol=BTC-USD&timeframe=1d&fast=x",
		"/api/backtest/indicators?symbol=BTC-USD&timeframe=1d&slow=20.5",
		"/api/backtest/indicators?symbol=BTC-USD&timeframe=1d&start_ts=-",
		"/api/backtest/data?symbol=BTC-USD&timeframe=1d&source=nasdaq",
	} {
		rec, body := doJSON(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, path)
		assert.Contains(t, body, "error", path)
	}
}

func TestHTTPCatalog(t *testing.T) {
	srv, _ := newTestHTTP(t)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/backtest/strategies", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var strategies map[string]map[string]any
	require.NoError(t, json.Unmarshal(body["strategies"], &strategies))
	assert.Contains(t, strategies, "ma_cross")
	assert.Contains(t, strategies, "breakout")

	rec, body = doJSON(t, h, http.MethodGet, "/api/backtest/presets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var presets []preset.Preset
	require.NoError(t, json.Unmarshal(body["presets"], &presets))
	require.NotEmpty(t, presets)
	assert.Equal(t, preset.TunedName, presets[0].Name)
}

func TestHTTPFetchAndCandles(t *testing.T) {
	srv, _ := newTestHTTP(t)
	h := srv.Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/backtest/fetch", map[string]any{
		"symbol": "BTC-USD", "timeframe": "1d", "start_ts": day(2023, 1, 1), "end_ts": day(2023, 1, 10),
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var job FetchJob
	require.NoError(t, json.Unmarshal(body["job"], &job))

	require.Eventually(t, func() bool {
		rec, body := doJSON(t, h, http.MethodGet, "/api/backtest/fetch/"+job.ID, nil)
		var got FetchJob
		return rec.Code == http.StatusOK && json.Unmarshal(body["job"], &got) == nil && got.Finished()
	}, 10*time.Second, 20*time.Millisecond)

	rec, body = doJSON(t, h, http.MethodGet, "/api/backtest/candles?symbol=BTC-USD&timeframe=1d&start_ts=0&end_ts="+
		jsonInt(day(2023, 1, 10))+"&limit=100", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var candles []Candle
	require.NoError(t, json.Unmarshal(body["candles"], &candles))
	assert.Len(t, candles, 10)

	rec, body = doJSON(t, h, http.MethodGet, "/api/backtest/indicators?symbol=BTC-USD&timeframe=1d&fast=3&slow=5", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var rep struct {
		Count  int                        `json:"count"`
		Values map[string]json.RawMessage `json:"values"`
	}
	require.NoError(t, json.Unmarshal(body["report"], &rep))
	assert.Equal(t, 10, rep.Count)
	assert.Contains(t, rep.Values, "ma_fast")
	assert.Contains(t, rep.Values, "channel_high")

	rec, _ = doJSON(t, h, http.MethodGet, "/api/backtest/indicators?symbol=ETH-USD&timeframe=1d", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/backtest/jobs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHTTPOptimize(t *testing.T) {
	srv, _ := newTestHTTP(t)
	rec, body := doJSON(t, srv.Handler(), http.MethodPost, "/api/backtest/optimize", map[string]any{
		"end_ts": day(2023, 4, 30),
		"grid":   map[string][]any{"short_period": {3, 5}, "long_period": {8}},
		"top":    1,
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res OptimizeResult
	require.NoError(t, json.Unmarshal(body["result"], &res))
	assert.Equal(t, 2, res.Evaluated)
	assert.Len(t, res.Trials, 1)
}

func jsonInt(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}
