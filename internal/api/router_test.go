package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nilotic/ledger/internal/config"
	"github.com/nilotic/ledger/internal/metrics"
	"github.com/nilotic/ledger/internal/node"
	"github.com/nilotic/ledger/internal/persistence"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	store, err := persistence.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	cfg := config.Defaults()
	cfg.MiningThreads = 1

	n, err := node.New(cfg, log, store, reg)
	require.NoError(t, err)

	return NewRouter(n)
}

func doJSON(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		data, _ := json.Marshal(body)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestGetInfoReportsGenesisShape(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodGet, "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["chain_height"])
	assert.EqualValues(t, 4, body["difficulty"])
}

func TestGetBalanceRequiresAddress(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodGet, "/balance", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["error"])
}

func TestPostMineAppendsBlock(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodPost, "/mine", map[string]string{"miner_address": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["index"])
}

func TestPostTransactionThenDuplicateConflicts(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodPost, "/mine", map[string]string{"miner_address": "alice"})
	require.Equal(t, http.StatusOK, rec.Code)

	payload := map[string]any{"sender": "alice", "recipient": "bob", "amount": "10"}
	first := doJSON(r, http.MethodPost, "/transaction", payload)
	require.Equal(t, http.StatusCreated, first.Code)

	second := doJSON(r, http.MethodPost, "/transaction", payload)
	assert.NotEqual(t, http.StatusCreated, second.Code)
}

func TestPoRCEnableRejectsBelowMinBalance(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodPost, "/porc/enable", map[string]string{"address": "nobody"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHealthzOK(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(r, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}
