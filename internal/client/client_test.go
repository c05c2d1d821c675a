package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestClient_ReadsWithoutAuth(t *testing.T) {
	id := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		writeJSON(w, http.StatusOK, map[string]any{"name": "ascend", "tick": 42, "courses": 5, "pending_saves": 2})
	})
	mux.HandleFunc("GET /api/v1/players/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, id.String(), r.PathValue("id"))
		writeJSON(w, http.StatusOK, map[string]any{
			"id":     id.String(),
			"volt":   "1.5e100",
			"summit": []map[string]any{{"category": "multiplier_gain", "level": 3, "bonus": 1.9}},
			"run":    map[string]any{"state": "running", "course": "map_2"},
		})
	})
	mux.HandleFunc("GET /api/v1/players/{id}/summit/preview", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"category": r.URL.Query().Get("category"), "level_gain": 4})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "")
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ascend", st.Name)
	assert.Equal(t, uint64(42), st.Tick)
	assert.Equal(t, 2, st.PendingSaves)

	p, err := c.Player(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "1.5e100", p.Volt)
	require.Len(t, p.Summit, 1)
	assert.Equal(t, 3, p.Summit[0].Level)
	assert.Equal(t, "map_2", p.Run.Course)

	pv, err := c.PreviewSummit(ctx, id, "runner_speed")
	require.NoError(t, err)
	assert.Equal(t, "runner_speed", pv.Category)
	assert.Equal(t, 4, pv.LevelGain)
}

func TestClient_PostsCarryAdminKey(t *testing.T) {
	id := uuid.New()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/players/{id}/summit", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var req struct{ Category string }
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		writeJSON(w, http.StatusOK, map[string]any{"outcome": "success", "category": req.Category, "level": 7})
	})
	mux.HandleFunc("POST /api/v1/players/{id}/grant", func(w http.ResponseWriter, r *http.Request) {
		var g Grant
		require.NoError(t, json.NewDecoder(r.Body).Decode(&g))
		writeJSON(w, http.StatusOK, map[string]any{"volt": g.Volt, "coins": "0"})
	})
	mux.HandleFunc("POST /api/v1/save", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "save failed", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "k")
	ctx := context.Background()

	res, err := c.Summit(ctx, id, "evolution_power")
	require.NoError(t, err)
	assert.Equal(t, SummitResult{Outcome: "success", Category: "evolution_power", Level: 7}, *res)

	g, err := c.Grant(ctx, id, Grant{Volt: "1e50"})
	require.NoError(t, err)
	assert.Equal(t, "1e50", g.Volt)

	err = c.Save(ctx)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, "save failed", apiErr.Body)
}

func TestClient_TranscendNotDurable(t *testing.T) {
	var degraded atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/players/{id}/transcend", func(w http.ResponseWriter, r *http.Request) {
		if !degraded.Load() {
			writeJSON(w, http.StatusOK, map[string]any{"outcome": "success", "count": 1, "durable": true})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"outcome": "success", "count": 2, "durable": false})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "k")
	res, err := c.Transcend(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, res.Durable)

	degraded.Store(true)
	res, err = c.Transcend(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrNotDurable)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Count)
	assert.False(t, res.Durable)
}

func TestClient_TranscendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "k").Transcend(context.Background(), uuid.New())
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrNotDurable))
}

func TestClient_WaitReady(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"name": "ascend"})
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	require.NoError(t, c.WaitReady(context.Background(), 10*time.Second))
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_WaitReadyGivesUp(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c := New("http://127.0.0.1:1", "")
	c.HTTPClient.Timeout = 50 * time.Millisecond
	assert.Error(t, c.WaitReady(ctx, time.Minute))
}
