// Package api provides the HTTP control surface of the prestige service.
// GET endpoints read player state. POST endpoints mutate it and require the
// admin bearer token; they are called by the game servers, not by players.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/engine"
	"github.com/talgya/ascend/internal/formula"
	"github.com/talgya/ascend/internal/persistence"
	"github.com/talgya/ascend/internal/prestige"
	"github.com/talgya/ascend/internal/progress"
	"github.com/talgya/ascend/internal/run"
)

const maxBodyBytes = 1 << 16

// EventLog is the stored analytics history. persistence.DB implements it.
type EventLog interface {
	RecentEvents(ctx context.Context, id progress.PlayerID, limit int) ([]analytics.Event, error)
	EventCounts(ctx context.Context) ([]persistence.EventCount, error)
}

// Server serves player progress over HTTP.
type Server struct {
	Service   *prestige.Service
	Tracker   *run.Tracker
	Positions *engine.PositionBuffer
	Lanes     *engine.Lanes
	Accounts  *progress.Accounts
	Formulas  *formula.Formulas
	Repo      progress.Repository
	Eng       *engine.Engine
	Events    EventLog            // optional
	Recorder  *analytics.Recorder // optional
	Limiter   *RateLimiter        // optional

	Port       int
	AdminKey   string // Bearer token for POST endpoints. Empty = POST disabled.
	CORSOrigin string // Allowed origin; "*" allows any.

	startedAt time.Time
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	if s.startedAt.IsZero() {
		s.startedAt = time.Now()
	}
	limited := func(h http.HandlerFunc) http.HandlerFunc {
		h = s.adminOnly(h)
		if s.Limiter != nil {
			h = RateLimitMiddleware(s.Limiter, h)
		}
		return h
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	mux.HandleFunc("GET /api/v1/balance", s.handleBalance)
	mux.HandleFunc("GET /api/v1/analytics", s.handleAnalytics)
	mux.HandleFunc("GET /api/v1/players/{id}", s.withPlayer(s.handlePlayer))
	mux.HandleFunc("GET /api/v1/players/{id}/summit/preview", s.withPlayer(s.handleSummitPreview))
	mux.HandleFunc("GET /api/v1/players/{id}/events", s.withPlayer(s.handlePlayerEvents))

	mux.HandleFunc("POST /api/v1/players/{id}/summit", limited(s.withPlayer(s.handleSummit)))
	mux.HandleFunc("POST /api/v1/players/{id}/transcend", limited(s.withPlayer(s.handleTranscend)))
	mux.HandleFunc("POST /api/v1/players/{id}/elevate", limited(s.withPlayer(s.handleElevate)))
	mux.HandleFunc("POST /api/v1/players/{id}/challenges", limited(s.withPlayer(s.handleChallenge)))
	mux.HandleFunc("POST /api/v1/players/{id}/break-ascension", limited(s.withPlayer(s.handleBreakAscension)))
	mux.HandleFunc("POST /api/v1/players/{id}/grant", limited(s.withPlayer(s.handleGrant)))
	mux.HandleFunc("POST /api/v1/players/{id}/run/start", limited(s.withPlayer(s.handleRunStart)))
	mux.HandleFunc("POST /api/v1/players/{id}/run/cancel", limited(s.withPlayer(s.handleRunCancel)))
	mux.HandleFunc("POST /api/v1/players/{id}/position", s.adminOnly(s.withPlayer(s.handlePosition)))
	mux.HandleFunc("POST /api/v1/players/{id}/disconnect", limited(s.withPlayer(s.handleDisconnect)))
	mux.HandleFunc("POST /api/v1/save", limited(s.handleSave))

	return corsMiddleware(s.CORSOrigin, mux)
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	slog.Info("HTTP API starting", "addr", srv.Addr, "admin_auth", s.AdminKey != "")

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	slog.Info("HTTP API stopped")
	return nil
}

// corsMiddleware adds CORS headers for the configured origin.
func corsMiddleware(origin string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if reqOrigin := r.Header.Get("Origin"); origin != "" && reqOrigin != "" {
			if origin == "*" || origin == reqOrigin {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkBearerToken returns true if the request has a valid admin bearer token.
func (s *Server) checkBearerToken(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	return strings.HasPrefix(auth, "Bearer ") && strings.TrimPrefix(auth, "Bearer ") == s.AdminKey
}

// adminOnly wraps a handler to require bearer token auth on POST requests.
func (s *Server) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			if s.AdminKey == "" {
				http.Error(w, "admin endpoints disabled (no ASCEND_ADMIN_KEY set)", http.StatusForbidden)
				return
			}
			if !s.checkBearerToken(r) {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

type playerHandler func(w http.ResponseWriter, r *http.Request, id progress.PlayerID)

// withPlayer parses the {id} path segment.
func (s *Server) withPlayer(next playerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.PathValue("id"))
		if err != nil {
			http.Error(w, "invalid player id", http.StatusBadRequest)
			return
		}
		next(w, r, id)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"name":          "ascend",
		"uptime":        time.Since(s.startedAt).Round(time.Second).String(),
		"tick":          s.Eng.Tick(),
		"running":       s.Eng.Running(),
		"active_lanes":  s.Lanes.Pending(),
		"courses":       len(s.Tracker.Courses()),
		"categories":    s.Formulas.Categories(),
		"admin_enabled": s.AdminKey != "",
	}
	if q, ok := s.Repo.(interface{ Pending() int }); ok {
		status["pending_saves"] = q.Pending()
	}
	if q, ok := s.Repo.(interface{ Cached() int }); ok {
		status["cached_players"] = q.Cached()
	}
	if s.Recorder != nil {
		status["analytics_dropped"] = s.Recorder.Dropped()
	}
	writeJSON(w, status)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	type courseView struct {
		ID          string   `json:"id"`
		BaseRunTime int64    `json:"base_run_time_ms"`
		BaseVolt    string   `json:"base_volt"`
		BaseCoins   string   `json:"base_coins"`
		Finish      run.Vec3 `json:"finish"`
	}
	courses := make([]courseView, 0)
	for _, c := range s.Tracker.Courses() {
		courses = append(courses, courseView{
			ID:          c.ID,
			BaseRunTime: c.BaseRunTime.Milliseconds(),
			BaseVolt:    c.BaseVolt.String(),
			BaseCoins:   c.BaseCoins.String(),
			Finish:      c.Finish,
		})
	}
	writeJSON(w, map[string]any{
		"courses":          courses,
		"categories":       s.Formulas.Categories(),
		"max_summit_level": s.Formulas.MaxSummitLevel(),
		"challenges":       s.Service.Challenges.IDs(),
	})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		http.Error(w, "analytics not available", http.StatusServiceUnavailable)
		return
	}
	counts, err := s.Events.EventCounts(r.Context())
	if err != nil {
		slog.Error("event counts failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if counts == nil {
		counts = []persistence.EventCount{}
	}
	writeJSON(w, counts)
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	p, err := s.Service.Snapshot(r.Context(), id)
	if err != nil {
		s.fail(w, "snapshot", id, err)
		return
	}
	writeJSON(w, s.playerView(p))
}

func (s *Server) handleSummitPreview(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	c := formula.Category(r.URL.Query().Get("category"))
	preview, ok, err := s.Service.Preview(r.Context(), id, c)
	if err != nil {
		s.fail(w, "summit preview", id, err)
		return
	}
	if !ok {
		http.Error(w, fmt.Sprintf("unknown category %q", c), http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{
		"category":      preview.Category,
		"current_level": preview.CurrentLevel,
		"new_level":     preview.NewLevel,
		"level_gain":    preview.LevelGain,
		"current_bonus": preview.CurrentBonus,
		"new_bonus":     preview.NewBonus,
	})
}

func (s *Server) handlePlayerEvents(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	if s.Events == nil {
		http.Error(w, "analytics not available", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			http.Error(w, "limit must be 1-500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.Events.RecentEvents(r.Context(), id, limit)
	if err != nil {
		slog.Error("recent events failed", "player", id, "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	type eventView struct {
		Name    string          `json:"name"`
		Payload json.RawMessage `json:"payload"`
		At      time.Time       `json:"at"`
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{Name: e.Name, Payload: json.RawMessage(e.Payload), At: e.At})
	}
	writeJSON(w, out)
}

func (s *Server) handleSummit(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	var req struct {
		Category string `json:"category"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Service.PerformSummit(r.Context(), id, formula.Category(req.Category))
	if err != nil {
		s.fail(w, "summit", id, err)
		return
	}
	writeJSON(w, map[string]any{
		"outcome":    res.Outcome,
		"reason":     res.Reason,
		"category":   res.Category,
		"level":      res.Level,
		"level_gain": res.LevelGain,
	})
}

func (s *Server) handleTranscend(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	res, err := s.Service.Transcend(r.Context(), id)
	body := map[string]any{
		"outcome": res.Outcome,
		"reason":  res.Reason,
		"count":   res.Count,
	}
	if errors.Is(err, prestige.ErrNotDurable) {
		// The reset happened; the caller must know it is not yet on disk.
		body["durable"] = false
		writeJSONStatus(w, http.StatusServiceUnavailable, body)
		return
	}
	if err != nil {
		s.fail(w, "transcend", id, err)
		return
	}
	if res.Outcome == prestige.Success {
		s.Positions.Remove(id)
		body["durable"] = true
	}
	writeJSON(w, body)
}

func (s *Server) handleElevate(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	res, err := s.Service.Elevate(r.Context(), id)
	if err != nil {
		s.fail(w, "elevate", id, err)
		return
	}
	writeJSON(w, map[string]any{
		"outcome":    res.Outcome,
		"reason":     res.Reason,
		"levels":     res.Levels,
		"multiplier": res.Multiplier,
		"cost":       res.Cost.String(),
	})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	var req struct {
		Challenge  string `json:"challenge"`
		DurationMS int64  `json:"duration_ms"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Service.CompleteChallenge(r.Context(), id, req.Challenge, time.Duration(req.DurationMS)*time.Millisecond)
	if err != nil {
		s.fail(w, "challenge", id, err)
		return
	}
	writeJSON(w, map[string]any{
		"outcome":      res.Outcome,
		"reason":       res.Reason,
		"challenge":    res.Challenge,
		"first_reward": res.FirstReward,
		"best_time_ms": res.Record.BestTime.Milliseconds(),
		"completions":  res.Record.Completions,
	})
}

func (s *Server) handleBreakAscension(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Service.SetBreakAscension(r.Context(), id, req.Enabled)
	if err != nil {
		s.fail(w, "break ascension", id, err)
		return
	}
	writeJSON(w, map[string]any{
		"outcome": res.Outcome,
		"reason":  res.Reason,
		"enabled": res.Enabled,
	})
}

// handleGrant credits currency or summit levels, for support and testing.
func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	var req struct {
		Volt         string `json:"volt"`
		Coins        string `json:"coins"`
		Category     string `json:"category"`
		SummitLevels int    `json:"summit_levels"`
	}
	if !decode(w, r, &req) {
		return
	}
	var (
		volt  bignum.Number
		coins decimal.Decimal
		err   error
	)
	if req.Volt != "" {
		if volt, err = bignum.Parse(req.Volt); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.SummitLevels < 0 || (req.SummitLevels > 0 && !s.Formulas.HasCategory(formula.Category(req.Category))) {
		http.Error(w, "summit_levels needs a known category and a positive count", http.StatusBadRequest)
		return
	}
	if req.Coins != "" {
		if coins, err = decimal.NewFromString(req.Coins); err != nil || coins.IsNegative() {
			http.Error(w, "coins must be a non-negative decimal", http.StatusBadRequest)
			return
		}
	}

	ctx := r.Context()
	body := map[string]any{}
	err = s.Lanes.Do(ctx, id, func() error {
		v, err := s.Accounts.Volt(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Accounts.SetVolt(ctx, id, v.Add(volt)); err != nil {
			return err
		}
		c, err := s.Accounts.Coins(ctx, id)
		if err != nil {
			return err
		}
		if err := s.Accounts.SetCoins(ctx, id, c.Add(coins)); err != nil {
			return err
		}
		if req.SummitLevels > 0 {
			lvl, err := s.Accounts.AddSummitLevel(ctx, id, formula.Category(req.Category), req.SummitLevels)
			if err != nil {
				return err
			}
			body["summit_level"] = lvl
		}
		body["volt"] = v.Add(volt).String()
		body["coins"] = c.Add(coins).String()
		return nil
	})
	if err != nil {
		s.fail(w, "grant", id, err)
		return
	}
	slog.Info("grant applied", "player", id, "volt", req.Volt, "coins", req.Coins, "summit_levels", req.SummitLevels)
	writeJSON(w, body)
}

func (s *Server) handleRunStart(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	var req struct {
		Course string `json:"course"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := s.Tracker.Start(id, req.Course); err != nil {
		if errors.Is(err, run.ErrUnknownCourse) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.fail(w, "run start", id, err)
		return
	}
	writeJSON(w, map[string]any{"state": s.Tracker.State(id).String(), "course": req.Course})
}

func (s *Server) handleRunCancel(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	cancelled := s.Tracker.Cancel(id, run.CancelRequested)
	writeJSON(w, map[string]any{"cancelled": cancelled, "state": s.Tracker.State(id).String()})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	var pos run.Vec3
	if !decode(w, r, &pos) {
		return
	}
	s.Positions.Update(id, pos)
	w.WriteHeader(http.StatusAccepted)
}

// handleDisconnect ends the player's session: the run is dropped, their
// state is saved and the cache entry released. The save and eviction run in
// the player's lane after any queued mutation has been marked.
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, id progress.PlayerID) {
	cancelled := s.Tracker.Cancel(id, run.CancelDisconnect)
	s.Positions.Remove(id)
	ctx := r.Context()
	evicted := false
	err := s.Lanes.Do(ctx, id, func() error {
		if err := s.Repo.FlushPendingSave(ctx); err != nil {
			return err
		}
		if ev, ok := s.Repo.(interface{ Evict(progress.PlayerID) bool }); ok {
			evicted = ev.Evict(id)
		}
		return nil
	})
	if err != nil {
		s.fail(w, "disconnect save", id, err)
		return
	}
	writeJSON(w, map[string]any{"run_cancelled": cancelled, "evicted": evicted})
}

func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.FlushPendingSave(r.Context()); err != nil {
		slog.Error("manual save failed", "error", err)
		http.Error(w, "save failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"message": "saved"})
}

// fail maps an infrastructure error to a response.
func (s *Server) fail(w http.ResponseWriter, op string, id progress.PlayerID, err error) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, engine.ErrLanesClosed):
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	default:
		slog.Error(op+" failed", "player", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func decode(w http.ResponseWriter, r *http.Request, into any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(into); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, data any) {
	writeJSONStatus(w, http.StatusOK, data)
}

func writeJSONStatus(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}
