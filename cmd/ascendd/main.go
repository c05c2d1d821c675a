// Command ascendd runs the Ascend progression service: the run tracker tick
// loop, the prestige operations and their HTTP control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/api"
	"github.com/talgya/ascend/internal/config"
	"github.com/talgya/ascend/internal/engine"
	"github.com/talgya/ascend/internal/persistence"
	"github.com/talgya/ascend/internal/prestige"
	"github.com/talgya/ascend/internal/progress"
	"github.com/talgya/ascend/internal/run"
	"github.com/talgya/ascend/internal/telemetry"
)

func main() {
	printBalance := flag.Bool("print-balance", false, "print the default balance YAML and exit")
	flag.Parse()

	if *printBalance {
		out, err := config.DefaultBalance().YAML()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Stdout.Write(out)
		return
	}

	if err := serve(); err != nil {
		slog.Error("ascendd stopped", "error", err)
		os.Exit(1)
	}
}

func serve() error {
	rt, err := config.LoadRuntime()
	if err != nil {
		return fmt.Errorf("load runtime config: %w", err)
	}
	level, _ := rt.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	balance, err := config.LoadBalance(rt.BalancePath)
	if err != nil {
		return err
	}
	game, err := balance.Compile()
	if err != nil {
		return fmt.Errorf("compile balance: %w", err)
	}
	slog.Info("Ascend progression service",
		"courses", len(game.Courses),
		"challenges", len(game.Challenges),
		"categories", game.Formulas.Categories(),
		"transcendence_threshold", game.TranscendenceThreshold.Format(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, rt.OTLPEndpoint, rt.ServiceName)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("tracing shutdown failed", "error", err)
		}
	}()

	// ── Database ──────────────────────────────────────────────────────
	if err := os.MkdirAll(filepath.Dir(rt.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := persistence.Open(rt.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()
	slog.Info("database opened", "path", rt.DBPath)

	if last, err := db.GetMeta(ctx, "last_boot"); err == nil {
		slog.Info("previous boot", "at", last)
	}
	if err := db.SaveMeta(ctx, "last_boot", time.Now().UTC().Format(time.RFC3339)); err != nil {
		slog.Warn("boot marker not saved", "error", err)
	}

	store := persistence.NewStore(db, rt.SaveDebounce)
	recorder := analytics.NewRecorder(db, rt.AnalyticsBuffer)

	// ── Runs and prestige ─────────────────────────────────────────────
	tracker := run.NewTracker(game.Courses, store, game.Formulas, recorder)
	tracker.OnFinish(func(ev run.FinishEvent) {
		slog.Debug("run finished",
			"player", ev.Player,
			"course", ev.CourseID,
			"elapsed", ev.Elapsed,
			"volt", ev.Volt.Format(),
			"personal_best", ev.PersonalBest,
		)
	})

	lanes := engine.NewLanes()
	positions := engine.NewPositionBuffer()
	scanner := engine.NewFinishScanner(tracker, lanes, positions)
	limiter := api.NewRateLimiter(rt.RateLimit, rt.RateBurst)

	eng := engine.NewEngine(rt.TickInterval)
	eng.OnTick(func(ctx context.Context, tick uint64) { scanner.Scan(ctx, tick) })
	eng.Every(time.Minute, func(context.Context, uint64) {
		if n := limiter.Cleanup(10 * time.Minute); n > 0 {
			slog.Debug("rate limiter cleanup", "dropped", n)
		}
	})

	service := prestige.NewService(store, lanes,
		prestige.NewSummit(game.Formulas, store, recorder, game.SummitMinCoins),
		prestige.NewTranscendence(game.TranscendenceThreshold, game.Challenges, store, tracker, recorder),
		prestige.NewElevation(game.Formulas, store, recorder),
		prestige.NewChallenges(game.Challenges, store, recorder),
	)

	// ── HTTP API ──────────────────────────────────────────────────────
	if rt.AdminKey == "" {
		slog.Warn("ASCEND_ADMIN_KEY not set, admin POST endpoints will be disabled")
	}
	apiServer := &api.Server{
		Service:    service,
		Tracker:    tracker,
		Positions:  positions,
		Lanes:      lanes,
		Accounts:   progress.NewAccounts(store, game.Formulas),
		Formulas:   game.Formulas,
		Repo:       store,
		Eng:        eng,
		Events:     db,
		Recorder:   recorder,
		Limiter:    limiter,
		Port:       rt.Port,
		AdminKey:   rt.AdminKey,
		CORSOrigin: rt.CORSOrigin,
	}

	// ── Start ─────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(gctx) })
	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	g.Go(func() error { return apiServer.ListenAndServe(gctx) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	// Final save on shutdown.
	slog.Info("final save...")
	lanes.Close()
	saveCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if serr := store.Close(saveCtx); serr != nil {
		slog.Error("final save failed", "error", serr, "pending", store.Pending())
		err = errors.Join(err, serr)
	}
	return err
}
