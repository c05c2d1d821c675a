// Package persistence provides SQLite-based storage for player progress and
// analytics events.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/formula"
	"github.com/talgya/ascend/internal/progress"
)

// DB wraps a SQLite connection for progress persistence.
type DB struct {
	conn *sqlx.DB
}

// Open opens or creates a SQLite database at the given path.
func Open(path string) (*DB, error) {
	conn, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS players (
		id TEXT PRIMARY KEY,
		volt TEXT NOT NULL,
		coins TEXT NOT NULL,
		elevation_multiplier INTEGER NOT NULL,
		ascension_count INTEGER NOT NULL,
		skill_tree_points INTEGER NOT NULL,
		transcendence_count INTEGER NOT NULL,
		break_ascension INTEGER NOT NULL,
		auto_upgrade INTEGER NOT NULL,
		auto_evolution INTEGER NOT NULL,
		auto_elevation INTEGER NOT NULL,
		auto_elevation_target INTEGER NOT NULL,
		auto_summit INTEGER NOT NULL,
		total_volt_earned TEXT NOT NULL,
		total_manual_runs INTEGER NOT NULL,
		ascension_started_at INTEGER NOT NULL,
		fastest_ascension_ms INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS player_maps (
		player_id TEXT NOT NULL REFERENCES players(id),
		map_id TEXT NOT NULL,
		unlocked INTEGER NOT NULL,
		completed_manually INTEGER NOT NULL,
		multiplier TEXT NOT NULL,
		best_time_ms INTEGER NOT NULL,
		PRIMARY KEY (player_id, map_id)
	);

	CREATE TABLE IF NOT EXISTS player_summit (
		player_id TEXT NOT NULL REFERENCES players(id),
		category TEXT NOT NULL,
		level INTEGER NOT NULL,
		accumulated_spend TEXT NOT NULL,
		PRIMARY KEY (player_id, category)
	);

	CREATE TABLE IF NOT EXISTS player_skills (
		player_id TEXT NOT NULL REFERENCES players(id),
		node TEXT NOT NULL,
		PRIMARY KEY (player_id, node)
	);

	CREATE TABLE IF NOT EXISTS player_achievements (
		player_id TEXT NOT NULL REFERENCES players(id),
		achievement TEXT NOT NULL,
		PRIMARY KEY (player_id, achievement)
	);

	CREATE TABLE IF NOT EXISTS player_challenge_rewards (
		player_id TEXT NOT NULL REFERENCES players(id),
		challenge TEXT NOT NULL,
		PRIMARY KEY (player_id, challenge)
	);

	CREATE TABLE IF NOT EXISTS challenge_records (
		player_id TEXT NOT NULL REFERENCES players(id),
		challenge TEXT NOT NULL,
		best_time_ms INTEGER NOT NULL,
		completions INTEGER NOT NULL,
		PRIMARY KEY (player_id, challenge)
	);

	CREATE TABLE IF NOT EXISTS analytics_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		player_id TEXT NOT NULL,
		name TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_events_player ON analytics_events(player_id, id);
	CREATE INDEX IF NOT EXISTS idx_events_name ON analytics_events(name);
	`
	_, err := db.conn.Exec(schema)
	return err
}

type playerRow struct {
	ID                  string          `db:"id"`
	Volt                bignum.Number   `db:"volt"`
	Coins               decimal.Decimal `db:"coins"`
	ElevationMultiplier int             `db:"elevation_multiplier"`
	AscensionCount      int             `db:"ascension_count"`
	SkillTreePoints     int             `db:"skill_tree_points"`
	TranscendenceCount  int             `db:"transcendence_count"`
	BreakAscension      bool            `db:"break_ascension"`
	AutoUpgrade         bool            `db:"auto_upgrade"`
	AutoEvolution       bool            `db:"auto_evolution"`
	AutoElevation       bool            `db:"auto_elevation"`
	AutoElevationTarget int             `db:"auto_elevation_target"`
	AutoSummit          bool            `db:"auto_summit"`
	TotalVoltEarned     bignum.Number   `db:"total_volt_earned"`
	TotalManualRuns     int             `db:"total_manual_runs"`
	AscensionStartedAt  int64           `db:"ascension_started_at"`
	FastestAscensionMS  int64           `db:"fastest_ascension_ms"`
	UpdatedAt           int64           `db:"updated_at"`
}

type mapRow struct {
	MapID             string        `db:"map_id"`
	Unlocked          bool          `db:"unlocked"`
	CompletedManually bool          `db:"completed_manually"`
	Multiplier        bignum.Number `db:"multiplier"`
	BestTimeMS        int64         `db:"best_time_ms"`
}

type summitRow struct {
	Category         string        `db:"category"`
	Level            int           `db:"level"`
	AccumulatedSpend bignum.Number `db:"accumulated_spend"`
}

type challengeRow struct {
	Challenge   string `db:"challenge"`
	BestTimeMS  int64  `db:"best_time_ms"`
	Completions int    `db:"completions"`
}

// LoadPlayer reads the stored progress of id. It returns progress.ErrNotFound
// if the player has never been saved.
func (db *DB) LoadPlayer(ctx context.Context, id progress.PlayerID) (*progress.Progress, error) {
	key := id.String()

	var row playerRow
	err := db.conn.GetContext(ctx, &row, "SELECT * FROM players WHERE id = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, progress.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", id, err)
	}

	p := progress.New(id, time.UnixMilli(row.AscensionStartedAt))
	p.Volt = row.Volt
	p.Coins = row.Coins
	p.ElevationMultiplier = row.ElevationMultiplier
	p.AscensionCount = row.AscensionCount
	p.SkillTreePoints = row.SkillTreePoints
	p.TranscendenceCount = row.TranscendenceCount
	p.BreakAscensionEnabled = row.BreakAscension
	p.Automation = progress.Automation{
		AutoUpgrade:         row.AutoUpgrade,
		AutoEvolution:       row.AutoEvolution,
		AutoElevation:       row.AutoElevation,
		AutoElevationTarget: row.AutoElevationTarget,
		AutoSummit:          row.AutoSummit,
	}
	p.TotalVoltEarned = row.TotalVoltEarned
	p.TotalManualRuns = row.TotalManualRuns
	p.FastestAscension = time.Duration(row.FastestAscensionMS) * time.Millisecond

	var maps []mapRow
	if err := db.conn.SelectContext(ctx, &maps,
		"SELECT map_id, unlocked, completed_manually, multiplier, best_time_ms FROM player_maps WHERE player_id = ?", key); err != nil {
		return nil, fmt.Errorf("load maps %s: %w", id, err)
	}
	for _, m := range maps {
		p.Maps[m.MapID] = progress.MapProgress{
			Unlocked:          m.Unlocked,
			CompletedManually: m.CompletedManually,
			Multiplier:        m.Multiplier,
			BestTime:          time.Duration(m.BestTimeMS) * time.Millisecond,
		}
	}

	var summit []summitRow
	if err := db.conn.SelectContext(ctx, &summit,
		"SELECT category, level, accumulated_spend FROM player_summit WHERE player_id = ?", key); err != nil {
		return nil, fmt.Errorf("load summit %s: %w", id, err)
	}
	for _, s := range summit {
		c := formula.Category(s.Category)
		if s.Level > 0 {
			p.SummitLevel[c] = s.Level
		}
		if !s.AccumulatedSpend.IsZero() {
			p.SummitAccumulatedSpend[c] = s.AccumulatedSpend
		}
	}

	sets := []struct {
		query string
		into  progress.Set
	}{
		{"SELECT node FROM player_skills WHERE player_id = ?", p.UnlockedSkillNodes},
		{"SELECT achievement FROM player_achievements WHERE player_id = ?", p.Achievements},
		{"SELECT challenge FROM player_challenge_rewards WHERE player_id = ?", p.CompletedChallengeRewards},
	}
	for _, s := range sets {
		var keys []string
		if err := db.conn.SelectContext(ctx, &keys, s.query, key); err != nil {
			return nil, fmt.Errorf("load player %s: %w", id, err)
		}
		for _, k := range keys {
			s.into.Add(k)
		}
	}

	var records []challengeRow
	if err := db.conn.SelectContext(ctx, &records,
		"SELECT challenge, best_time_ms, completions FROM challenge_records WHERE player_id = ?", key); err != nil {
		return nil, fmt.Errorf("load challenge records %s: %w", id, err)
	}
	for _, r := range records {
		p.ChallengeRecords[r.Challenge] = progress.ChallengeRecord{
			BestTime:    time.Duration(r.BestTimeMS) * time.Millisecond,
			Completions: r.Completions,
		}
	}

	return p, nil
}

// Snapshot is one player's state queued for saving, plus the reset scopes
// that must be cleared before it is written.
type Snapshot struct {
	Progress           *progress.Progress
	Reset              bool // maps, summit, skills, achievements, challenge rewards
	TranscendenceReset bool // challenge records
}

// resetTables are cleared for a player when Snapshot.Reset is set.
var resetTables = []string{
	"player_maps",
	"player_summit",
	"player_skills",
	"player_achievements",
	"player_challenge_rewards",
}

// SavePlayers writes all snapshots in one transaction. Rows are upserted;
// child rows are only removed when a reset scope asks for it.
func (db *DB) SavePlayers(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for _, s := range snaps {
		if err := savePlayer(ctx, tx, s, now); err != nil {
			return fmt.Errorf("save player %s: %w", s.Progress.ID, err)
		}
	}

	return tx.Commit()
}

func savePlayer(ctx context.Context, tx *sqlx.Tx, s Snapshot, now int64) error {
	p := s.Progress
	key := p.ID.String()

	_, err := tx.NamedExecContext(ctx, `INSERT INTO players
		(id, volt, coins, elevation_multiplier, ascension_count, skill_tree_points,
		 transcendence_count, break_ascension, auto_upgrade, auto_evolution,
		 auto_elevation, auto_elevation_target, auto_summit, total_volt_earned,
		 total_manual_runs, ascension_started_at, fastest_ascension_ms, updated_at)
		VALUES (:id, :volt, :coins, :elevation_multiplier, :ascension_count, :skill_tree_points,
		 :transcendence_count, :break_ascension, :auto_upgrade, :auto_evolution,
		 :auto_elevation, :auto_elevation_target, :auto_summit, :total_volt_earned,
		 :total_manual_runs, :ascension_started_at, :fastest_ascension_ms, :updated_at)
		ON CONFLICT(id) DO UPDATE SET
		 volt = excluded.volt, coins = excluded.coins,
		 elevation_multiplier = excluded.elevation_multiplier,
		 ascension_count = excluded.ascension_count,
		 skill_tree_points = excluded.skill_tree_points,
		 transcendence_count = excluded.transcendence_count,
		 break_ascension = excluded.break_ascension,
		 auto_upgrade = excluded.auto_upgrade, auto_evolution = excluded.auto_evolution,
		 auto_elevation = excluded.auto_elevation,
		 auto_elevation_target = excluded.auto_elevation_target,
		 auto_summit = excluded.auto_summit,
		 total_volt_earned = excluded.total_volt_earned,
		 total_manual_runs = excluded.total_manual_runs,
		 ascension_started_at = excluded.ascension_started_at,
		 fastest_ascension_ms = excluded.fastest_ascension_ms,
		 updated_at = excluded.updated_at`,
		playerRow{
			ID:                  key,
			Volt:                p.Volt,
			Coins:               p.Coins,
			ElevationMultiplier: p.ElevationMultiplier,
			AscensionCount:      p.AscensionCount,
			SkillTreePoints:     p.SkillTreePoints,
			TranscendenceCount:  p.TranscendenceCount,
			BreakAscension:      p.BreakAscensionEnabled,
			AutoUpgrade:         p.Automation.AutoUpgrade,
			AutoEvolution:       p.Automation.AutoEvolution,
			AutoElevation:       p.Automation.AutoElevation,
			AutoElevationTarget: p.Automation.AutoElevationTarget,
			AutoSummit:          p.Automation.AutoSummit,
			TotalVoltEarned:     p.TotalVoltEarned,
			TotalManualRuns:     p.TotalManualRuns,
			AscensionStartedAt:  p.AscensionStartedAt.UnixMilli(),
			FastestAscensionMS:  p.FastestAscension.Milliseconds(),
			UpdatedAt:           now,
		})
	if err != nil {
		return fmt.Errorf("upsert player: %w", err)
	}

	if s.Reset {
		for _, table := range resetTables {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE player_id = ?", key); err != nil {
				return fmt.Errorf("reset %s: %w", table, err)
			}
		}
	}
	if s.TranscendenceReset {
		if _, err := tx.ExecContext(ctx, "DELETE FROM challenge_records WHERE player_id = ?", key); err != nil {
			return fmt.Errorf("reset challenge_records: %w", err)
		}
	}

	stmt, err := tx.PreparexContext(ctx, `INSERT INTO player_maps
		(player_id, map_id, unlocked, completed_manually, multiplier, best_time_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(player_id, map_id) DO UPDATE SET
		 unlocked = excluded.unlocked, completed_manually = excluded.completed_manually,
		 multiplier = excluded.multiplier, best_time_ms = excluded.best_time_ms`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for id, m := range p.Maps {
		if _, err := stmt.ExecContext(ctx, key, id, m.Unlocked, m.CompletedManually, m.Multiplier, m.BestTime.Milliseconds()); err != nil {
			return fmt.Errorf("upsert map %s: %w", id, err)
		}
	}

	for _, c := range summitCategories(p) {
		_, err := tx.ExecContext(ctx, `INSERT INTO player_summit (player_id, category, level, accumulated_spend)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(player_id, category) DO UPDATE SET
			 level = excluded.level, accumulated_spend = excluded.accumulated_spend`,
			key, string(c), p.SummitLevel[c], p.SummitAccumulatedSpend[c])
		if err != nil {
			return fmt.Errorf("upsert summit %s: %w", c, err)
		}
	}

	sets := []struct {
		query string
		keys  progress.Set
	}{
		{"INSERT OR IGNORE INTO player_skills (player_id, node) VALUES (?, ?)", p.UnlockedSkillNodes},
		{"INSERT OR IGNORE INTO player_achievements (player_id, achievement) VALUES (?, ?)", p.Achievements},
		{"INSERT OR IGNORE INTO player_challenge_rewards (player_id, challenge) VALUES (?, ?)", p.CompletedChallengeRewards},
	}
	for _, s := range sets {
		for k := range s.keys {
			if _, err := tx.ExecContext(ctx, s.query, key, k); err != nil {
				return fmt.Errorf("insert %q: %w", k, err)
			}
		}
	}

	for ch, r := range p.ChallengeRecords {
		_, err := tx.ExecContext(ctx, `INSERT INTO challenge_records (player_id, challenge, best_time_ms, completions)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(player_id, challenge) DO UPDATE SET
			 best_time_ms = excluded.best_time_ms, completions = excluded.completions`,
			key, ch, r.BestTime.Milliseconds(), r.Completions)
		if err != nil {
			return fmt.Errorf("upsert challenge record %s: %w", ch, err)
		}
	}

	return nil
}

// summitCategories lists every category with a level or pending spend.
func summitCategories(p *progress.Progress) []formula.Category {
	seen := make(map[formula.Category]struct{}, len(p.SummitLevel))
	var out []formula.Category
	for c := range p.SummitLevel {
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for c := range p.SummitAccumulatedSpend {
		if _, ok := seen[c]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// InsertEvents appends analytics events. It implements analytics.Sink.
func (db *DB) InsertEvents(ctx context.Context, events []analytics.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := db.conn.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, e := range events {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO analytics_events (player_id, name, payload, created_at) VALUES (?, ?, ?, ?)",
			e.Player.String(), e.Name, e.Payload, e.At.UnixMilli(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

type eventRow struct {
	PlayerID  string `db:"player_id"`
	Name      string `db:"name"`
	Payload   string `db:"payload"`
	CreatedAt int64  `db:"created_at"`
}

// RecentEvents returns the most recent events of a player, newest first.
func (db *DB) RecentEvents(ctx context.Context, id progress.PlayerID, limit int) ([]analytics.Event, error) {
	var rows []eventRow
	err := db.conn.SelectContext(ctx, &rows,
		"SELECT player_id, name, payload, created_at FROM analytics_events WHERE player_id = ? ORDER BY id DESC LIMIT ?",
		id.String(), limit,
	)
	if err != nil {
		return nil, err
	}
	events := make([]analytics.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, analytics.Event{
			Player:  id,
			Name:    r.Name,
			Payload: r.Payload,
			At:      time.UnixMilli(r.CreatedAt),
		})
	}
	return events, nil
}

// EventCount is the number of stored events with one name.
type EventCount struct {
	Name  string `db:"name" json:"name"`
	Count int64  `db:"count" json:"count"`
}

// EventCounts returns per-name totals of all stored events.
func (db *DB) EventCounts(ctx context.Context) ([]EventCount, error) {
	var counts []EventCount
	err := db.conn.SelectContext(ctx, &counts,
		"SELECT name, COUNT(*) AS count FROM analytics_events GROUP BY name ORDER BY name")
	return counts, err
}

// SaveMeta stores a key-value pair.
func (db *DB) SaveMeta(ctx context.Context, key, value string) error {
	_, err := db.conn.ExecContext(ctx,
		"INSERT OR REPLACE INTO meta (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta retrieves a metadata value.
func (db *DB) GetMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := db.conn.GetContext(ctx, &value, "SELECT value FROM meta WHERE key = ?", key)
	return value, err
}
