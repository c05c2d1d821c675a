// Command ascendctl is the operator tool for a running ascendd: it reads
// player state and issues admin actions over the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/talgya/ascend/internal/client"
)

type settings struct {
	APIURL   string        `env:"ASCEND_API_URL"   envDefault:"http://localhost:8080"`
	AdminKey string        `env:"ASCEND_ADMIN_KEY"`
	Wait     time.Duration `env:"ASCEND_CTL_WAIT"  envDefault:"30s"`
}

const usage = `usage: ascendctl <command> [args]

commands:
  status                          service status
  wait                            block until the API answers
  player    <id>                  player progress
  preview   <id> <category>       forecast a summit
  summit    <id> <category>       perform a summit
  transcend <id>                  perform a transcendence
  grant     <id> [flags]          credit volt, coins or summit levels
  save                            flush pending saves
`

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var cfg settings
	if err := env.Parse(&cfg); err != nil {
		slog.Error("invalid environment", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(strings.TrimSuffix(cfg.APIURL, "/"), cfg.AdminKey)
	if err := dispatch(ctx, c, cfg, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "ascendctl:", err)
		if errors.Is(err, errUsage) {
			fmt.Fprint(os.Stderr, usage)
			os.Exit(2)
		}
		os.Exit(1)
	}
}

var errUsage = errors.New("bad arguments")

func dispatch(ctx context.Context, c *client.Client, cfg settings, cmd string, args []string) error {
	switch cmd {
	case "status":
		st, err := c.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%s up %s, tick %s, running=%v\n", st.Name, st.Uptime, humanize.Comma(int64(st.Tick)), st.Running)
		fmt.Printf("courses %d, categories %s\n", st.Courses, strings.Join(st.Categories, ", "))
		fmt.Printf("cached players %d, pending saves %d, active lanes %d, dropped events %d\n",
			st.CachedPlayers, st.PendingSaves, st.ActiveLanes, st.AnalyticsDropped)
		return nil

	case "wait":
		if err := c.WaitReady(ctx, cfg.Wait); err != nil {
			return err
		}
		fmt.Println("ready")
		return nil

	case "player":
		id, err := playerArg(args, 1)
		if err != nil {
			return err
		}
		p, err := c.Player(ctx, id)
		if err != nil {
			return err
		}
		printPlayer(p)
		return nil

	case "preview", "summit":
		id, err := playerArg(args, 2)
		if err != nil {
			return err
		}
		if cmd == "preview" {
			pv, err := c.PreviewSummit(ctx, id, args[1])
			if err != nil {
				return err
			}
			fmt.Printf("%s: level %d -> %d (+%d), bonus %.3fx -> %.3fx\n",
				pv.Category, pv.CurrentLevel, pv.NewLevel, pv.LevelGain, pv.CurrentBonus, pv.NewBonus)
			return nil
		}
		res, err := c.Summit(ctx, id, args[1])
		if err != nil {
			return err
		}
		fmt.Printf("summit %s: %s", res.Category, res.Outcome)
		if res.Reason != "" {
			fmt.Printf(" (%s)", res.Reason)
		}
		fmt.Printf(", level %d (+%d)\n", res.Level, res.LevelGain)
		return nil

	case "transcend":
		id, err := playerArg(args, 1)
		if err != nil {
			return err
		}
		res, err := c.Transcend(ctx, id)
		if errors.Is(err, client.ErrNotDurable) {
			fmt.Printf("transcended (count %d) but NOT saved; the server keeps retrying\n", res.Count)
			return err
		}
		if err != nil {
			return err
		}
		fmt.Printf("transcend: %s", res.Outcome)
		if res.Reason != "" {
			fmt.Printf(" (%s)", res.Reason)
		}
		fmt.Printf(", count %d\n", res.Count)
		return nil

	case "grant":
		id, err := playerArg(args, 1)
		if err != nil {
			return err
		}
		fs := flag.NewFlagSet("grant", flag.ContinueOnError)
		var g client.Grant
		fs.StringVar(&g.Volt, "volt", "", "volt to add, e.g. 1.5e100")
		fs.StringVar(&g.Coins, "coins", "", "coins to add")
		fs.StringVar(&g.Category, "category", "", "summit category for -levels")
		fs.IntVar(&g.SummitLevels, "levels", 0, "summit levels to add")
		if err := fs.Parse(args[1:]); err != nil {
			return errUsage
		}
		res, err := c.Grant(ctx, id, g)
		if err != nil {
			return err
		}
		fmt.Printf("volt %s, coins %s", res.Volt, res.Coins)
		if g.SummitLevels > 0 {
			fmt.Printf(", %s level %d", g.Category, res.SummitLevel)
		}
		fmt.Println()
		return nil

	case "save":
		if err := c.Save(ctx); err != nil {
			return err
		}
		fmt.Println("saved")
		return nil
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

// playerArg parses args[0] as a player id after checking that at least n
// arguments were given.
func playerArg(args []string, n int) (uuid.UUID, error) {
	if len(args) < n {
		return uuid.Nil, errUsage
	}
	id, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: player id: %v", errUsage, err)
	}
	return id, nil
}

func printPlayer(p *client.Player) {
	fmt.Printf("player %s\n", p.ID)
	fmt.Printf("  volt %s, coins %s, elevation x%d\n", p.VoltDisplay, p.Coins, p.ElevationMultiplier)
	fmt.Printf("  transcendences %d, break ascension %v\n", p.TranscendenceCount, p.BreakAscensionEnabled)
	for _, s := range p.Summit {
		fmt.Printf("  summit %-16s level %-5d bonus %.3fx\n", s.Category, s.Level, s.Bonus)
	}
	if len(p.ChallengeRewards) > 0 {
		fmt.Printf("  challenges %s\n", strings.Join(p.ChallengeRewards, ", "))
	}
	if p.Run.State == "running" {
		fmt.Printf("  running %s\n", p.Run.Course)
	}
	if len(p.Achievements) > 0 {
		fmt.Printf("  achievements %s\n", strings.Join(p.Achievements, ", "))
	}
}
