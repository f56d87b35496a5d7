// Command scheduler is the Bracket Engine binary: it builds the N-loss
// elimination bracket from the latest eligible submissions, refreshes
// game status, declares and propagates winners, grows the bracket, and
// enqueues newly-needed games on a fixed tick until a champion is
// decided.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/siggame/pyrena-arena/internal/adminapi"
	"github.com/siggame/pyrena-arena/internal/bracket"
	"github.com/siggame/pyrena-arena/internal/cache"
	"github.com/siggame/pyrena-arena/internal/config"
	"github.com/siggame/pyrena-arena/internal/metrics"
	"github.com/siggame/pyrena-arena/internal/repository"
)

// arenaSource adapts a mutex-guarded bracket.Arena for adminapi.BracketSource.
type arenaSource struct {
	mu     sync.RWMutex
	arena  *bracket.Arena
	bestOf int
}

func (a *arenaSource) Snapshot() (*bracket.Arena, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.arena, a.bestOf
}

func (a *arenaSource) set(arena *bracket.Arena) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.arena = arena
}

func main() {
	zapLogger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer zapLogger.Sync()
	logger := zapLogger.Sugar()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalw("load config", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Infow("connecting to database", "db", cfg.DBName, "host", cfg.DBHost, "port", cfg.DBPort)
	pool, err := repository.Connect(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Fatalw("connect postgres", "error", err)
	}
	defer pool.Close()
	repo := repository.New(pool)

	redisCache, err := cache.New(ctx, cfg.RedisURL, cfg.CacheTTL, logger)
	if err != nil {
		logger.Warnw("redis unavailable, cache layer will always miss", "error", err)
		redisCache = nil
	}

	logger.Info("getting latest submissions")
	submissions, err := repo.ListLatestEligibleSubmissions(ctx)
	if err != nil {
		logger.Fatalw("list latest submissions", "error", err)
	}

	arenaHolder := &arenaSource{arena: &bracket.Arena{}, bestOf: cfg.BestOf}
	admin := adminapi.New(adminapi.Config{Postgres: repo, Redis: redisCache, Bracket: arenaHolder})
	httpServer := &http.Server{Addr: ":" + strconv.Itoa(cfg.AdminPort), Handler: admin.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("admin http server error", "error", err)
		}
	}()

	arena := &bracket.Arena{}
	bracket.GenerateNElimBracketOnline(submissions, arena, cfg.NElimination)
	arenaHolder.set(arena.Clone())

	ticker := time.NewTicker(time.Duration(cfg.RefreshSeconds) * time.Second)
	defer ticker.Stop()

tournamentLoop:
	for {
		select {
		case <-ctx.Done():
			logger.Warn("caught interrupt, writing bracket snapshot before exit")
			break tournamentLoop
		default:
		}

		if err := bracket.UpdateGameStatus(ctx, repo, arena); err != nil {
			logger.Warnw("update game status", "error", err)
		}

		logger.Info("declaring and propagating winners")
		for i := range arena.Nodes {
			if err := bracket.DeclareAndPropagateWinners(arena, i, cfg.BestOf); err != nil {
				logger.Errorw("declare winners", "node", i, "error", err)
			}
		}
		metrics.BracketTicks.Inc()
		finishedCount := 0
		for _, n := range arena.Nodes {
			if n.Winner != nil {
				finishedCount++
			}
		}
		metrics.BracketNodesFinished.Set(float64(finishedCount))

		if winnerNode := bracket.GenerateNElimBracketOnline(submissions, arena, cfg.NElimination); winnerNode != nil {
			if winnerNode.Winner != nil {
				logger.Infow("tournament complete", "winner", winnerNode.Winner.Name)
			} else {
				logger.Error("no pending matches and no available players; returning last node")
			}
			break
		}

		if err := bracket.CreateNeededGames(ctx, repo, arena, cfg.BestOf, cfg.ReuseOldGames); err != nil {
			logger.Warnw("create needed games", "error", err)
		}

		arenaHolder.set(arena.Clone())

		select {
		case <-ctx.Done():
			logger.Warn("caught interrupt, writing bracket snapshot before exit")
			break tournamentLoop
		case <-ticker.C:
		}
	}

	writeDotFile(cfg.OutputFile, arena, cfg.BestOf, logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpServer.Shutdown(shutdownCtx)
}

// writeDotFile prints the current bracket graph and persists it to the
// configured output path.
func writeDotFile(path string, arena *bracket.Arena, bestOf int, logger *zap.SugaredLogger) {
	dot := bracket.DotNodes(arena, bestOf)
	os.Stdout.WriteString(dot)
	if err := os.WriteFile(path, []byte(dot), 0o644); err != nil {
		logger.Warnw("writing dot file failed", "path", path, "error", err)
	}
}
