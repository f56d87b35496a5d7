// Command arena is the Match Runner binary: it claims or generates
// matches forever (or once, per RUN_FOREVER) until asked to stop.
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
	"github.com/siggame/pyrena-arena/internal/analytics"
	"github.com/siggame/pyrena-arena/internal/blobclient"
	"github.com/siggame/pyrena-arena/internal/cache"
	"github.com/siggame/pyrena-arena/internal/config"
	"github.com/siggame/pyrena-arena/internal/containerengine"
	"github.com/siggame/pyrena-arena/internal/gameserver"
	"github.com/siggame/pyrena-arena/internal/materializer"
	"github.com/siggame/pyrena-arena/internal/models"
	"github.com/siggame/pyrena-arena/internal/repository"
	"github.com/siggame/pyrena-arena/internal/runner"
	"github.com/siggame/pyrena-arena/internal/supervisor"
)

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

	var sink *analytics.Sink
	if chConn, err := analytics.Connect(ctx, cfg.ClickHouseURL); err != nil {
		logger.Warnw("clickhouse unavailable, analytics disabled", "error", err)
	} else {
		sink = analytics.NewSink(chConn, cfg.AnalyticsBatchSize, cfg.AnalyticsFlushInterval, logger)
		defer sink.Stop()
	}

	engine, err := containerengine.New(cfg.DockerHost)
	if err != nil {
		logger.Fatalw("build docker client", "error", err)
	}

	uploader := blobclient.New(cfg.DroopyURL, cfg.DroopyCreds)
	gs := gameserver.New(cfg.GameserverHost, cfg.GameserverWebPort)

	mat := materializer.New(repo, engine, uploader, redisCache, cfg.SubmissionCachePath, cfg.DockerfilePath, cfg.LogfilePath, logger)
	sup := supervisor.New(repo, engine, gs, uploader, supervisor.Config{
		GameName:          cfg.GameName,
		GameserverHost:    cfg.GameserverHost,
		GameserverTCPPort: cfg.GameserverTCPPort,
		ContainerCPU:      cfg.ContainerCPU,
		ContainerRAM:      cfg.ContainerRAM,
		MatchTimeout:      cfg.MatchTimeout,
		LogfileDir:        cfg.LogfilePath,
	}, logger)

	run := runner.New(repo, mat, sup, redisCache, time.Duration(cfg.LookbackSeconds)*time.Second, logger)
	run.OnOutcome(func(gameID int, pair models.Pair, duration time.Duration, outcomeErr error) {
		status := "finished"
		if outcomeErr != nil {
			status = "failed"
		}
		sink.Record(analytics.MatchOutcome{
			GameID:            gameID,
			Status:            status,
			DurationSeconds:   duration.Seconds(),
			LeftSubmissionID:  pair[0].ID,
			RightSubmissionID: pair[1].ID,
			CreatedAt:         time.Now(),
		})
	})

	admin := adminapi.New(adminapi.Config{Postgres: repo, Redis: redisCache})
	httpServer := &http.Server{Addr: addrFor(cfg.AdminPort), Handler: admin.Router()}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorw("admin http server error", "error", err)
		}
	}()

	// Two-stage shutdown: the first interrupt asks the run loop to stop
	// after its current game; a second interrupt (or SIGTERM) forces an
	// immediate stop and fails the in-flight game.
	runCtx, cancelRun := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := run.Run(runCtx, cfg.RunForever); err != nil && err != context.Canceled {
			logger.Warnw("run loop exited", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Warn("caught interrupt, waiting for current game to complete")
	run.RequestStop()
	stop()

	forceCtx, forceStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer forceStop()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-forceCtx.Done():
		logger.Warn("caught second interrupt, forcing shutdown")
		if gameID := run.CurrentGameID(); gameID != 0 {
			run.FailInProgressGame(context.Background(), gameID)
		}
		cancelRun()
		wg.Wait()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	httpServer.Shutdown(shutdownCtx)
}

func addrFor(port int) string {
	return ":" + strconv.Itoa(port)
}
