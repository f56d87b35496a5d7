// Package runner is the Match Runner's outer loop: claim or generate a
// match, materialize both submissions, supervise the match, record the
// outcome, and repeat. Shutdown is two-stage: the first interrupt asks
// the loop to stop after the in-flight game, the second fails the
// in-flight game immediately.
package runner

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/siggame/pyrena-arena/internal/cache"
	"github.com/siggame/pyrena-arena/internal/materializer"
	"github.com/siggame/pyrena-arena/internal/metrics"
	"github.com/siggame/pyrena-arena/internal/models"
	"github.com/siggame/pyrena-arena/internal/pairing"
	"github.com/siggame/pyrena-arena/internal/repository"
	"github.com/siggame/pyrena-arena/internal/supervisor"
)

// Runner drives the claim-or-pair / materialize / play loop.
type Runner struct {
	repo         *repository.Repository
	materializer *materializer.Materializer
	supervisor   *supervisor.Supervisor
	cache        *cache.Cache
	lookback     time.Duration
	logger       *zap.SugaredLogger

	onOutcome func(gameID int, pair models.Pair, duration time.Duration, err error)

	// inFlightGameID tracks the game currently being played, 0 when
	// idle, so a forceful (second) SIGINT can fail it immediately
	// without the caller needing to thread the id through itself.
	inFlightGameID atomic.Int64

	// stopRequested is flipped by the first SIGINT: the current game is
	// allowed to finish, then the loop exits.
	stopRequested atomic.Bool
}

// New builds a Runner.
func New(repo *repository.Repository, m *materializer.Materializer, sup *supervisor.Supervisor, c *cache.Cache, lookback time.Duration, logger *zap.SugaredLogger) *Runner {
	return &Runner{repo: repo, materializer: m, supervisor: sup, cache: c, lookback: lookback, logger: logger}
}

// OnOutcome installs an optional hook fired after every terminal game
// (finished or failed), used by cmd/arena to feed the analytics sink
// without the runner package importing it directly.
func (r *Runner) OnOutcome(fn func(gameID int, pair models.Pair, duration time.Duration, err error)) {
	r.onOutcome = fn
}

// Run executes the loop until ctx is cancelled or RequestStop is
// called. If runForever is false it runs exactly one game and returns.
func (r *Runner) Run(ctx context.Context, runForever bool) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.stopRequested.Load() {
			return nil
		}

		if err := r.playOneGame(ctx); err != nil {
			r.logger.Warnw("match attempt failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(15*time.Second + time.Duration(rand.Intn(5))*time.Second):
			}
		}

		if !runForever {
			return nil
		}
	}
}

// RequestStop asks the loop to exit after the in-flight game completes.
func (r *Runner) RequestStop() {
	r.stopRequested.Store(true)
}

func (r *Runner) playOneGame(ctx context.Context) error {
	start := time.Now()
	var gameID int
	var pair models.Pair
	var failErr error

	defer func() {
		if r.onOutcome != nil && gameID != 0 {
			r.onOutcome(gameID, pair, time.Since(start), failErr)
		}
		r.inFlightGameID.Store(0)
	}()

	r.logger.Info("getting latest submissions")
	latest, err := r.repo.ListLatestEligibleSubmissions(ctx)
	if err != nil {
		failErr = err
		return err
	}
	allSubmissions, err := r.repo.ListAllSubmissions(ctx)
	if err != nil {
		failErr = err
		return err
	}

	var submissionIDs [2]int
	var claimed bool

	// Cooperative back-off: if another runner host set the claim hint
	// for the next queued row, skip the claim attempt this iteration.
	// The DB's FOR UPDATE SKIP LOCKED claim stays the final word.
	attemptClaim := true
	if peekID, found, peekErr := r.repo.PeekQueuedGameID(ctx); peekErr == nil && found {
		attemptClaim = r.cache.TryClaimHint(ctx, peekID)
	}
	if attemptClaim {
		gameID, submissionIDs, claimed, err = r.repo.ClaimQueuedGame(ctx)
		if err != nil {
			failErr = err
			return err
		}
	}
	if claimed {
		r.inFlightGameID.Store(int64(gameID))
		r.logger.Infow("grabbed queued game", "game_id", gameID)
		pair, err = hydratePair(allSubmissions, submissionIDs)
		if err != nil {
			failErr = err
			r.failGame(ctx, gameID, "Arena failed to run game")
			return err
		}
	} else {
		metrics.QueueClaimMisses.Inc()
		r.logger.Info("getting recent games")
		games, err := r.repo.ListRecentGames(ctx, r.lookback)
		if err != nil {
			failErr = err
			return err
		}
		r.cache.CacheRecentPairs(ctx, games)

		r.logger.Info("generating pairing")
		recent := pairing.BuildRecentPairSet(games)
		pair, err = pairing.GenerateNonrecentPairing(latest, recent, func(key [2]int) bool {
			hit, ok := r.cache.IsRecentPairCached(ctx, key)
			return ok && hit
		})
		if err != nil {
			failErr = err
			return err
		}

		r.logger.Info("inserting new game")
		gameID, err = r.repo.CreatePlayingGame(ctx, pair[0].ID, pair[1].ID)
		if err != nil {
			failErr = err
			return err
		}
		r.inFlightGameID.Store(int64(gameID))
	}

	r.logger.Infow("playing match", "left", pair[0].Name, "left_id", pair[0].ID, "right", pair[1].Name, "right_id", pair[1].ID)

	for _, submission := range pair {
		if err := r.materializer.Materialize(ctx, submission); err != nil {
			failErr = err
			r.failGame(ctx, gameID, "Arena failed to run game")
			return err
		}
	}

	if err := r.supervisor.RunMatch(ctx, gameID, pair); err != nil {
		failErr = err
		r.failGame(ctx, gameID, "Arena failed to run game")
		return err
	}

	metrics.GamesPlayed.WithLabelValues("finished").Inc()
	metrics.GameDuration.Observe(time.Since(start).Seconds())
	return nil
}

func (r *Runner) failGame(ctx context.Context, gameID int, reason string) {
	metrics.GamesPlayed.WithLabelValues("failed").Inc()
	if err := r.repo.SetGameFailed(ctx, gameID, reason); err != nil {
		r.logger.Errorw("failed to mark game failed", "game_id", gameID, "error", err)
	}
}

// CurrentGameID returns the id of the game presently in flight, or 0 if
// the runner is idle between iterations.
func (r *Runner) CurrentGameID() int {
	return int(r.inFlightGameID.Load())
}

// FailInProgressGame is called by cmd/arena on a forceful (second)
// SIGINT to immediately fail whatever game is in flight. It is a no-op
// if no game is currently in flight.
func (r *Runner) FailInProgressGame(ctx context.Context, gameID int) {
	if gameID == 0 {
		return
	}
	r.failGame(ctx, gameID, "Cancelled by admin")
}

func hydratePair(all []models.Submission, ids [2]int) (models.Pair, error) {
	var found [2]*models.Submission
	for i := range all {
		s := &all[i]
		if s.ID == ids[0] {
			found[0] = s
		}
		if s.ID == ids[1] {
			found[1] = s
		}
	}
	if found[0] == nil || found[1] == nil {
		return models.Pair{}, errMissingSubmission(ids)
	}
	return models.Pair{*found[0], *found[1]}, nil
}

type errMissingSubmission [2]int

func (e errMissingSubmission) Error() string {
	return "claimed game references submissions not present in the submissions table"
}
