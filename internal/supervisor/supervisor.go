// Package supervisor runs one already-materialized match end to end:
// set up the gameserver room, launch both submissions' containers,
// wait for them to finish, collect stdout, wait for the gameserver's
// final status, download and upload the gamelog, and record the
// outcome.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/siggame/pyrena-arena/internal/containerengine"
	"github.com/siggame/pyrena-arena/internal/gameserver"
	"github.com/siggame/pyrena-arena/internal/materializer"
	"github.com/siggame/pyrena-arena/internal/models"
)

// Uploader is the subset of blobclient.Client the supervisor needs.
type Uploader interface {
	Upload(ctx context.Context, filename string, data []byte) (string, error)
}

// Recorder is the subset of repository.Repository the supervisor
// writes match outcomes through.
type Recorder interface {
	SetGameFinished(ctx context.Context, gameID int, winReason, loseReason string, winnerID int, logURL string) error
	SetGameSubmissionOutput(ctx context.Context, gameID, submissionID int, url string) error
}

// ContainerEngine is the subset of containerengine.Engine the
// supervisor needs to run and reap a match's two containers.
type ContainerEngine interface {
	RunContainer(ctx context.Context, spec containerengine.RunSpec) (*containerengine.Handle, error)
	Wait(ctx context.Context, h *containerengine.Handle) (int64, error)
	Kill(ctx context.Context, h *containerengine.Handle) error
}

// GameServer is the subset of gameserver.Client the supervisor needs.
type GameServer interface {
	SetupRoom(ctx context.Context, gameName, session, password string, playerNames [2]string) error
	WaitForGamelog(ctx context.Context, gameName, session string) (*gameserver.MatchStatus, error)
	DownloadGamelog(ctx context.Context, gamelogName string) ([]byte, error)
}

// Config bundles the per-match resource limits carried from
// config.Config, kept separate so the supervisor doesn't import the
// config package directly.
type Config struct {
	GameName          string
	GameserverHost    string
	GameserverTCPPort string
	ContainerCPU      string
	ContainerRAM      string
	MatchTimeout      time.Duration
	LogfileDir        string
}

// Supervisor wires together the repository, gameserver, blob store, and
// container engine to run one match.
type Supervisor struct {
	repo       Recorder
	engine     ContainerEngine
	gameServer GameServer
	uploader   Uploader
	cfg        Config
	logger     *zap.SugaredLogger
}

// New builds a Supervisor.
func New(repo Recorder, engine ContainerEngine, gs GameServer, uploader Uploader, cfg Config, logger *zap.SugaredLogger) *Supervisor {
	return &Supervisor{repo: repo, engine: engine, gameServer: gs, uploader: uploader, cfg: cfg, logger: logger}
}

// SessionName is the gameserver room name for one match, unique per
// game id and pair.
func SessionName(gameID int, pair models.Pair) string {
	return fmt.Sprintf("arena_%d_%dv%d", gameID, pair[0].ID, pair[1].ID)
}

func dockerContainerName(session string, submission models.Submission) string {
	return fmt.Sprintf("%d_for_%s", submission.ID, session)
}

func stdoutPath(logfileDir string, submission models.Submission, session string) string {
	return fmt.Sprintf("%s/stdout_stderr_%d_%s", logfileDir, submission.ID, session)
}

// RunMatch runs a single already-claimed game to completion and
// reports the outcome through the repository. Any error returned is
// game-fatal; the caller is responsible for calling SetGameFailed.
func (s *Supervisor) RunMatch(ctx context.Context, gameID int, pair models.Pair) error {
	start := time.Now()
	session := SessionName(gameID, pair)

	password, err := gameserver.GeneratePassword()
	if err != nil {
		return fmt.Errorf("generate room password: %w", err)
	}

	s.logger.Infow("setting up room", "game_id", gameID, "session", session)
	if err := s.gameServer.SetupRoom(ctx, s.cfg.GameName, session, password, [2]string{pair[0].Name, pair[1].Name}); err != nil {
		return fmt.Errorf("setup room for game %d: %w", gameID, err)
	}

	matchCtx, cancel := context.WithTimeout(ctx, s.cfg.MatchTimeout)
	defer cancel()

	handles, err := s.startContainers(matchCtx, session, password, pair)
	if err != nil {
		// One side may have started before the other failed; reap it
		// before giving up, or it would outlive the match.
		s.killRemaining(ctx, handles)
		return fmt.Errorf("start containers for game %d: %w", gameID, err)
	}

	s.logger.Infow("waiting for match to finish", "game_id", gameID, "session", session)
	s.waitForAnyExit(matchCtx, handles)
	s.killRemaining(ctx, handles)

	s.uploadStdouts(ctx, gameID, session, pair)

	status, err := s.gameServer.WaitForGamelog(ctx, s.cfg.GameName, session)
	if err != nil {
		return fmt.Errorf("wait for gamelog for game %d: %w", gameID, err)
	}

	winnerID, winReason, loseReason, err := resolveWinner(pair, status)
	if err != nil {
		return fmt.Errorf("resolve winner for game %d: %w", gameID, err)
	}

	gamelogData, err := s.gameServer.DownloadGamelog(ctx, status.GamelogFilename)
	if err != nil {
		return fmt.Errorf("download gamelog for game %d: %w", gameID, err)
	}
	gamelogURL, err := s.uploader.Upload(ctx, status.GamelogFilename, gamelogData)
	if err != nil {
		return fmt.Errorf("upload gamelog for game %d: %w", gameID, err)
	}

	if err := s.repo.SetGameFinished(ctx, gameID, winReason, loseReason, winnerID, gamelogURL); err != nil {
		return fmt.Errorf("record outcome for game %d: %w", gameID, err)
	}

	s.logger.Infow("match finished", "game_id", gameID, "winner_submission_id", winnerID, "duration", time.Since(start))
	return nil
}

func (s *Supervisor) startContainers(ctx context.Context, session, password string, pair models.Pair) ([]*containerengine.Handle, error) {
	handles := make([]*containerengine.Handle, 2)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 2; i++ {
		i := i
		g.Go(func() error {
			submission := pair[i]
			args := []string{
				"--server", s.cfg.GameserverHost,
				"--port", s.cfg.GameserverTCPPort,
				"--password", password,
				"--name", submission.Name,
				"--session", session,
				"--index", fmt.Sprintf("%d", i),
				s.cfg.GameName,
			}
			spec := containerengine.RunSpec{
				Name:    dockerContainerName(session, submission),
				Image:   materializer.DockerTag(submission.ID),
				Args:    args,
				CPU:     s.cfg.ContainerCPU,
				Memory:  s.cfg.ContainerRAM,
				LogFile: stdoutPath(s.cfg.LogfileDir, submission, session),
			}
			h, err := s.engine.RunContainer(ctx, spec)
			if err != nil {
				return fmt.Errorf("start container for submission %d: %w", submission.ID, err)
			}
			handles[i] = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		// Hand back whatever did start so the caller can kill it.
		return handles, err
	}
	return handles, nil
}

// waitForAnyExit blocks until the first container exits or the match
// timeout elapses. One side exiting means the match is effectively
// over; the straggler gets only the kill grace period.
func (s *Supervisor) waitForAnyExit(ctx context.Context, handles []*containerengine.Handle) {
	done := make(chan struct{}, len(handles))
	for _, h := range handles {
		h := h
		go func() {
			s.engine.Wait(ctx, h)
			done <- struct{}{}
		}()
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// killRemaining stops any container still running.
func (s *Supervisor) killRemaining(ctx context.Context, handles []*containerengine.Handle) {
	for _, h := range handles {
		if h == nil {
			continue
		}
		if err := s.engine.Kill(ctx, h); err != nil {
			s.logger.Warnw("failed to kill container", "container_id", h.ContainerID, "error", err)
		}
	}
}

func (s *Supervisor) uploadStdouts(ctx context.Context, gameID int, session string, pair models.Pair) {
	for _, submission := range pair {
		path := stdoutPath(s.cfg.LogfileDir, submission, session)
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warnw("could not read stdout file", "path", path, "error", err)
			continue
		}
		filename := fmt.Sprintf("stdout_stderr_%d_%s", submission.ID, session)
		url, err := s.uploader.Upload(ctx, filename, data)
		if err != nil {
			s.logger.Warnw("could not upload stdout", "submission_id", submission.ID, "error", err)
			continue
		}
		if err := s.repo.SetGameSubmissionOutput(ctx, gameID, submission.ID, url); err != nil {
			s.logger.Warnw("could not record output url", "submission_id", submission.ID, "error", err)
		}
	}
}

// resolveWinner maps the gameserver's per-client result list back onto
// our submission ids by matching player name. No client reporting won
// is treated as a failed game.
func resolveWinner(pair models.Pair, status *gameserver.MatchStatus) (winnerID int, winReason, loseReason string, err error) {
	var winnerName string
	won := false
	for _, c := range status.Clients {
		if c.Won {
			won = true
			winnerName = c.Name
			winReason = c.Reason
		}
		if c.Lost {
			loseReason = c.Reason
		}
	}
	if !won {
		return 0, "", "", fmt.Errorf("no client reported a win for this match")
	}
	for _, s := range pair {
		if s.Name == winnerName {
			return s.ID, winReason, loseReason, nil
		}
	}
	return 0, "", "", fmt.Errorf("no submission in pair matches winner name %q", winnerName)
}
