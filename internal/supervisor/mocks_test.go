package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/siggame/pyrena-arena/internal/containerengine"
	"github.com/siggame/pyrena-arena/internal/gameserver"
)

// MockEngine implements ContainerEngine for testing. FailNames lists
// container names whose RunContainer call errors instead of starting.
type MockEngine struct {
	mu        sync.Mutex
	FailNames map[string]bool
	Started   []string
	Killed    []string
	WaitBlock chan struct{} // Wait blocks until closed when non-nil
}

func (m *MockEngine) RunContainer(ctx context.Context, spec containerengine.RunSpec) (*containerengine.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailNames[spec.Name] {
		return nil, fmt.Errorf("no such image: %s", spec.Image)
	}
	m.Started = append(m.Started, spec.Name)
	return &containerengine.Handle{ContainerID: spec.Name}, nil
}

func (m *MockEngine) Wait(ctx context.Context, h *containerengine.Handle) (int64, error) {
	if m.WaitBlock != nil {
		select {
		case <-m.WaitBlock:
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return 0, nil
}

func (m *MockEngine) Kill(ctx context.Context, h *containerengine.Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Killed = append(m.Killed, h.ContainerID)
	return nil
}

// Running reports the started containers never killed.
func (m *MockEngine) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	killed := map[string]bool{}
	for _, id := range m.Killed {
		killed[id] = true
	}
	var out []string
	for _, id := range m.Started {
		if !killed[id] {
			out = append(out, id)
		}
	}
	return out
}

// MockGameServer implements GameServer for testing.
type MockGameServer struct {
	SetupErr error
	Status   *gameserver.MatchStatus
	Gamelog  []byte
}

func (m *MockGameServer) SetupRoom(ctx context.Context, gameName, session, password string, playerNames [2]string) error {
	return m.SetupErr
}

func (m *MockGameServer) WaitForGamelog(ctx context.Context, gameName, session string) (*gameserver.MatchStatus, error) {
	if m.Status == nil {
		return nil, fmt.Errorf("gameserver did not respond with match results for %s", session)
	}
	return m.Status, nil
}

func (m *MockGameServer) DownloadGamelog(ctx context.Context, gamelogName string) ([]byte, error) {
	return m.Gamelog, nil
}

// MockRecorder implements Recorder for testing.
type MockRecorder struct {
	mu         sync.Mutex
	Finished   []int
	OutputURLs map[int]string
}

func (m *MockRecorder) SetGameFinished(ctx context.Context, gameID int, winReason, loseReason string, winnerID int, logURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Finished = append(m.Finished, gameID)
	return nil
}

func (m *MockRecorder) SetGameSubmissionOutput(ctx context.Context, gameID, submissionID int, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.OutputURLs == nil {
		m.OutputURLs = map[int]string{}
	}
	m.OutputURLs[submissionID] = url
	return nil
}

// MockUploader implements Uploader for testing.
type MockUploader struct{}

func (m *MockUploader) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	return "http://blobs.test/" + filename, nil
}
