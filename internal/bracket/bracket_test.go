package bracket

import (
	"strings"
	"testing"

	"github.com/siggame/pyrena-arena/internal/models"
)

func sub(id int) models.Submission {
	return models.Submission{ID: id, Name: "team", Status: models.SubmissionFinished}
}

func finishGame(node *Node, winnerID int, loserID int, bestOf int) {
	for len(node.Games) < bestOf/2+1 {
		node.Games = append(node.Games, models.Game{
			ID:       len(node.Games) + 1,
			Status:   models.GameFinished,
			WinnerID: &winnerID,
		})
	}
	_ = loserID
}

func TestGenerateInitialPairingPadsWithBye(t *testing.T) {
	subs := []models.Submission{sub(1), sub(2), sub(3)}
	arena := &Arena{}
	GenerateNElimBracketOnline(subs, arena, 1)

	if len(arena.Nodes) != 2 {
		t.Fatalf("expected width-2 initial round for 3 submissions, got %d nodes", len(arena.Nodes))
	}
	byeCount := 0
	for _, n := range arena.Nodes {
		for _, s := range n.Submissions {
			if s.IsBye() {
				byeCount++
			}
		}
	}
	if byeCount != 1 {
		t.Errorf("expected exactly one BYE slot to pad 3 submissions into width 2, got %d", byeCount)
	}
}

func TestDeclareAndPropagateWinnersHandlesBye(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(1), models.Bye}
	arena.add(node)

	DeclareAndPropagateWinners(arena, 0, 1)

	if node.Winner == nil || node.Winner.ID != 1 {
		t.Fatalf("expected submission 1 to auto-advance over BYE, got %+v", node.Winner)
	}
	if node.Loser == nil || !node.Loser.IsBye() {
		t.Fatalf("expected BYE to be recorded as the loser")
	}
}

func TestDeclareAndPropagateWinnersHandlesSelfPlay(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(4), sub(4)}
	arena.add(node)

	DeclareAndPropagateWinners(arena, 0, 1)

	if node.Winner == nil || node.Winner.ID != 4 {
		t.Fatalf("expected a decided winner when a submission plays itself, got %+v", node.Winner)
	}
}

func TestDeclareAndPropagateWinnersFromGames(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(1), sub(2)}
	winner := 1
	node.Games = []models.Game{
		{ID: 1, Status: models.GameFinished, WinnerID: &winner},
		{ID: 2, Status: models.GameFinished, WinnerID: &winner},
	}
	arena.add(node)

	DeclareAndPropagateWinners(arena, 0, 3)

	if node.Winner == nil || node.Winner.ID != 1 {
		t.Fatalf("expected submission 1 to win best-of-3 after 2 wins, got %+v", node.Winner)
	}
	if node.Loser == nil || node.Loser.ID != 2 {
		t.Fatalf("expected submission 2 recorded as loser, got %+v", node.Loser)
	}
}

func TestDeclareWinnerErrorsOnForeignWinnerID(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(1), sub(2)}
	foreign := 42
	node.Games = []models.Game{{ID: 1, Status: models.GameFinished, WinnerID: &foreign}}
	arena.add(node)

	if err := DeclareAndPropagateWinners(arena, 0, 1); err == nil {
		t.Fatalf("a winner_id matching neither contestant must surface an error")
	}
	if node.Winner != nil {
		t.Errorf("no winner may be declared from a foreign winner_id")
	}
}

func TestDeclareAndPropagateWinnersRecursesOnlyThroughFeeders(t *testing.T) {
	// feederNode feeds into node via InvertedFeeders (loser's bracket).
	// DeclareAndPropagateWinners on node must NOT recurse into it, even
	// though feederNode itself is undecided.
	arena := &Arena{}
	feederNode := newNode()
	feederNode.Submissions = []models.Submission{sub(1), sub(2)}
	feederIdx := arena.add(feederNode)

	node := newNode()
	node.InvertedFeeders = []int{feederIdx}
	arena.add(node)

	DeclareAndPropagateWinners(arena, 1, 1)

	if feederNode.Winner != nil {
		t.Fatalf("feeder reached only via InvertedFeeders must not be force-decided by recursion")
	}
}

func TestGenerateNElimBracketOnlineEliminatesAfterMaxLosses(t *testing.T) {
	subs := []models.Submission{sub(1), sub(2)}
	arena := &Arena{}

	champion := GenerateNElimBracketOnline(subs, arena, 1)
	if champion != nil {
		t.Fatalf("tournament should not be decided before any game finishes")
	}

	finishGame(arena.Nodes[0], 1, 2, 1)
	DeclareAndPropagateWinners(arena, 0, 1)

	champion = GenerateNElimBracketOnline(subs, arena, 1)
	if champion == nil || champion.Winner == nil || champion.Winner.ID != 1 {
		t.Fatalf("expected submission 1 to be champion after submission 2's single loss, got %+v", champion)
	}
}

func TestSingleEliminationGrowsAndEliminatesLosers(t *testing.T) {
	// Four teams, N=1, BEST_OF=1: two leaves, then a final. Each leaf
	// loser has losses >= 1 and must never feed a new node.
	subs := []models.Submission{sub(1), sub(2), sub(3), sub(4)}
	arena := &Arena{}
	if champion := GenerateNElimBracketOnline(subs, arena, 1); champion != nil {
		t.Fatalf("tournament decided before any games")
	}
	if len(arena.Nodes) != 2 {
		t.Fatalf("expected 2 leaf nodes for 4 submissions, got %d", len(arena.Nodes))
	}

	// Decide both leaves: first listed submission wins each.
	for _, n := range arena.Nodes {
		finishGame(n, n.Submissions[0].ID, n.Submissions[1].ID, 1)
	}
	for i := range arena.Nodes {
		DeclareAndPropagateWinners(arena, i, 1)
	}
	loserIDs := map[int]bool{}
	for _, n := range arena.Nodes {
		loserIDs[n.Loser.ID] = true
	}

	if champion := GenerateNElimBracketOnline(subs, arena, 1); champion != nil {
		t.Fatalf("tournament must not be decided while the final is unplayed")
	}
	if len(arena.Nodes) != 3 {
		t.Fatalf("expected a new final node, got %d nodes", len(arena.Nodes))
	}

	final := arena.Nodes[2]
	if len(final.Feeders) != 2 || len(final.InvertedFeeders) != 0 {
		t.Fatalf("final must be fed by both leaf winners: %+v", final)
	}
	for i := range arena.Nodes {
		DeclareAndPropagateWinners(arena, i, 1)
	}
	for _, s := range final.Submissions {
		if loserIDs[s.ID] {
			t.Errorf("eliminated submission %d reappeared in the final", s.ID)
		}
	}

	// Decide the final; the next tick returns the champion node.
	finishGame(final, final.Submissions[0].ID, final.Submissions[1].ID, 1)
	final.Games[0].ID = 99 // distinct from leaf game ids
	for i := range arena.Nodes {
		DeclareAndPropagateWinners(arena, i, 1)
	}
	champion := GenerateNElimBracketOnline(subs, arena, 1)
	if champion == nil || champion.Winner == nil {
		t.Fatalf("expected a champion after the final is decided")
	}
	if champion.Winner.ID != final.Winner.ID {
		t.Errorf("champion = %d, want the final's winner %d", champion.Winner.ID, final.Winner.ID)
	}
}

func TestDecidedNodesAreMonotone(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(1), sub(2)}
	finishGame(node, 1, 2, 1)
	arena.add(node)

	DeclareAndPropagateWinners(arena, 0, 1)
	winner, loser := node.Winner, node.Loser

	// Re-ticking with no new information must not change the decision.
	DeclareAndPropagateWinners(arena, 0, 1)
	if node.Winner != winner || node.Loser != loser {
		t.Errorf("a decided node's winner/loser changed across ticks")
	}
}

func TestDotNodesProducesValidDigraph(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(1), sub(2)}
	arena.add(node)

	dot := DotNodes(arena, 1)
	if !strings.HasPrefix(dot, "digraph bracket {") {
		t.Errorf("expected digraph header, got %q", dot)
	}
	if !strings.Contains(dot, "node0") {
		t.Errorf("expected node0 to be referenced in dot output: %q", dot)
	}
	if !strings.HasSuffix(strings.TrimSpace(dot), "}") {
		t.Errorf("expected digraph to be closed: %q", dot)
	}
}

func TestCloneIsIndependentOfTheOriginal(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(1), sub(2)}
	finishGame(node, 1, 2, 1)
	arena.add(node)
	DeclareAndPropagateWinners(arena, 0, 1)

	snapshot := arena.Clone()

	// Mutating the original must not leak into the snapshot.
	node.Submissions[0] = sub(99)
	node.Games[0].Status = models.GameFailed
	w := sub(98)
	node.Winner = &w

	got := snapshot.Nodes[0]
	if got.Submissions[0].ID != 1 {
		t.Errorf("snapshot submissions mutated: %+v", got.Submissions)
	}
	if got.Games[0].Status != models.GameFinished {
		t.Errorf("snapshot games mutated: %+v", got.Games)
	}
	if got.Winner == nil || got.Winner.ID != 1 {
		t.Errorf("snapshot winner mutated: %+v", got.Winner)
	}
}

func TestSummariesReflectsDecidedWinner(t *testing.T) {
	arena := &Arena{}
	node := newNode()
	node.Submissions = []models.Submission{sub(1), models.Bye}
	arena.add(node)
	DeclareAndPropagateWinners(arena, 0, 1)

	summaries := Summaries(arena)
	if len(summaries) != 1 {
		t.Fatalf("expected one summary, got %d", len(summaries))
	}
	if summaries[0].Winner == "" {
		t.Errorf("expected winner to be populated once decided")
	}
}
