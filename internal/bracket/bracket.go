// Package bracket is the N-loss elimination bracket engine. Nodes live
// in one append-only arena slice; feeders, inverted feeders, and child
// links are indices into that slice rather than pointers, so the whole
// bracket can be snapshotted and re-serialized without worrying about
// pointer identity across ticks.
//
// Two behaviours worth knowing up front: DeclareAndPropagateWinners
// recurses only through Feeders, never InvertedFeeders, so a
// loser's-bracket chain converges over repeated ticks rather than
// within one; and generateInitialPairing's two-pass leaf fill is a
// randomised assignment, not a strict 1-vs-N seeding.
package bracket

import (
	"context"
	"crypto/rand"
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/siggame/pyrena-arena/internal/models"
	"github.com/siggame/pyrena-arena/internal/repository"
)

// noChild is the sentinel for Node.WinnerChild/LoserChild meaning "not
// yet fed into anything".
const noChild = -1

// Node is one bracket match slot. Submissions holds 0, 1, or 2 entries
// as the tournament discovers who plays here.
type Node struct {
	Submissions []models.Submission

	Feeders         []int
	InvertedFeeders []int

	Games []models.Game

	Winner *models.Submission
	Loser  *models.Submission

	WinnerChild int
	LoserChild  int
}

func newNode() *Node {
	return &Node{WinnerChild: noChild, LoserChild: noChild}
}

// Arena owns every node ever created for one tournament run. Indices
// are stable for the arena's lifetime: nodes are only ever appended.
type Arena struct {
	Nodes []*Node
}

func (a *Arena) add(n *Node) int {
	a.Nodes = append(a.Nodes, n)
	return len(a.Nodes) - 1
}

// Clone deep-copies the arena so readers (the admin API) can serialize
// a stable snapshot while ticks keep mutating the original.
func (a *Arena) Clone() *Arena {
	out := &Arena{Nodes: make([]*Node, len(a.Nodes))}
	for i, n := range a.Nodes {
		c := *n
		c.Submissions = append([]models.Submission(nil), n.Submissions...)
		c.Feeders = append([]int(nil), n.Feeders...)
		c.InvertedFeeders = append([]int(nil), n.InvertedFeeders...)
		c.Games = append([]models.Game(nil), n.Games...)
		if n.Winner != nil {
			w := *n.Winner
			c.Winner = &w
		}
		if n.Loser != nil {
			l := *n.Loser
			c.Loser = &l
		}
		out.Nodes[i] = &c
	}
	return out
}

// generateInitialPairing seeds the first round of leaf nodes. Width is
// half of the submission count rounded up to a power of two (at least
// one), so the 2*width leaf slots hold every submission; missing slots
// are filled with the BYE sentinel.
//
// The fill is two passes over the shuffled list (all first-submission
// slots, then all second-submission slots) rather than consecutive
// pairs. This does not produce a traditional 1-vs-N seeding.
func generateInitialPairing(submissions []models.Submission) []*Node {
	width := 1
	if len(submissions) > 1 {
		width = int(math.Pow(2, math.Ceil(math.Log2(float64(len(submissions))))-1))
	}

	shuffled := make([]models.Submission, len(submissions))
	copy(shuffled, submissions)
	shuffleSubmissions(shuffled)

	for len(shuffled) < 2*width {
		shuffled = append(shuffled, models.Bye)
	}

	nodes := make([]*Node, width)
	for i := range nodes {
		nodes[i] = newNode()
	}
	idx := 0
	for _, node := range nodes {
		node.Submissions = append(node.Submissions, shuffled[idx])
		idx++
	}
	for _, node := range nodes {
		node.Submissions = append(node.Submissions, shuffled[idx])
		idx++
	}
	return nodes
}

func shuffleSubmissions(s []models.Submission) {
	for i := len(s) - 1; i > 0; i-- {
		j := mustRandIntn(i + 1)
		s[i], s[j] = s[j], s[i]
	}
}

func mustRandIntn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

type availableKind int

const (
	fromWinner availableKind = iota
	fromLoser
)

type availableEntry struct {
	nodeIdx int
	who     models.Submission
	kind    availableKind
}

// GenerateNElimBracketOnline must be called on every tick as winners
// are updated. On the tournament's first call it seeds the arena from
// generateInitialPairing. It returns the champion node once exactly one
// player remains and nothing else is pending, the last node in the
// arena when nothing is pending and no player remains available, and
// nil otherwise.
func GenerateNElimBracketOnline(submissions []models.Submission, arena *Arena, maxLosses int) *Node {
	if len(arena.Nodes) == 0 {
		for _, n := range generateInitialPairing(submissions) {
			arena.add(n)
		}
	}

	wins := map[int]int{}
	losses := map[int]int{}
	for _, node := range arena.Nodes {
		if node.Loser != nil {
			losses[node.Loser.ID]++
		}
		if node.Winner != nil {
			wins[node.Winner.ID]++
		}
	}

	var available []availableEntry
	pendingMatches := false
	for i, node := range arena.Nodes {
		if node.Winner != nil && node.WinnerChild == noChild {
			available = append(available, availableEntry{i, *node.Winner, fromWinner})
		}
		if node.Loser != nil && node.LoserChild == noChild {
			if losses[node.Loser.ID] < maxLosses {
				available = append(available, availableEntry{i, *node.Loser, fromLoser})
			}
		}
		if node.Winner == nil {
			pendingMatches = true
		}
	}

	if !pendingMatches && len(available) == 1 {
		return arena.Nodes[available[0].nodeIdx]
	}
	if !pendingMatches && len(available) == 0 {
		return arena.Nodes[len(arena.Nodes)-1]
	}

	applied := tryGroupByScore(arena, available, losses, wins)
	if !applied {
		applied = tryGroupByLosses(arena, available, losses)
	}
	if !applied {
		tryGroupSortedByLosses(arena, available, losses)
	}

	return nil
}

func tryGroupByScore(arena *Arena, available []availableEntry, losses, wins map[int]int) bool {
	type key struct{ losses, wins int }
	var order []key
	groups := map[key][]availableEntry{}
	for _, e := range available {
		k := key{losses[e.who.ID], wins[e.who.ID]}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}
	applied := false
	for _, k := range order {
		if pairUpAndFeed(arena, groups[k]) {
			applied = true
		}
	}
	return applied
}

func tryGroupByLosses(arena *Arena, available []availableEntry, losses map[int]int) bool {
	var order []int
	groups := map[int][]availableEntry{}
	for _, e := range available {
		k := losses[e.who.ID]
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}
	applied := false
	for _, k := range order {
		if pairUpAndFeed(arena, groups[k]) {
			applied = true
		}
	}
	return applied
}

func tryGroupSortedByLosses(arena *Arena, available []availableEntry, losses map[int]int) bool {
	sorted := make([]availableEntry, len(available))
	copy(sorted, available)
	sort.SliceStable(sorted, func(i, j int) bool {
		return losses[sorted[i].who.ID] > losses[sorted[j].who.ID]
	})
	return pairUpAndFeed(arena, sorted)
}

// pairUpAndFeed consumes entries two at a time (an odd leftover stays
// unpaired until the next tick) and creates a new node fed by each
// pair. Reports whether it created any pairing.
func pairUpAndFeed(arena *Arena, entries []availableEntry) bool {
	applied := false
	for i := 0; i+1 < len(entries); i += 2 {
		a, b := entries[i], entries[i+1]
		newNodeIdx := arena.add(newNode())
		feed := func(e availableEntry) {
			node := arena.Nodes[e.nodeIdx]
			newN := arena.Nodes[newNodeIdx]
			if e.kind == fromWinner {
				newN.Feeders = append(newN.Feeders, e.nodeIdx)
				node.WinnerChild = newNodeIdx
			} else {
				newN.InvertedFeeders = append(newN.InvertedFeeders, e.nodeIdx)
				node.LoserChild = newNodeIdx
			}
		}
		feed(a)
		feed(b)
		applied = true
	}
	return applied
}

// propagateWinners pulls this node's two contestants from its feeders'
// decided winner/loser, clearing any stale submissions first.
func propagateWinners(arena *Arena, node *Node) {
	if len(node.Feeders) > 0 || len(node.InvertedFeeders) > 0 {
		node.Submissions = nil
	}
	for _, fi := range node.Feeders {
		feeder := arena.Nodes[fi]
		if feeder.Winner != nil {
			node.Submissions = append(node.Submissions, *feeder.Winner)
		}
	}
	for _, fi := range node.InvertedFeeders {
		feeder := arena.Nodes[fi]
		if feeder.Loser != nil {
			node.Submissions = append(node.Submissions, *feeder.Loser)
		}
	}
}

// DeclareAndPropagateWinners recurses down a node's Feeders (not its
// InvertedFeeders) before deciding this node's own winner. A node
// fed purely through a loser's-bracket inverted-feeder edge is thus
// never force-recursed-into here; it still gets resolved on a later
// tick once the outer loop visits it directly. An error means a
// finished game's winner_id matched neither of a node's contestants,
// which is a data-integrity bug, not a normal tournament state.
func DeclareAndPropagateWinners(arena *Arena, nodeIdx int, bestOf int) error {
	if nodeIdx < 0 || nodeIdx >= len(arena.Nodes) {
		return nil
	}
	node := arena.Nodes[nodeIdx]
	if node.Winner != nil && node.Loser != nil {
		return nil
	}
	for _, fi := range node.Feeders {
		if err := DeclareAndPropagateWinners(arena, fi, bestOf); err != nil {
			return err
		}
	}
	propagateWinners(arena, node)

	if len(node.Submissions) == 2 {
		left, right := node.Submissions[0], node.Submissions[1]
		switch {
		case left.IsBye() && right.IsBye():
			node.Winner, node.Loser = &models.Bye, &models.Bye
		case left.IsBye():
			w := right
			node.Winner, node.Loser = &w, &models.Bye
		case right.IsBye():
			w := left
			node.Winner, node.Loser = &w, &models.Bye
		}
	}

	if len(node.Submissions) == 2 && node.Submissions[0].ID == node.Submissions[1].ID {
		w, l := node.Submissions[0], node.Submissions[1]
		node.Winner, node.Loser = &w, &l
	}

	if node.Winner == nil {
		return declareWinnerFromGames(node, bestOf)
	}
	return nil
}

func declareWinnerFromGames(node *Node, bestOf int) error {
	winCounts := map[int]int{}
	for _, g := range node.Games {
		if g.WinnerID != nil {
			winCounts[*g.WinnerID]++
		}
	}
	for winnerID, count := range winCounts {
		if count <= bestOf/2 {
			continue
		}
		if len(node.Submissions) != 2 {
			continue
		}
		if node.Submissions[0].ID == winnerID {
			w, l := node.Submissions[0], node.Submissions[1]
			node.Winner, node.Loser = &w, &l
			return nil
		}
		if node.Submissions[1].ID == winnerID {
			w, l := node.Submissions[1], node.Submissions[0]
			node.Winner, node.Loser = &w, &l
			return nil
		}
		return fmt.Errorf("winner %d was not a member of this node", winnerID)
	}
	return nil
}

// UpdateGameStatus refreshes every non-finished game tracked by the
// arena from the repository.
func UpdateGameStatus(ctx context.Context, repo *repository.Repository, arena *Arena) error {
	var ids []int
	for _, node := range arena.Nodes {
		for _, g := range node.Games {
			if g.Status != models.GameFinished {
				ids = append(ids, g.ID)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	games, err := repo.ListGamesByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("update game status: %w", err)
	}
	byID := make(map[int]models.Game, len(games))
	for _, g := range games {
		byID[g.ID] = g
	}
	for _, node := range arena.Nodes {
		for i, g := range node.Games {
			if updated, ok := byID[g.ID]; ok {
				node.Games[i] = updated
			}
		}
	}
	return nil
}

// CreateNeededGames ensures every node with an undecided winner and two
// known contestants has enough games queued to reach bestOf, reusing a
// previously finished game between the same two submissions when
// reuseOldGames is set.
func CreateNeededGames(ctx context.Context, repo *repository.Repository, arena *Arena, bestOf int, reuseOldGames bool) error {
	for _, node := range arena.Nodes {
		if node.Winner != nil || len(node.Submissions) != 2 {
			continue
		}
		if node.Submissions[0].IsBye() || node.Submissions[1].IsBye() {
			continue
		}

		activeCount := 0
		for _, g := range node.Games {
			if g.Status == models.GameFinished || g.Status == models.GameQueued || g.Status == models.GamePlaying {
				activeCount++
			}
		}

		for i := activeCount; i < bestOf; i++ {
			left, right := node.Submissions[0], node.Submissions[1]
			if i%2 == 1 {
				left, right = right, left
			}
			game, err := createOrReuseGame(ctx, repo, arena, left, right, reuseOldGames)
			if err != nil {
				return err
			}
			node.Games = append(node.Games, game)
		}
	}
	return nil
}

func createOrReuseGame(ctx context.Context, repo *repository.Repository, arena *Arena, left, right models.Submission, reuseOldGames bool) (models.Game, error) {
	if reuseOldGames {
		var used []int
		for _, node := range arena.Nodes {
			for _, g := range node.Games {
				used = append(used, g.ID)
			}
		}
		reused, err := repo.FindReusableFinishedGame(ctx, left.ID, right.ID, used)
		if err != nil {
			return models.Game{}, fmt.Errorf("find reusable game for %d/%d: %w", left.ID, right.ID, err)
		}
		if reused != nil {
			return *reused, nil
		}
	}

	id, err := repo.CreateQueuedGame(ctx, left.ID, right.ID)
	if err != nil {
		return models.Game{}, fmt.Errorf("create queued game for %d/%d: %w", left.ID, right.ID, err)
	}
	return models.Game{ID: id, Status: models.GameQueued}, nil
}

// getNodeLabel renders a node's DOT label, including its best-of score
// and, once decided, the winning side's representative game log url.
func getNodeLabel(node *Node, bestOf int) string {
	names := make([]string, 0, 2)
	for _, s := range node.Submissions {
		names = append(names, fmt.Sprintf("%s_%d", s.Name, s.ID))
	}
	for len(names) < 2 {
		names = append(names, "-")
	}

	if len(node.Games) == 0 {
		return fmt.Sprintf("%s vs %s", names[0], names[1])
	}

	leftWins, rightWins := 0, 0
	if len(node.Submissions) == 2 {
		for _, g := range node.Games {
			if g.WinnerID == nil {
				continue
			}
			if *g.WinnerID == node.Submissions[0].ID {
				leftWins++
			}
			if *g.WinnerID == node.Submissions[1].ID {
				rightWins++
			}
		}
	}
	label := fmt.Sprintf("%s(%d/%d) vs %s(%d/%d)", names[0], leftWins, bestOf, names[1], rightWins, bestOf)
	if node.Winner != nil {
		for _, g := range node.Games {
			if g.WinnerID != nil && *g.WinnerID == node.Winner.ID {
				label += `\n` + g.LogURL
				break
			}
		}
	}
	return label
}

// DotNodes serializes the entire arena as a Graphviz DOT digraph. Node
// identity in the graph is its stable arena index.
func DotNodes(arena *Arena, bestOf int) string {
	var b strings.Builder
	b.WriteString("digraph bracket {\n")
	b.WriteString("  rankdir=LR\n")
	for i, node := range arena.Nodes {
		for _, fi := range node.Feeders {
			fmt.Fprintf(&b, "  node%d -> node%d [style=solid];\n", fi, i)
		}
		for _, fi := range node.InvertedFeeders {
			fmt.Fprintf(&b, "  node%d -> node%d [style=dotted];\n", fi, i)
		}
		fmt.Fprintf(&b, "  node%d [label=\"%s\"];\n", i, getNodeLabel(node, bestOf))
	}
	b.WriteString("}\n")
	return b.String()
}

// NodeSummary is the lightweight JSON-friendly projection C11's
// /bracket.json endpoint serves.
type NodeSummary struct {
	Index           int      `json:"index"`
	Submissions     []string `json:"submissions"`
	Winner          string   `json:"winner,omitempty"`
	Loser           string   `json:"loser,omitempty"`
	Feeders         []int    `json:"feeders,omitempty"`
	InvertedFeeders []int    `json:"invertedFeeders,omitempty"`
}

// Summaries snapshots the arena into a slice safe to JSON-encode.
func Summaries(arena *Arena) []NodeSummary {
	out := make([]NodeSummary, len(arena.Nodes))
	for i, node := range arena.Nodes {
		s := NodeSummary{Index: i, Feeders: node.Feeders, InvertedFeeders: node.InvertedFeeders}
		for _, sub := range node.Submissions {
			s.Submissions = append(s.Submissions, fmt.Sprintf("%s_%d", sub.Name, sub.ID))
		}
		if node.Winner != nil {
			s.Winner = fmt.Sprintf("%s_%d", node.Winner.Name, node.Winner.ID)
		}
		if node.Loser != nil {
			s.Loser = fmt.Sprintf("%s_%d", node.Loser.Name, node.Loser.ID)
		}
		out[i] = s
	}
	return out
}
