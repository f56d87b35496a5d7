// Package models defines the persistent entities the arena reads and
// writes in the submission database, plus the handful of lightweight
// DTOs the repository hands back.
package models

import "time"

// SubmissionStatus is the lifecycle of a single submission build.
type SubmissionStatus string

const (
	SubmissionNew      SubmissionStatus = "new"
	SubmissionBuilding SubmissionStatus = "building"
	SubmissionFinished SubmissionStatus = "finished"
	SubmissionFailed   SubmissionStatus = "failed"
)

// GameStatus is the lifecycle of a single game row.
type GameStatus string

const (
	GameQueued   GameStatus = "queued"
	GamePlaying  GameStatus = "playing"
	GameFinished GameStatus = "finished"
	GameFailed   GameStatus = "failed"
)

// BYESubmissionID is the sentinel id used by the bracket engine to mean
// "no opponent"; it never appears in the submissions table.
const BYESubmissionID = -1

// Team mirrors the teams table.
type Team struct {
	ID             int
	Name           string
	TeamCaptainID  *int
	IsEligible     bool
}

// EligibleForPlay reports whether this team may be paired into a match:
// a captain must be set and the team must be flagged eligible.
func (t Team) EligibleForPlay() bool {
	return t.TeamCaptainID != nil && t.IsEligible
}

// Submission mirrors the submissions table (minus the blob payload, which
// is fetched separately via Repository.LoadSubmissionBlob).
type Submission struct {
	ID        int
	TeamID    int
	Name      string // denormalized team name, joined in at query time
	Version   int
	Status    SubmissionStatus
	CreatedAt time.Time
	LogURL    string
}

// IsBye reports whether this submission is the bracket's BYE sentinel.
func (s Submission) IsBye() bool {
	return s.ID == BYESubmissionID
}

// Bye is the shared BYE sentinel value; it auto-advances whatever it is
// paired against.
var Bye = Submission{ID: BYESubmissionID, Name: "BYE", Version: -1, Status: "BYE"}

// Game mirrors the games table.
type Game struct {
	ID         int
	Status     GameStatus
	WinnerID   *int
	WinReason  string
	LoseReason string
	LogURL     string
	CreatedAt  time.Time
}

// GameSubmission mirrors a single games_submissions row.
type GameSubmission struct {
	GameID       int
	SubmissionID int
	OutputURL    string
}

// Pair is the two submissions contesting one game, always stored in a
// stable order (left/right) so session and container names stay
// deterministic across retries.
type Pair [2]Submission

// Unordered returns the pair's two submission ids sorted ascending, the
// canonical key used to detect recent/duplicate pairings.
func (p Pair) Unordered() [2]int {
	a, b := p[0].ID, p[1].ID
	if a > b {
		a, b = b, a
	}
	return [2]int{a, b}
}

// RecentGame is the shape returned by Repository.ListRecentGames: just
// enough to compute the non-recent-pairing exclusion set.
type RecentGame struct {
	ID            int
	Status        GameStatus
	SubmissionIDs [2]int
}
