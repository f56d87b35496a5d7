// Package pairing picks which two submissions play next when there is
// no already-queued game: pick a uniformly random pair and reject it if
// it matches a pair already played (or playing) within the configured
// lookback window.
package pairing

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/siggame/pyrena-arena/internal/models"
)

const maxTries = 200

// RecentPairSet is the set of unordered submission-id pairs considered
// too recent to repeat, keyed by models.Pair.Unordered().
type RecentPairSet map[[2]int]bool

// BuildRecentPairSet excludes queued games (they haven't been played
// yet, so they carry no pairing history) and records every other
// recent game's submission pair.
func BuildRecentPairSet(games []models.RecentGame) RecentPairSet {
	set := make(RecentPairSet, len(games))
	for _, g := range games {
		if g.Status == models.GameQueued {
			continue
		}
		ids := g.SubmissionIDs
		if ids[0] > ids[1] {
			ids[0], ids[1] = ids[1], ids[0]
		}
		set[ids] = true
	}
	return set
}

// KnownRecentFunc lets a caller rule a candidate pair out without the
// freshly queried set, e.g. from the Redis mirror shared across runner
// hosts. It may only return true for pairs the database would also
// report as recent; false means "don't know", never "definitely fresh".
type KnownRecentFunc func(pair [2]int) bool

// GenerateNonrecentPairing draws a uniformly random distinct pair from
// submissions, retrying up to maxTries times until the pair's unordered
// key is absent from recent. knownRecent, if non-nil, is consulted
// first on each candidate; the recent set remains authoritative.
func GenerateNonrecentPairing(submissions []models.Submission, recent RecentPairSet, knownRecent KnownRecentFunc) (models.Pair, error) {
	for tries := maxTries; tries > 0; tries-- {
		pair, err := generatePairing(submissions)
		if err != nil {
			return models.Pair{}, err
		}
		key := pair.Unordered()
		if knownRecent != nil && knownRecent(key) {
			continue
		}
		if !recent[key] {
			return pair, nil
		}
	}
	return models.Pair{}, fmt.Errorf("unable to generate non-recent pairing after %d tries", maxTries)
}

func generatePairing(submissions []models.Submission) (models.Pair, error) {
	if len(submissions) < 2 {
		return models.Pair{}, fmt.Errorf("not enough submissions: %d", len(submissions))
	}
	a, err := randIndex(len(submissions))
	if err != nil {
		return models.Pair{}, err
	}
	b, err := randIndex(len(submissions))
	if err != nil {
		return models.Pair{}, err
	}
	for b == a {
		b, err = randIndex(len(submissions))
		if err != nil {
			return models.Pair{}, err
		}
	}
	return models.Pair{submissions[a], submissions[b]}, nil
}

func randIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("generate random index: %w", err)
	}
	return int(v.Int64()), nil
}
