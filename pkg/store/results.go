package store

import (
	"errors"
	"fmt"

	"github.com/official-monty/montytest/pkg/stats"
)

// ErrInvalidResults is returned when a results delta is malformed.
var ErrInvalidResults = errors.New("invalid results")

// Results accumulates game outcomes. The zero value is an empty accumulator.
type Results struct {
	Wins        int               `json:"wins"`
	Losses      int               `json:"losses"`
	Draws       int               `json:"draws"`
	Crashes     int               `json:"crashes"`
	TimeLosses  int               `json:"time_losses"`
	Pentanomial stats.Pentanomial `json:"pentanomial"`
}

// Games returns the number of games counted.
func (r Results) Games() int {
	return r.Wins + r.Losses + r.Draws
}

// IsZero reports whether no outcome has been counted.
func (r Results) IsZero() bool {
	return r == Results{}
}

// Add merges d into r.
func (r *Results) Add(d Results) {
	r.Wins += d.Wins
	r.Losses += d.Losses
	r.Draws += d.Draws
	r.Crashes += d.Crashes
	r.TimeLosses += d.TimeLosses

	for i := range r.Pentanomial {
		r.Pentanomial[i] += d.Pentanomial[i]
	}
}

// Sub removes d from r.
func (r *Results) Sub(d Results) {
	r.Wins -= d.Wins
	r.Losses -= d.Losses
	r.Draws -= d.Draws
	r.Crashes -= d.Crashes
	r.TimeLosses -= d.TimeLosses

	for i := range r.Pentanomial {
		r.Pentanomial[i] -= d.Pentanomial[i]
	}
}

// Validate checks that r is a well-formed delta: no negative counts and a
// pentanomial that accounts for every game in pairs.
func (r Results) Validate() error {
	counts := []int{r.Wins, r.Losses, r.Draws, r.Crashes, r.TimeLosses}
	counts = append(counts, r.Pentanomial[:]...)

	for _, c := range counts {
		if c < 0 {
			return fmt.Errorf("%w: negative count", ErrInvalidResults)
		}
	}

	if pairs := r.Pentanomial.Pairs(); 2*pairs != r.Games() {
		return fmt.Errorf(
			"%w: %d games do not match %d pentanomial pairs",
			ErrInvalidResults, r.Games(), pairs,
		)
	}

	return nil
}
