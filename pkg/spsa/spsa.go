// Package spsa implements simultaneous perturbation stochastic approximation
// for tuning engine parameters with self-play games.
//
// Every iteration plays the engine with parameters theta + c_k*flip against
// theta - c_k*flip, where flip is a random vector of +1/-1, and moves theta
// along flip in proportion to the game score difference.
package spsa

import (
	"errors"
	"fmt"
	"math"
)

const (
	// DefaultAlpha is the learning rate decay exponent.
	DefaultAlpha = 0.602

	// DefaultGamma is the perturbation decay exponent.
	DefaultGamma = 0.101

	// defaultStabilityRatio sets the stability constant A relative to the
	// number of iterations.
	defaultStabilityRatio = 0.1
)

// ErrInvalidConfig is returned for malformed tuning parameters.
var ErrInvalidConfig = errors.New("invalid spsa configuration")

// Param is one tuned engine option.
type Param struct {
	Name  string  `json:"name"`
	Start float64 `json:"start"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`

	// CEnd is the perturbation size at the last iteration.
	CEnd float64 `json:"c_end"`

	// REnd is the learning rate at the last iteration.
	REnd float64 `json:"r_end"`
}

// Config describes a tuning session.
type Config struct {
	A      float64 `json:"A"`
	Alpha  float64 `json:"alpha"`
	Gamma  float64 `json:"gamma"`
	Params []Param `json:"params"`
}

// State is the current estimate of the tuned parameters.
type State struct {
	Iter  int       `json:"iter"`
	Theta []float64 `json:"theta"`
}

// Perturbation is the flip vector handed out for one iteration.
type Perturbation struct {
	Iter  int   `json:"iter"`
	Flips []int `json:"flips"`
}

// Value is a parameter value sent to a worker.
type Value struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Outcome is the game result of the perturbed engines, counted from the
// white-parameter engine's side.
type Outcome struct {
	Wins   int `json:"wins"`
	Losses int `json:"losses"`
	Draws  int `json:"draws"`
}

// Games returns the number of games counted.
func (o Outcome) Games() int {
	return o.Wins + o.Losses + o.Draws
}

// Normalize fills in default exponents and the stability constant for a
// session of numIter iterations and validates the parameters.
func (c *Config) Normalize(numIter int) error {
	if len(c.Params) == 0 {
		return fmt.Errorf("%w: no parameters", ErrInvalidConfig)
	}

	if c.Alpha == 0 {
		c.Alpha = DefaultAlpha
	}

	if c.Gamma == 0 {
		c.Gamma = DefaultGamma
	}

	if c.A == 0 {
		c.A = defaultStabilityRatio * float64(numIter)
	}

	if c.A < 0 || c.Alpha <= 0 || c.Gamma <= 0 {
		return fmt.Errorf("%w: A, alpha and gamma must be positive", ErrInvalidConfig)
	}

	seen := make(map[string]struct{}, len(c.Params))

	for _, p := range c.Params {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter without name", ErrInvalidConfig)
		}

		if _, ok := seen[p.Name]; ok {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalidConfig, p.Name)
		}

		seen[p.Name] = struct{}{}

		if p.Min > p.Max || p.Start < p.Min || p.Start > p.Max {
			return fmt.Errorf("%w: %s start outside [min, max]", ErrInvalidConfig, p.Name)
		}

		if p.CEnd <= 0 || p.REnd <= 0 {
			return fmt.Errorf("%w: %s needs positive c_end and r_end", ErrInvalidConfig, p.Name)
		}
	}

	return nil
}

// NewState returns the starting estimate.
func NewState(c *Config) State {
	theta := make([]float64, len(c.Params))
	for i, p := range c.Params {
		theta[i] = p.Start
	}

	return State{Theta: theta}
}

// Gains returns the perturbation size c_k and the learning rate r_k of a
// parameter at iteration k of numIter.
func Gains(c *Config, p Param, numIter, k int) (ck, rk float64) {
	n := float64(numIter)

	cScale := p.CEnd * math.Pow(n, c.Gamma)
	aEnd := p.REnd * p.CEnd * p.CEnd
	aScale := aEnd * math.Pow(c.A+n, c.Alpha)

	ck = cScale / math.Pow(float64(k+1), c.Gamma)
	ak := aScale / math.Pow(c.A+float64(k+1), c.Alpha)

	return ck, ak / (ck * ck)
}

// Perturb draws a flip vector with flip and returns it together with the
// parameter values for the white and black engines.
func Perturb(
	c *Config, s *State, numIter int, flip func() int,
) (Perturbation, []Value, []Value) {
	pert := Perturbation{Iter: s.Iter, Flips: make([]int, len(c.Params))}
	white := make([]Value, len(c.Params))
	black := make([]Value, len(c.Params))

	for i, p := range c.Params {
		ck, _ := Gains(c, p, numIter, s.Iter)

		f := 1
		if flip() < 0 {
			f = -1
		}

		pert.Flips[i] = f
		white[i] = Value{Name: p.Name, Value: clamp(s.Theta[i]+ck*float64(f), p)}
		black[i] = Value{Name: p.Name, Value: clamp(s.Theta[i]-ck*float64(f), p)}
	}

	return pert, white, black
}

// Update moves theta along the perturbation by the score difference of the
// outcome and advances the iteration count by the game pairs played.
func Update(c *Config, s *State, pert Perturbation, numIter int, o Outcome) error {
	if len(pert.Flips) != len(c.Params) || len(s.Theta) != len(c.Params) {
		return fmt.Errorf("%w: parameter count changed", ErrInvalidConfig)
	}

	result := float64(o.Wins - o.Losses)

	for i, p := range c.Params {
		ck, rk := Gains(c, p, numIter, pert.Iter)
		s.Theta[i] = clamp(s.Theta[i]+rk*ck*result*float64(pert.Flips[i]), p)
	}

	s.Iter += o.Games() / 2

	return nil
}

// Values returns the current estimate as named values.
func Values(c *Config, s *State) []Value {
	out := make([]Value, len(c.Params))
	for i, p := range c.Params {
		out[i] = Value{Name: p.Name, Value: s.Theta[i]}
	}

	return out
}

func clamp(v float64, p Param) float64 {
	return math.Min(math.Max(v, p.Min), p.Max)
}
