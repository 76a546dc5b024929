package spsa

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()

	c := &Config{
		Params: []Param{
			{Name: "Cpuct", Start: 100, Min: 50, Max: 150, CEnd: 4, REnd: 0.002},
			{Name: "Fpu", Start: 20, Min: 0, Max: 21, CEnd: 2, REnd: 0.002},
		},
	}
	require.NoError(t, c.Normalize(1000))

	return c
}

func alwaysUp() int { return 1 }

func TestNormalize(t *testing.T) {
	c := testConfig(t)
	assert.Equal(t, DefaultAlpha, c.Alpha)
	assert.Equal(t, DefaultGamma, c.Gamma)
	assert.InDelta(t, 100, c.A, 1e-9)

	tests := []struct {
		name   string
		params []Param
	}{
		{name: "no params"},
		{name: "missing name", params: []Param{{Start: 1, Max: 2, CEnd: 1, REnd: 1}}},
		{name: "start out of range", params: []Param{{Name: "x", Start: 5, Max: 2, CEnd: 1, REnd: 1}}},
		{name: "zero c_end", params: []Param{{Name: "x", Start: 1, Max: 2, REnd: 1}}},
		{
			name: "duplicate",
			params: []Param{
				{Name: "x", Start: 1, Max: 2, CEnd: 1, REnd: 1},
				{Name: "x", Start: 1, Max: 2, CEnd: 1, REnd: 1},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Params: tt.params}
			require.ErrorIs(t, c.Normalize(100), ErrInvalidConfig)
		})
	}
}

func TestGainsReachEndValuesOnLastIteration(t *testing.T) {
	c := testConfig(t)
	p := c.Params[0]

	ck, rk := Gains(c, p, 1000, 999)
	assert.InDelta(t, p.CEnd, ck, 1e-9)
	assert.InDelta(t, p.REnd, rk, 1e-12)

	first, _ := Gains(c, p, 1000, 0)
	assert.Greater(t, first, ck, "perturbations shrink over time")
}

func TestPerturbIsSymmetricAndClamped(t *testing.T) {
	c := testConfig(t)
	s := NewState(c)

	pert, white, black := Perturb(c, &s, 1000, alwaysUp)
	require.Len(t, white, 2)
	require.Len(t, black, 2)
	assert.Equal(t, []int{1, 1}, pert.Flips)
	assert.Zero(t, pert.Iter)

	assert.Equal(t, "Cpuct", white[0].Name)
	assert.InDelta(t, 100-white[0].Value, black[0].Value-100, 1e-9)
	assert.Greater(t, white[0].Value, 100.0)

	// Fpu starts one below its maximum, so the upward step is clamped.
	assert.Equal(t, 21.0, white[1].Value)
	assert.Less(t, black[1].Value, 20.0)
}

func TestUpdateMovesTowardsWinningSide(t *testing.T) {
	c := testConfig(t)
	s := NewState(c)

	pert, _, _ := Perturb(c, &s, 1000, alwaysUp)
	require.NoError(t, Update(c, &s, pert, 1000, Outcome{Wins: 6, Losses: 2, Draws: 8}))

	assert.Greater(t, s.Theta[0], 100.0)
	assert.Equal(t, 8, s.Iter)

	down := Perturbation{Iter: s.Iter, Flips: []int{-1, -1}}
	before := s.Theta[0]
	require.NoError(t, Update(c, &s, down, 1000, Outcome{Wins: 4, Losses: 0}))
	assert.Less(t, s.Theta[0], before)
	assert.Equal(t, 10, s.Iter)

	vals := Values(c, &s)
	assert.Equal(t, "Cpuct", vals[0].Name)
	assert.Equal(t, s.Theta[0], vals[0].Value)
}

func TestUpdateRejectsMismatchedPerturbation(t *testing.T) {
	c := testConfig(t)
	s := NewState(c)

	err := Update(c, &s, Perturbation{Flips: []int{1}}, 1000, Outcome{Wins: 2})
	require.ErrorIs(t, err, ErrInvalidConfig)
}
