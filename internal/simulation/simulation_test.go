package simulation

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trustedsetup/internal/ceremony"
	"trustedsetup/internal/crs"
)

func testParams() Params {
	p := DefaultParams()
	p.TurnTimeout = 2 * time.Second
	return p
}

func TestSingleAgentTenRounds(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, mode := range []ceremony.Mode{ceremony.ModeQueue, ceremony.ModeOpen} {
		t.Run(string(mode), func(t *testing.T) {
			p := DefaultParams()
			p.Mode = mode
			p.Agents, p.Rounds = 1, 10
			require.False(t, p.RepeatContributions)
			res, err := Run(ctx, p)
			require.NoError(t, err)

			assert.True(t, res.Valid(), "chain: %v", res.ChainErr)
			assert.Equal(t, 10, res.Accepted)
			assert.Equal(t, 1, res.Contributors)
			assert.Len(t, res.Latencies, 10)
			assert.Greater(t, res.Throughput(), 0.0)
		})
	}
}

func TestSeveralCircuits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p := testParams()
	p.Circuits = []string{"cubic", "chain-3"}
	p.Agents, p.Rounds = 2, 3
	res, err := Run(ctx, p)
	require.NoError(t, err)
	assert.True(t, res.Valid(), "chain: %v", res.ChainErr)
	assert.Equal(t, 3, res.Accepted)
	assert.NotEqual(t, crs.Digest{}, res.Final)
}

func TestStalledAgent(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	for _, policy := range []ceremony.DropPolicy{ceremony.DropRemove, ceremony.DropRequeue} {
		t.Run(string(policy), func(t *testing.T) {
			p := testParams()
			p.Agents, p.Rounds = 10, 10
			p.Stalled = 1
			p.TurnTimeout = 300 * time.Millisecond
			p.DropPolicy = policy
			p.MaxMisses = 2
			res, err := Run(ctx, p)
			require.NoError(t, err)

			assert.True(t, res.Valid(), "chain: %v", res.ChainErr)
			assert.Less(t, res.Contributors, p.Agents)
			assert.Equal(t, 9, res.Contributors)
			assert.Equal(t, 9, res.Accepted)
		})
	}
}

func TestOpenModeRace(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	p := testParams()
	p.Mode = ceremony.ModeOpen
	p.Agents, p.Rounds = 4, 6
	p.RepeatContributions = true
	p.Scheme = ceremony.SchemeEd25519
	p.ThinkTime = 5 * time.Millisecond
	res, err := Run(ctx, p)
	require.NoError(t, err)

	assert.True(t, res.Valid(), "chain: %v", res.ChainErr)
	assert.Equal(t, 6, res.Accepted)
	for code := range res.Rejections {
		assert.Contains(t, []ceremony.Code{ceremony.CodeStaleRound, ceremony.CodeWrongPhase}, code)
	}
}

func TestRunRejectsParams(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name  string
		apply func(*Params)
	}{
		{"no agents", func(p *Params) { p.Agents = 0 }},
		{"all stalled", func(p *Params) { p.Stalled = p.Agents }},
		{"no circuits", func(p *Params) { p.Circuits = nil }},
		{"unknown circuit", func(p *Params) { p.Circuits = []string{"cubic", "square"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testParams()
			tt.apply(&p)
			_, err := Run(ctx, p)
			assert.Error(t, err)
		})
	}
}

func TestMatrixReport(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	results, err := RunMatrix(ctx, testParams(), []int{1, 2}, []int{2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Valid())
		assert.Equal(t, 2, r.Accepted)
	}

	var table bytes.Buffer
	require.NoError(t, WriteTable(&table, results))
	assert.Contains(t, table.String(), "queue")
	assert.Contains(t, table.String(), "closed")

	var chart bytes.Buffer
	require.NoError(t, WriteLatencyChart(&chart, results))
	assert.Contains(t, chart.String(), "echarts")
}
