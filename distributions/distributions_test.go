// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributions

import (
	"math"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

const log2PiTest = 1.8378770664093453

func TestLogNormalStandard(t *testing.T) {
	graphtest.RunTestGraphFn(t, "LogNormalStandard",
		func(g *Graph) (inputs, outputs []*Node) {
			z := Const(g, [][]float64{{0, 0}, {1, -1}})
			inputs = []*Node{z}
			outputs = []*Node{LogNormalStandard(z)}
			return
		}, []any{
			[]float64{-log2PiTest, -log2PiTest - 1},
		}, 1e-8)
}

func TestLogNormalDiagMatchesStandard(t *testing.T) {
	// With mean=0 and log-variance=0 the diagonal density must agree with the
	// standard normal density.
	graphtest.RunTestGraphFn(t, "LogNormalDiag vs LogNormalStandard",
		func(g *Graph) (inputs, outputs []*Node) {
			z := Const(g, [][]float64{{0.5, -1.25, 3}, {0, 0.01, -2}})
			inputs = []*Node{z}
			diag := LogNormalDiag(z, ZerosLike(z), ZerosLike(z))
			standard := LogNormalStandard(z)
			outputs = []*Node{Sub(diag, standard)}
			return
		}, []any{
			[]float64{0, 0},
		}, 1e-10)
}

func TestLogNormalDiag(t *testing.T) {
	// Single feature, mean 1, log-variance log(4): log N(3; 1, 4).
	want := -0.5*(math.Log(4)+log2PiTest) - 0.5*(3-1)*(3-1)/4
	graphtest.RunTestGraphFn(t, "LogNormalDiag",
		func(g *Graph) (inputs, outputs []*Node) {
			z := Const(g, [][]float64{{3}})
			mean := Const(g, [][]float64{{1}})
			logVar := Const(g, [][]float64{{math.Log(4)}})
			inputs = []*Node{z}
			outputs = []*Node{LogNormalDiag(z, mean, logVar)}
			return
		}, []any{
			[]float64{want},
		}, 1e-10)
}

func TestSafeLogIsFinite(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	results := MustExecOnce(backend, func(g *Graph) *Node {
		return SafeLog(Const(g, []float64{0, 1e-30, 1}))
	})
	values := results.Value().([]float64)
	for ii, v := range values {
		require.Falsef(t, math.IsInf(v, 0), "SafeLog returned ±inf for input #%d", ii)
		require.Falsef(t, math.IsNaN(v), "SafeLog returned NaN for input #%d", ii)
	}
	require.InDelta(t, math.Log(LogEpsilon), values[0], 1e-8)
	require.InDelta(t, 0.0, values[2], 1e-6)
}

func TestLogBernoulliClamping(t *testing.T) {
	// Probabilities of exactly 0 and 1 on the "wrong" side of the target must
	// still produce a finite log-likelihood.
	backend := graphtest.BuildTestBackend()
	results := MustExecOnce(backend, func(g *Graph) *Node {
		target := Const(g, [][]float64{{1, 0}})
		probs := Const(g, [][]float64{{0, 1}})
		return LogBernoulli(target, probs)
	})
	values := results.Value().([]float64)
	require.Len(t, values, 1)
	require.False(t, math.IsInf(values[0], 0))
	require.False(t, math.IsNaN(values[0]))
	require.InDelta(t, 2*math.Log(probEpsilon64), values[0], 1e-6)
}

func TestLogBernoulli(t *testing.T) {
	p := 0.75
	want := math.Log(p) + math.Log(1-p)
	graphtest.RunTestGraphFn(t, "LogBernoulli",
		func(g *Graph) (inputs, outputs []*Node) {
			target := Const(g, [][]float64{{1, 0}})
			probs := Const(g, [][]float64{{p, p}})
			inputs = []*Node{target}
			outputs = []*Node{LogBernoulli(target, probs)}
			return
		}, []any{
			[]float64{want},
		}, 1e-10)
}
