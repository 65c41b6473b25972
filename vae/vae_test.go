// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"math/rand"
	"testing"

	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/ctxtest"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

func testConfig(inputType string) Config {
	return Config{
		ZSize:           4,
		InputType:       inputType,
		InputSize:       [3]int{1, 2, 2},
		HiddenSize:      8,
		NumHiddenLayers: 1,
		SampleSize:      3,
	}
}

func TestConfigValidation(t *testing.T) {
	require.Panics(t, func() {
		cfg := testConfig(InputTypeBinary)
		cfg.ZSize = 1
		New(cfg)
	})
	require.PanicsWithError(t,
		`vae: invalid InputType "foo", valid values are "binary" and "multinomial"`,
		func() {
			cfg := testConfig("foo")
			New(cfg)
		})
	require.Panics(t, func() {
		// Density evaluation requires ZSize == flattened input size.
		cfg := testConfig(InputTypeBinary)
		cfg.DensityEvaluation = true
		cfg.ZSize = 3
		New(cfg)
	})
}

// TestVAEShapes checks encoder, reparameterization and both decoder heads
// produce the documented shapes, and that the variance head is positive.
func TestVAEShapes(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "vae shapes",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 5, 4))
			binary := New(testConfig(InputTypeBinary))
			zMu, zVar := binary.Encode(ctx.In("binary"), x)
			require.Equal(t, []int{5, 4}, zMu.Shape().Dimensions)
			require.Equal(t, []int{5, 4}, zVar.Shape().Dimensions)
			z0 := binary.Reparameterize(ctx, zMu, zVar)
			require.Equal(t, []int{5, 4}, z0.Shape().Dimensions)
			xRecon := binary.Decode(ctx.In("binary"), z0)
			require.Equal(t, []int{5, 4}, xRecon.Shape().Dimensions)

			multinomial := New(testConfig(InputTypeMultinomial))
			logits := multinomial.Decode(ctx.In("multinomial"), z0)
			require.Equal(t, []int{5, 256 * 4}, logits.Shape().Dimensions)

			// zVar > 0 and the Bernoulli means are in (0, 1): both checked by
			// sign, executed below.
			inputs = []*Node{x}
			outputs = []*Node{
				ReduceAllMin(Sign(zVar)),
				ReduceAllMin(Sign(Mul(xRecon, OneMinus(xRecon)))),
			}
			return
		}, []any{1.0, 1.0}, 0)
}

// TestVAEAcceptsImageShapedInputs: rank-4 inputs are flattened, wrong sizes
// panic.
func TestVAEAcceptsImageShapedInputs(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "image shaped inputs",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			m := New(testConfig(InputTypeBinary))
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 5, 1, 2, 2))
			zMu, _ := m.Encode(ctx, x)
			require.Equal(t, []int{5, 4}, zMu.Shape().Dimensions)
			require.Panics(t, func() {
				bad := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 5, 3))
				m.Encode(ctx, bad)
			})
			inputs = []*Node{x}
			outputs = []*Node{Const(g, 0.0)}
			return
		}, []any{0.0}, 0)
}

// TestFlowVAEForward checks the sequential pipeline wires together with
// consistent shapes.
func TestFlowVAEForward(t *testing.T) {
	ctxtest.RunTestGraphFn(t, "flow vae forward",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			m := NewFlowVAE(ctx, testConfig(InputTypeBinary))
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 5, 4))
			out := m.Forward(ctx.In("model"), x)
			require.Equal(t, []int{5, 4}, out.XRecon.Shape().Dimensions)
			require.Equal(t, []int{5, 4}, out.Z0.Shape().Dimensions)
			require.Equal(t, []int{5, 4}, out.ZK.Shape().Dimensions)
			require.Equal(t, []int{5}, out.Ldj.Shape().Dimensions)
			inputs = []*Node{x}
			outputs = []*Node{Const(g, 0.0)}
			return
		}, []any{0.0}, 0)
}

// TestRealNVPFlowPrior: the prior buffer is all zeros, so Encode returns zero
// mean and zero log-variance for every example.
func TestRealNVPFlowPrior(t *testing.T) {
	cfg := testConfig(InputTypeBinary)
	cfg.DensityEvaluation = true
	ctxtest.RunTestGraphFn(t, "realnvp flow prior",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			m := NewRealNVPFlow(ctx, cfg)
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 3, 4))
			zK, zMu, zVar, ldj, yLogits := m.Encode(ctx.In("model"), x)
			require.Nil(t, yLogits)
			require.Equal(t, []int{3, 4}, zK.Shape().Dimensions)
			require.Equal(t, []int{3}, ldj.Shape().Dimensions)
			require.Equal(t, []int{3, 4}, zMu.Shape().Dimensions)
			require.Equal(t, []int{3, 4}, zVar.Shape().Dimensions)
			inputs = []*Node{x}
			outputs = []*Node{
				ReduceAllMax(Abs(zMu)),
				ReduceAllMax(Abs(zVar)),
			}
			return
		}, []any{0.0, 0.0}, 0)
}

// TestRealNVPFlowDecodeInvertsEncode: Decode applied to Encode's output
// reconstructs the raw input.
func TestRealNVPFlowDecodeInvertsEncode(t *testing.T) {
	cfg := testConfig(InputTypeBinary)
	cfg.DensityEvaluation = true
	ctxtest.RunTestGraphFn(t, "decode inverts encode",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			m := NewRealNVPFlow(ctx, cfg)
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 3, 4))
			modelCtx := ctx.In("model")
			zK, _, _, _, _ := m.Encode(modelCtx, x)
			xRecovered := m.Decode(modelCtx, g, zK, 1.0)
			// Prior sampling path: z == nil draws SampleSize examples.
			sampled := m.Decode(modelCtx, g, nil, 0.7)
			require.Equal(t, []int{cfg.SampleSize, 4}, sampled.Shape().Dimensions)
			inputs = []*Node{x}
			outputs = []*Node{ReduceAllMax(Abs(Sub(xRecovered, x)))}
			return
		}, []any{0.0}, 1e-6)
}

func TestBoostedVAEComponents(t *testing.T) {
	ctx := context.New()
	cfg := testConfig(InputTypeBinary)
	cfg.NumComponents = 3
	cfg.RhoInit = RhoInitUniform
	b := NewBoostedVAE(ctx, cfg)
	b.SetRand(rand.New(rand.NewSource(42)))

	require.Equal(t, 3, b.NumComponents())
	require.Equal(t, 0, b.Component())
	require.False(t, b.AllTrained())
	require.InDeltaSlice(t, []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}, b.Rho(), 1e-12)

	// Wrap-around: after the last component the model is all-trained.
	b.IncrementComponent()
	b.IncrementComponent()
	require.Equal(t, 2, b.Component())
	require.False(t, b.AllTrained())
	b.IncrementComponent()
	require.Equal(t, 0, b.Component())
	require.True(t, b.AllTrained())

	// SetRho clamps.
	b.SetRho(1, 2.5)
	require.Equal(t, 0.999, b.Rho()[1])
	b.SetRho(1, -1.0)
	require.Equal(t, 0.001, b.Rho()[1])
}

func TestBoostedVAERhoDecreasing(t *testing.T) {
	ctx := context.New()
	cfg := testConfig(InputTypeBinary)
	cfg.NumComponents = 6
	cfg.RhoInit = RhoInitDecreasing
	b := NewBoostedVAE(ctx, cfg)
	require.InDeltaSlice(t, []float64{0.5, 0.25, 0.125, 0.0625, 0.05, 0.05}, b.Rho(), 1e-12)
}

func TestBoostedVAESampleComponent(t *testing.T) {
	ctx := context.New()
	cfg := testConfig(InputTypeBinary)
	cfg.NumComponents = 3
	b := NewBoostedVAE(ctx, cfg)
	b.SetRand(rand.New(rand.NewSource(7)))
	b.IncrementComponent()
	b.IncrementComponent() // Training component 2, components 0 and 1 fixed.

	for range 100 {
		require.Equal(t, 2, b.SampleComponent(SampleNew))
		require.Less(t, b.SampleComponent(SampleFixed), 2)
		require.NotEqual(t, 2, b.SampleComponent(SampleAllButNew))
		require.Less(t, b.SampleComponent(SampleAll), 3)
	}
	require.Panics(t, func() { b.SampleComponent("2:c") })
}

// TestBoostedVAEFlowSample: the first component trains without a fixed pass;
// afterwards the fixed pass round-trips the sampled zK through the fixed
// component, so FixedZK equals ZK.
func TestBoostedVAEFlowSample(t *testing.T) {
	cfg := testConfig(InputTypeBinary)
	cfg.NumComponents = 2
	ctxtest.RunTestGraphFn(t, "boosted flow sample",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			b := NewBoostedVAE(ctx, cfg)
			b.SetRand(rand.New(rand.NewSource(11)))
			z0 := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 4, 4))

			first := b.FlowSample(ctx.In("model"), z0, SampleNew, SampleFixed)
			require.Equal(t, 0, first.SampleComponent)
			require.Equal(t, -1, first.FixedComponent)
			require.Nil(t, first.FixedZK)
			require.Nil(t, first.FixedLdj)

			b.IncrementComponent()
			second := b.FlowSample(ctx.In("model"), z0, SampleNew, SampleFixed)
			require.Equal(t, 1, second.SampleComponent)
			require.Equal(t, 0, second.FixedComponent)
			inputs = []*Node{z0}
			outputs = []*Node{ReduceAllMax(Abs(Sub(second.FixedZK, second.ZK)))}
			return
		}, []any{0.0}, 1e-6)
}

// TestBoostedVAEForward outside of training mode samples from the mixture
// and skips the fixed pass.
func TestBoostedVAEForward(t *testing.T) {
	cfg := testConfig(InputTypeBinary)
	cfg.NumComponents = 2
	ctxtest.RunTestGraphFn(t, "boosted forward",
		func(ctx *context.Context, g *Graph) (inputs, outputs []*Node) {
			b := NewBoostedVAE(ctx, cfg)
			b.SetRand(rand.New(rand.NewSource(3)))
			x := ctx.RandomNormal(g, shapes.Make(dtypes.Float64, 4, 4))
			out := b.Forward(ctx.In("model"), x, 0)
			require.Equal(t, []int{4, 4}, out.XRecon.Shape().Dimensions)
			require.Equal(t, []int{4}, out.Flow.Ldj.Shape().Dimensions)
			require.Nil(t, out.Flow.FixedZK)
			inputs = []*Node{x}
			outputs = []*Node{Const(g, 0.0)}
			return
		}, []any{0.0}, 0)
}
