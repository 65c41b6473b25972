// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package flows implements RealNVP-style normalizing flows: sequences of
// invertible affine coupling transformations with tractable Jacobian
// determinants.
//
// A Flow chains K coupling steps. Each step partitions the latent vector in
// two halves, transforms one half with a translation and a log-scale computed
// from the other half by learned function blocks, and alternates (by step
// parity) which half conditions the transform. Both the forward and the
// inverse pass accumulate the total log-determinant of the Jacobian ("ldj"),
// one value per batch example; the ldj of an inverse pass applied to the
// output of the forward pass cancels it exactly.
//
// Configuration follows the usual builder + context-hyperparameter pattern:
//
//	flow := flows.New(ctx, zSize).
//		NumFlows(4).
//		BaseNetwork(flows.TanhNet).
//		Done()
//	zK, ldj := flow.Forward(ctx.In("flow"), z0)
package flows

import (
	"math/rand"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
)

const (
	// ParamNumFlows is the hyperparameter with the number of coupling steps K.
	// The default is 2 (int).
	ParamNumFlows = "flow_num_flows"

	// ParamBaseNetwork is the hyperparameter with the function-block family
	// used for the coupling translations and log-scales. Valid values are
	// "relu", "tanh", "residual" and "random". The default is "relu".
	ParamBaseNetwork = "flow_base_network"

	// ParamHiddenSize is the hyperparameter with the width of the function
	// blocks' hidden layers. The default is 64 (int).
	ParamHiddenSize = "flow_hidden_size"

	// ParamNumHiddenLayers is the hyperparameter with the number of hidden
	// layers per function block. The default is 1 (int).
	ParamNumHiddenLayers = "flow_num_hidden_layers"

	// ParamBatchNorm is the hyperparameter enabling the invertible
	// batch-normalization post-step after each coupling step. The default is
	// false (bool).
	ParamBatchNorm = "flow_batch_norm"
)

// Config is created with New and can be further configured with its methods,
// or by setting the corresponding hyperparameters in the context. Call Done
// to build the Flow.
type Config struct {
	dim                         int
	numFlows                    int
	flipInit                    int
	baseNetwork                 BaseNetwork
	hiddenSize, numHiddenLayers int
	useBatchNorm                bool
	rng                         *rand.Rand
}

// New creates the configuration of a Flow over latent vectors of the given
// dimension. The context is only used to read hyperparameter defaults; the
// flow variables are created under whatever scope is later passed to
// Flow.Forward and Flow.Inverse.
func New(ctx *context.Context, dim int) *Config {
	if dim < 2 {
		Panicf("flows: latent dimension must be at least 2 so it can be partitioned in two halves, got %d", dim)
	}
	return &Config{
		dim:             dim,
		numFlows:        context.GetParamOr(ctx, ParamNumFlows, 2),
		baseNetwork:     BaseNetworkFromName(context.GetParamOr(ctx, ParamBaseNetwork, "relu")),
		hiddenSize:      context.GetParamOr(ctx, ParamHiddenSize, 64),
		numHiddenLayers: context.GetParamOr(ctx, ParamNumHiddenLayers, 1),
		useBatchNorm:    context.GetParamOr(ctx, ParamBatchNorm, false),
	}
}

// NumFlows sets the number of coupling steps K. It defaults to the
// hyperparameter ParamNumFlows.
func (c *Config) NumFlows(numFlows int) *Config {
	if numFlows < 1 {
		Panicf("flows: number of flows must be at least 1, got %d", numFlows)
	}
	c.numFlows = numFlows
	return c
}

// BaseNetwork sets the function-block family. It defaults to the
// hyperparameter ParamBaseNetwork.
func (c *Config) BaseNetwork(baseNetwork BaseNetwork) *Config {
	c.baseNetwork = baseNetwork
	return c
}

// HiddenLayers sets the depth and width of the function blocks. It defaults
// to the hyperparameters ParamNumHiddenLayers and ParamHiddenSize.
func (c *Config) HiddenLayers(numLayers, hiddenSize int) *Config {
	if numLayers < 0 || hiddenSize < 1 {
		Panicf("flows: numLayers (%d) must be >= 0 and hiddenSize (%d) must be >= 1", numLayers, hiddenSize)
	}
	c.numHiddenLayers = numLayers
	c.hiddenSize = hiddenSize
	return c
}

// BatchNorm enables or disables the invertible batch-normalization post-step.
// It defaults to the hyperparameter ParamBatchNorm.
func (c *Config) BatchNorm(enabled bool) *Config {
	c.useBatchNorm = enabled
	return c
}

// FlipInit offsets the parity alternation of the coupling steps: step k holds
// fixed the half selected by (k+flipInit)%2. The default offset is 0.
func (c *Config) FlipInit(flipInit int) *Config {
	c.flipInit = flipInit
	return c
}

// Rand sets the random number generator used to resolve the RandomNet
// function-block family. It defaults to the global math/rand source.
func (c *Config) Rand(rng *rand.Rand) *Config {
	c.rng = rng
	return c
}

// Done resolves the configuration and returns the Flow. If the base network
// family is RandomNet, the concrete family is chosen here, once per flow
// instantiation.
func (c *Config) Done() *Flow {
	rng := c.rng
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &Flow{
		dim:             c.dim,
		numFlows:        c.numFlows,
		flipInit:        c.flipInit,
		baseNetwork:     c.baseNetwork.resolve(rng),
		hiddenSize:      c.hiddenSize,
		numHiddenLayers: c.numHiddenLayers,
		useBatchNorm:    c.useBatchNorm,
	}
}

// Flow is a sequence of invertible coupling steps over latent vectors of a
// fixed dimension. It owns no variables itself: they are created (or reused)
// in the context scope given to Forward and Inverse, one sub-scope per step.
//
// A Flow is cheap and safe to reuse across graph constructions, as long as it
// is always applied under the same context scope.
type Flow struct {
	dim                         int
	numFlows                    int
	flipInit                    int
	baseNetwork                 BaseNetwork
	hiddenSize, numHiddenLayers int
	useBatchNorm                bool
	frozen                      bool
}

// Dim returns the latent dimension D the flow operates on.
func (f *Flow) Dim() int { return f.dim }

// NumFlows returns the number of coupling steps K.
func (f *Flow) NumFlows() int { return f.numFlows }

// Frozen returns a copy of the flow that behaves as in inference even when
// the context is in training mode: batch normalization uses (and does not
// update) the moving averages. Used when evaluating densities under fixed
// model components.
func (f *Flow) Frozen(frozen bool) *Flow {
	copied := *f
	copied.frozen = frozen
	return &copied
}

// Forward applies the coupling steps 0..K-1 in order to z0 and returns the
// transformed zK together with the accumulated log-determinant of the
// Jacobian, shaped `[batch_size]`.
func (f *Flow) Forward(ctx *context.Context, z0 *Node) (zK, ldj *Node) {
	f.assertInput(z0)
	z := z0
	ldj = ReduceSum(ZerosLike(z0), -1)
	for k := range f.numFlows {
		stepCtx := ctx.Inf("flow_%d", k)
		z, ldj = f.forwardStep(stepCtx, z, ldj, k)
	}
	return z, ldj
}

// Inverse applies the inverse coupling steps K-1..0 in reverse order to zK
// and returns the reconstructed z0 together with the accumulated (negative)
// log-determinant of the Jacobian.
//
// On the output of a Forward pass over the same variables, the two ldj values
// sum to zero (up to numerical tolerance, and provided batch normalization is
// not collecting new batch statistics in between).
func (f *Flow) Inverse(ctx *context.Context, zK *Node) (z0, ldj *Node) {
	f.assertInput(zK)
	z := zK
	ldj = ReduceSum(ZerosLike(zK), -1)
	for k := f.numFlows - 1; k >= 0; k-- {
		stepCtx := ctx.Inf("flow_%d", k)
		z, ldj = f.inverseStep(stepCtx, z, ldj, k)
	}
	return z, ldj
}

// forwardStep runs coupling step k (plus the optional batch-normalization
// post-step), accumulating into ldj.
func (f *Flow) forwardStep(stepCtx *context.Context, z, ldj *Node, k int) (*Node, *Node) {
	flip := (k+f.flipInit)%2 == 1
	z, stepLdj := f.coupling(stepCtx.In("coupling"), z, flip)
	ldj = Add(ldj, stepLdj)
	if f.useBatchNorm {
		var bnLdj *Node
		z, bnLdj = batchNorm(stepCtx.In("batch_normalization"), z, f.frozen)
		ldj = Add(ldj, bnLdj)
	}
	return z, ldj
}

// inverseStep undoes step k: first the batch-normalization post-step, then
// the coupling transform.
func (f *Flow) inverseStep(stepCtx *context.Context, z, ldj *Node, k int) (*Node, *Node) {
	if f.useBatchNorm {
		var bnLdj *Node
		z, bnLdj = batchNormInverse(stepCtx.In("batch_normalization"), z)
		ldj = Add(ldj, bnLdj)
	}
	flip := (k+f.flipInit)%2 == 1
	z, stepLdj := f.couplingInverse(stepCtx.In("coupling"), z, flip)
	ldj = Add(ldj, stepLdj)
	return z, ldj
}

// split partitions z in its two coupling halves, sized D//2 and D-D//2.
// The parity flag swaps which half plays the conditioning role.
func (f *Flow) split(z *Node, flip bool) (lower, upper *Node) {
	lowerSize := f.dim / 2
	lower = Slice(z, AxisRange(), AxisRangeFromStart(lowerSize))
	upper = Slice(z, AxisRange(), AxisRangeToEnd(lowerSize))
	if flip {
		lower, upper = upper, lower
	}
	return
}

// join re-forms the full latent vector, undoing the parity swap of split so
// the halves land back on their original positions.
func (f *Flow) join(lower, upper *Node, flip bool) *Node {
	if flip {
		lower, upper = upper, lower
	}
	return Concatenate([]*Node{lower, upper}, -1)
}

// coupling applies one double affine coupling transformation: the upper half
// is transformed conditioned on the lower half, then the lower half
// conditioned on the (already transformed) upper half. Four function blocks
// per step: a translation and a log-scale for each direction.
func (f *Flow) coupling(ctx *context.Context, z *Node, flip bool) (zOut, ldj *Node) {
	lower, upper := f.split(z, flip)
	lowerDim := lower.Shape().Dimensions[1]
	upperDim := upper.Shape().Dimensions[1]

	translate0 := f.block(ctx.In("translate_0"), lower, upperDim)
	scale0 := f.block(ctx.In("scale_0"), lower, upperDim)
	upper = Add(translate0, Mul(upper, Exp(scale0)))

	translate1 := f.block(ctx.In("translate_1"), upper, lowerDim)
	scale1 := f.block(ctx.In("scale_1"), upper, lowerDim)
	lower = Add(translate1, Mul(lower, Exp(scale1)))

	zOut = f.join(lower, upper, flip)
	ldj = Add(ReduceSum(scale0, -1), ReduceSum(scale1, -1))
	return
}

// couplingInverse recovers the input of coupling, inverting the two affine
// transforms in reverse order, and returns the negated ldj.
func (f *Flow) couplingInverse(ctx *context.Context, z *Node, flip bool) (zOut, ldj *Node) {
	lower, upper := f.split(z, flip)
	lowerDim := lower.Shape().Dimensions[1]
	upperDim := upper.Shape().Dimensions[1]

	translate1 := f.block(ctx.In("translate_1"), upper, lowerDim)
	scale1 := f.block(ctx.In("scale_1"), upper, lowerDim)
	lower = Mul(Sub(lower, translate1), Exp(Neg(scale1)))

	translate0 := f.block(ctx.In("translate_0"), lower, upperDim)
	scale0 := f.block(ctx.In("scale_0"), lower, upperDim)
	upper = Mul(Sub(upper, translate0), Exp(Neg(scale0)))

	zOut = f.join(lower, upper, flip)
	ldj = Neg(Add(ReduceSum(scale0, -1), ReduceSum(scale1, -1)))
	return
}

func (f *Flow) block(ctx *context.Context, x *Node, outDim int) *Node {
	return f.baseNetwork.apply(ctx, x, f.hiddenSize, f.numHiddenLayers, outDim)
}

func (f *Flow) assertInput(z *Node) {
	if z.Rank() != 2 || z.Shape().Dimensions[1] != f.dim {
		Panicf("flows: input must be shaped [batch_size, %d], got %s", f.dim, z.Shape())
	}
}
