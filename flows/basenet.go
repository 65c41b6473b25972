// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	"math/rand"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// BaseNetwork is the family of function blocks used to compute the translation
// and log-scale of the coupling transformations.
//
// The family only affects capacity/expressivity of the flow, never its
// mathematical contract. It is resolved to a concrete family once, at flow
// construction time: there is no type dispatch in the forward path.
type BaseNetwork int

const (
	// ReLUNet is a plain feed-forward stack of Dense+ReLU hidden layers with a
	// linear output layer.
	ReLUNet BaseNetwork = iota

	// TanhNet is a Dense+Tanh stack whose output is also tanh-bounded.
	TanhNet

	// ResidualNet is a ReLU stack with additive skip connections between the
	// equal-width hidden layers.
	ResidualNet

	// RandomNet resolves to TanhNet or ReLUNet, chosen once per flow
	// instantiation. Used for ensembling experiments.
	RandomNet
)

// String implements fmt.Stringer.
func (b BaseNetwork) String() string {
	switch b {
	case ReLUNet:
		return "relu"
	case TanhNet:
		return "tanh"
	case ResidualNet:
		return "residual"
	case RandomNet:
		return "random"
	}
	return "invalid"
}

// BaseNetworkFromName converts a base-network name ("relu", "tanh",
// "residual" or "random") to its BaseNetwork value. It panics on any other
// name.
func BaseNetworkFromName(name string) BaseNetwork {
	switch name {
	case "relu":
		return ReLUNet
	case "tanh":
		return TanhNet
	case "residual":
		return ResidualNet
	case "random":
		return RandomNet
	}
	Panicf("flows: unknown base network %q, valid values are \"relu\", \"tanh\", \"residual\" and \"random\"", name)
	return BaseNetwork(-1) // Never reached.
}

// resolve replaces RandomNet by a concrete family. Called once at flow
// construction time.
func (b BaseNetwork) resolve(rng *rand.Rand) BaseNetwork {
	if b != RandomNet {
		return b
	}
	if rng.Intn(2) == 0 {
		return TanhNet
	}
	return ReLUNet
}

// apply builds one function block in the given context scope, mapping
// `[batch_size, in]` to `[batch_size, outDim]` with numLayers hidden layers of
// hiddenSize nodes each.
func (b BaseNetwork) apply(ctx *context.Context, x *Node, hiddenSize, numLayers, outDim int) *Node {
	switch b {
	case ReLUNet:
		for ii := range numLayers {
			x = activations.Relu(layers.DenseWithBias(ctx.Inf("hidden_%d", ii), x, hiddenSize))
		}
		return layers.DenseWithBias(ctx.In("output"), x, outDim)

	case TanhNet:
		for ii := range numLayers {
			x = Tanh(layers.DenseWithBias(ctx.Inf("hidden_%d", ii), x, hiddenSize))
		}
		return Tanh(layers.DenseWithBias(ctx.In("output"), x, outDim))

	case ResidualNet:
		x = activations.Relu(layers.DenseWithBias(ctx.In("input"), x, hiddenSize))
		for ii := range numLayers {
			x = Add(x, activations.Relu(layers.DenseWithBias(ctx.Inf("hidden_%d", ii), x, hiddenSize)))
		}
		return layers.DenseWithBias(ctx.In("output"), x, outDim)
	}
	Panicf("flows: base network %q cannot be applied -- RandomNet must be resolved at construction time", b)
	return nil // Never reached.
}
