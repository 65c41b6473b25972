// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vae implements variational auto-encoders whose approximate
// posterior is refined by a RealNVP normalizing flow, plus two siblings: a
// standalone RealNVP density model over raw inputs, and a gradient-boosted
// mixture of flow components.
//
// All models are graph builders: their methods take a *context.Context for
// variables and return graph nodes. Training, execution and serialization
// belong to the usual gomlx machinery (train.Trainer, context checkpoints).
package vae

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gopjrt/dtypes"
)

// Input types supported by the models and their objectives.
const (
	// InputTypeBinary models inputs in [0, 1] with a Bernoulli likelihood.
	InputTypeBinary = "binary"

	// InputTypeMultinomial models inputs as 256-level discrete values with a
	// categorical likelihood.
	InputTypeMultinomial = "multinomial"
)

// Rho mixture-weight initialization schemes for BoostedVAE.
const (
	// RhoInitUniform gives every component the weight 1/NumComponents.
	RhoInitUniform = "uniform"

	// RhoInitDecreasing gives each component half the weight of the previous
	// one, clamped below at 0.05.
	RhoInitDecreasing = "decreasing"
)

// Config collects the model hyperparameters shared by FlowVAE, RealNVPFlow
// and BoostedVAE. The flow itself (number of steps, function-block family,
// batch normalization) is configured through the flows package
// hyperparameters set in the context.
type Config struct {
	// ZSize is the latent dimension. Must be at least 2.
	ZSize int

	// InputType is InputTypeBinary or InputTypeMultinomial.
	InputType string

	// InputSize is the (channels, height, width) shape of one example.
	// Inputs may be fed flattened to [batch, channels*height*width] or with
	// their full shape.
	InputSize [3]int

	// HiddenSize and NumHiddenLayers configure the encoder and decoder MLPs.
	HiddenSize      int
	NumHiddenLayers int

	// SampleSize is the number of examples RealNVPFlow.Decode generates when
	// sampling from the prior.
	SampleSize int

	// NumComponents and RhoInit configure BoostedVAE only. RhoInit is
	// RhoInitUniform or RhoInitDecreasing.
	NumComponents int
	RhoInit       string

	// LearnTop, YClasses and YCondition are accepted for compatibility with
	// the class-conditioned, learned-prior variants, but are not used yet.
	LearnTop   bool
	YClasses   int
	YCondition bool

	// DensityEvaluation selects the standalone density-estimation regime: the
	// flow runs over the raw input, without encoder and decoder. Requires
	// ZSize == channels*height*width.
	DensityEvaluation bool

	// DType is the dtype of RealNVPFlow's prior buffer and prior samples.
	// It defaults to Float64.
	DType dtypes.DType
}

func (cfg *Config) dtype() dtypes.DType {
	if cfg.DType == dtypes.InvalidDType {
		return dtypes.Float64
	}
	return cfg.DType
}

// InputDim returns the flattened example size, channels*height*width.
func (cfg *Config) InputDim() int {
	return cfg.InputSize[0] * cfg.InputSize[1] * cfg.InputSize[2]
}

func (cfg *Config) validate() {
	if cfg.ZSize < 2 {
		Panicf("vae: ZSize must be at least 2 so the flow can partition it, got %d", cfg.ZSize)
	}
	if cfg.InputType != InputTypeBinary && cfg.InputType != InputTypeMultinomial {
		Panicf("vae: invalid InputType %q, valid values are %q and %q",
			cfg.InputType, InputTypeBinary, InputTypeMultinomial)
	}
	if cfg.InputDim() < 1 {
		Panicf("vae: InputSize %v must have a positive number of elements", cfg.InputSize)
	}
	if cfg.DensityEvaluation && cfg.ZSize != cfg.InputDim() {
		Panicf("vae: density evaluation runs the flow over the raw input, so ZSize (%d) must equal the input size (%d)",
			cfg.ZSize, cfg.InputDim())
	}
	if !cfg.DensityEvaluation && (cfg.HiddenSize < 1 || cfg.NumHiddenLayers < 0) {
		Panicf("vae: HiddenSize (%d) must be >= 1 and NumHiddenLayers (%d) must be >= 0",
			cfg.HiddenSize, cfg.NumHiddenLayers)
	}
}

// VAE holds the encoder and decoder networks shared by the flow models: an
// MLP encoder with a linear mean head and a softplus variance head, and an
// MLP decoder whose output layer depends on the input type.
type VAE struct {
	cfg      Config
	inputDim int
}

// New validates the configuration and returns the base VAE. Invalid
// configurations panic.
func New(cfg Config) *VAE {
	cfg.validate()
	return &VAE{cfg: cfg, inputDim: cfg.InputDim()}
}

// Config returns the model configuration.
func (m *VAE) Config() Config { return m.cfg }

// Encode maps a batch of inputs to the mean and variance of the base
// approximate posterior q(z_0|x). The variance is produced by a softplus head
// and is therefore strictly positive.
func (m *VAE) Encode(ctx *context.Context, x *Node) (zMu, zVar *Node) {
	x = m.flatten(x)
	ctx = ctx.In("encoder")
	h := x
	for ii := range m.cfg.NumHiddenLayers {
		h = activations.Relu(layers.DenseWithBias(ctx.Inf("hidden_%d", ii), h, m.cfg.HiddenSize))
	}
	zMu = layers.DenseWithBias(ctx.In("mean"), h, m.cfg.ZSize)
	zVar = Softplus(layers.DenseWithBias(ctx.In("variance"), h, m.cfg.ZSize))
	return
}

// Reparameterize draws z_0 = mu + sqrt(var)*eps with eps ~ N(0, I). This is
// the single stochastic node of the models: everything downstream of z_0 is
// deterministic given the sample.
func (m *VAE) Reparameterize(ctx *context.Context, zMu, zVar *Node) *Node {
	noise := ctx.RandomNormal(zMu.Graph(), zMu.Shape())
	return Add(zMu, Mul(Sqrt(zVar), noise))
}

// Decode maps latent vectors to the reconstruction parameters: per-pixel
// Bernoulli means shaped [batch, inputDim] for binary inputs, or flat
// 256-class logits shaped [batch, 256*inputDim] for multinomial inputs.
func (m *VAE) Decode(ctx *context.Context, z *Node) *Node {
	ctx = ctx.In("decoder")
	h := z
	for ii := range m.cfg.NumHiddenLayers {
		h = activations.Relu(layers.DenseWithBias(ctx.Inf("hidden_%d", ii), h, m.cfg.HiddenSize))
	}
	if m.cfg.InputType == InputTypeBinary {
		return Sigmoid(layers.DenseWithBias(ctx.In("mean"), h, m.inputDim))
	}
	return layers.DenseWithBias(ctx.In("logits"), h, 256*m.inputDim)
}

// flatten reshapes [batch, channels, height, width] inputs to
// [batch, inputDim], and checks the example size either way.
func (m *VAE) flatten(x *Node) *Node {
	if x.Rank() > 2 {
		x = Reshape(x, x.Shape().Dimensions[0], -1)
	}
	if x.Rank() != 2 || x.Shape().Dimensions[1] != m.inputDim {
		Panicf("vae: input must have %d elements per example (InputSize %v), got shape %s",
			m.inputDim, m.cfg.InputSize, x.Shape())
	}
	return x
}
