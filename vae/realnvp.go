// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"

	"github.com/gomlx/flows/flows"
)

// FlowVAE is a variational auto-encoder whose approximate posterior is
// refined by a RealNVP flow: the encoder's base sample z_0 is pushed through
// the flow before decoding.
type FlowVAE struct {
	*VAE
	flow *flows.Flow
}

// NewFlowVAE creates a FlowVAE. The flow geometry is read from the context
// hyperparameters of the flows package (flow_num_flows and friends).
func NewFlowVAE(ctx *context.Context, cfg Config) *FlowVAE {
	return &FlowVAE{
		VAE:  New(cfg),
		flow: flows.New(ctx, cfg.ZSize).Done(),
	}
}

// Flow returns the model's flow.
func (m *FlowVAE) Flow() *flows.Flow { return m.flow }

// Outputs of one FlowVAE forward pass, everything the objectives need.
type Outputs struct {
	// XRecon holds the reconstruction parameters, as returned by VAE.Decode.
	XRecon *Node

	// ZMu and ZVar parameterize the base posterior q(z_0|x).
	ZMu, ZVar *Node

	// Z0 is the reparameterized base sample, ZK its image under the flow.
	Z0, ZK *Node

	// Ldj is the accumulated log-determinant of the flow Jacobian, [batch].
	Ldj *Node
}

// Forward runs the strictly sequential pipeline: encode, reparameterize, flow
// forward, decode.
func (m *FlowVAE) Forward(ctx *context.Context, x *Node) Outputs {
	zMu, zVar := m.Encode(ctx, x)
	z0 := m.Reparameterize(ctx, zMu, zVar)
	zK, ldj := m.flow.Forward(ctx.In("flow"), z0)
	xRecon := m.Decode(ctx, zK)
	return Outputs{XRecon: xRecon, ZMu: zMu, ZVar: zVar, Z0: z0, ZK: zK, Ldj: ldj}
}

// RealNVPFlow is the standalone density model: the flow runs directly over
// the (flattened) raw input, there is no encoder or decoder, and the base
// density is a fixed standard prior read from a constant buffer.
type RealNVPFlow struct {
	cfg  Config
	flow *flows.Flow
}

// NewRealNVPFlow creates the standalone density model. Config.ZSize must
// equal the flattened input size; Config.DensityEvaluation is implied.
func NewRealNVPFlow(ctx *context.Context, cfg Config) *RealNVPFlow {
	cfg.DensityEvaluation = true
	cfg.validate()
	if cfg.SampleSize < 1 {
		Panicf("vae: RealNVPFlow needs SampleSize >= 1 to sample from the prior, got %d", cfg.SampleSize)
	}
	return &RealNVPFlow{
		cfg:  cfg,
		flow: flows.New(ctx, cfg.ZSize).Done(),
	}
}

// Config returns the model configuration.
func (m *RealNVPFlow) Config() Config { return m.cfg }

// Flow returns the model's flow.
func (m *RealNVPFlow) Flow() *flows.Flow { return m.flow }

// prior returns the mean and log-variance of the top prior, each [rows,
// ZSize]. They are read from a frozen zeros buffer, so the prior is standard.
//
// TODO: learn the prior from the data as in Glow; until then prior_h stays a
// zeros buffer and the split below is the swap-in point.
func (m *RealNVPFlow) prior(ctx *context.Context, g *Graph, rows int) (zMu, zLogVar *Node) {
	priorVar := ctx.WithInitializer(initializers.Zero).
		VariableWithShape("prior_h", shapes.Make(m.cfg.dtype(), 1, 2*m.cfg.ZSize)).
		SetTrainable(false)
	h := BroadcastToDims(priorVar.ValueGraph(g), rows, 2*m.cfg.ZSize)
	zMu = Slice(h, AxisRange(), AxisRangeFromStart(m.cfg.ZSize))
	zLogVar = Slice(h, AxisRange(), AxisRangeToEnd(m.cfg.ZSize))
	return
}

// Encode pushes a batch of raw inputs through the flow and returns the
// transformed zK with the flow's ldj, plus the prior parameters the density
// objective evaluates zK against. YLogits is always nil: class conditioning
// is not implemented.
func (m *RealNVPFlow) Encode(ctx *context.Context, x *Node) (zK, zMu, zVar, ldj, yLogits *Node) {
	if x.Rank() > 2 {
		x = Reshape(x, x.Shape().Dimensions[0], -1)
	}
	zK, ldj = m.flow.Forward(ctx.In("flow"), x)
	zMu, zVar = m.prior(ctx, x.Graph(), x.Shape().Dimensions[0])
	return zK, zMu, zVar, ldj, nil
}

// Decode maps latent points back to input space through the inverse flow.
// If z is nil it first draws SampleSize prior samples
// normal(mu, exp(logVar)*temperature) on the given graph. The whole path is
// inference only and carries no gradients.
func (m *RealNVPFlow) Decode(ctx *context.Context, g *Graph, z *Node, temperature float64) *Node {
	if z == nil {
		zMu, zLogVar := m.prior(ctx, g, m.cfg.SampleSize)
		noise := ctx.RandomNormal(g, shapes.Make(m.cfg.dtype(), m.cfg.SampleSize, m.cfg.ZSize))
		z = Add(zMu, Mul(MulScalar(Exp(zLogVar), temperature), noise))
	}
	x, _ := m.flow.Frozen(true).Inverse(ctx.In("flow"), z)
	return StopGradient(x)
}
