// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"math"
	"math/rand"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"

	"github.com/gomlx/flows/flows"
)

// Component sampling ranges accepted by BoostedVAE.SampleComponent and
// BoostedVAE.FlowSample. "c" is the component currently being trained (the
// "new" component), components before it are "fixed".
const (
	// SampleNew selects the component currently being trained.
	SampleNew = "c"

	// SampleAll samples one of the first c components (all of them once every
	// component has been trained), weighted by rho.
	SampleAll = "1:c"

	// SampleFixed samples one of the components before the current one,
	// weighted by rho.
	SampleFixed = "1:c-1"

	// SampleAllButNew samples any component except the current one, weighted
	// by rho.
	SampleAllButNew = "-c"
)

// BoostedVAE is a variational auto-encoder whose posterior flow is a mixture
// of RealNVP components trained by gradient boosting: one "new" component is
// trained at a time against the density of the already "fixed" ones, and the
// mixture weights rho are updated outside the gradient loop.
//
// Each component gets its own flow variables and its own coupling parity
// offset, so consecutive components do not start by transforming the same
// half of the latent vector.
type BoostedVAE struct {
	*VAE
	components []*flows.Flow
	rho        []float64

	component  int
	allTrained bool
	rng        *rand.Rand
}

// NewBoostedVAE creates a boosted model with Config.NumComponents flow
// components and rho initialized per Config.RhoInit.
func NewBoostedVAE(ctx *context.Context, cfg Config) *BoostedVAE {
	m := New(cfg)
	if cfg.NumComponents < 1 {
		Panicf("vae: BoostedVAE needs NumComponents >= 1, got %d", cfg.NumComponents)
	}
	b := &BoostedVAE{
		VAE:        m,
		components: make([]*flows.Flow, cfg.NumComponents),
		rho:        initRho(cfg.NumComponents, cfg.RhoInit),
		rng:        rand.New(rand.NewSource(rand.Int63())),
	}
	numFlows := context.GetParamOr(ctx, flows.ParamNumFlows, 2)
	for c := range b.components {
		// Offset the parity alternation per component: component c's step k
		// holds fixed the half selected by (c*K+k)%2.
		b.components[c] = flows.New(ctx, cfg.ZSize).
			NumFlows(numFlows).
			FlipInit(c * numFlows).
			Done()
	}
	return b
}

func initRho(numComponents int, rhoInit string) []float64 {
	rho := make([]float64, numComponents)
	switch rhoInit {
	case RhoInitDecreasing:
		for c := range rho {
			rho[c] = math.Max(1.0/math.Pow(2.0, float64(1+c)), 0.05)
		}
	case RhoInitUniform, "":
		for c := range rho {
			rho[c] = 1.0 / float64(numComponents)
		}
	default:
		Panicf("vae: invalid RhoInit %q, valid values are %q and %q",
			rhoInit, RhoInitUniform, RhoInitDecreasing)
	}
	return rho
}

// SetRand replaces the random number generator used for component selection.
// Useful for deterministic tests.
func (b *BoostedVAE) SetRand(rng *rand.Rand) { b.rng = rng }

// NumComponents returns the number of flow components.
func (b *BoostedVAE) NumComponents() int { return len(b.components) }

// Component returns the index of the component currently being trained.
func (b *BoostedVAE) Component() int { return b.component }

// AllTrained reports whether every component has completed at least one
// training round.
func (b *BoostedVAE) AllTrained() bool { return b.allTrained }

// Rho returns a copy of the mixture weights.
func (b *BoostedVAE) Rho() []float64 {
	rho := make([]float64, len(b.rho))
	copy(rho, b.rho)
	return rho
}

// SetRho sets the weight of one component, clamped to [0.001, 0.999]. The
// weight-update loop itself lives with the training orchestration, not here.
func (b *BoostedVAE) SetRho(component int, value float64) {
	b.rho[component] = math.Min(math.Max(value, 0.001), 0.999)
}

// IncrementComponent moves training to the next component. After the last
// component it wraps around to the first and marks the model all-trained, so
// later rounds fine-tune components against the rest of the full mixture.
func (b *BoostedVAE) IncrementComponent() {
	if b.component == len(b.components)-1 {
		b.component = 0
		b.allTrained = true
	} else {
		b.component++
	}
}

// SampleComponent draws a component index from the range named by
// sampleFrom (SampleNew, SampleAll, SampleFixed or SampleAllButNew), weighted
// by rho where the range has more than one member. Any other value panics.
func (b *BoostedVAE) SampleComponent(sampleFrom string) int {
	numComponents := len(b.components)
	switch sampleFrom {
	case SampleNew:
		return min(b.component, numComponents-1)

	case SampleAll, SampleFixed:
		n := b.component
		if sampleFrom == SampleAll {
			n = b.component + 1
			if b.allTrained {
				n = numComponents
			}
		}
		n = min(max(n, 1), numComponents)
		return b.sampleIndex(b.rho[:n])

	case SampleAllButNew:
		weights := b.Rho()
		weights[b.component] = 0
		return b.sampleIndex(weights)
	}
	Panicf("vae: components can only be sampled from %q, %q, %q or %q, got %q",
		SampleNew, SampleAll, SampleFixed, SampleAllButNew, sampleFrom)
	return -1 // Never reached.
}

// sampleIndex draws an index proportionally to the given (unnormalized)
// weights.
func (b *BoostedVAE) sampleIndex(weights []float64) int {
	var total float64
	for _, w := range weights {
		total += w
	}
	r := b.rng.Float64() * total
	for ii, w := range weights {
		r -= w
		if r < 0 {
			return ii
		}
	}
	return len(weights) - 1
}

// ComponentForward runs component's flow forward over z0.
func (b *BoostedVAE) ComponentForward(ctx *context.Context, z0 *Node, component int) (zK, ldj *Node) {
	return b.flowFor(component, false).Forward(b.componentCtx(ctx, component), z0)
}

// ComponentInverse runs component's flow backwards from zK.
func (b *BoostedVAE) ComponentInverse(ctx *context.Context, zK *Node, component int) (z0, ldj *Node) {
	return b.flowFor(component, false).Inverse(b.componentCtx(ctx, component), zK)
}

func (b *BoostedVAE) flowFor(component int, frozen bool) *flows.Flow {
	if component < 0 || component >= len(b.components) {
		Panicf("vae: component index %d out of range, model has %d components", component, len(b.components))
	}
	return b.components[component].Frozen(frozen)
}

func (b *BoostedVAE) componentCtx(ctx *context.Context, component int) *context.Context {
	return ctx.Inf("component_%d", component)
}

// FlowSampleOutputs bundles the two density passes of FlowSample.
type FlowSampleOutputs struct {
	// SampleComponent is the component the z sample was drawn from, ZK its
	// flow output and Ldj the matching log-det-Jacobian.
	SampleComponent int
	ZK              *Node
	Ldj             *Node

	// FixedComponent, FixedZ0, FixedZK and FixedLdj describe the same sample
	// under a fixed component's density: FixedZ0 is ZK pulled back to the
	// fixed component's base space, FixedZK its image forward again (equal to
	// ZK up to numerical error) and FixedLdj the fixed component's
	// log-det-Jacobian along that path. They are -1/nil when training the
	// first component or when densityFrom is empty.
	FixedComponent int
	FixedZ0        *Node
	FixedZK        *Node
	FixedLdj       *Node
}

// FlowSample pushes z0 through a component sampled from sampleFrom and, when
// fixed components exist and densityFrom is non-empty, additionally evaluates
// the resulting zK under a component sampled from densityFrom: inverse flow
// to that component's base space, then forward again collecting its ldj. The
// fixed pass runs with batch normalization frozen so it does not perturb the
// fixed components' statistics.
func (b *BoostedVAE) FlowSample(ctx *context.Context, z0 *Node, sampleFrom, densityFrom string) FlowSampleOutputs {
	sampled := b.SampleComponent(sampleFrom)
	zK, ldj := b.ComponentForward(ctx, z0, sampled)
	out := FlowSampleOutputs{SampleComponent: sampled, ZK: zK, Ldj: ldj, FixedComponent: -1}

	if (b.component == 0 && !b.allTrained) || densityFrom == "" {
		return out
	}

	fixed := b.SampleComponent(densityFrom)
	frozen := b.flowFor(fixed, true)
	fixedCtx := b.componentCtx(ctx, fixed)
	fixedZ0, _ := frozen.Inverse(fixedCtx, zK)
	fixedZK, fixedLdj := frozen.Forward(fixedCtx, fixedZ0)
	out.FixedComponent = fixed
	out.FixedZ0 = fixedZ0
	out.FixedZK = fixedZK
	out.FixedLdj = fixedLdj
	return out
}

// BoostedOutputs of one BoostedVAE forward pass.
type BoostedOutputs struct {
	// XRecon holds the reconstruction parameters of the sampled component's
	// zK, as returned by VAE.Decode.
	XRecon *Node

	// ZMu and ZVar parameterize the base posterior q(z_0|x), Z0 is its
	// reparameterized sample.
	ZMu, ZVar *Node
	Z0        *Node

	// Flow holds the two density passes.
	Flow FlowSampleOutputs
}

// Forward runs encode, reparameterize, the boosted flow passes and decode.
//
// While training (per the context) it samples from the new component and
// evaluates its sample under the fixed ones. With probability probAll it
// instead samples from the full mixture, which skips the fixed pass and
// collapses the objective to the standard ELBO; mixing this in keeps the
// decoder fit to every component, not only the newest one. Outside of
// training it always samples from the full mixture.
//
// The coin flip and the component choice happen at graph-build time and are
// baked into the built graph, so a cached Exec replays the same regime on
// every call. Rebuild the graph, or use separate Exec instances per regime,
// to resample per batch.
func (b *BoostedVAE) Forward(ctx *context.Context, x *Node, probAll float64) BoostedOutputs {
	zMu, zVar := b.Encode(ctx, x)
	z0 := b.Reparameterize(ctx, zMu, zVar)

	sampleFrom, densityFrom := SampleAll, ""
	if ctx.IsTraining(x.Graph()) && b.rng.Float64() >= probAll {
		sampleFrom = SampleNew
		densityFrom = SampleFixed
		if b.allTrained {
			densityFrom = SampleAllButNew
		}
	}

	flowOut := b.FlowSample(ctx, z0, sampleFrom, densityFrom)
	xRecon := b.Decode(ctx, flowOut.ZK)
	return BoostedOutputs{XRecon: xRecon, ZMu: zMu, ZVar: zVar, Z0: z0, Flow: flowOut}
}
