// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package elbo

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"

	"github.com/gomlx/flows/distributions"
	"github.com/gomlx/flows/vae"
)

// fixedLogLikelihoodFloor clamps the per-example log-likelihood under the
// fixed components, keeping the objective finite when a sample lands far in
// their tails.
const fixedLogLikelihoodFloor = -10.0

// CalculateBoostedLoss dispatches the boosted objective. Only binary inputs
// are supported; any other input type panics.
func CalculateBoostedLoss(cfg Config, xRecon, x, zMu, zVar, z0, zK, gLdj, fixedZ0, fixedLdj *Node,
	firstComponent bool, beta float64) (loss, recon, logGz, logPzk, entropy, logRatio *Node) {
	if cfg.InputType != vae.InputTypeBinary {
		Panicf("elbo: invalid input type %q for boosted loss, only %q is supported",
			cfg.InputType, vae.InputTypeBinary)
	}
	return BoostedBinaryNegELBO(xRecon, x, zMu, zVar, z0, zK, gLdj, fixedZ0, fixedLdj,
		cfg.RegularizationRate, firstComponent, beta)
}

// CalculateBoostedLossFromOutputs applies CalculateBoostedLoss directly to a
// BoostedVAE forward pass.
func CalculateBoostedLossFromOutputs(cfg Config, out vae.BoostedOutputs, x *Node,
	firstComponent bool, beta float64) (loss, recon, logGz, logPzk, entropy, logRatio *Node) {
	return CalculateBoostedLoss(cfg, out.XRecon, x, out.ZMu, out.ZVar, out.Z0,
		out.Flow.ZK, out.Flow.Ldj, out.Flow.FixedZ0, out.Flow.FixedLdj, firstComponent, beta)
}

// BoostedBinaryNegELBO computes the gradient-boosting objective for one
// training step of the current ("new") flow component g against the fixed
// components G:
//
//	loss = recon + log G(z) + beta*(entropy - log p(z_K))
//
// where entropy is the regularized log-likelihood of the sample under g, and
// log G(z) is the clamped log-likelihood of the same sample under a fixed
// component (z pulled back to the fixed component's base space as fixedZ0,
// with its ldj in fixedLdj).
//
// When training the first component, or when the fixed pass is absent
// (fixedZ0/fixedLdj nil, e.g. because the sample was drawn from the full
// mixture), the objective collapses to the standard ELBO: logGz and logRatio
// are zero and the entropy term is not regularized.
//
// logRatio is a stop-gradient diagnostic of fixed-vs-new likelihood, used to
// decide when the new component has converged. All returned values are
// divided by the batch size; logPzk is reported negated, as a positive
// "prior cost".
func BoostedBinaryNegELBO(xRecon, x, zMu, zVar, z0, zK, gLdj, fixedZ0, fixedLdj *Node,
	regularizationRate float64, firstComponent bool, beta float64) (loss, recon, logGz, logPzk, entropy, logRatio *Node) {
	batchSize := batchSizeOf(x)
	recon = Neg(ReduceAllSum(distributions.LogBernoulli(flatten(x), flatten(xRecon))))
	logPzk = ReduceAllSum(distributions.LogNormalStandard(zK))

	// Per-example log g(z|x): base density of the new component's sample
	// minus its flow ldj.
	logGBase := distributions.LogNormalDiag(z0, zMu, distributions.SafeLog(zVar))
	logGzPerExample := Sub(logGBase, gLdj)

	if firstComponent || fixedZ0 == nil || fixedLdj == nil {
		entropy = ReduceAllSum(logGzPerExample)
		logGz = ZerosLike(entropy)
		logRatio = ZerosLike(entropy)
	} else {
		logFixedBase := distributions.LogNormalDiag(fixedZ0, zMu, distributions.SafeLog(zVar))
		logGz = ReduceAllSum(MaxScalar(Sub(logFixedBase, fixedLdj), fixedLogLikelihoodFloor))
		logRatio = StopGradient(ReduceAllSum(Sub(logGz, logGzPerExample)))
		entropy = MulScalar(ReduceAllSum(logGzPerExample), regularizationRate)
	}

	loss = Add(recon, Add(logGz, MulScalar(Sub(entropy, logPzk), beta)))

	loss = DivScalar(loss, batchSize)
	recon = DivScalar(recon, batchSize)
	logGz = DivScalar(logGz, batchSize)
	logPzk = Neg(DivScalar(logPzk, batchSize))
	entropy = DivScalar(entropy, batchSize)
	logRatio = DivScalar(logRatio, batchSize)
	return
}
