// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributions implements the base log-density functions used by the
// normalizing-flow models: the standard and diagonal Gaussian log-densities and
// the Bernoulli log-likelihood.
//
// They are all graph building functions: they take batched inputs shaped
// `[batch_size, num_features]`, reduce over the feature axis and return one
// log-density value per example, shaped `[batch_size]`.
//
// Probabilities and variances are never passed to Log directly: Bernoulli
// parameters are clamped away from 0 and 1, and variances go through SafeLog,
// so the densities stay finite on degenerate inputs.
package distributions

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"
)

// LogEpsilon is the additive floor applied by SafeLog before taking the
// logarithm.
const LogEpsilon = 1e-7

// log(2π), the per-dimension normalization constant of the Gaussian density.
const log2Pi = 1.8378770664093453

const (
	probEpsilon16 = 1e-4
	probEpsilon32 = 1e-7
	probEpsilon64 = 1e-8
)

// probEpsilonForDType returns the clamping margin used to keep Bernoulli
// parameters away from {0, 1}.
func probEpsilonForDType(dtype dtypes.DType) float64 {
	switch dtype {
	case dtypes.Float64:
		return probEpsilon64
	case dtypes.Float32:
		return probEpsilon32
	case dtypes.Float16:
		return probEpsilon16
	default:
		Panicf("distributions: no probability epsilon defined for dtype %s", dtype)
	}
	return 0 // Never reached.
}

// SafeLog returns Log(x+ε), with a small additive floor so that zero (or
// denormal) inputs yield a large negative number instead of -inf or NaN.
//
// Every variance in the package must be read through SafeLog before its
// logarithm is used.
func SafeLog(x *Node) *Node {
	return Log(AddScalar(x, LogEpsilon))
}

// LogNormalStandard returns the log-density of z under an isotropic standard
// normal, summed over the feature axis.
//
// z must be shaped `[batch_size, num_features]`; the result is shaped
// `[batch_size]`.
func LogNormalStandard(z *Node) *Node {
	assertBatchedVector("LogNormalStandard", z)
	logDensity := MulScalar(AddScalar(Square(z), log2Pi), -0.5)
	return ReduceSum(logDensity, -1)
}

// LogNormalDiag returns the log-density of z under a normal with diagonal
// covariance, given per-feature mean and log-variance, summed over the feature
// axis.
//
// All three arguments must have the same `[batch_size, num_features]` shape;
// the result is shaped `[batch_size]`.
func LogNormalDiag(z, mean, logVar *Node) *Node {
	assertBatchedVector("LogNormalDiag", z)
	if !z.Shape().Equal(mean.Shape()) || !z.Shape().Equal(logVar.Shape()) {
		Panicf("LogNormalDiag: z (%s), mean (%s) and logVar (%s) must all have the same shape",
			z.Shape(), mean.Shape(), logVar.Shape())
	}
	deviation := Sub(z, mean)
	logDensity := Add(
		AddScalar(logVar, log2Pi),
		Mul(Square(deviation), Exp(Neg(logVar))))
	return ReduceSum(MulScalar(logDensity, -0.5), -1)
}

// LogBernoulli returns the log-likelihood of binary targets under the given
// Bernoulli parameters, summed over the feature axis.
//
// probs is clamped away from {0, 1} before the logarithms are taken, so the
// result is always finite. target and probs must have the same
// `[batch_size, num_features]` shape; the result is shaped `[batch_size]`.
func LogBernoulli(target, probs *Node) *Node {
	assertBatchedVector("LogBernoulli", target)
	if !target.Shape().Equal(probs.Shape()) {
		Panicf("LogBernoulli: target (%s) and probs (%s) must have the same shape",
			target.Shape(), probs.Shape())
	}
	epsilon := probEpsilonForDType(probs.DType())
	probs = ClipScalar(probs, epsilon, 1.0-epsilon)
	logLikelihood := Add(
		Mul(target, Log(probs)),
		Mul(OneMinus(target), Log(OneMinus(probs))))
	return ReduceSum(logLikelihood, -1)
}

func assertBatchedVector(fnName string, x *Node) {
	if x.Rank() != 2 {
		Panicf("%s: input must be shaped [batch_size, num_features], got %s", fnName, x.Shape())
	}
}
