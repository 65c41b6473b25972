// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package flows

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
)

const (
	batchNormMomentum = 0.9
	batchNormEpsilon  = 1e-5
)

// batchNormVariables creates (or reuses) the variables of one invertible
// batch-normalization step: a trainable log-scale and offset, and the
// non-trainable moving averages of mean and variance used for inference and
// for the inverse transform.
func batchNormVariables(ctx *context.Context, varShape shapes.Shape) (logScale, offset, movingMean, movingVariance *context.Variable) {
	logScale = ctx.WithInitializer(initializers.Zero).VariableWithShape("log_scale", varShape).SetTrainable(true)
	offset = ctx.WithInitializer(initializers.Zero).VariableWithShape("offset", varShape).SetTrainable(true)
	movingMean = ctx.WithInitializer(initializers.Zero).VariableWithShape("mean", varShape).SetTrainable(false)
	movingVariance = ctx.WithInitializer(initializers.One).VariableWithShape("variance", varShape).SetTrainable(false)
	return
}

// batchNorm applies the invertible batch-normalization post-step
//
//	y = exp(logScale)·(x-mean)/sqrt(variance+ε) + offset
//
// and returns the normalized value together with this step's contribution to
// the log-determinant of the Jacobian, Σ(logScale - ½·log(variance+ε)).
//
// During training it normalizes with the batch statistics and updates the
// moving averages; during inference, or when frozen, it uses the moving
// averages unchanged.
func batchNorm(ctx *context.Context, x *Node, frozen bool) (normalized, ldj *Node) {
	g := x.Graph()
	varShape := shapes.Make(x.DType(), x.Shape().Dimensions[1])
	logScaleVar, offsetVar, movingMeanVar, movingVarianceVar := batchNormVariables(ctx, varShape)
	logScale := logScaleVar.ValueGraph(g)
	offset := offsetVar.ValueGraph(g)

	var mean, variance *Node
	if !frozen && ctx.IsTraining(g) {
		mean = ReduceMean(x, 0)
		variance = ReduceMean(Square(Sub(x, InsertAxes(mean, 0))), 0)
		updateMovingAverage(movingMeanVar, StopGradient(mean))
		updateMovingAverage(movingVarianceVar, StopGradient(variance))
	} else {
		mean = movingMeanVar.ValueGraph(g)
		variance = movingVarianceVar.ValueGraph(g)
	}

	normalized = Div(
		Sub(x, InsertAxes(mean, 0)),
		Sqrt(AddScalar(InsertAxes(variance, 0), batchNormEpsilon)))
	normalized = Add(Mul(normalized, Exp(InsertAxes(logScale, 0))), InsertAxes(offset, 0))
	ldj = ReduceAllSum(Sub(
		logScale,
		MulScalar(Log(AddScalar(variance, batchNormEpsilon)), 0.5)))
	return
}

// batchNormInverse undoes batchNorm using the moving averages (the batch
// statistics of the forward pass are no longer available on the inverse path)
// and returns the negated ldj contribution.
func batchNormInverse(ctx *context.Context, y *Node) (x, ldj *Node) {
	g := y.Graph()
	varShape := shapes.Make(y.DType(), y.Shape().Dimensions[1])
	logScaleVar, offsetVar, movingMeanVar, movingVarianceVar := batchNormVariables(ctx, varShape)
	logScale := logScaleVar.ValueGraph(g)
	offset := offsetVar.ValueGraph(g)
	mean := movingMeanVar.ValueGraph(g)
	variance := movingVarianceVar.ValueGraph(g)

	x = Mul(
		Sub(y, InsertAxes(offset, 0)),
		Exp(Neg(InsertAxes(logScale, 0))))
	x = Add(
		Mul(x, Sqrt(AddScalar(InsertAxes(variance, 0), batchNormEpsilon))),
		InsertAxes(mean, 0))
	ldj = Neg(ReduceAllSum(Sub(
		logScale,
		MulScalar(Log(AddScalar(variance, batchNormEpsilon)), 0.5))))
	return
}

// updateMovingAverage folds the batch statistic into the stored moving
// average with the usual momentum rule.
func updateMovingAverage(movingVar *context.Variable, batchValue *Node) {
	g := batchValue.Graph()
	current := movingVar.ValueGraph(g)
	updated := Add(
		MulScalar(current, batchNormMomentum),
		MulScalar(batchValue, 1.0-batchNormMomentum))
	movingVar.SetValueGraph(updated)
}
