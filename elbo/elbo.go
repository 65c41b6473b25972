// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package elbo implements the negative evidence-lower-bound objectives of
// the flow models: the standard flow ELBO for binary and multinomial inputs,
// per-example (un-summed) variants for importance-weighted evaluation, and the
// gradient-boosting objective that trains one flow component against the
// density of the already fixed ones.
//
// All losses sum over the batch and then divide by the batch size, so their
// scale matches a per-example bound regardless of batch size.
package elbo

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/flows/distributions"
	"github.com/gomlx/flows/vae"
)

// numClasses of the multinomial likelihood: inputs are modeled as 256-level
// discrete values.
const numClasses = 256

// Config selects and parameterizes the objective.
type Config struct {
	// InputType is vae.InputTypeBinary or vae.InputTypeMultinomial.
	InputType string

	// InputSize is the (channels, height, width) shape of one example, used
	// to reshape the multinomial logits.
	InputSize [3]int

	// RegularizationRate scales the entropy term of the boosted objective.
	RegularizationRate float64
}

// CalculateLoss picks the objective matching cfg.InputType and returns the
// scalar loss with its reconstruction and KL parts. Any other input type
// panics.
func CalculateLoss(cfg Config, xRecon, x, zMu, zVar, z0, zK, ldj *Node, beta float64) (loss, recon, kl *Node) {
	switch cfg.InputType {
	case vae.InputTypeBinary:
		return BinaryNegELBO(xRecon, x, zMu, zVar, z0, zK, ldj, beta)
	case vae.InputTypeMultinomial:
		return MultinomialNegELBO(cfg, xRecon, x, zMu, zVar, z0, zK, ldj, beta)
	}
	Panicf("elbo: invalid input type %q for loss", cfg.InputType)
	return nil, nil, nil // Never reached.
}

// CalculateLossArray is the per-example variant of CalculateLoss, returning
// the un-summed loss shaped [batch_size].
func CalculateLossArray(cfg Config, xRecon, x, zMu, zVar, z0, zK, ldj *Node, beta float64) *Node {
	switch cfg.InputType {
	case vae.InputTypeBinary:
		return BinaryLossArray(xRecon, x, zMu, zVar, z0, zK, ldj, beta)
	case vae.InputTypeMultinomial:
		return MultinomialLossArray(cfg, xRecon, x, zMu, zVar, z0, zK, ldj, beta)
	}
	Panicf("elbo: invalid input type %q for loss", cfg.InputType)
	return nil // Never reached.
}

// BinaryNegELBO computes the binary-input negative ELBO:
//
//	recon = BCE(xRecon, x), summed
//	kl    = Sum(log q(z_0) - log p(z_K)) - Sum(ldj)
//	loss  = recon + beta*kl
//
// everything summed over the batch and divided by the batch size.
func BinaryNegELBO(xRecon, x, zMu, zVar, z0, zK, ldj *Node, beta float64) (loss, recon, kl *Node) {
	batchSize := batchSizeOf(x)
	recon = Neg(ReduceAllSum(distributions.LogBernoulli(flatten(x), flatten(xRecon))))
	kl = klTerm(zMu, zVar, z0, zK, ldj)
	loss = Add(recon, MulScalar(kl, beta))

	loss = DivScalar(loss, batchSize)
	recon = DivScalar(recon, batchSize)
	kl = DivScalar(kl, batchSize)
	return
}

// MultinomialNegELBO computes the negative ELBO for 256-level discrete
// inputs: the reconstruction term is the categorical cross-entropy of the
// decoder logits against the class labels floor(x*255).
func MultinomialNegELBO(cfg Config, xLogits, x, zMu, zVar, z0, zK, ldj *Node, beta float64) (loss, recon, kl *Node) {
	batchSize := batchSizeOf(x)
	recon = ReduceAllSum(multinomialCrossEntropy(cfg, xLogits, x))
	kl = klTerm(zMu, zVar, z0, zK, ldj)
	loss = Add(recon, MulScalar(kl, beta))

	loss = DivScalar(loss, batchSize)
	recon = DivScalar(recon, batchSize)
	kl = DivScalar(kl, batchSize)
	return
}

// BinaryLossArray computes the binary negative ELBO per example, without any
// batch reduction. The result is shaped [batch_size].
func BinaryLossArray(xRecon, x, zMu, zVar, z0, zK, ldj *Node, beta float64) *Node {
	ldj = flattenLdj(ldj)
	bce := Neg(distributions.LogBernoulli(flatten(x), flatten(xRecon)))
	logs := Sub(
		distributions.LogNormalDiag(z0, zMu, distributions.SafeLog(zVar)),
		distributions.LogNormalStandard(zK),
	)
	return Add(bce, MulScalar(Sub(logs, ldj), beta))
}

// MultinomialLossArray computes the multinomial negative ELBO per example,
// without any batch reduction. The result is shaped [batch_size].
func MultinomialLossArray(cfg Config, xLogits, x, zMu, zVar, z0, zK, ldj *Node, beta float64) *Node {
	ldj = flattenLdj(ldj)
	ce := ReduceSum(multinomialCrossEntropy(cfg, xLogits, x), -1)
	logs := Sub(
		distributions.LogNormalDiag(flatten(z0), flatten(zMu), distributions.SafeLog(flatten(zVar))),
		distributions.LogNormalStandard(flatten(zK)),
	)
	return Add(ce, MulScalar(Sub(logs, ldj), beta))
}

// klTerm returns Sum(log q(z_0) - log p(z_K)) - Sum(ldj), a scalar.
func klTerm(zMu, zVar, z0, zK, ldj *Node) *Node {
	logQz0 := distributions.LogNormalDiag(z0, zMu, distributions.SafeLog(zVar))
	logPzk := distributions.LogNormalStandard(zK)
	return Sub(ReduceAllSum(Sub(logQz0, logPzk)), ReduceAllSum(ldj))
}

// multinomialCrossEntropy returns the per-feature cross-entropy, shaped
// [batch_size, features]: the flat logits are grouped in numClasses blocks of
// channels*height*width features each, and the labels are floor(x*255).
func multinomialCrossEntropy(cfg Config, xLogits, x *Node) *Node {
	features := cfg.InputSize[0] * cfg.InputSize[1] * cfg.InputSize[2]
	batchSize := x.Shape().Dimensions[0]
	x = flatten(x)
	if xLogits.Rank() != 2 || xLogits.Shape().Dimensions[1] != numClasses*features {
		Panicf("elbo: multinomial logits must be shaped [batch_size, %d] for InputSize %v, got %s",
			numClasses*features, cfg.InputSize, xLogits.Shape())
	}

	// [batch, classes, features] -> [batch, features, classes], classes last
	// for the log-softmax.
	logits := Reshape(xLogits, batchSize, numClasses, features)
	logits = Transpose(logits, 1, 2)
	logProbs := LogSoftmax(logits, -1)

	labels := ConvertDType(Floor(MulScalar(x, numClasses-1)), dtypes.Int32)
	labelsOneHot := OneHot(labels, numClasses, logProbs.DType())
	return Neg(ReduceSum(Mul(labelsOneHot, logProbs), -1))
}

func batchSizeOf(x *Node) float64 {
	return float64(x.Shape().Dimensions[0])
}

// flatten reshapes image-shaped tensors to [batch_size, features].
func flatten(x *Node) *Node {
	if x.Rank() > 2 {
		x = Reshape(x, x.Shape().Dimensions[0], -1)
	}
	return x
}

// flattenLdj reduces a multi-axis ldj to one value per example.
func flattenLdj(ldj *Node) *Node {
	if ldj.Rank() > 1 {
		ldj = ReduceSum(flatten(ldj), -1)
	}
	return ldj
}
