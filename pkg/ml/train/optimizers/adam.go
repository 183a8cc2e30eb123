// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import (
	"math"

	"github.com/gomlx/trainstate/pkg/support/polymorphicjson"
)

// AdamDefaultLearningRate is used by Adam if no learning rate is set.
const AdamDefaultLearningRate = 0.001

// AdamConfig holds the configuration for Adam, create it using Adam().
//
// The 1st and 2nd order moments of the gradients are kept per parameter in the slots
// "exp_avg" and "exp_avg_sq".
type AdamConfig struct {
	LR    float64 `json:"lr"`
	Beta1 float64 `json:"beta1"`
	Beta2 float64 `json:"beta2"`
	Eps   float64 `json:"eps"`
	Decay float64 `json:"weight_decay"`
}

func init() {
	polymorphicjson.Register(func() Config { return &AdamConfig{} })
}

// Adam optimizer, as described in https://arxiv.org/abs/1412.6980, with the usual defaults.
func Adam() *AdamConfig {
	return &AdamConfig{
		LR:    AdamDefaultLearningRate,
		Beta1: 0.9,
		Beta2: 0.999,
		Eps:   1e-8,
	}
}

// LearningRate sets the base learning rate.
func (c *AdamConfig) LearningRate(lr float64) *AdamConfig {
	c.LR = lr
	return c
}

// Betas set the two moving averages constants (exponential decays). They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.Beta1, c.Beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.Eps = epsilon
	return c
}

// WeightDecay sets the L2 penalty added to the gradients.
func (c *AdamConfig) WeightDecay(decay float64) *AdamConfig {
	c.Decay = decay
	return c
}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (c *AdamConfig) JSONTags() (typeName, interfaceName string) {
	return "adam", ConfigInterfaceName
}

// BaseLearningRate implements Config.
func (c *AdamConfig) BaseLearningRate() float64 { return c.LR }

func (c *AdamConfig) clone() Config {
	c2 := *c
	return &c2
}

func (c *AdamConfig) update(lr float64, step int64, param, grad []float64, slots func(name string) []float64) {
	m1, m2 := slots("exp_avg"), slots("exp_avg_sq")
	debias1 := 1 - math.Pow(c.Beta1, float64(step))
	debias2 := 1 - math.Pow(c.Beta2, float64(step))
	for ii := range param {
		g := grad[ii] + c.Decay*param[ii]
		m1[ii] = c.Beta1*m1[ii] + (1-c.Beta1)*g
		m2[ii] = c.Beta2*m2[ii] + (1-c.Beta2)*g*g
		param[ii] -= lr * (m1[ii] / debias1) / (math.Sqrt(m2[ii]/debias2) + c.Eps)
	}
}
