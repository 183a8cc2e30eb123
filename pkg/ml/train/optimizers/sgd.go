// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizers

import "github.com/gomlx/trainstate/pkg/support/polymorphicjson"

// SGDDefaultLearningRate is used by SGD if no learning rate is set.
const SGDDefaultLearningRate = 0.1

// SGDConfig configures stochastic gradient descent with optional momentum and L2 weight decay.
// Create it with SGD.
type SGDConfig struct {
	LR    float64 `json:"lr"`
	Mu    float64 `json:"momentum"`
	Decay float64 `json:"weight_decay"`
}

func init() {
	polymorphicjson.Register(func() Config { return &SGDConfig{} })
}

// SGD returns the configuration for stochastic gradient descent, with no momentum.
func SGD() *SGDConfig {
	return &SGDConfig{LR: SGDDefaultLearningRate}
}

// LearningRate sets the base learning rate.
func (c *SGDConfig) LearningRate(lr float64) *SGDConfig {
	c.LR = lr
	return c
}

// Momentum sets the momentum factor. 0 disables momentum.
func (c *SGDConfig) Momentum(mu float64) *SGDConfig {
	c.Mu = mu
	return c
}

// WeightDecay sets the L2 penalty added to the gradients.
func (c *SGDConfig) WeightDecay(decay float64) *SGDConfig {
	c.Decay = decay
	return c
}

// JSONTags implements polymorphicjson.JSONIdentifiable.
func (c *SGDConfig) JSONTags() (typeName, interfaceName string) {
	return "sgd", ConfigInterfaceName
}

// BaseLearningRate implements Config.
func (c *SGDConfig) BaseLearningRate() float64 { return c.LR }

func (c *SGDConfig) clone() Config {
	c2 := *c
	return &c2
}

func (c *SGDConfig) update(lr float64, _ int64, param, grad []float64, slots func(name string) []float64) {
	var buf []float64
	if c.Mu != 0 {
		buf = slots("momentum_buffer")
	}
	for ii := range param {
		d := grad[ii] + c.Decay*param[ii]
		if buf != nil {
			// Slots start at zero, so the first step sets the buffer to d.
			buf[ii] = c.Mu*buf[ii] + d
			d = buf[ii]
		}
		param[ii] -= lr * d
	}
}
