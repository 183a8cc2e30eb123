// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package polymorphicjson_test

import (
	"encoding/json"
	"testing"

	. "github.com/gomlx/trainstate/pkg/support/polymorphicjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shapeIface interface {
	JSONIdentifiable
	Area() float64
}

type square struct {
	Side float64 `json:"side"`
}

func (s *square) JSONTags() (string, string) { return "square", "shapeIface" }
func (s *square) Area() float64             { return s.Side * s.Side }

type empty struct{}

func (e *empty) JSONTags() (string, string) { return "empty", "shapeIface" }
func (e *empty) Area() float64             { return 0 }

func init() {
	Register(func() shapeIface { return &square{} })
	Register(func() shapeIface { return &empty{} })
}

type holder struct {
	Shape  Wrapper[shapeIface]   `json:"shape"`
	Shapes []Wrapper[shapeIface] `json:"shapes"`
}

func TestRoundTrip(t *testing.T) {
	original := holder{
		Shape:  Wrap[shapeIface](&square{Side: 3}),
		Shapes: []Wrapper[shapeIface]{Wrap[shapeIface](&empty{}), {}},
	}
	data, err := json.Marshal(original)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"shape": {"json_type": "square", "interface_name": "shapeIface", "side": 3},
		"shapes": [{"json_type": "empty", "interface_name": "shapeIface"}, null]
	}`, string(data))

	var loaded holder
	require.NoError(t, json.Unmarshal(data, &loaded))
	require.IsType(t, &square{}, loaded.Shape.Value)
	assert.Equal(t, 9.0, loaded.Shape.Value.Area())
	require.Len(t, loaded.Shapes, 2)
	assert.IsType(t, &empty{}, loaded.Shapes[0].Value)
	assert.Nil(t, loaded.Shapes[1].Value)
	assert.True(t, Registered("shapeIface", "square"))
}

func TestUnknownType(t *testing.T) {
	var loaded holder
	err := json.Unmarshal([]byte(`{"shape": {"json_type": "circle", "interface_name": "shapeIface"}}`), &loaded)
	require.Error(t, err)
}
