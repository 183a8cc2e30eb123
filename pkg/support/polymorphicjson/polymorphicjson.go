// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

/*
Package polymorphicjson serializes Go interface values held in structs using the standard encoding/json package.

It injects two discriminator fields ("json_type" and "interface_name") into the JSON object of the concrete
value, and uses them at unmarshal time to instantiate the registered concrete type.

Concrete types don't need to carry the discriminator fields themselves: they are added by MarshalPolymorphic
and ignored when decoding into the concrete type.

Usage:

	// Config is the interface for optimizer configurations.
	type Config interface {
		polymorphicjson.JSONIdentifiable
		Kind() string
	}

	type SGDConfig struct {
		Momentum float64 `json:"momentum"`
	}

	func (c *SGDConfig) JSONTags() (typeName, interfaceName string) { return "sgd", "optimizers.Config" }

	func init() {
		polymorphicjson.Register(func() Config { return &SGDConfig{} })
	}

	// In the struct being serialized:
	type State struct {
		Config polymorphicjson.Wrapper[Config] `json:"config"`
	}
*/
package polymorphicjson

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// JSONIdentifiable is the constraint interface. Any concrete type must implement
// this method to provide the unique tag for the concrete type and the name
// of the interface it satisfies.
type JSONIdentifiable interface {
	// JSONTags returns the unique name for the concrete type and the unique name for the interface.
	JSONTags() (typeName string, interfaceName string)
}

const (
	typeField      = "json_type"
	interfaceField = "interface_name"
)

var (
	// registry maps interface name -> concrete type name -> constructor.
	registry   = make(map[string]map[string]func() JSONIdentifiable)
	registryMu sync.RWMutex
)

// Register registers a concrete type by using its JSONTags() method to determine
// its concrete type name and the interface it belongs to.
// The constructor must return a pointer to a struct, so it can be decoded into.
func Register[T JSONIdentifiable](constructor func() T) {
	registryMu.Lock()
	defer registryMu.Unlock()
	typeName, interfaceName := constructor().JSONTags()
	if _, exists := registry[interfaceName]; !exists {
		registry[interfaceName] = make(map[string]func() JSONIdentifiable)
	}
	registry[interfaceName][typeName] = func() JSONIdentifiable { return constructor() }
}

// Registered returns whether a concrete type name is registered for the interface name.
func Registered(interfaceName, typeName string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, found := registry[interfaceName][typeName]
	return found
}

// typeTags is used in the first pass of unmarshaling, to find out the concrete type.
type typeTags struct {
	JSONType      string `json:"json_type"`
	InterfaceName string `json:"interface_name"`
}

// Wrapper holds an interface value, and implements json.Marshaler and json.Unmarshaler for it.
type Wrapper[I JSONIdentifiable] struct {
	Value I
}

// Wrap returns a Wrapper holding value.
func Wrap[I JSONIdentifiable](value I) Wrapper[I] {
	return Wrapper[I]{Value: value}
}

// MarshalJSON implements json.Marshaler.
func (p Wrapper[I]) MarshalJSON() ([]byte, error) {
	return MarshalPolymorphic(p.Value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (p *Wrapper[I]) UnmarshalJSON(b []byte) error {
	return UnmarshalPolymorphic(b, &p.Value)
}

// MarshalPolymorphic marshals value as a JSON object with the discriminator fields added.
// A nil value is marshaled as null.
func MarshalPolymorphic[I JSONIdentifiable](value I) ([]byte, error) {
	if any(value) == nil {
		return []byte("null"), nil
	}
	typeName, interfaceName := value.JSONTags()
	body, err := json.Marshal(value)
	if err != nil {
		return nil, errors.Wrapf(err, "polymorphic marshal of %T failed", value)
	}
	body = bytes.TrimSpace(body)
	if len(body) < 2 || body[0] != '{' {
		return nil, errors.Errorf("polymorphic marshal of %T: value must marshal to a JSON object, got %q", value, body)
	}
	tags, err := json.Marshal(typeTags{JSONType: typeName, InterfaceName: interfaceName})
	if err != nil {
		return nil, err
	}
	// Splice the tags object with the value's fields: {tags..., fields...}.
	var buf bytes.Buffer
	buf.Write(tags[:len(tags)-1])
	if rest := bytes.TrimSpace(body[1:]); len(rest) > 0 && rest[0] != '}' {
		buf.WriteByte(',')
	}
	buf.Write(body[1:])
	return buf.Bytes(), nil
}

// UnmarshalPolymorphic performs the two-pass unmarshaling required for polymorphic types:
// first it reads the discriminator fields, then it decodes into a new instance of the registered type.
func UnmarshalPolymorphic[I JSONIdentifiable](b []byte, target *I) error {
	if len(bytes.TrimSpace(b)) == 0 || string(bytes.TrimSpace(b)) == "null" {
		var nilI I
		*target = nilI
		return nil
	}
	var tags typeTags
	if err := json.Unmarshal(b, &tags); err != nil {
		return errors.Wrap(err, "polymorphic unmarshal failed to read type tags")
	}
	registryMu.RLock()
	constructor, found := registry[tags.InterfaceName][tags.JSONType]
	registryMu.RUnlock()
	if !found {
		return errors.Errorf("polymorphic unmarshal: unknown concrete type %q for interface %q",
			tags.JSONType, tags.InterfaceName)
	}
	instance := constructor()
	if err := json.Unmarshal(b, instance); err != nil {
		return errors.Wrapf(err, "polymorphic unmarshal failed to load data into concrete type %T", instance)
	}
	value, ok := instance.(I)
	if !ok {
		var nilI I
		return errors.Errorf("polymorphic unmarshal: type %T doesn't implement %T", instance, nilI)
	}
	*target = value
	return nil
}
