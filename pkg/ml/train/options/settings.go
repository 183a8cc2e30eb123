// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package options

import (
	"bytes"
	"os"
	"strings"

	"github.com/gomlx/trainstate/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ApplySettings overrides options from settings, typically the contents of a command-line flag.
// The settings are a list separated by ";": e.g.: "train.lr_gamma=0.5;train.lr_steps=[1000,2000]".
//
// Keys are paths of the options keys separated by ".", and values are parsed as YAML: so lists are
// given as "[1,2]" and "null" unsets an optional value. Unknown keys are an error.
//
// A setting "file:<path>" reads settings from a file, one or more per line. Empty lines and lines
// starting with "#" are ignored.
//
// It returns the keys set, in order. opts is only modified if all settings are valid.
func ApplySettings(opts *Options, settings string) (keysSet []string, err error) {
	tree, err := toTree(opts)
	if err != nil {
		return nil, err
	}
	keysSet, err = applySettings(tree, settings, nil)
	if err != nil {
		return nil, err
	}
	content, err := yaml.Marshal(tree)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode options")
	}
	updated := &Options{}
	decoder := yaml.NewDecoder(bytes.NewReader(content))
	decoder.KnownFields(true)
	if err = decoder.Decode(updated); err != nil {
		return nil, errors.Wrapf(err, "invalid settings %q", settings)
	}
	*opts = *updated
	return keysSet, nil
}

// toTree converts the options to a generic YAML tree.
func toTree(opts *Options) (map[string]any, error) {
	content, err := yaml.Marshal(opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode options")
	}
	tree := make(map[string]any)
	if err = yaml.Unmarshal(content, &tree); err != nil {
		return nil, errors.Wrap(err, "failed to decode options")
	}
	return tree, nil
}

func applySettings(tree map[string]any, settings string, keysSet []string) ([]string, error) {
	for _, setting := range strings.Split(settings, ";") {
		setting = strings.TrimSpace(setting)
		if setting == "" {
			continue
		}
		if filePath, found := strings.CutPrefix(setting, "file:"); found {
			filePath, err := fsutil.ReplaceTildeInDir(filePath)
			if err != nil {
				return nil, err
			}
			contents, err := os.ReadFile(filePath)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
			}
			for _, line := range strings.Split(string(contents), "\n") {
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "#") {
					continue
				}
				if keysSet, err = applySettings(tree, line, keysSet); err != nil {
					return nil, err
				}
			}
			continue
		}

		key, valueStr, found := strings.Cut(setting, "=")
		key = strings.TrimSpace(key)
		if !found || key == "" {
			return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
		}
		var value any
		if err := yaml.Unmarshal([]byte(valueStr), &value); err != nil {
			return nil, errors.Wrapf(err, "failed to parse value %q for key %q", valueStr, key)
		}
		if err := setPath(tree, strings.Split(key, "."), value); err != nil {
			return nil, errors.WithMessagef(err, "setting %q", setting)
		}
		keysSet = append(keysSet, key)
	}
	return keysSet, nil
}

// setPath sets value in the tree at the given path, creating intermediary sections as needed.
func setPath(tree map[string]any, path []string, value any) error {
	for _, section := range path[:len(path)-1] {
		if section == "" {
			return errors.New("empty key")
		}
		next, found := tree[section]
		if !found || next == nil {
			child := make(map[string]any)
			tree[section] = child
			tree = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("%q is not a section", section)
		}
		tree = child
	}
	tree[path[len(path)-1]] = value
	return nil
}
