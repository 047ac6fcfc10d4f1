// Copyright 2018-2021 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

package query

import (
	"fmt"

	"github.com/pkg/errors"
)

// Parse builds a Query from a configuration literal: a bool, a bare
// template string, or a single-operator map as it comes out of a TOML
// or JSON config section. Unknown shapes are rejected here, at
// configuration time, so the evaluator never sees a malformed tree.
func Parse(v interface{}) (Query, error) {
	switch lit := normalize(v).(type) {
	case nil:
		return nil, errors.New("empty query")
	case bool:
		return Constant(lit), nil
	case string:
		return String(lit), nil
	case map[string]interface{}:
		if len(lit) != 1 {
			return nil, errors.Errorf("query must have exactly one operator, got %d: %v", len(lit), keys(lit))
		}
		for op, arg := range lit {
			return parseOp(op, arg)
		}
	}
	return nil, errors.Errorf("unrecognised query shape: %v (%T)", v, v)
}

func parseOp(op string, arg interface{}) (Query, error) {
	arg = normalize(arg)
	switch op {
	case "constant":
		b, ok := arg.(bool)
		if !ok {
			return nil, errors.Errorf("constant: want a boolean, got %T", arg)
		}
		return Constant(b), nil
	case "string":
		s, ok := arg.(string)
		if !ok {
			return nil, errors.Errorf("string: want a template string, got %T", arg)
		}
		return String(s), nil
	case "for":
		return parseFor(arg)
	case "exists":
		s, ok := arg.(string)
		if !ok {
			return nil, errors.Errorf("exists: want a dn pattern, got %T", arg)
		}
		return Exists{DN: s}, nil
	case "in_group":
		fields, err := parseFields(op, arg, "dn", "attribute")
		if err != nil {
			return nil, err
		}
		return InGroup{DN: fields["dn"], Attribute: fields["attribute"]}, nil
	case "in_group_nested":
		fields, err := parseFields(op, arg, "dn", "attribute", "scope")
		if err != nil {
			return nil, err
		}
		switch fields["scope"] {
		case "", ScopeSubtree, ScopeOneLevel:
		default:
			return nil, errors.Errorf("in_group_nested: unknown scope %q", fields["scope"])
		}
		return InGroupNested{DN: fields["dn"], Attribute: fields["attribute"], Scope: fields["scope"]}, nil
	case "not":
		child, err := Parse(arg)
		if err != nil {
			return nil, errors.Wrap(err, "not")
		}
		return Not{Q: child}, nil
	case "and":
		children, err := parseList(op, arg)
		return And(children), err
	case "or":
		children, err := parseList(op, arg)
		return Or(children), err
	case "equals":
		a, b, err := parsePair(op, arg)
		if err != nil {
			return nil, err
		}
		return Equals{A: a, B: b}, nil
	case "match":
		a, b, err := parsePair(op, arg)
		if err != nil {
			return nil, err
		}
		return Match{Source: a, Pattern: b}, nil
	case "attribute":
		m, ok := arg.(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("attribute: want {dn, name}, got %T", arg)
		}
		fields, err := stringFields(op, m, []string{"dn", "name"}, []string{"dn", "name"})
		if err != nil {
			return nil, err
		}
		return Attribute{DN: fields["dn"], Name: fields["name"]}, nil
	}
	return nil, errors.Errorf("unrecognised query operator %q", op)
}

func parseFor(arg interface{}) (Query, error) {
	items, ok := arg.([]interface{})
	if !ok {
		return nil, errors.Errorf("for: want a list of arms, got %T", arg)
	}
	f := make(For, 0, len(items))
	for i, it := range items {
		m, ok := normalize(it).(map[string]interface{})
		if !ok {
			return nil, errors.Errorf("for: arm %d: want {key, value, then}, got %T", i, it)
		}
		fields, err := stringFields("for arm", m, []string{"key", "value"}, []string{"key", "value", "then"})
		if err != nil {
			return nil, errors.Wrapf(err, "for: arm %d", i)
		}
		then, present := m["then"]
		if !present {
			return nil, errors.Errorf("for: arm %d: missing then", i)
		}
		sub, err := Parse(then)
		if err != nil {
			return nil, errors.Wrapf(err, "for: arm %d", i)
		}
		f = append(f, Arm{Key: fields["key"], Value: fields["value"], Then: sub})
	}
	return f, nil
}

// parseFields handles the operators that accept either a bare dn pattern
// or a {dn, ...} map with optional extras.
func parseFields(op string, arg interface{}, required string, optional ...string) (map[string]string, error) {
	if s, ok := arg.(string); ok {
		return map[string]string{required: s}, nil
	}
	m, ok := arg.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("%s: want a dn pattern or a map, got %T", op, arg)
	}
	return stringFields(op, m, []string{required}, append([]string{required}, optional...))
}

func parseList(op string, arg interface{}) ([]Query, error) {
	items, ok := arg.([]interface{})
	if !ok {
		return nil, errors.Errorf("%s: want a list of queries, got %T", op, arg)
	}
	children := make([]Query, 0, len(items))
	for i, it := range items {
		c, err := Parse(it)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: element %d", op, i)
		}
		children = append(children, c)
	}
	return children, nil
}

func parsePair(op string, arg interface{}) (Query, Query, error) {
	items, ok := arg.([]interface{})
	if !ok || len(items) != 2 {
		return nil, nil, errors.Errorf("%s: want a list of two operands, got %v", op, arg)
	}
	a, err := Parse(items[0])
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: first operand", op)
	}
	b, err := Parse(items[1])
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: second operand", op)
	}
	return a, b, nil
}

// stringFields extracts string values from m, insisting that required
// keys are present and that no key outside allowed appears.
func stringFields(op string, m map[string]interface{}, required, allowed []string) (map[string]string, error) {
	out := map[string]string{}
	for k, v := range m {
		if !contains(allowed, k) {
			return nil, errors.Errorf("%s: unknown field %q", op, k)
		}
		if k == "then" {
			continue // parsed recursively by the caller
		}
		s, ok := normalize(v).(string)
		if !ok {
			return nil, errors.Errorf("%s: field %q: want a string, got %T", op, k, v)
		}
		out[k] = s
	}
	for _, k := range required {
		if _, ok := out[k]; !ok {
			return nil, errors.Errorf("%s: missing field %q", op, k)
		}
	}
	return out, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// normalize flattens the map flavors different decoders produce into
// map[string]interface{}.
func normalize(v interface{}) interface{} {
	switch m := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(m))
		for k, val := range m {
			out[fmt.Sprint(k)] = val
		}
		return out
	}
	return v
}
