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

// Package query implements the declarative access-query language: a small
// AST of boolean combinators, directory predicates, string templates and
// attribute lookups, plus the evaluator that interprets it against a live
// directory connection. Queries are built once from configuration literals
// and are immutable afterwards.
package query

import (
	"fmt"
	"strings"
)

// Query is the sealed sum type of access-query expressions. A query
// evaluates to a boolean, a string, a list of strings, or an Error
// marker; only boolean true grants access.
type Query interface {
	isQuery()
}

// Constant is a literal boolean result.
type Constant bool

// String is a template filled from the variable map.
type String string

// Arm is one clause of a For dispatch.
type Arm struct {
	Key   string
	Value string
	Then  Query
}

// For dispatches on the current binding of a variable: the first arm
// whose Value equals the binding of Key selects its subquery. A missing
// binding, or no matching arm, is an evaluation error.
type For []Arm

// Exists is true iff the filled DN resolves to at least one object.
type Exists struct {
	DN string
}

// InGroup is true iff the group at the filled DN lists the principal's
// DN under the membership attribute.
type InGroup struct {
	DN        string
	Attribute string // empty means "member"
}

// InGroupNested is true iff a chain of membership edges leads from the
// principal's DN to the filled group DN. Traversal is cycle-safe.
type InGroupNested struct {
	DN        string
	Attribute string // empty means "member"
	Scope     string // ScopeSubtree (default) or ScopeOneLevel
}

// Scope values accepted by InGroupNested.
const (
	ScopeSubtree  = "subtree"
	ScopeOneLevel = "one_level"
)

// Not inverts the truthiness of its child. A child that evaluated to an
// error counts as false, so Not of an error is true.
type Not struct {
	Q Query
}

// And is true iff every child is boolean true, evaluated left to right
// with short-circuit. Anything other than true from a child, including
// an error, makes the conjunction false.
type And []Query

// Or is true iff some child is boolean true, evaluated left to right
// with short-circuit.
type Or []Query

// Equals compares two string-valued subqueries, with list-membership
// semantics when an operand is multi-valued.
type Equals struct {
	A Query
	B Query
}

// Match runs a regular expression over a string-valued subquery. When
// both operands are multi-valued the match is retried with the operands
// swapped before giving up.
type Match struct {
	Source  Query
	Pattern Query
}

// Attribute looks up the named attribute on the object at the filled DN.
// No value is an error; one value is a scalar; several are a list in
// directory order.
type Attribute struct {
	DN   string
	Name string
}

func (Constant) isQuery()      {}
func (String) isQuery()        {}
func (For) isQuery()           {}
func (Exists) isQuery()        {}
func (InGroup) isQuery()       {}
func (InGroupNested) isQuery() {}
func (Not) isQuery()           {}
func (And) isQuery()           {}
func (Or) isQuery()            {}
func (Equals) isQuery()        {}
func (Match) isQuery()         {}
func (Attribute) isQuery()     {}

// Well-known variable names bound by the entry points. Topic context
// keys colliding with these are dropped before evaluation.
const (
	VarUsername   = "username"
	VarUserDN     = "user_dn"
	VarVHost      = "vhost"
	VarResource   = "resource"
	VarName       = "name"
	VarPermission = "permission"
)

// Reserved reports whether name is one of the fixed well-known
// variables.
func Reserved(name string) bool {
	switch name {
	case VarUsername, VarUserDN, VarVHost, VarResource, VarName, VarPermission:
		return true
	}
	return false
}

// Var is a single variable binding.
type Var struct {
	Name  string
	Value string
}

// Vars is an ordered variable map. Lookup returns the first binding of
// a name, so order is also precedence.
type Vars []Var

// Get returns the value bound to name.
func (vs Vars) Get(name string) (string, bool) {
	for _, v := range vs {
		if v.Name == name {
			return v.Value, true
		}
	}
	return "", false
}

// Set binds name to value, replacing an existing binding in place or
// appending a new one. The returned slice must be kept.
func (vs Vars) Set(name, value string) Vars {
	for i := range vs {
		if vs[i].Name == name {
			vs[i].Value = value
			return vs
		}
	}
	return append(vs, Var{Name: name, Value: value})
}

// ReadsUserDN reports whether evaluating q would consult the resolved
// principal DN, through a membership predicate or through the
// ${user_dn} template variable. Entry points use it to refuse such
// queries for principals whose DN was never resolved.
func ReadsUserDN(q Query) bool {
	switch v := q.(type) {
	case Constant:
		return false
	case String:
		return usesUserDNVar(string(v))
	case For:
		for _, a := range v {
			if ReadsUserDN(a.Then) {
				return true
			}
		}
	case Exists:
		return usesUserDNVar(v.DN)
	case InGroup, InGroupNested:
		return true
	case Not:
		return ReadsUserDN(v.Q)
	case And:
		for _, c := range v {
			if ReadsUserDN(c) {
				return true
			}
		}
	case Or:
		for _, c := range v {
			if ReadsUserDN(c) {
				return true
			}
		}
	case Equals:
		return ReadsUserDN(v.A) || ReadsUserDN(v.B)
	case Match:
		return ReadsUserDN(v.Source) || ReadsUserDN(v.Pattern)
	case Attribute:
		return usesUserDNVar(v.DN)
	}
	return false
}

func usesUserDNVar(pattern string) bool {
	return strings.Contains(pattern, "${"+VarUserDN+"}")
}

// Describe renders a query in a compact form for decision logs and
// error messages. Patterns are unfilled templates, so no principal data
// appears in the output.
func Describe(q Query) string {
	switch v := q.(type) {
	case Constant:
		return fmt.Sprintf("constant(%t)", bool(v))
	case String:
		return fmt.Sprintf("string(%q)", string(v))
	case For:
		arms := make([]string, 0, len(v))
		for _, a := range v {
			arms = append(arms, fmt.Sprintf("%s=%s: %s", a.Key, a.Value, Describe(a.Then)))
		}
		return "for(" + strings.Join(arms, "; ") + ")"
	case Exists:
		return fmt.Sprintf("exists(%q)", v.DN)
	case InGroup:
		return fmt.Sprintf("in_group(%q, %q)", v.DN, v.membershipAttribute())
	case InGroupNested:
		return fmt.Sprintf("in_group_nested(%q, %q, %s)", v.DN, v.membershipAttribute(), v.scope())
	case Not:
		return "not(" + Describe(v.Q) + ")"
	case And:
		return "and(" + describeList(v) + ")"
	case Or:
		return "or(" + describeList(v) + ")"
	case Equals:
		return "equals(" + Describe(v.A) + ", " + Describe(v.B) + ")"
	case Match:
		return "match(" + Describe(v.Source) + ", " + Describe(v.Pattern) + ")"
	case Attribute:
		return fmt.Sprintf("attribute(%q, %q)", v.DN, v.Name)
	}
	return fmt.Sprintf("unrecognised(%T)", q)
}

func describeList(qs []Query) string {
	parts := make([]string, 0, len(qs))
	for _, q := range qs {
		parts = append(parts, Describe(q))
	}
	return strings.Join(parts, ", ")
}

func (g InGroup) membershipAttribute() string {
	if g.Attribute == "" {
		return "member"
	}
	return g.Attribute
}

func (g InGroupNested) membershipAttribute() string {
	if g.Attribute == "" {
		return "member"
	}
	return g.Attribute
}

func (g InGroupNested) scope() string {
	if g.Scope == "" {
		return ScopeSubtree
	}
	return g.Scope
}
