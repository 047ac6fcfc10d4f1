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
	"regexp"
	"strconv"

	"github.com/bluele/gcache"
	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	"github.com/corvusmq/ldapauth/pkg/scrub"
)

// Searcher is the slice of a directory connection the evaluator needs.
// *ldap.Conn satisfies it; tests substitute a scripted directory.
type Searcher interface {
	Search(*ldap.SearchRequest) (*ldap.SearchResult, error)
}

// Value is the result of evaluating a query: bool, string, []string or
// an Error marker. Only the boolean true grants access.
type Value interface{}

// Error is the marker a subquery evaluates to when it cannot produce a
// value: a failed search, a missing attribute, an unbound variable.
// Boolean positions treat it as false, so a directory fault can never
// turn a deny into an allow. It is a Value, not a Go error, and stays
// inside the evaluator.
type Error struct {
	Kind   string
	Detail string
}

func (e Error) String() string {
	if e.Detail == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Detail
}

// Env carries what one evaluation needs: variable bindings, the live
// connection, group-search configuration and the request logger.
type Env struct {
	Vars      Vars
	Conn      Searcher
	GroupBase string // base DN for nested-group searches
	TimeLimit int    // per-search time limit in seconds, 0 = none
	Mode      scrub.Mode
	Log       *zerolog.Logger
}

var nop = zerolog.Nop()

func (env *Env) logger() *zerolog.Logger {
	if env.Log != nil {
		return env.Log
	}
	return &nop
}

// Truthy reports whether v is the boolean true.
func Truthy(v Value) bool {
	b, ok := v.(bool)
	return ok && b
}

// Eval interprets q against env.
func Eval(q Query, env *Env) Value {
	v := eval(q, env)
	if env.Mode.LogsDecisions() {
		env.logger().Debug().Str("query", Describe(q)).Str("result", formatValue(v)).Msg("query evaluated")
	}
	return v
}

func eval(q Query, env *Env) Value {
	switch v := q.(type) {
	case Constant:
		return bool(v)
	case String:
		return Fill(string(v), env.Vars)
	case For:
		return evalFor(v, env)
	case Exists:
		return evalExists(v, env)
	case InGroup:
		return evalInGroup(v, env)
	case InGroupNested:
		return evalNested(v, env)
	case Not:
		return !Truthy(eval(v.Q, env))
	case And:
		for _, c := range v {
			if !Truthy(eval(c, env)) {
				return false
			}
		}
		return true
	case Or:
		for _, c := range v {
			if Truthy(eval(c, env)) {
				return true
			}
		}
		return false
	case Equals:
		return evalEquals(v, env)
	case Match:
		return evalMatch(v, env)
	case Attribute:
		return evalAttribute(v, env)
	}
	return Error{Kind: "unrecognised_query", Detail: fmt.Sprintf("%T", q)}
}

func evalFor(f For, env *Env) Value {
	for _, arm := range f {
		bound, ok := env.Vars.Get(arm.Key)
		if !ok {
			return Error{Kind: "args_do_not_contain", Detail: arm.Key}
		}
		if bound == arm.Value {
			return eval(arm.Then, env)
		}
	}
	return Error{Kind: "args_do_not_contain", Detail: "no arm matched"}
}

const filterPresent = "(objectClass=*)"

func evalExists(x Exists, env *Env) Value {
	dn := Fill(x.DN, env.Vars)
	if env.Mode.LogsNetwork() {
		env.logger().Debug().Str("backend", "ldap").Str("dn", env.Mode.FormatDN(dn)).Msg("checking object exists")
	}
	entries, serr := env.search(dn, ldap.ScopeBaseObject, filterPresent, []string{"dn"})
	if serr != nil {
		return *serr
	}
	return len(entries) > 0
}

func evalInGroup(g InGroup, env *Env) Value {
	userDN, ok := env.Vars.Get(VarUserDN)
	if !ok || userDN == "" {
		return Error{Kind: "user_dn_unset", Detail: "in_group needs a resolved principal DN"}
	}
	dn := Fill(g.DN, env.Vars)
	attr := g.membershipAttribute()
	if env.Mode.LogsNetwork() {
		env.logger().Debug().Str("backend", "ldap").
			Str("group", env.Mode.FormatDN(dn)).
			Str("user_dn", env.Mode.FormatDN(userDN)).
			Str("attribute", attr).
			Msg("checking group membership")
	}
	filter := fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(userDN))
	entries, serr := env.search(dn, ldap.ScopeBaseObject, filter, []string{"dn"})
	if serr != nil {
		return *serr
	}
	return len(entries) > 0
}

func evalNested(g InGroupNested, env *Env) Value {
	userDN, ok := env.Vars.Get(VarUserDN)
	if !ok || userDN == "" {
		return Error{Kind: "user_dn_unset", Detail: "in_group_nested needs a resolved principal DN"}
	}
	if env.GroupBase == "" {
		return Error{Kind: "group_base_unset", Detail: "in_group_nested needs group_lookup_base or dn_lookup_base"}
	}
	scope := ldap.ScopeWholeSubtree
	if g.scope() == ScopeOneLevel {
		scope = ldap.ScopeSingleLevel
	}
	target := Fill(g.DN, env.Vars)
	return nestedMember(env, g.membershipAttribute(), scope, userDN, target, nil)
}

// nestedMember walks the parent-group chain upwards from current,
// depth-first, looking for target. path holds the DNs on the current
// root-to-node chain; revisiting one is a membership cycle, which is
// logged and contributes false. A failed search contributes an empty
// successor set.
func nestedMember(env *Env, attr string, scope int, current, target string, path []string) bool {
	for _, seen := range path {
		if seen == current {
			env.logger().Warn().
				Str("dn", env.Mode.FormatDN(current)).
				Str("group", env.Mode.FormatDN(target)).
				Msg("membership cycle while searching nested groups")
			return false
		}
	}
	if env.Mode.LogsNetwork() {
		env.logger().Debug().Str("backend", "ldap").
			Str("basedn", env.Mode.FormatDN(env.GroupBase)).
			Str("member", env.Mode.FormatDN(current)).
			Str("attribute", attr).
			Msg("searching containing groups")
	}
	filter := fmt.Sprintf("(%s=%s)", attr, ldap.EscapeFilter(current))
	entries, serr := env.search(env.GroupBase, scope, filter, []string{"dn"})
	if serr != nil {
		return false
	}
	path = append(path, current)
	for _, entry := range entries {
		if entry.DN == target {
			return true
		}
		if nestedMember(env, attr, scope, entry.DN, target, path) {
			return true
		}
	}
	return false
}

func evalEquals(e Equals, env *Env) Value {
	a := eval(e.A, env)
	b := eval(e.B, env)
	if isErr(a) || isErr(b) {
		return false
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	as, aok := asStrings(a)
	bs, bok := asStrings(b)
	if !aok || !bok {
		return false
	}
	for _, x := range as {
		for _, y := range bs {
			if x == y {
				return true
			}
		}
	}
	return false
}

func evalMatch(m Match, env *Env) Value {
	src := eval(m.Source, env)
	pat := eval(m.Pattern, env)
	if isErr(src) || isErr(pat) {
		return false
	}
	subjects, sok := asStrings(src)
	patterns, pok := asStrings(pat)
	if !sok || !pok {
		return false
	}
	if matchAny(env, subjects, patterns) {
		return true
	}
	// Either operand may be the multi-valued side; when both are, a
	// miss is retried with the operands swapped.
	if len(subjects) > 1 && len(patterns) > 1 {
		return matchAny(env, patterns, subjects)
	}
	return false
}

func matchAny(env *Env, subjects, patterns []string) bool {
	for _, p := range patterns {
		re, err := compileRegex(p)
		if err != nil {
			env.logger().Debug().Str("pattern", p).Err(err).Msg("invalid match pattern")
			continue
		}
		for _, s := range subjects {
			ok := re.MatchString(s)
			if env.Mode.LogsDecisions() {
				env.logger().Debug().Str("subject", s).Str("pattern", p).Bool("match", ok).Msg("regex match")
			}
			if ok {
				return true
			}
		}
	}
	return false
}

func evalAttribute(a Attribute, env *Env) Value {
	dn := Fill(a.DN, env.Vars)
	if env.Mode.LogsNetwork() {
		env.logger().Debug().Str("backend", "ldap").
			Str("dn", env.Mode.FormatDN(dn)).
			Str("attribute", a.Name).
			Msg("fetching attribute")
	}
	entries, serr := env.search(dn, ldap.ScopeBaseObject, filterPresent, []string{a.Name})
	if serr != nil {
		return *serr
	}
	if len(entries) == 0 {
		return Error{Kind: "not_found", Detail: "no object at " + env.Mode.FormatDN(dn)}
	}
	values := entries[0].GetEqualFoldAttributeValues(a.Name)
	switch len(values) {
	case 0:
		return Error{Kind: "not_found", Detail: "attribute " + a.Name}
	case 1:
		return values[0]
	}
	return values
}

// search performs one directory search. A missing base object counts as
// an empty result; any other failure becomes an Error marker, logged
// here with its protocol detail so the marker itself can stay opaque.
func (env *Env) search(base string, scope int, filter string, attrs []string) ([]*ldap.Entry, *Error) {
	req := ldap.NewSearchRequest(base, scope, ldap.NeverDerefAliases, 0, env.TimeLimit, false, filter, attrs, nil)
	res, err := env.Conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		env.logger().Debug().Err(err).Str("backend", "ldap").Msg("search failed during evaluation")
		return nil, &Error{Kind: "search_failed", Detail: err.Error()}
	}
	return res.Entries, nil
}

func isErr(v Value) bool {
	_, ok := v.(Error)
	return ok
}

func asStrings(v Value) ([]string, bool) {
	switch t := v.(type) {
	case string:
		return []string{t}, true
	case []string:
		return t, true
	}
	return nil, false
}

func formatValue(v Value) string {
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case string:
		return fmt.Sprintf("%q", t)
	case []string:
		return fmt.Sprintf("%q", t)
	case Error:
		return t.String()
	}
	return fmt.Sprint(v)
}

var regexCache = gcache.New(256).LRU().Build()

// compileRegex returns the compiled form of pattern, at most one
// compilation per distinct pattern process-wide.
func compileRegex(pattern string) (*regexp.Regexp, error) {
	if v, err := regexCache.Get(pattern); err == nil {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	_ = regexCache.Set(pattern, re)
	return re, nil
}
