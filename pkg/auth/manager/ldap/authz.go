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

package ldap

import (
	"context"
	"sort"

	"github.com/corvusmq/ldapauth/pkg/appctx"
	"github.com/corvusmq/ldapauth/pkg/auth"
	"github.com/corvusmq/ldapauth/pkg/errtypes"
	"github.com/corvusmq/ldapauth/pkg/query"
	"github.com/corvusmq/ldapauth/pkg/session"
)

// CheckVhostAccess decides whether u may connect to vhost.
func (am *mgr) CheckVhostAccess(ctx context.Context, u *auth.User, vhost string) (bool, error) {
	vars := am.userVars(u).Set(query.VarVHost, vhost)
	return am.decide(ctx, "vhost", am.vhostQ, u, vars)
}

// CheckResourceAccess decides whether u may apply perm to r.
func (am *mgr) CheckResourceAccess(ctx context.Context, u *auth.User, r *auth.Resource, perm auth.Permission) (bool, error) {
	if r == nil {
		return false, errtypes.EvaluateError("no resource")
	}
	return am.decide(ctx, "resource", am.resourceQ, u, am.resourceVars(u, r, perm))
}

// CheckTopicAccess decides whether u may apply perm to the topic
// resource r. Topic context entries become query variables; an entry
// that would shadow a reserved variable is dropped.
func (am *mgr) CheckTopicAccess(ctx context.Context, u *auth.User, r *auth.Resource, perm auth.Permission, topic map[string]string) (bool, error) {
	if r == nil {
		return false, errtypes.EvaluateError("no resource")
	}
	vars := am.resourceVars(u, r, perm)
	keys := make([]string, 0, len(topic))
	for k := range topic {
		if query.Reserved(k) {
			appctx.GetLogger(ctx).Warn().Str("variable", k).Msg("ignoring topic context entry shadowing a reserved variable")
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars = vars.Set(k, topic[k])
	}
	return am.decide(ctx, "topic", am.topicQ, u, vars)
}

func (am *mgr) userVars(u *auth.User) query.Vars {
	if u == nil {
		return nil
	}
	return query.Vars{
		{Name: query.VarUsername, Value: u.Username},
		{Name: query.VarUserDN, Value: u.DN},
	}
}

func (am *mgr) resourceVars(u *auth.User, r *auth.Resource, perm auth.Permission) query.Vars {
	if u == nil {
		return nil
	}
	return append(am.userVars(u),
		query.Var{Name: query.VarVHost, Value: r.VHost},
		query.Var{Name: query.VarResource, Value: r.Kind},
		query.Var{Name: query.VarName, Value: r.Name},
		query.Var{Name: query.VarPermission, Value: string(perm)},
	)
}

// decide evaluates q for u with the given variables. A non-boolean
// result denies; an evaluation error denies and surfaces as an
// EvaluateError so the broker can tell policy from malfunction.
func (am *mgr) decide(ctx context.Context, check string, q query.Query, u *auth.User, vars query.Vars) (bool, error) {
	ctx = appctx.WithRequestID(ctx)
	log := appctx.GetLogger(ctx)
	if u == nil {
		return false, errtypes.Refused("no authenticated user")
	}
	if u.DN == "" && query.ReadsUserDN(q) {
		log.Warn().Str("username", u.Username).Str("check", check).Msg("query needs the user DN but none was resolved")
		decisionsTotal.WithLabelValues(check, outcomeError).Inc()
		return false, errtypes.EvaluateError("user DN not resolved")
	}
	allowed := false
	err := am.pool.Run(ctx, func(cache *session.Cache) error {
		return cache.WithSession(ctx, am.credentialFor(u), func(conn session.Conn) error {
			v := query.Eval(q, am.evalEnv(ctx, conn, vars))
			if e, ok := v.(query.Error); ok {
				log.Warn().Str("check", check).Str("reason", e.String()).Msg("access query errored")
				return errtypes.EvaluateError("access query failed")
			}
			allowed = query.Truthy(v)
			return nil
		})
	})
	if err != nil {
		decisionsTotal.WithLabelValues(check, outcomeError).Inc()
		return false, err
	}
	outcome := outcomeDenied
	if allowed {
		outcome = outcomeAllowed
	}
	decisionsTotal.WithLabelValues(check, outcome).Inc()
	if am.mode.LogsDecisions() {
		log.Debug().Str("check", check).
			Str("username", u.Username).
			Str("user_dn", am.mode.FormatDN(u.DisplayDN())).
			Bool("allowed", allowed).
			Msg("access decision")
	}
	return allowed, nil
}
