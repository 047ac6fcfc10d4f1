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

// Package ldap authenticates and authorizes broker users against an
// LDAP directory. Credentials are validated by binding as the user,
// permissions by evaluating configured queries against the directory.
package ldap

import (
	"context"
	"crypto/tls"
	"fmt"
	"sort"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"

	"github.com/corvusmq/ldapauth/pkg/appctx"
	"github.com/corvusmq/ldapauth/pkg/auth"
	"github.com/corvusmq/ldapauth/pkg/auth/manager/registry"
	"github.com/corvusmq/ldapauth/pkg/errtypes"
	"github.com/corvusmq/ldapauth/pkg/pool"
	"github.com/corvusmq/ldapauth/pkg/query"
	"github.com/corvusmq/ldapauth/pkg/scrub"
	"github.com/corvusmq/ldapauth/pkg/session"
)

func init() {
	registry.Register("ldap", New)
}

type mgr struct {
	c         *config
	mode      scrub.Mode
	tlsConf   *tls.Config
	dnBind    bindIdentity
	otherBind bindIdentity
	vhostQ    query.Query
	resourceQ query.Query
	topicQ    query.Query
	tags      []tagQuery
	pool      *pool.Pool
	dial      session.DialFunc
}

type tagQuery struct {
	tag string
	q   query.Query
}

// impl is the backend-private state carried on auth.User between the
// login and the authorization calls. The password stays here so
// as_user binds can be repeated; it is never logged.
type impl struct {
	password string
}

func userImpl(u *auth.User) *impl {
	if u == nil {
		return nil
	}
	i, _ := u.Impl.(*impl)
	return i
}

// New returns an auth manager that resolves users, credentials and
// permissions against an LDAP directory.
func New(m map[string]interface{}) (auth.Manager, error) {
	return newManager(m, nil)
}

func newManager(m map[string]interface{}, dial session.DialFunc) (*mgr, error) {
	c, err := parseConfig(m)
	if err != nil {
		return nil, err
	}
	if err := validate.Struct(c); err != nil {
		return nil, errors.Wrap(err, "invalid conf")
	}
	am := &mgr{c: c, dial: dial}
	if am.mode, err = c.logMode(); err != nil {
		return nil, err
	}
	if am.tlsConf, err = c.tlsConfig(); err != nil {
		return nil, err
	}
	if am.dnBind, err = parseBind(c.DNLookupBind, "dn_lookup_bind"); err != nil {
		return nil, err
	}
	if am.otherBind, err = parseBind(c.OtherBind, "other_bind"); err != nil {
		return nil, err
	}
	if am.vhostQ, err = parseQueryOption(c.VhostAccessQuery, "vhost_access_query"); err != nil {
		return nil, err
	}
	if am.resourceQ, err = parseQueryOption(c.ResourceAccessQuery, "resource_access_query"); err != nil {
		return nil, err
	}
	if am.topicQ, err = parseQueryOption(c.TopicAccessQuery, "topic_access_query"); err != nil {
		return nil, err
	}
	tags := make([]string, 0, len(c.TagQueries))
	for tag := range c.TagQueries {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		q, err := query.Parse(c.TagQueries[tag])
		if err != nil {
			return nil, errors.Wrap(err, "error parsing tag query "+tag)
		}
		am.tags = append(am.tags, tagQuery{tag: tag, q: q})
	}
	am.pool = pool.New(c.PoolSize, func() *session.Cache {
		return session.NewCache(am.sessionOptions())
	})
	return am, nil
}

func (am *mgr) sessionOptions() *session.Options {
	return &session.Options{
		Servers:     am.c.Servers,
		Port:        am.c.Port,
		UseSSL:      am.c.UseSSL,
		UseStartTLS: am.c.UseStartTLS,
		TLS:         am.tlsConf,
		Timeout:     time.Duration(am.c.Timeout) * time.Second,
		IdleTimeout: time.Duration(am.c.IdleTimeout) * time.Second,
		AnonAuth:    am.c.AnonAuth,
		Mode:        am.mode,
		Dial:        am.dial,
	}
}

func (b bindIdentity) credential() session.Credential {
	switch b.mode {
	case bindAnon:
		return session.Credential{Anonymous: true}
	case bindSimple:
		return session.Credential{DN: b.dn, Password: b.password}
	}
	return session.Credential{Err: errtypes.BindError("as_user bind requested but the flow has no password")}
}

// credentialFor selects the identity for directory work done on behalf
// of u, per the other_bind setting.
func (am *mgr) credentialFor(u *auth.User) session.Credential {
	if am.otherBind.mode == bindAsUser {
		if i := userImpl(u); i != nil && i.password != "" {
			return session.Credential{DN: u.DN, Password: i.password}
		}
		return session.Credential{Err: errtypes.BindError("as_user bind requested but the flow has no password")}
	}
	return am.otherBind.credential()
}

// Authenticate validates username and password against the directory
// and returns the user with its resolved DN and tags.
func (am *mgr) Authenticate(ctx context.Context, username, password string, props *auth.Props) (*auth.User, error) {
	ctx = appctx.WithRequestID(ctx)
	log := appctx.GetLogger(ctx)
	if am.mode.LogsDecisions() {
		log.Debug().Str("username", username).Msg("login attempt")
	}
	if password == "" {
		// an empty password must never reach the directory: many
		// servers answer it with a successful unauthenticated bind
		log.Warn().Str("username", username).Msg("refusing login with empty password")
		loginsTotal.WithLabelValues(outcomeRefused).Inc()
		return nil, errtypes.Refused("user '" + username + "' - empty password is not allowed")
	}
	u, err := am.login(ctx, username, password, true, vhostOf(props))
	loginsTotal.WithLabelValues(outcomeOf(err)).Inc()
	if err != nil {
		return nil, err
	}
	if am.mode.LogsDecisions() {
		log.Debug().Str("username", username).
			Str("user_dn", am.mode.FormatDN(u.DN)).
			Strs("tags", u.Tags).Msg("login accepted")
	}
	return u, nil
}

// Authorize establishes a user without a password, for flows where the
// broker already trusts the identity. The directory work runs under
// the other_bind identity, which therefore must not be as_user.
func (am *mgr) Authorize(ctx context.Context, username string, props *auth.Props) (*auth.User, error) {
	ctx = appctx.WithRequestID(ctx)
	u, err := am.login(ctx, username, "", false, vhostOf(props))
	loginsTotal.WithLabelValues(outcomeOf(err)).Inc()
	return u, err
}

func (am *mgr) login(ctx context.Context, username, password string, withPassword bool, vhost string) (*auth.User, error) {
	var user *auth.User
	err := am.pool.Run(ctx, func(cache *session.Cache) error {
		u, err := am.doLogin(ctx, cache, username, password, withPassword, vhost)
		if err != nil {
			return err
		}
		user = u
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (am *mgr) doLogin(ctx context.Context, cache *session.Cache, username, password string, withPassword bool, vhost string) (*auth.User, error) {
	mode := am.c.lookupMode(am.dnBind)
	patternDN := query.Fill(am.c.UserDNPattern, query.Vars{{Name: query.VarUsername, Value: username}})

	if !withPassword {
		u := &auth.User{Username: username, Tags: []string{}, Impl: &impl{}}
		err := cache.WithSession(ctx, am.credentialFor(nil), func(conn session.Conn) error {
			if mode == lookupNever {
				u.DN = patternDN
			} else {
				dn, err := am.searchDN(ctx, conn, username)
				if err != nil {
					return err
				}
				u.DN = dn
			}
			return am.sweepTags(ctx, cache, conn, u, vhost)
		})
		if err != nil {
			return nil, err
		}
		return u, nil
	}

	dn := patternDN
	if mode == lookupPrebind {
		resolved, err := am.prebindDN(ctx, cache, username)
		if err != nil {
			return nil, err
		}
		dn = resolved
	}
	u := &auth.User{Username: username, DN: dn, Tags: []string{}, Impl: &impl{password: password}}
	err := cache.WithSession(ctx, session.Credential{DN: dn, Password: password}, func(conn session.Conn) error {
		if mode == lookupPostbind {
			resolved, err := am.searchDN(ctx, conn, username)
			if err != nil {
				return err
			}
			u.DN = resolved
		}
		return am.sweepTags(ctx, cache, conn, u, vhost)
	})
	if err != nil {
		return nil, err
	}
	return u, nil
}

// prebindDN resolves the user's DN under the dn_lookup_bind identity,
// before the user's own bind.
func (am *mgr) prebindDN(ctx context.Context, cache *session.Cache, username string) (string, error) {
	var dn string
	err := cache.WithSession(ctx, am.dnBind.credential(), func(conn session.Conn) error {
		found, err := am.searchDN(ctx, conn, username)
		if err != nil {
			return err
		}
		dn = found
		return nil
	})
	return dn, err
}

// searchDN looks up the entry whose dn_lookup_attribute equals the
// username, under dn_lookup_base. Exactly one entry must match.
func (am *mgr) searchDN(ctx context.Context, conn session.Conn, username string) (string, error) {
	log := appctx.GetLogger(ctx)
	filter := fmt.Sprintf("(%s=%s)", am.c.DNLookupAttribute, ldap.EscapeFilter(username))
	if am.mode.LogsNetwork() {
		log.Debug().Str("backend", "ldap").
			Str("base_dn", am.mode.FormatDN(am.c.DNLookupBase)).
			Str("attribute", am.c.DNLookupAttribute).
			Msg("resolving user dn")
	}
	req := ldap.NewSearchRequest(am.c.DNLookupBase, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		0, am.c.Timeout, false, filter, []string{"distinguishedName"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			log.Warn().Str("username", username).Msg("dn lookup base does not exist")
			return "", errtypes.Refused("user '" + username + "' - DN lookup returned no entries")
		}
		return "", err
	}
	switch len(res.Entries) {
	case 1:
		return res.Entries[0].DN, nil
	case 0:
		log.Warn().Str("username", username).Msg("dn lookup returned no entries")
		return "", errtypes.Refused("user '" + username + "' - DN lookup returned no entries")
	}
	log.Warn().Str("username", username).Int("entries", len(res.Entries)).Msg("dn lookup returned more than one entry")
	return "", errtypes.Refused("user '" + username + "' - DN lookup returned multiple entries")
}

// sweepTags evaluates every configured tag query and appends the tags
// that hold to u. The queries run under the other_bind identity;
// as_user reuses the session the login already bound.
func (am *mgr) sweepTags(ctx context.Context, cache *session.Cache, userConn session.Conn, u *auth.User, vhost string) error {
	if len(am.tags) == 0 {
		return nil
	}
	vars := query.Vars{
		{Name: query.VarUsername, Value: u.Username},
		{Name: query.VarUserDN, Value: u.DN},
	}
	if vhost != "" {
		vars = vars.Set(query.VarVHost, vhost)
	}
	sweep := func(conn session.Conn) error {
		log := appctx.GetLogger(ctx)
		for _, tq := range am.tags {
			v := query.Eval(tq.q, am.evalEnv(ctx, conn, vars))
			if e, ok := v.(query.Error); ok {
				log.Warn().Str("tag", tq.tag).Str("reason", e.String()).Msg("tag query errored, failing the login")
				return errtypes.EvaluateError("tag query " + tq.tag + " failed")
			}
			if query.Truthy(v) {
				u.Tags = append(u.Tags, tq.tag)
			}
			if am.mode.LogsDecisions() {
				log.Debug().Str("tag", tq.tag).Bool("granted", query.Truthy(v)).Msg("tag query evaluated")
			}
		}
		return nil
	}
	if am.otherBind.mode == bindAsUser && userConn != nil {
		return sweep(userConn)
	}
	return cache.WithSession(ctx, am.credentialFor(u), sweep)
}

func (am *mgr) evalEnv(ctx context.Context, conn query.Searcher, vars query.Vars) *query.Env {
	return &query.Env{
		Vars:      vars,
		Conn:      conn,
		GroupBase: am.c.GroupLookupBase,
		TimeLimit: am.c.Timeout,
		Mode:      am.mode,
		Log:       appctx.GetLogger(ctx),
	}
}

// Ping dials the configured servers once without binding, verifying
// reachability and the TLS setup.
func (am *mgr) Ping(ctx context.Context) error {
	return am.pool.Run(ctx, func(cache *session.Cache) error {
		return cache.Check(ctx)
	})
}

// Close releases the worker pool and every pooled connection.
func (am *mgr) Close() error {
	return am.pool.Close()
}

func vhostOf(p *auth.Props) string {
	if p == nil {
		return ""
	}
	return p.VHost
}
