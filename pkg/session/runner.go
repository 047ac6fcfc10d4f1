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

package session

import (
	"context"

	"github.com/go-ldap/ldap/v3"

	"github.com/corvusmq/ldapauth/pkg/appctx"
	"github.com/corvusmq/ldapauth/pkg/errtypes"
)

const (
	stageConnect = "connect"
	stageBind    = "bind"
	stageCall    = "call"
)

// WithSession acquires a connection, binds it as cred and runs fn on
// it. Anonymous credentials skip the bind. A closed transport on the
// first attempt purges the cached connection and the whole attempt is
// repeated once on a fresh one; any further failure is final.
func (c *Cache) WithSession(ctx context.Context, cred Credential, fn func(Conn) error) error {
	if cred.Err != nil {
		return cred.Err
	}
	if cred.Anonymous && !c.opts.AnonAuth {
		return errtypes.BindError("anonymous binds are disabled, set anon_auth to allow them")
	}
	stage, err := c.withSessionOnce(ctx, cred, fn)
	if isClosedTransport(err) {
		appctx.GetLogger(ctx).Debug().Str("backend", "ldap").Msg("transport closed underneath us, retrying on a fresh connection")
		c.purgeKey(c.opts.cacheKey(cred.Anonymous))
		stage, err = c.withSessionOnce(ctx, cred, fn)
	}
	return c.classify(ctx, cred, stage, err)
}

func (c *Cache) withSessionOnce(ctx context.Context, cred Credential, fn func(Conn) error) (string, error) {
	conn, err := c.acquire(ctx, cred.Anonymous)
	if err != nil {
		return stageConnect, err
	}
	if !cred.Anonymous {
		if c.opts.Mode.LogsNetwork() {
			appctx.GetLogger(ctx).Debug().Str("backend", "ldap").
				Str("bind_dn", cred.describe(c.opts.Mode)).Msg("binding")
		}
		if err := conn.Bind(cred.DN, cred.Password); err != nil {
			return stageBind, err
		}
	}
	return stageCall, fn(conn)
}

// classify maps raw directory errors onto the kinds callers dispatch
// on. Errors that already carry a kind pass through untouched.
func (c *Cache) classify(ctx context.Context, cred Credential, stage string, err error) error {
	if err == nil || hasKind(err) {
		return err
	}
	log := appctx.GetLogger(ctx)
	switch stage {
	case stageBind:
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			if c.opts.Mode.LogsDecisions() {
				log.Debug().Str("bind_dn", cred.describe(c.opts.Mode)).Msg("bind refused: invalid credentials")
			}
			return errtypes.Refused(cred.DN)
		}
		log.Error().Err(err).Str("bind_dn", cred.describe(c.opts.Mode)).Msg("ldap bind failed")
		return errtypes.BindError("bind failed")
	case stageCall:
		log.Error().Err(err).Msg("ldap operation failed")
		return errtypes.EvaluateError("directory operation failed")
	}
	return err
}

// hasKind reports whether err is one of the errtypes kinds. They are
// returned unwrapped, so a type switch is enough.
func hasKind(err error) bool {
	switch err.(type) {
	case errtypes.Refused, errtypes.ConnectError, errtypes.BindError,
		errtypes.EvaluateError, errtypes.NoServersDefined:
		return true
	}
	return false
}

// isClosedTransport matches the result code go-ldap uses for
// operations on a connection whose transport is gone.
func isClosedTransport(err error) bool {
	return err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork)
}
