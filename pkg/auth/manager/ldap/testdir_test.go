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
	"crypto/tls"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/corvusmq/ldapauth/pkg/session"
)

// fakeDirectory is an in-memory stand-in for a directory server,
// shared by the connections it hands out. Entries bind with the
// password registered for their DN; searches understand the equality
// and presence filters the backend generates.
type fakeDirectory struct {
	mu        sync.Mutex
	entries   []*ldap.Entry
	passwords map[string]string
	dials     int
	binds     [][2]string
	conns     []*dirConn
	searchErr error // injected, returned by the next search only
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{passwords: map[string]string{}}
}

func (d *fakeDirectory) add(dn string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, ldap.NewEntry(dn, attrs))
}

func (d *fakeDirectory) addUser(dn, password string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries = append(d.entries, ldap.NewEntry(dn, attrs))
	d.passwords[dn] = password
}

// replace swaps the attributes of an existing entry, keeping its
// registered password.
func (d *fakeDirectory) replace(dn string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.entries {
		if e.DN == dn {
			d.entries[i] = ldap.NewEntry(dn, attrs)
			return
		}
	}
	panic("replace: no entry " + dn)
}

// dial is wired into the manager as its session.DialFunc.
func (d *fakeDirectory) dial(url string, opts ...ldap.DialOpt) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	c := &dirConn{dir: d}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDirectory) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDirectory) boundAs() [][2]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][2]string, len(d.binds))
	copy(out, d.binds)
	return out
}

func (d *fakeDirectory) failNextSearch(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.searchErr = err
}

// loseConnections simulates the peer closing every open connection.
func (d *fakeDirectory) loseConnections() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.conns {
		c.markLost()
	}
}

type dirConn struct {
	dir  *fakeDirectory
	mu   sync.Mutex
	lost bool
}

func (c *dirConn) markLost() {
	c.mu.Lock()
	c.lost = true
	c.mu.Unlock()
}

func (c *dirConn) isLost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

func (c *dirConn) Bind(username, password string) error {
	if c.isLost() {
		return ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))
	}
	c.dir.mu.Lock()
	c.dir.binds = append(c.dir.binds, [2]string{username, password})
	want, known := c.dir.passwords[username]
	c.dir.mu.Unlock()
	if !known || want != password {
		return ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("invalid credentials"))
	}
	return nil
}

func (c *dirConn) Search(req *ldap.SearchRequest) (*ldap.SearchResult, error) {
	if c.isLost() {
		return nil, ldap.NewError(ldap.ErrorNetwork, errors.New("connection closed"))
	}
	c.dir.mu.Lock()
	defer c.dir.mu.Unlock()
	if err := c.dir.searchErr; err != nil {
		c.dir.searchErr = nil
		return nil, err
	}
	baseExists := false
	for _, e := range c.dir.entries {
		if e.DN == req.BaseDN {
			baseExists = true
			break
		}
	}
	if !baseExists {
		return nil, ldap.NewError(ldap.LDAPResultNoSuchObject, errors.New("no such object"))
	}
	attr, value, present := splitFilter(req.Filter)
	var out []*ldap.Entry
	for _, e := range c.dir.entries {
		if !inScope(e.DN, req.BaseDN, req.Scope) {
			continue
		}
		if present || hasValue(e, attr, value) {
			out = append(out, e)
		}
	}
	return &ldap.SearchResult{Entries: out}, nil
}

func (c *dirConn) StartTLS(*tls.Config) error { return nil }

func (c *dirConn) SetTimeout(time.Duration) {}

func (c *dirConn) IsClosing() bool { return c.isLost() }

func (c *dirConn) Close() error {
	c.markLost()
	return nil
}

func splitFilter(f string) (attr, value string, present bool) {
	f = strings.TrimSuffix(strings.TrimPrefix(f, "("), ")")
	i := strings.IndexByte(f, '=')
	attr, value = f[:i], f[i+1:]
	if value == "*" {
		return attr, "", true
	}
	return attr, value, false
}

func inScope(dn, base string, scope int) bool {
	switch scope {
	case ldap.ScopeBaseObject:
		return dn == base
	case ldap.ScopeSingleLevel:
		rest, ok := strings.CutSuffix(dn, ","+base)
		return ok && !strings.Contains(rest, ",")
	}
	return dn == base || strings.HasSuffix(dn, ","+base)
}

func hasValue(e *ldap.Entry, attr, value string) bool {
	for _, v := range e.GetEqualFoldAttributeValues(attr) {
		if v == value {
			return true
		}
	}
	return false
}
