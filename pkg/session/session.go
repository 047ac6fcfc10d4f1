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

// Package session owns the live LDAP connections: a per-worker cache
// keyed by anonymity and open options, with idle eviction, rebind
// semantics and recovery from transports found closed by the peer.
package session

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/corvusmq/ldapauth/pkg/scrub"
)

// Conn is the subset of *ldap.Conn the session layer drives. Tests
// substitute a scripted implementation.
type Conn interface {
	Bind(username, password string) error
	Search(req *ldap.SearchRequest) (*ldap.SearchResult, error)
	StartTLS(config *tls.Config) error
	SetTimeout(timeout time.Duration)
	IsClosing() bool
	Close() error
}

// DialFunc opens a directory connection to the given URL.
type DialFunc func(url string, opts ...ldap.DialOpt) (Conn, error)

func defaultDial(url string, opts ...ldap.DialOpt) (Conn, error) {
	return ldap.DialURL(url, opts...)
}

// Options are the open options of a directory connection. All of them
// except IdleTimeout take part in the connection key; the idle timeout
// governs eviction, not identity.
type Options struct {
	// Servers are tried in order; entries may be a bare host, host:port
	// or a full ldap:// / ldaps:// URL.
	Servers []string
	// Port applies to server entries without an explicit port.
	Port int
	// UseSSL dials LDAPS from the first byte.
	UseSSL bool
	// UseStartTLS upgrades a plain connection once it is open.
	UseStartTLS bool
	// TLS is applied verbatim; a missing ServerName is filled in from
	// the server host before a StartTLS handshake.
	TLS *tls.Config
	// Timeout bounds every directory operation. Zero means no limit.
	Timeout time.Duration
	// IdleTimeout evicts a cached connection that saw no use for this
	// long. Zero keeps connections forever.
	IdleTimeout time.Duration
	// AnonAuth permits sessions that never bind.
	AnonAuth bool
	Mode     scrub.Mode
	// Dial is replaced in tests; nil means ldap.DialURL.
	Dial DialFunc
}

// cacheKey identifies a connection by anonymity and open options.
func (o *Options) cacheKey(anonymous bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "anon=%t|servers=%s|port=%d|ssl=%t|starttls=%t|anonauth=%t|timeout=%s",
		anonymous, strings.Join(o.Servers, ","), o.port(), o.UseSSL, o.UseStartTLS, o.AnonAuth, o.Timeout)
	if o.TLS != nil {
		fmt.Fprintf(&b, "|sni=%s|insecure=%t", o.TLS.ServerName, o.TLS.InsecureSkipVerify)
	}
	return b.String()
}

func (o *Options) port() int {
	if o.Port > 0 {
		return o.Port
	}
	if o.UseSSL {
		return 636
	}
	return 389
}

// serverURL turns a configured server entry into a dialable URL.
func (o *Options) serverURL(server string) string {
	if strings.Contains(server, "://") {
		return server
	}
	host := server
	if _, _, err := net.SplitHostPort(server); err != nil {
		host = net.JoinHostPort(server, strconv.Itoa(o.port()))
	}
	scheme := "ldap"
	if o.UseSSL {
		scheme = "ldaps"
	}
	return scheme + "://" + host
}

// startTLSConfig returns the TLS configuration for a StartTLS upgrade
// against server. Unlike an LDAPS dial, StartTLS gets no ServerName
// fix-up from the TLS dialer, so it is applied here.
func (o *Options) startTLSConfig(server string) *tls.Config {
	conf := o.TLS
	if conf == nil {
		conf = &tls.Config{}
	}
	conf = conf.Clone()
	if conf.ServerName == "" && !conf.InsecureSkipVerify {
		conf.ServerName = hostOf(server)
	}
	return conf
}

func hostOf(server string) string {
	s := server
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// Credential selects the identity a session binds as: anonymous, a
// simple bind, or an error produced by the credential selector that the
// runner returns unchanged.
type Credential struct {
	Anonymous bool
	DN        string
	Password  string
	Err       error
}

func (c Credential) describe(m scrub.Mode) string {
	switch {
	case c.Err != nil:
		return "invalid"
	case c.Anonymous:
		return "anonymous"
	}
	return m.FormatDN(c.DN)
}
