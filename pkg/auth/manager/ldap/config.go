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
	"crypto/x509"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/corvusmq/ldapauth/pkg/query"
	"github.com/corvusmq/ldapauth/pkg/scrub"
)

var validate = validator.New()

type config struct {
	// Servers are tried in order. An entry may be a bare host, a
	// host:port pair or a full ldap:// / ldaps:// URL.
	Servers []string `mapstructure:"servers"`
	// UserDNPattern turns a username into a DN when no directory
	// lookup is configured.
	UserDNPattern string `mapstructure:"user_dn_pattern"`
	// DNLookupAttribute switches DN resolution from the pattern to a
	// directory search for an entry whose attribute equals the
	// username. Empty or "none" keeps the pattern.
	DNLookupAttribute string `mapstructure:"dn_lookup_attribute"`
	DNLookupBase      string `mapstructure:"dn_lookup_base"`
	// DNLookupBind is "as_user", "anon" or a {dn, password} table. It
	// also decides when the lookup runs: under the user's own bind
	// ("as_user", after it) or under this identity (before it).
	DNLookupBind interface{} `mapstructure:"dn_lookup_bind"`
	// GroupLookupBase is the base DN for nested-group searches,
	// falling back to dn_lookup_base.
	GroupLookupBase string `mapstructure:"group_lookup_base"`
	// OtherBind is the identity for queries that run on behalf of an
	// established user: "as_user", "anon" or a {dn, password} table.
	OtherBind interface{} `mapstructure:"other_bind"`
	// AnonAuth permits sessions that never bind.
	AnonAuth bool `mapstructure:"anon_auth"`

	VhostAccessQuery    interface{}            `mapstructure:"vhost_access_query"`
	ResourceAccessQuery interface{}            `mapstructure:"resource_access_query"`
	TopicAccessQuery    interface{}            `mapstructure:"topic_access_query"`
	TagQueries          map[string]interface{} `mapstructure:"tag_queries"`

	UseSSL      bool        `mapstructure:"use_ssl"`
	UseStartTLS bool        `mapstructure:"use_starttls"`
	SSLOptions  *sslOptions `mapstructure:"ssl_options"`
	Port        int         `mapstructure:"port" validate:"min=0,max=65535"`
	// Timeout bounds every directory operation, in seconds. Zero
	// means no limit.
	Timeout int `mapstructure:"timeout" validate:"min=0"`
	// IdleTimeout evicts pooled connections unused for this many
	// seconds. Zero keeps them forever.
	IdleTimeout int `mapstructure:"idle_timeout" validate:"min=0"`
	PoolSize    int `mapstructure:"pool_size" validate:"min=0"`
	// Log is false, true, "network" or "network_unsafe".
	Log interface{} `mapstructure:"log"`
}

type sslOptions struct {
	CACertFile           string `mapstructure:"cacertfile"`
	CertFile             string `mapstructure:"certfile"`
	KeyFile              string `mapstructure:"keyfile"`
	ServerNameIndication string `mapstructure:"server_name_indication"`
	Verify               string `mapstructure:"verify" validate:"omitempty,oneof=verify_peer verify_none"`
}

func parseConfig(m map[string]interface{}) (*config, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		err = errors.Wrap(err, "error decoding conf")
		return nil, err
	}
	c.init()
	return c, nil
}

func (c *config) init() {
	if c.UserDNPattern == "" {
		c.UserDNPattern = "${username}"
	}
	if c.DNLookupAttribute == "none" {
		c.DNLookupAttribute = ""
	}
	if c.GroupLookupBase == "" {
		c.GroupLookupBase = c.DNLookupBase
	}
}

// logMode accepts the booleans the option historically was next to the
// string forms that extend it.
func (c *config) logMode() (scrub.Mode, error) {
	switch v := c.Log.(type) {
	case nil:
		return scrub.Off, nil
	case bool:
		if v {
			return scrub.Decisions, nil
		}
		return scrub.Off, nil
	case string:
		return scrub.ParseMode(v)
	}
	return scrub.Off, errors.Errorf("unsupported type %T for the log option", c.Log)
}

// tlsConfig builds the client TLS configuration from ssl_options. A
// missing ServerName is filled in per server by the session layer
// before a StartTLS handshake.
func (c *config) tlsConfig() (*tls.Config, error) {
	if c.SSLOptions == nil || (!c.UseSSL && !c.UseStartTLS) {
		return nil, nil
	}
	o := c.SSLOptions
	conf := &tls.Config{
		ServerName:         o.ServerNameIndication,
		InsecureSkipVerify: o.Verify == "verify_none",
	}
	if o.CACertFile != "" {
		pem, err := os.ReadFile(o.CACertFile)
		if err != nil {
			return nil, errors.Wrap(err, "error reading cacertfile")
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", o.CACertFile)
		}
		conf.RootCAs = roots
	}
	if o.CertFile != "" || o.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
		if err != nil {
			return nil, errors.Wrap(err, "error loading client certificate")
		}
		conf.Certificates = []tls.Certificate{cert}
	}
	return conf, nil
}

// Bind identity modes.
const (
	bindAsUser = "as_user"
	bindAnon   = "anon"
	bindSimple = "simple"
)

// bindIdentity is a parsed dn_lookup_bind or other_bind value.
type bindIdentity struct {
	mode     string
	dn       string
	password string
}

// parseBind accepts "as_user", "anon" or a {dn, password} table.
func parseBind(v interface{}, option string) (bindIdentity, error) {
	switch t := v.(type) {
	case nil:
		return bindIdentity{mode: bindAsUser}, nil
	case string:
		switch t {
		case bindAsUser, bindAnon:
			return bindIdentity{mode: t}, nil
		}
		return bindIdentity{}, errors.Errorf("%s: want \"as_user\", \"anon\" or a dn/password table, got %q", option, t)
	case map[string]interface{}:
		dn, ok := t["dn"].(string)
		if !ok || dn == "" {
			return bindIdentity{}, errors.Errorf("%s: missing dn", option)
		}
		password, _ := t["password"].(string)
		return bindIdentity{mode: bindSimple, dn: dn, password: password}, nil
	}
	return bindIdentity{}, errors.Errorf("%s: unsupported type %T", option, v)
}

func parseQueryOption(v interface{}, option string) (query.Query, error) {
	if v == nil {
		return query.Constant(true), nil
	}
	q, err := query.Parse(v)
	if err != nil {
		return nil, errors.Wrap(err, "error parsing "+option)
	}
	return q, nil
}

// DN resolution modes, derived from dn_lookup_attribute and
// dn_lookup_bind.
const (
	lookupNever    = "never"
	lookupPrebind  = "prebind"
	lookupPostbind = "postbind"
)

func (c *config) lookupMode(dnBind bindIdentity) string {
	if c.DNLookupAttribute == "" {
		return lookupNever
	}
	if dnBind.mode == bindAsUser {
		return lookupPostbind
	}
	return lookupPrebind
}
