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

// Package scrub is the single choke point between directory material and
// the log sink. Everything that could identify a principal passes through
// here before it is handed to a logger; the sink itself is never trusted
// to sanitize.
package scrub

import (
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/pkg/errors"
)

// Mode controls how much directory detail reaches the log sink.
type Mode int

const (
	// Off emits warnings and errors only.
	Off Mode = iota
	// Decisions additionally logs queries and their outcomes.
	Decisions
	// Network additionally logs directory operations with scrubbed DNs.
	Network
	// NetworkUnsafe logs directory operations with DNs intact. Passwords
	// are withheld in every mode.
	NetworkUnsafe
)

// ParseMode maps the configuration value of the log option to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "false":
		return Off, nil
	case "true":
		return Decisions, nil
	case "network":
		return Network, nil
	case "network_unsafe":
		return NetworkUnsafe, nil
	}
	return Off, errors.Errorf("unknown log mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case Decisions:
		return "true"
	case Network:
		return "network"
	case NetworkUnsafe:
		return "network_unsafe"
	}
	return "false"
}

// LogsDecisions reports whether query decisions should be logged.
func (m Mode) LogsDecisions() bool { return m >= Decisions }

// LogsNetwork reports whether directory operations should be logged.
func (m Mode) LogsNetwork() bool { return m >= Network }

// FormatDN renders a DN for the log sink. Network mode redacts it;
// NetworkUnsafe keeps it verbatim.
func (m Mode) FormatDN(dn string) string {
	if m == Network {
		return DN(dn)
	}
	return dn
}

// redacted replaces the value of a sensitive RDN.
const redacted = "xxxx"

// sensitiveRDN holds the RDN types whose values identify a principal or
// its place in the tree. Values of other types stay verbatim.
var sensitiveRDN = map[string]struct{}{
	"cn":  {},
	"dc":  {},
	"ou":  {},
	"uid": {},
}

// DN redacts the values of sensitive RDN components of dn, keeping the
// structure readable. A string that does not parse as a DN is replaced
// wholesale. Scrubbing is idempotent.
func DN(dn string) string {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return redacted
	}
	rdns := make([]string, 0, len(parsed.RDNs))
	for _, rdn := range parsed.RDNs {
		attrs := make([]string, 0, len(rdn.Attributes))
		for _, a := range rdn.Attributes {
			v := a.Value
			if _, ok := sensitiveRDN[strings.ToLower(a.Type)]; ok {
				v = redacted
			}
			attrs = append(attrs, a.Type+"="+ldap.EscapeDN(v))
		}
		rdns = append(rdns, strings.Join(attrs, "+"))
	}
	return strings.Join(rdns, ",")
}
