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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/corvusmq/ldapauth/pkg/errtypes"
)

const (
	outcomeOK      = "ok"
	outcomeRefused = "refused"
	outcomeError   = "error"
	outcomeAllowed = "allowed"
	outcomeDenied  = "denied"
)

var (
	loginsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapauth_logins_total",
		Help: "Login attempts by outcome.",
	}, []string{"outcome"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapauth_decisions_total",
		Help: "Authorization decisions by check and outcome.",
	}, []string{"check", "outcome"})
)

func outcomeOf(err error) string {
	if err == nil {
		return outcomeOK
	}
	if _, ok := err.(errtypes.IsRefused); ok {
		return outcomeRefused
	}
	return outcomeError
}
