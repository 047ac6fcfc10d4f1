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

// Package errtypes defines the error kinds the backend exposes to its
// callers. Protocol-level details never leave the package that produced
// them; they are logged there and mapped to one of these opaque kinds, so
// a caller cannot tell a schema mismatch from a transport fault.
// It would have been nice to call this package errors, but that clashes
// with github.com/pkg/errors.
package errtypes

// Refused is the error to use when the directory authentically rejected
// the principal: invalid credentials, an empty password, a failed DN
// lookup or a policy denial. The string carries the user-facing detail,
// typically including the DN that was refused.
type Refused string

func (e Refused) Error() string { return "error: access refused: " + string(e) }

// IsRefused implements the IsRefused interface.
func (e Refused) IsRefused() {}

// ConnectError is the error to use when no configured server could be
// reached.
type ConnectError string

func (e ConnectError) Error() string { return "error: ldap connect error: " + string(e) }

// IsConnectError implements the IsConnectError interface.
func (e ConnectError) IsConnectError() {}

// BindError is the error to use when a bind failed for any reason other
// than invalid credentials.
type BindError string

func (e BindError) Error() string { return "error: ldap bind error: " + string(e) }

// IsBindError implements the IsBindError interface.
func (e BindError) IsBindError() {}

// EvaluateError is the error to use when a directory operation performed
// during query evaluation failed.
type EvaluateError string

func (e EvaluateError) Error() string { return "error: ldap evaluate error: " + string(e) }

// IsEvaluateError implements the IsEvaluateError interface.
func (e EvaluateError) IsEvaluateError() {}

// NoServersDefined is the error to use when the configuration names no
// directory servers.
type NoServersDefined string

func (e NoServersDefined) Error() string { return "error: no ldap servers defined: " + string(e) }

// IsNoServersDefined implements the IsNoServersDefined interface.
func (e NoServersDefined) IsNoServersDefined() {}

// IsRefused is the interface to implement
// to specify that access was refused.
type IsRefused interface {
	IsRefused()
}

// IsConnectError is the interface to implement
// to specify that no server could be reached.
type IsConnectError interface {
	IsConnectError()
}

// IsBindError is the interface to implement
// to specify that a bind failed.
type IsBindError interface {
	IsBindError()
}

// IsEvaluateError is the interface to implement
// to specify that evaluation hit a directory fault.
type IsEvaluateError interface {
	IsEvaluateError()
}

// IsNoServersDefined is the interface to implement
// to specify that the server list is missing.
type IsNoServersDefined interface {
	IsNoServersDefined()
}
