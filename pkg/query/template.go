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

import "regexp"

var placeholder = regexp.MustCompile(`\$\{[^}]*\}`)

// Fill substitutes ${name} occurrences in pattern from the variable map.
// Unknown placeholders become empty, a bare $name passes through
// verbatim. Fill is pure text substitution; it knows nothing about LDAP
// syntax, so callers building search filters escape the result where it
// lands in a filter value.
func Fill(pattern string, vars Vars) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(m string) string {
		v, _ := vars.Get(m[2 : len(m)-1])
		return v
	})
}
