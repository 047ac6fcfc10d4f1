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

package main

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/corvusmq/ldapauth/pkg/auth"
)

var loginCommand = func() *command {
	cmd := newCommand("login")
	vhostFlag := cmd.String("vhost", "", "virtual host the client would connect to")
	cmd.Description = func() string { return "validate a username and password" }
	cmd.Usage = func() string { return "Usage: ldapauthctl login [-vhost <vhost>] <username> <password>" }
	cmd.Action = func() error {
		if cmd.NArg() < 2 {
			return errors.New(cmd.Usage())
		}
		username, password := cmd.Args()[0], cmd.Args()[1]

		ctx, m, err := bootstrap()
		if err != nil {
			return err
		}
		defer closeManager(m)

		u, err := m.Authenticate(ctx, username, password, &auth.Props{VHost: *vhostFlag})
		if err != nil {
			return err
		}
		fmt.Printf("OK dn=%s tags=%s\n", u.DisplayDN(), strings.Join(u.Tags, ","))
		return nil
	}
	return cmd
}
