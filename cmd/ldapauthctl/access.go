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
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/corvusmq/ldapauth/pkg/auth"
)

var accessCommand = func() *command {
	cmd := newCommand("access")
	userFlag := cmd.String("user", "", "username to check")
	passwordFlag := cmd.String("password", "", "bind password; empty uses the passwordless flow")
	cmd.Description = func() string { return "evaluate an access check for a user" }
	cmd.Usage = func() string {
		return `Usage: ldapauthctl access -user <name> [-password <pw>] vhost <vhost>
       ldapauthctl access -user <name> [-password <pw>] resource <vhost> <kind> <name> <permission>
       ldapauthctl access -user <name> [-password <pw>] topic <vhost> <name> <permission> [key=value ...]`
	}
	cmd.Action = func() error {
		if *userFlag == "" || cmd.NArg() < 1 {
			return errors.New(cmd.Usage())
		}

		ctx, m, err := bootstrap()
		if err != nil {
			return err
		}
		defer closeManager(m)

		u, err := establish(ctx, m, *userFlag, *passwordFlag)
		if err != nil {
			return err
		}

		var allowed bool
		args := cmd.Args()
		switch args[0] {
		case "vhost":
			if len(args) != 2 {
				return errors.New(cmd.Usage())
			}
			allowed, err = m.CheckVhostAccess(ctx, u, args[1])
		case "resource":
			if len(args) != 5 {
				return errors.New(cmd.Usage())
			}
			r := &auth.Resource{VHost: args[1], Kind: args[2], Name: args[3]}
			allowed, err = m.CheckResourceAccess(ctx, u, r, auth.Permission(args[4]))
		case "topic":
			if len(args) < 4 {
				return errors.New(cmd.Usage())
			}
			r := &auth.Resource{VHost: args[1], Kind: auth.ResourceTopic, Name: args[2]}
			topic := map[string]string{}
			for _, kv := range args[4:] {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return errors.Errorf("malformed topic context entry %q", kv)
				}
				topic[k] = v
			}
			allowed, err = m.CheckTopicAccess(ctx, u, r, auth.Permission(args[3]), topic)
		default:
			return errors.New(cmd.Usage())
		}
		if err != nil {
			return err
		}

		if allowed {
			fmt.Println("allowed")
		} else {
			fmt.Println("denied")
		}
		return nil
	}
	return cmd
}

// establish runs the login flow matching the supplied credentials: a
// full bind when a password is given, the passwordless flow otherwise.
func establish(ctx context.Context, m auth.Manager, username, password string) (*auth.User, error) {
	if password != "" {
		return m.Authenticate(ctx, username, password, nil)
	}
	return m.Authorize(ctx, username, nil)
}
