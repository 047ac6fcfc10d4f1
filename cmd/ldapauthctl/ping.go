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

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/corvusmq/ldapauth/pkg/appctx"
)

var pingCommand = func() *command {
	cmd := newCommand("ping")
	waitFlag := cmd.Duration("wait", 0, "keep retrying for this long before giving up")
	cmd.Description = func() string { return "check that a directory server is reachable" }
	cmd.Action = func() error {
		ctx, m, err := bootstrap()
		if err != nil {
			return err
		}
		defer closeManager(m)

		p, ok := m.(interface{ Ping(context.Context) error })
		if !ok {
			return errors.New("the configured driver does not support ping")
		}

		if *waitFlag <= 0 {
			if err := p.Ping(ctx); err != nil {
				return err
			}
			fmt.Println("OK")
			return nil
		}

		log := appctx.GetLogger(ctx)
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = *waitFlag
		o := func() error {
			n := b.NextBackOff()
			err := p.Ping(ctx)
			if err != nil && n != backoff.Stop {
				log.Error().Err(err).Msgf("directory not reachable, retrying in %s", n)
			}
			return err
		}
		if err := backoff.Retry(o, b); err != nil {
			return err
		}
		fmt.Println("OK")
		return nil
	}
	return cmd
}
