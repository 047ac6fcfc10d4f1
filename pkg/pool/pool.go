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

// Package pool runs directory work on a fixed set of workers. Each
// worker owns its connection cache and executes one task at a time, so
// nothing in a task has to be safe for concurrent use.
package pool

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/corvusmq/ldapauth/pkg/session"
)

// DefaultSize is the number of workers used when the configuration
// does not set one.
const DefaultSize = 64

// Task is one unit of directory work. It stays pinned to a single
// worker from start to finish and uses that worker's session cache.
type Task func(cache *session.Cache) error

// Pool is a fixed-size set of serial workers fed from one channel.
type Pool struct {
	tasks chan *item
	group *errgroup.Group
}

type item struct {
	task Task
	done chan error
}

// New starts size workers, each owning a session cache built by
// newCache. A size of zero or less falls back to DefaultSize.
func New(size int, newCache func() *session.Cache) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	p := &Pool{tasks: make(chan *item), group: new(errgroup.Group)}
	for i := 0; i < size; i++ {
		p.group.Go(func() error {
			cache := newCache()
			defer cache.Close()
			for it := range p.tasks {
				it.done <- it.task(cache)
			}
			return nil
		})
	}
	return p
}

// Run hands task to a free worker and waits for its result. The
// context bounds the wait, not the task: a task that already started
// runs to completion on its worker even when ctx expires.
func (p *Pool) Run(ctx context.Context, task Task) error {
	it := &item{task: task, done: make(chan error, 1)}
	select {
	case p.tasks <- it:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-it.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close lets running tasks finish, closes every worker's cache and
// waits for the workers to exit. Run must not be called afterwards.
func (p *Pool) Close() error {
	close(p.tasks)
	return p.group.Wait()
}
