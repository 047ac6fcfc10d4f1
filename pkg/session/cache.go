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

package session

import (
	"context"
	"net"

	"github.com/go-ldap/ldap/v3"
	"github.com/jellydator/ttlcache/v2"

	"github.com/corvusmq/ldapauth/pkg/appctx"
	"github.com/corvusmq/ldapauth/pkg/errtypes"
)

// Cache holds the live directory connections of one worker. Workers
// execute tasks serially, so the cache itself needs no locking; the
// ttlcache carries the idle clock, which a cache hit resets.
type Cache struct {
	opts  Options
	conns *ttlcache.Cache
	dial  DialFunc
}

// NewCache returns an empty connection cache for the given options.
func NewCache(o *Options) *Cache {
	conns := ttlcache.NewCache()
	if o.IdleTimeout > 0 {
		_ = conns.SetTTL(o.IdleTimeout)
	}
	conns.SetExpirationReasonCallback(func(key string, reason ttlcache.EvictionReason, value interface{}) {
		conn, ok := value.(Conn)
		if !ok {
			return
		}
		if reason == ttlcache.Expired {
			connectionsEvicted.Inc()
		}
		// A transport already half-closed by the peer gets no unbind.
		if !conn.IsClosing() {
			conn.Close()
		}
	})
	dial := o.Dial
	if dial == nil {
		dial = defaultDial
	}
	return &Cache{opts: *o, conns: conns, dial: dial}
}

// acquire returns the cached connection for the key, dialing a fresh
// one on a miss or when the cached transport was closed by the peer.
func (c *Cache) acquire(ctx context.Context, anonymous bool) (Conn, error) {
	key := c.opts.cacheKey(anonymous)
	if v, err := c.conns.Get(key); err == nil {
		conn := v.(Conn)
		if !conn.IsClosing() {
			return conn, nil
		}
		appctx.GetLogger(ctx).Debug().Str("backend", "ldap").Msg("cached connection lost its transport, reopening")
		c.purgeKey(key)
	}
	conn, err := c.dialServers(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.conns.Set(key, conn)
	return conn, nil
}

// dialServers tries the configured servers in order and returns the
// first connection that opens.
func (c *Cache) dialServers(ctx context.Context) (Conn, error) {
	log := appctx.GetLogger(ctx)
	if len(c.opts.Servers) == 0 {
		return nil, errtypes.NoServersDefined("check the servers setting")
	}
	var lastErr error
	for _, server := range c.opts.Servers {
		conn, err := c.dialOne(server)
		if err != nil {
			log.Warn().Err(err).Str("server", server).Msg("ldap server not reachable, trying the next one")
			lastErr = err
			continue
		}
		if c.opts.Mode.LogsNetwork() {
			log.Debug().Str("backend", "ldap").Str("server", server).Msg("connection opened")
		}
		connectionsOpened.Inc()
		return conn, nil
	}
	log.Error().Err(lastErr).Msg("no ldap server reachable")
	return nil, errtypes.ConnectError("no server reachable")
}

func (c *Cache) dialOne(server string) (Conn, error) {
	u := c.opts.serverURL(server)
	var opts []ldap.DialOpt
	if c.opts.TLS != nil {
		opts = append(opts, ldap.DialWithTLSConfig(c.opts.TLS))
	}
	if c.opts.Timeout > 0 {
		opts = append(opts, ldap.DialWithDialer(&net.Dialer{Timeout: c.opts.Timeout}))
	}
	conn, err := c.dial(u, opts...)
	if err != nil {
		return nil, err
	}
	if c.opts.UseStartTLS && !c.opts.UseSSL {
		if err := conn.StartTLS(c.opts.startTLSConfig(server)); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if c.opts.Timeout > 0 {
		conn.SetTimeout(c.opts.Timeout)
	}
	return conn, nil
}

// purgeKey drops a connection from the cache. Closing, if any is still
// needed, happens in the eviction callback.
func (c *Cache) purgeKey(key string) {
	connectionsPurged.Inc()
	_ = c.conns.Remove(key)
}

// Check dials the configured servers without binding. It verifies
// reachability and the TLS setup, nothing more.
func (c *Cache) Check(ctx context.Context) error {
	_, err := c.acquire(ctx, true)
	return err
}

// Close tears down every cached connection. The worker owning the
// cache calls this on shutdown. Closing the ttlcache evicts the
// remaining entries through the eviction callback, which closes them.
func (c *Cache) Close() {
	_ = c.conns.Close()
}
