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
	"bytes"
	"context"
	"errors"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/rs/zerolog"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/corvusmq/ldapauth/pkg/appctx"
	"github.com/corvusmq/ldapauth/pkg/auth"
	"github.com/corvusmq/ldapauth/pkg/errtypes"
)

const (
	aliceDN = "uid=alice,ou=People,dc=x"
	groups  = "ou=Groups,dc=x"
	svcDN   = "cn=svc,dc=x"
)

var _ = Describe("Ldap", func() {
	var (
		dir  *fakeDirectory
		conf map[string]interface{}
		am   *mgr
		ctx  context.Context
	)

	BeforeEach(func() {
		dir = newFakeDirectory()
		dir.addUser(aliceDN, "hunter2", map[string][]string{"uid": {"alice"}})
		conf = map[string]interface{}{
			"servers":         []string{"ldap.test"},
			"user_dn_pattern": "uid=${username},ou=People,dc=x",
			"pool_size":       1,
		}
		ctx = context.Background()
	})

	JustBeforeEach(func() {
		var err error
		am, err = newManager(conf, dir.dial)
		Expect(err).ToNot(HaveOccurred())
	})

	AfterEach(func() {
		Expect(am.Close()).To(Succeed())
	})

	login := func(ctx context.Context) *auth.User {
		u, err := am.Authenticate(ctx, "alice", "hunter2", nil)
		ExpectWithOffset(1, err).ToNot(HaveOccurred())
		return u
	}

	Describe("Authenticate", func() {
		BeforeEach(func() {
			conf["tag_queries"] = map[string]interface{}{"administrator": false}
		})

		It("accepts a valid password and fills the DN from the pattern", func() {
			u, err := am.Authenticate(ctx, "alice", "hunter2", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(u.Username).To(Equal("alice"))
			Expect(u.DN).To(Equal(aliceDN))
			Expect(u.Tags).To(BeEmpty())
		})

		It("refuses a rejected bind, naming the DN it tried", func() {
			u, err := am.Authenticate(ctx, "alice", "wrong", nil)
			Expect(u).To(BeNil())
			var refused errtypes.Refused
			Expect(errors.As(err, &refused)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring(aliceDN))
		})

		It("refuses an unknown user the same way", func() {
			_, err := am.Authenticate(ctx, "mallory", "hunter2", nil)
			var refused errtypes.Refused
			Expect(errors.As(err, &refused)).To(BeTrue())
		})

		It("refuses an empty password before contacting the directory", func() {
			_, err := am.Authenticate(ctx, "alice", "", nil)
			var refused errtypes.Refused
			Expect(errors.As(err, &refused)).To(BeTrue())
			Expect(dir.dialCount()).To(BeZero())
		})

		Context("with a membership tag query", func() {
			BeforeEach(func() {
				dir.add("cn=admins,"+groups, map[string][]string{"member": {aliceDN}})
				conf["tag_queries"] = map[string]interface{}{
					"administrator": map[string]interface{}{"in_group": "cn=admins," + groups},
					"monitoring":    false,
				}
			})

			It("grants the tags whose query holds", func() {
				u := login(ctx)
				Expect(u.Tags).To(ConsistOf("administrator"))
			})

			It("runs the sweep on the user's own session", func() {
				login(ctx)
				Expect(dir.boundAs()).To(HaveLen(1))
				Expect(dir.boundAs()[0]).To(Equal([2]string{aliceDN, "hunter2"}))
			})

			It("fails the login when a tag query cannot be evaluated", func() {
				dir.failNextSearch(ldap.NewError(ldap.LDAPResultUnavailable, errors.New("unavailable")))
				_, err := am.Authenticate(ctx, "alice", "hunter2", nil)
				var evalErr errtypes.EvaluateError
				Expect(errors.As(err, &evalErr)).To(BeTrue())
			})
		})

		Context("with a DN lookup before the bind", func() {
			BeforeEach(func() {
				dir.addUser(svcDN, "s3cret", nil)
				dir.add("ou=People,dc=x", nil)
				dir.replace(aliceDN, map[string][]string{"mail": {"alice@example.com"}})
				conf["dn_lookup_attribute"] = "mail"
				conf["dn_lookup_base"] = "ou=People,dc=x"
				conf["dn_lookup_bind"] = map[string]interface{}{"dn": svcDN, "password": "s3cret"}
			})

			It("resolves the DN under the lookup identity, then binds the user", func() {
				u, err := am.Authenticate(ctx, "alice@example.com", "hunter2", nil)
				Expect(err).ToNot(HaveOccurred())
				Expect(u.DN).To(Equal(aliceDN))
				Expect(dir.boundAs()[0]).To(Equal([2]string{svcDN, "s3cret"}))
				Expect(dir.boundAs()[1]).To(Equal([2]string{aliceDN, "hunter2"}))
			})

			It("refuses a username the lookup cannot resolve", func() {
				_, err := am.Authenticate(ctx, "bob@example.com", "hunter2", nil)
				var refused errtypes.Refused
				Expect(errors.As(err, &refused)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring("no entries"))
			})

			It("refuses a username matching more than one entry", func() {
				dir.add("uid=alice2,ou=People,dc=x", map[string][]string{"mail": {"alice@example.com"}})
				_, err := am.Authenticate(ctx, "alice@example.com", "hunter2", nil)
				var refused errtypes.Refused
				Expect(errors.As(err, &refused)).To(BeTrue())
				Expect(err.Error()).To(ContainSubstring("multiple entries"))
			})
		})

		Context("with a DN lookup after the bind", func() {
			BeforeEach(func() {
				dir.add("ou=People,dc=x", nil)
				dir.replace(aliceDN, nil)
				dir.add("cn=Alice Liddell,ou=People,dc=x", map[string][]string{"uid": {"alice"}})
				conf["dn_lookup_attribute"] = "uid"
				conf["dn_lookup_base"] = "ou=People,dc=x"
			})

			It("binds with the pattern DN and re-resolves the canonical one", func() {
				u, err := am.Authenticate(ctx, "alice", "hunter2", nil)
				Expect(err).ToNot(HaveOccurred())
				Expect(u.DN).To(Equal("cn=Alice Liddell,ou=People,dc=x"))
				Expect(dir.boundAs()[0]).To(Equal([2]string{aliceDN, "hunter2"}))
			})
		})
	})

	Describe("Authorize", func() {
		Context("with a dedicated other_bind identity", func() {
			BeforeEach(func() {
				dir.addUser(svcDN, "s3cret", nil)
				conf["other_bind"] = map[string]interface{}{"dn": svcDN, "password": "s3cret"}
			})

			It("establishes the user without a password", func() {
				u, err := am.Authorize(ctx, "alice", nil)
				Expect(err).ToNot(HaveOccurred())
				Expect(u.DN).To(Equal(aliceDN))
				for _, b := range dir.boundAs() {
					Expect(b[0]).To(Equal(svcDN))
				}
			})

			It("feeds authorization checks afterwards", func() {
				u, err := am.Authorize(ctx, "alice", nil)
				Expect(err).ToNot(HaveOccurred())
				ok, err := am.CheckVhostAccess(ctx, u, "prod")
				Expect(err).ToNot(HaveOccurred())
				Expect(ok).To(BeTrue())
			})
		})

		It("fails when other_bind needs the user's password", func() {
			_, err := am.Authorize(ctx, "alice", nil)
			var bindErr errtypes.BindError
			Expect(errors.As(err, &bindErr)).To(BeTrue())
			Expect(dir.dialCount()).To(BeZero())
		})
	})

	Describe("CheckVhostAccess", func() {
		BeforeEach(func() {
			dir.add(groups, nil)
			dir.add("cn=engineers,"+groups, map[string][]string{"member": {aliceDN}})
			dir.add("cn=staff,"+groups, map[string][]string{"member": {"cn=engineers," + groups}})
			dir.add("cn=prod-access,"+groups, map[string][]string{"member": {"cn=staff," + groups}})
			conf["group_lookup_base"] = groups
			conf["vhost_access_query"] = map[string]interface{}{
				"in_group_nested": map[string]interface{}{"dn": "cn=prod-access," + groups, "attribute": "member"},
			}
		})

		It("follows nested membership up to the target group", func() {
			u := login(ctx)
			ok, err := am.CheckVhostAccess(ctx, u, "prod")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		It("denies once the chain is broken", func() {
			dir.replace("cn=prod-access,"+groups, map[string][]string{"member": {"cn=ops," + groups}})
			u := login(ctx)
			ok, err := am.CheckVhostAccess(ctx, u, "prod")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("terminates on a membership cycle and logs it once", func() {
			dir.replace("cn=engineers,"+groups, map[string][]string{"member": {aliceDN, "cn=staff," + groups}})
			dir.replace("cn=prod-access,"+groups, nil)
			var buf bytes.Buffer
			log := zerolog.New(&buf)
			lctx := appctx.WithLogger(ctx, &log)

			u := login(lctx)
			ok, err := am.CheckVhostAccess(lctx, u, "prod")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
			Expect(strings.Count(buf.String(), "membership cycle")).To(Equal(1))
		})

		It("refuses a check without an authenticated user", func() {
			_, err := am.CheckVhostAccess(ctx, nil, "prod")
			var refused errtypes.Refused
			Expect(errors.As(err, &refused)).To(BeTrue())
		})

		It("fails a DN-dependent query for a user with no resolved DN", func() {
			u := &auth.User{Username: "alice"}
			_, err := am.CheckVhostAccess(ctx, u, "prod")
			var evalErr errtypes.EvaluateError
			Expect(errors.As(err, &evalErr)).To(BeTrue())
			Expect(dir.dialCount()).To(BeZero())
		})
	})

	Describe("CheckResourceAccess", func() {
		resource := &auth.Resource{VHost: "prod", Kind: auth.ResourceQueue, Name: "jobs"}

		It("allows everything by default", func() {
			u := login(ctx)
			ok, err := am.CheckResourceAccess(ctx, u, resource, auth.Configure)
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
		})

		Context("matching a pattern against a multi-valued attribute", func() {
			BeforeEach(func() {
				dir.replace(aliceDN, map[string][]string{
					"uid":      {"alice"},
					"memberOf": {"cn=users," + groups, "cn=admins," + groups, "cn=dev," + groups},
				})
				conf["resource_access_query"] = map[string]interface{}{"match": []interface{}{
					map[string]interface{}{"attribute": map[string]interface{}{"dn": "${user_dn}", "name": "memberOf"}},
					"cn=admins,.*",
				}}
			})

			It("allows when one value matches", func() {
				u := login(ctx)
				ok, err := am.CheckResourceAccess(ctx, u, resource, auth.Write)
				Expect(err).ToNot(HaveOccurred())
				Expect(ok).To(BeTrue())
			})
		})

		Context("dispatching on the permission", func() {
			BeforeEach(func() {
				conf["resource_access_query"] = map[string]interface{}{"for": []interface{}{
					map[string]interface{}{"key": "permission", "value": "configure", "then": false},
					map[string]interface{}{"key": "permission", "value": "write", "then": true},
				}}
			})

			It("routes each permission to its arm", func() {
				u := login(ctx)
				ok, err := am.CheckResourceAccess(ctx, u, resource, auth.Configure)
				Expect(err).ToNot(HaveOccurred())
				Expect(ok).To(BeFalse())

				ok, err = am.CheckResourceAccess(ctx, u, resource, auth.Write)
				Expect(err).ToNot(HaveOccurred())
				Expect(ok).To(BeTrue())
			})

			It("surfaces a permission no arm covers as an evaluation error", func() {
				u := login(ctx)
				_, err := am.CheckResourceAccess(ctx, u, resource, auth.Read)
				var evalErr errtypes.EvaluateError
				Expect(errors.As(err, &evalErr)).To(BeTrue())
			})
		})
	})

	Describe("CheckTopicAccess", func() {
		topic := &auth.Resource{VHost: "prod", Kind: auth.ResourceTopic, Name: "events"}

		BeforeEach(func() {
			conf["topic_access_query"] = map[string]interface{}{
				"match": []interface{}{"${routing_key}", "^${username}-.*"},
			}
		})

		It("exposes the topic context as variables", func() {
			u := login(ctx)
			ok, err := am.CheckTopicAccess(ctx, u, topic, auth.Write, map[string]string{"routing_key": "alice-events"})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())

			ok, err = am.CheckTopicAccess(ctx, u, topic, auth.Write, map[string]string{"routing_key": "bob-events"})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeFalse())
		})

		It("drops context entries that would shadow reserved variables", func() {
			var buf bytes.Buffer
			log := zerolog.New(&buf)
			lctx := appctx.WithLogger(ctx, &log)

			u := login(lctx)
			ok, err := am.CheckTopicAccess(lctx, u, topic, auth.Write, map[string]string{
				"username":    "mallory",
				"routing_key": "alice-events",
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(buf.String()).To(ContainSubstring("shadowing a reserved variable"))
		})
	})

	Describe("connection recovery", func() {
		It("replaces a connection closed by the peer", func() {
			_, err := am.Authenticate(ctx, "alice", "hunter2", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(dir.dialCount()).To(Equal(1))

			dir.loseConnections()

			u, err := am.Authenticate(ctx, "alice", "hunter2", nil)
			Expect(err).ToNot(HaveOccurred())
			Expect(u.DN).To(Equal(aliceDN))
			Expect(dir.dialCount()).To(Equal(2))
		})
	})

	Describe("Ping", func() {
		It("dials a server without binding", func() {
			Expect(am.Ping(ctx)).To(Succeed())
			Expect(dir.dialCount()).To(Equal(1))
			Expect(dir.boundAs()).To(BeEmpty())
		})
	})
})
