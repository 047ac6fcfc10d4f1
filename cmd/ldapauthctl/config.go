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
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/corvusmq/ldapauth/pkg/appctx"
	"github.com/corvusmq/ldapauth/pkg/auth"
	"github.com/corvusmq/ldapauth/pkg/auth/manager/registry"
)

type config struct {
	Log  logConf  `mapstructure:"log"`
	Auth authConf `mapstructure:"auth"`
}

type logConf struct {
	Output string `mapstructure:"output"`
	// Mode is "console" or "json".
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type authConf struct {
	Driver  string                            `mapstructure:"driver"`
	Drivers map[string]map[string]interface{} `mapstructure:"drivers"`
}

func readConfig() (*config, error) {
	fd, err := os.Open(*configFlag)
	if err != nil {
		return nil, errors.Wrap(err, "error opening configuration file")
	}
	defer fd.Close()
	return loadConfig(fd)
}

func loadConfig(r io.Reader) (*config, error) {
	var raw map[string]interface{}
	if _, err := toml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, errors.Wrap(err, "error decoding toml data")
	}
	c := &config{}
	if err := mapstructure.Decode(raw, c); err != nil {
		return nil, errors.Wrap(err, "error decoding conf")
	}
	if c.Auth.Driver == "" {
		c.Auth.Driver = "ldap"
	}
	return c, nil
}

func getManager(c *authConf) (auth.Manager, error) {
	if f, ok := registry.NewFuncs[c.Driver]; ok {
		return f(c.Drivers[c.Driver])
	}
	return nil, errors.Errorf("driver %s not found for auth manager", c.Driver)
}

// bootstrap reads the configuration and hands back a context carrying
// the configured logger plus the ready auth manager.
func bootstrap() (context.Context, auth.Manager, error) {
	c, err := readConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := newLogger(&c.Log)
	if err != nil {
		return nil, nil, err
	}
	ctx := appctx.WithLogger(context.Background(), log)
	m, err := getManager(&c.Auth)
	if err != nil {
		return nil, nil, err
	}
	return ctx, m, nil
}

func newLogger(c *logConf) (*zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if c.Level != "" {
		parsed, err := zerolog.ParseLevel(c.Level)
		if err != nil {
			return nil, errors.Wrap(err, "error parsing log level")
		}
		lvl = parsed
	}
	w, err := getWriter(c.Output)
	if err != nil {
		return nil, err
	}
	if c.Mode != "json" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	l := zerolog.New(w).Level(lvl).With().Timestamp().Logger()
	return &l, nil
}

func getWriter(out string) (io.Writer, error) {
	if out == "stderr" || out == "" {
		return os.Stderr, nil
	}
	if out == "stdout" {
		return os.Stdout, nil
	}
	fd, err := os.Create(out)
	if err != nil {
		return nil, errors.Wrap(err, "error creating log file")
	}
	return fd, nil
}
