// Copyright 2025 PolyCrypt GmbH
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

package client

import (
	"time"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/pkg/errors"
)

// DefaultDialTimeout bounds the connection handshake when the config does not
// set one.
const DefaultDialTimeout = 10 * time.Second

// Duration wraps time.Duration so it can be given as a string like "10s" in
// TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Config holds the connection settings of a head client.
type Config struct {
	// NodeAddr is the host:port of the head node's API.
	NodeAddr string `toml:"node_addr"`
	// Secure switches the node connection to wss/https.
	Secure bool `toml:"secure"`
	// Address is this party's layer-1 address. When set, it scopes the
	// node's event stream and selects the outputs Decommit releases.
	Address string `toml:"address"`
	// ReplayHistory asks the node to replay all messages since head creation
	// before streaming live ones.
	ReplayHistory bool `toml:"replay_history"`
	// OgmiosURL is the Ogmios bridge used for layer-1 ledger queries.
	// Optional; without it, commits of layer-1 funds are unavailable.
	OgmiosURL string `toml:"ogmios_url"`
	// DialTimeout bounds the connection handshake.
	DialTimeout Duration `toml:"dial_timeout"`
}

// Validate checks the config for structural errors.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.NodeAddr, validation.Required, is.DialString),
		validation.Field(&c.OgmiosURL, is.URL),
	)
}

// LoadConfig reads and validates a TOML config file. Unknown keys are
// rejected, they usually indicate a typo.
func LoadConfig(path string) (Config, error) {
	cfg := Config{DialTimeout: Duration{DefaultDialTimeout}}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(err, "loading config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.Errorf("unknown config keys: %v", undecoded)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "validating config")
	}
	return cfg, nil
}

func (c Config) dialTimeout() time.Duration {
	if c.DialTimeout.Duration <= 0 {
		return DefaultDialTimeout
	}
	return c.DialTimeout.Duration
}

func (c Config) wsScheme() string {
	if c.Secure {
		return "wss"
	}
	return "ws"
}

func (c Config) httpScheme() string {
	if c.Secure {
		return "https"
	}
	return "http"
}
