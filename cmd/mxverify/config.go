// Copyright (c) 2025 Tulir Asokan
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at http://mozilla.org/MPL/2.0/.

package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"maunium.net/go/mxverify/id"
)

//go:embed example-config.yaml
var ExampleConfig string

type VerificationConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	FutureTolerance time.Duration `yaml:"future_tolerance"`
}

type Config struct {
	Homeserver  string      `yaml:"homeserver"`
	UserID      id.UserID   `yaml:"user_id"`
	DeviceID    id.DeviceID `yaml:"device_id"`
	AccessToken string      `yaml:"access_token"`

	Database     dbutil.Config      `yaml:"database"`
	Verification VerificationConfig `yaml:"verification"`
	Logging      zeroconfig.Config  `yaml:"logging"`
}

func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return ParseConfig(data)
}

func (cfg *Config) Validate() error {
	switch {
	case cfg.Homeserver == "" || cfg.Homeserver == "https://example.com":
		return errors.New("homeserver not configured")
	case cfg.UserID == "" || cfg.UserID == "@user:example.com":
		return errors.New("user_id not configured")
	case cfg.DeviceID == "":
		return errors.New("device_id not configured")
	case cfg.AccessToken == "":
		return errors.New("access_token not configured")
	case cfg.Database.Type != "sqlite3-fk-wal" && cfg.Database.Type != "postgres":
		return fmt.Errorf("unsupported database type %q", cfg.Database.Type)
	case cfg.Verification.Timeout < 0 || cfg.Verification.FutureTolerance < 0:
		return errors.New("verification durations can't be negative")
	}
	if _, _, err := cfg.UserID.Parse(); err != nil {
		return fmt.Errorf("invalid user_id: %w", err)
	}
	return nil
}
