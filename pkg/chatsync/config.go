// chatsync - real-time chat synchronization core for the EduTalk client.
// Copyright (C) 2025 EduTalk
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package chatsync

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// APIURL is the base URL of the chat REST API, without a trailing slash.
	APIURL string `yaml:"api_url"`

	// SocketURL is the websocket endpoint for push events. If empty, it is
	// derived from APIURL (https -> wss) with the /ws path.
	SocketURL string `yaml:"socket_url"`

	// Token is the bearer token used for both REST and socket auth.
	Token string `yaml:"token"`

	// UserID identifies the logged-in user. Needed locally to tell own
	// messages apart from everyone else's for unread accounting.
	UserID string `yaml:"user_id"`

	// HistoryDB is the path of the local SQLite message cache. Empty
	// disables local history entirely.
	HistoryDB string `yaml:"history_db"`

	// HistoryRetentionDays bounds the local cache. Messages older than this
	// are pruned on startup. 0 keeps everything.
	HistoryRetentionDays int `yaml:"history_retention_days"`

	// UploadStagingDir holds per-chunk temp files during attachment
	// uploads. Defaults to the OS temp dir.
	UploadStagingDir string `yaml:"upload_staging_dir"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	c.APIURL = strings.TrimRight(c.APIURL, "/")
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.SocketURL == "" {
		parsed, err := url.Parse(c.APIURL)
		if err != nil {
			return fmt.Errorf("invalid api_url: %w", err)
		}
		switch parsed.Scheme {
		case "https":
			parsed.Scheme = "wss"
		case "http":
			parsed.Scheme = "ws"
		default:
			return fmt.Errorf("unsupported api_url scheme %q", parsed.Scheme)
		}
		parsed.Path = "/ws"
		c.SocketURL = parsed.String()
	}
	if c.UploadStagingDir == "" {
		c.UploadStagingDir = os.TempDir()
	}
	return nil
}

// HistoryRetention converts the configured retention into a duration.
// Zero means unbounded.
func (c *Config) HistoryRetention() time.Duration {
	return time.Duration(c.HistoryRetentionDays) * 24 * time.Hour
}

// LoadConfig reads and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	return &cfg, nil
}
