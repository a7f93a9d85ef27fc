package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultAgentAddr = ":9443"

// AgentConfig is read from the environment.
type AgentConfig struct {
	DuckDBPath      string // empty opens an in-memory database
	AgentToken      string
	ListenAddr      string
	MaxMemoryGB     int
	Threads         int
	MaxQuerySeconds int // upper bound used for the HTTP write timeout
	LogLevel        string
}

func loadAgentConfig() (*AgentConfig, error) {
	cfg := &AgentConfig{
		DuckDBPath: os.Getenv("DUCKDB_PATH"),
		AgentToken: strings.TrimSpace(os.Getenv("AGENT_TOKEN")),
		ListenAddr: os.Getenv("LISTEN_ADDR"),
		LogLevel:   os.Getenv("LOG_LEVEL"),
	}
	if cfg.AgentToken == "" {
		return nil, errors.New("AGENT_TOKEN is required")
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = defaultAgentAddr
	}

	ints := map[string]*int{
		"MAX_MEMORY_GB":     &cfg.MaxMemoryGB,
		"DUCKDB_THREADS":    &cfg.Threads,
		"MAX_QUERY_SECONDS": &cfg.MaxQuerySeconds,
	}
	for key, dst := range ints {
		raw := os.Getenv(key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%s must be a non-negative integer, got %q", key, raw)
		}
		*dst = n
	}
	return cfg, nil
}

// settings lists the DuckDB SET statements implied by the configured limits.
func (c *AgentConfig) settings() []string {
	var out []string
	if c.MaxMemoryGB > 0 {
		out = append(out, fmt.Sprintf("SET max_memory='%dGB'", c.MaxMemoryGB))
	}
	if c.Threads > 0 {
		out = append(out, fmt.Sprintf("SET threads=%d", c.Threads))
	}
	return out
}

func (c *AgentConfig) writeTimeout() time.Duration {
	if c.MaxQuerySeconds > 0 {
		return time.Duration(c.MaxQuerySeconds)*time.Second + time.Minute
	}
	return 30 * time.Minute
}

func (c *AgentConfig) logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}
