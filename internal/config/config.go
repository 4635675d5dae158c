// Package config loads the Dispatcher's process-wide TOML
// configuration, applying the legacy single-playbook environment
// variable overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// ErrConfigError is returned for any problem loading or validating
// the process configuration; the CLI treats it as exit code 1.
var ErrConfigError = errors.New("config error")

// EnvEntry is one repo/branch's string->string environment injection
// mapping.
type EnvEntry map[string]string

// Config is the effective, validated process configuration.
type Config struct {
	Port         int
	Secret       string
	CheckoutRoot string
	LogRoot      string
	Hostname     string

	// Env maps "owner.repo.branch" to its injection mapping.
	Env map[string]EnvEntry
}

type fileShape struct {
	Config struct {
		Port         int    `toml:"port"`
		Secret       string `toml:"secret"`
		CheckoutRoot string `toml:"checkout_root"`
		LogRoot      string `toml:"log_root"`
		Hostname     string `toml:"hostname"`
	} `toml:"config"`
	Env map[string]map[string]map[string]map[string]string `toml:"env"`
}

// Load resolves the config file path (explicit path flag first, then
// DEPLOYER_CONFIG, then HOOKSHOT_CONFIG), parses it as TOML, applies
// legacy env var overrides, and validates the result.
func Load(pathFlag string) (Config, error) {
	path := pathFlag
	if path == "" {
		path = firstNonEmpty(os.Getenv("DEPLOYER_CONFIG"), os.Getenv("HOOKSHOT_CONFIG"))
	}
	if path == "" {
		return Config{}, fmt.Errorf("%w: no config path given (--config, DEPLOYER_CONFIG, or HOOKSHOT_CONFIG)", ErrConfigError)
	}

	var shape fileShape
	if _, err := toml.DecodeFile(path, &shape); err != nil {
		return Config{}, fmt.Errorf("%w: parsing %s: %v", ErrConfigError, path, err)
	}

	cfg := Config{
		Port:         shape.Config.Port,
		Secret:       shape.Config.Secret,
		CheckoutRoot: shape.Config.CheckoutRoot,
		LogRoot:      shape.Config.LogRoot,
		Hostname:     shape.Config.Hostname,
		Env:          flattenEnv(shape.Env),
	}

	applyLegacyOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// flattenEnv turns the nested env.<owner>.<repo>.<branch> TOML tables
// into a flat "owner.repo.branch" -> mapping lookup.
func flattenEnv(raw map[string]map[string]map[string]map[string]string) map[string]EnvEntry {
	out := make(map[string]EnvEntry)
	for owner, repos := range raw {
		for repo, branches := range repos {
			for branch, vars := range branches {
				key := owner + "." + repo + "." + branch
				entry := make(EnvEntry, len(vars))
				for k, v := range vars {
					entry[k] = v
				}
				out[key] = entry
			}
		}
	}
	return out
}

// applyLegacyOverrides layers the legacy single-playbook env vars
// over whatever the file set, matching the teacher's flags-over-file
// precedence.
func applyLegacyOverrides(cfg *Config) {
	if v := os.Getenv("DEPLOYER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Port = p
		}
	}
	if v := os.Getenv("DEPLOYER_SECRET"); v != "" {
		cfg.Secret = v
	}
	// DEPLOYER_PLAYBOOK is consumed by the legacy single-playbook mode,
	// not by the TOML-driven manifest path, so cmd/dispatcher reads it
	// when building the legacytcp.Server rather than storing it on Config.
}

func validate(cfg Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrConfigError, cfg.Port)
	}
	if cfg.Secret == "" {
		return fmt.Errorf("%w: secret is required", ErrConfigError)
	}
	if cfg.CheckoutRoot == "" {
		return fmt.Errorf("%w: checkout_root is required", ErrConfigError)
	}
	if cfg.LogRoot == "" {
		return fmt.Errorf("%w: log_root is required", ErrConfigError)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
