// Package security implements the command policy gate: preset-based blocked
// command matching, read-only and safe-directory enforcement, pending
// permission requests, and the command audit log.
package security

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Preset names.
const (
	PresetUnrestricted = "unrestricted"
	PresetStandard     = "standard"
	PresetRestricted   = "restricted"
)

// Stable denial codes.
const (
	CodeBlockedCommand = "BLOCKED_COMMAND"
	CodeReadOnlyMode   = "READONLY_MODE"
)

// standardBlocked is the blocked-commands list baked into the standard preset.
// Entries are literal unless prefixed with "re:".
var standardBlocked = []string{
	"rm -rf /",
	"re:^mkfs",
	"dd",
	"format",
	"fdisk",
	":(){ :|:& };:",
	"shutdown",
	"reboot",
	"halt",
}

// Config is the immutable security policy for a server instance.
type Config struct {
	Preset              string
	BlockedCommands     []string
	SafeDirectories     []string
	RequireConfirmation bool
	ReadOnlyMode        bool
	EnableAudit         bool
	MaxFileSize         int64
}

// NewConfig builds a Config from a preset name, then applies the overrides.
// Extra blocked commands are appended to the preset's list; the restricted
// preset's wildcard cannot be overridden.
func NewConfig(preset string, extraBlocked, safeDirs []string, readOnly, enableAudit bool, maxFileSize int64) (*Config, error) {
	cfg := &Config{
		Preset:          preset,
		SafeDirectories: safeDirs,
		EnableAudit:     enableAudit,
		MaxFileSize:     maxFileSize,
	}

	switch preset {
	case PresetUnrestricted:
		cfg.BlockedCommands = nil
		cfg.RequireConfirmation = false
		cfg.ReadOnlyMode = false
	case PresetStandard:
		cfg.BlockedCommands = append([]string{}, standardBlocked...)
		cfg.RequireConfirmation = true
		cfg.ReadOnlyMode = readOnly
	case PresetRestricted:
		cfg.BlockedCommands = []string{"*"}
		cfg.RequireConfirmation = true
		cfg.ReadOnlyMode = true
	default:
		return nil, fmt.Errorf("unknown security preset: %q", preset)
	}

	if preset != PresetRestricted {
		cfg.BlockedCommands = append(cfg.BlockedCommands, extraBlocked...)
	}

	return cfg, nil
}

// policyFile is the yaml shape of an external policy document.
type policyFile struct {
	BlockedCommands []string `yaml:"blockedCommands"`
	SafeDirectories []string `yaml:"safeDirectories"`
}

// LoadPolicyFile reads an optional yaml policy document and merges its
// blocked commands and safe directories into the config.
func (c *Config) LoadPolicyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	var policy policyFile
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return fmt.Errorf("failed to parse policy file: %w", err)
	}

	if c.Preset != PresetRestricted {
		c.BlockedCommands = append(c.BlockedCommands, policy.BlockedCommands...)
	}
	c.SafeDirectories = append(c.SafeDirectories, policy.SafeDirectories...)
	return nil
}
