package security

import (
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/aicli/companion/internal/common/logger"
)

// Result is the outcome of a policy check.
type Result struct {
	Allowed              bool   `json:"allowed"`
	Reason               string `json:"reason,omitempty"`
	Code                 string `json:"code,omitempty"`
	RequiresConfirmation bool   `json:"requiresConfirmation,omitempty"`
}

// Validator evaluates commands against the security policy.
type Validator struct {
	config *Config
	logger *logger.Logger

	audit       *auditLog
	permissions *permissionStore

	mu       sync.RWMutex
	regexps  map[string]*regexp.Regexp // compiled re: entries
}

// NewValidator creates a Validator for the given policy.
func NewValidator(cfg *Config, log *logger.Logger) *Validator {
	v := &Validator{
		config:      cfg,
		logger:      log.WithFields(zap.String("component", "security")),
		audit:       newAuditLog(),
		permissions: newPermissionStore(),
		regexps:     make(map[string]*regexp.Regexp),
	}
	for _, entry := range cfg.BlockedCommands {
		if pattern, ok := strings.CutPrefix(entry, "re:"); ok {
			re, err := regexp.Compile(pattern)
			if err != nil {
				v.logger.Warn("invalid blocked-command regex, entry ignored",
					zap.String("pattern", pattern), zap.Error(err))
				continue
			}
			v.regexps[entry] = re
		}
	}
	return v
}

// Config returns the active policy.
func (v *Validator) Config() *Config {
	return v.config
}

// ValidateCommand checks a command against the policy and, when auditing is
// enabled, records the outcome.
func (v *Validator) ValidateCommand(command, cwd string) Result {
	result := v.evaluate(command, cwd)
	if v.config.EnableAudit {
		v.audit.append(command, cwd, result)
	}
	if !result.Allowed {
		v.logger.Warn("command denied",
			zap.String("command", command),
			zap.String("code", result.Code))
	}
	return result
}

// TestCommand runs the validator without recording an audit entry.
func (v *Validator) TestCommand(command, cwd string) Result {
	return v.evaluate(command, cwd)
}

func (v *Validator) evaluate(command, cwd string) Result {
	command = strings.TrimSpace(command)

	for _, entry := range v.config.BlockedCommands {
		if entry == "*" {
			return Result{Allowed: false, Code: CodeBlockedCommand, Reason: "Command matches blocked pattern"}
		}
		if v.matchesBlocked(command, entry) {
			return Result{Allowed: false, Code: CodeBlockedCommand,
				Reason: "Command matches blocked pattern: " + entry}
		}
	}

	if v.config.ReadOnlyMode && isWriteCommand(command) {
		return Result{Allowed: false, Code: CodeReadOnlyMode,
			Reason: "Write commands are not allowed in read-only mode"}
	}

	if len(v.config.SafeDirectories) > 0 {
		for _, path := range extractPaths(command) {
			if !v.pathAllowed(path, cwd) {
				return Result{Allowed: false,
					Reason: "Path " + path + " is outside configured safe directories"}
			}
		}
	}

	if v.config.RequireConfirmation && isDestructiveCommand(command) {
		return Result{Allowed: true, RequiresConfirmation: true}
	}

	return Result{Allowed: true}
}

// matchesBlocked applies the literal-vs-regex pattern rules. A literal entry
// matches on exact equality or as a prefix followed by a space, so "rm"
// blocks "rm file" but not "rmdir", and "rm -rf /" does not block
// "rm -rf /home/user".
func (v *Validator) matchesBlocked(command, entry string) bool {
	if strings.HasPrefix(entry, "re:") {
		v.mu.RLock()
		re := v.regexps[entry]
		v.mu.RUnlock()
		return re != nil && re.MatchString(command)
	}
	if command == entry {
		return true
	}
	return strings.HasPrefix(command, entry+" ")
}

// pathAllowed resolves the path against cwd and checks it is a descendant of
// some safe directory. ".." traversal is resolved before comparison.
func (v *Validator) pathAllowed(path, cwd string) bool {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(cwd, resolved)
	}
	resolved = filepath.Clean(resolved)

	for _, dir := range v.config.SafeDirectories {
		dir = filepath.Clean(dir)
		if resolved == dir || strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

var flagPathRe = regexp.MustCompile(`(?:--file=|--path=)(\S+)|(?:\s-f\s+|\s-o\s+)(\S+)`)

// extractPaths pulls path-like tokens out of a command string: absolute
// paths, relative paths containing a slash, and --file=/--path=/-f/-o values.
func extractPaths(command string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.Trim(p, `"'`)
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}

	for _, m := range flagPathRe.FindAllStringSubmatch(command, -1) {
		if m[1] != "" {
			add(m[1])
		}
		if m[2] != "" {
			add(m[2])
		}
	}

	for _, token := range strings.Fields(command) {
		token = strings.Trim(token, `"'`)
		if strings.HasPrefix(token, "-") {
			continue
		}
		if strings.HasPrefix(token, "/") || strings.Contains(token, "/") {
			add(token)
		}
	}

	return paths
}

var gitWriteRe = regexp.MustCompile(`^git\s+(add|commit|push|rm|reset\s+--hard|checkout\s+--\s)`)

var writePrefixes = []string{"rm", "mkdir", "rmdir", "touch", "mv", "cp -f", "chmod", "chown"}

// isWriteCommand reports whether the command writes to the filesystem.
func isWriteCommand(command string) bool {
	if strings.Contains(command, ">") || strings.Contains(command, "|tee") || strings.Contains(command, "| tee") {
		return true
	}
	for _, prefix := range writePrefixes {
		if command == prefix || strings.HasPrefix(command, prefix+" ") {
			return true
		}
	}
	return gitWriteRe.MatchString(command)
}

var destructivePatterns = []string{
	"rm -rf",
	"format",
	"diskutil eraseDisk",
	":(){ :|:& };:",
}

var ddDeviceRe = regexp.MustCompile(`dd\s+if=\S+\s+of=/dev/`)

// isDestructiveCommand reports whether the command is destructive enough to
// require explicit confirmation.
func isDestructiveCommand(command string) bool {
	for _, pattern := range destructivePatterns {
		if strings.Contains(command, pattern) {
			return true
		}
	}
	return ddDeviceRe.MatchString(command)
}
