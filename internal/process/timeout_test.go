package process

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCommandTimeout(t *testing.T) {
	tests := []struct {
		name   string
		prompt string
		want   time.Duration
	}{
		{"empty prompt", "", time.Minute},
		{"basic prompt", "list files", 2 * time.Minute},
		{"medium length", strings.Repeat("a", 100), 3 * time.Minute},
		{"long prompt", strings.Repeat("a", 250), 5 * time.Minute},
		{"complex keyword", "review this function", 5 * time.Minute},
		{"complex keyword short prompt", "debug it", 5 * time.Minute},
		{"very complex keyword", "do a comprehensive pass", 10 * time.Minute},
		{"very complex overrides complex", "comprehensive review of everything", 10 * time.Minute},
		{"very complex overrides length", "full rewrite " + strings.Repeat("a", 300), 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CommandTimeout(tt.prompt))
		})
	}
}

func TestRingBuffer(t *testing.T) {
	r := newRingBuffer(8)
	_, _ = r.Write([]byte("abcdef"))
	assert.Equal(t, "abcdef", r.String())

	_, _ = r.Write([]byte("ghijkl"))
	assert.Equal(t, "efghijkl", r.String())
}

func TestBuildArgs(t *testing.T) {
	runner := &Runner{}
	runner.cfg.PermissionMode = "default"
	runner.cfg.AllowedTools = []string{"Read", "Write", "Edit"}

	args := runner.buildArgs(false)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--output-format stream-json")
	assert.Contains(t, joined, "--permission-mode default")
	assert.Contains(t, joined, "--allowedTools Read,Write,Edit")
	assert.NotContains(t, joined, "--dangerously-skip-permissions")

	args = runner.buildArgs(true)
	assert.Contains(t, strings.Join(args, " "), "--dangerously-skip-permissions")
}
