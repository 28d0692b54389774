package cli

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `storage:
  type: memory
adaptors:
  - name: stream
    type: notifier
routes:
  - name: passthrough
    recipients: [stream]
    rule:
      type: forward
      properties:
        event_types: [DATA_ARRIVED]
system_rules:
  - type: distribution
    properties:
      destination: copy:///var/spool/out
logging:
  level: error
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ruleflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func execute(args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestValidateCommand(t *testing.T) {
	out, err := execute("validate", "--config", writeConfig(t, validConfig))
	require.NoError(t, err)
	assert.Equal(t, "ok: 1 adaptors, 1 routes, 1 system rules\n", out)
}

func TestValidateCommandFailures(t *testing.T) {
	tests := []struct {
		name     string
		config   string
		code     int
		contains string
	}{
		{
			name:     "unknown store",
			config:   "storage:\n  type: etcd\n",
			code:     ExitCommandError,
			contains: "unknown store",
		},
		{
			name: "unknown rule type",
			config: `storage:
  type: memory
system_rules:
  - type: teleport
logging:
  level: error
`,
			code:     ExitFailure,
			contains: "unknown rule type",
		},
		{
			name: "unsupported destination",
			config: `storage:
  type: memory
system_rules:
  - type: distribution
    properties:
      destination: gopher://example.org/out
logging:
  level: error
`,
			code:     ExitFailure,
			contains: "not fully configured",
		},
		{
			name: "forward without event types",
			config: `storage:
  type: memory
adaptors:
  - name: stream
    type: notifier
routes:
  - name: empty
    recipients: [stream]
    rule:
      type: forward
logging:
  level: error
`,
			code:     ExitFailure,
			contains: `route "empty"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute("validate", "--config", writeConfig(t, tt.config))
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestRejectsArguments(t *testing.T) {
	_, err := execute("validate", "extra")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}

func TestGetExitCode(t *testing.T) {
	cause := errors.New("boom")
	wrapped := fmt.Errorf("outer: %w", WrapExitError(ExitCommandError, "bad flags", cause))

	assert.Equal(t, ExitSuccess, GetExitCode(nil))
	assert.Equal(t, ExitFailure, GetExitCode(cause))
	assert.Equal(t, ExitCommandError, GetExitCode(wrapped))
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "bad flags: boom", WrapExitError(ExitFailure, "bad flags", cause).Error())
}
