package driver

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeDebugger writes a shell script that mimics CDB's stdin/stdout
// protocol closely enough to exercise Driver: it prints an initial prompt,
// answers every ".echo <tag>" line with the bare tag, answers any other
// line with one canned content line, and exits on "q".
func fakeDebugger(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cdb.sh")
	script := `#!/bin/bash
echo "0:000> "
while IFS= read -r line; do
  if [[ "$line" == "q" ]]; then
    exit 0
  fi
  if [[ "$line" == .echo\ * ]]; then
    echo "${line#.echo }"
    continue
  fi
  echo "content for: $line"
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func testConfig(t *testing.T, bin string) Config {
	return Config{
		SessionID:         "sess-test",
		BinaryPath:        bin,
		DumpPath:          filepath.Join(t.TempDir(), "a.dmp"),
		CommandTimeout:    2 * time.Second,
		StartupTimeout:    2 * time.Second,
		OutputReadTimeout: 2 * time.Second,
		DisposalTimeout:   500 * time.Millisecond,
	}
}

func TestNew_ConfigInvalid(t *testing.T) {
	cases := map[string]Config{
		"zero command timeout":   {SessionID: "s", BinaryPath: "/bin/true", DumpPath: "/tmp/a", StartupTimeout: time.Second, OutputReadTimeout: time.Second, DisposalTimeout: time.Second},
		"negative startup delay": {SessionID: "s", BinaryPath: "/bin/true", DumpPath: "/tmp/a", CommandTimeout: time.Second, StartupTimeout: time.Second, OutputReadTimeout: time.Second, DisposalTimeout: time.Second, StartupDelay: -1},
		"missing binary":         {SessionID: "s", DumpPath: "/tmp/a", CommandTimeout: time.Second, StartupTimeout: time.Second, OutputReadTimeout: time.Second, DisposalTimeout: time.Second},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(cfg, zap.NewNop())
			assert.ErrorIs(t, err, ErrConfigInvalid)
		})
	}
}

func TestDriver_HappyPath(t *testing.T) {
	bin := fakeDebugger(t)
	d, err := New(testConfig(t, bin), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))

	out, err := d.Execute(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "content for: k", out)
	assert.NotContains(t, out, "0:000>")

	d.Stop()
	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not exit after Stop()")
	}
}

// leadingPromptDebugger echoes an extra prompt line before any content line,
// simulating a CDB quirk where the prompt re-prints before command output
// starts arriving.
func leadingPromptDebugger(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "leading-prompt-cdb.sh")
	script := `#!/bin/bash
echo "0:000> "
while IFS= read -r line; do
  if [[ "$line" == "q" ]]; then
    exit 0
  fi
  if [[ "$line" == .echo\ * ]]; then
    echo "${line#.echo }"
    continue
  fi
  echo "0:000> "
  echo "content for: $line"
done
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestDriver_LeadingPromptNeverLeaksIntoResult(t *testing.T) {
	bin := leadingPromptDebugger(t)
	d, err := New(testConfig(t, bin), zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))

	out, err := d.Execute(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "content for: k", out)
	assert.NotContains(t, out, "0:000>")

	d.Stop()
}

func TestDriver_CommandTimeout(t *testing.T) {
	dir := t.TempDir()
	// A script that never echoes the sentinel — simulates a debugger
	// command that hangs.
	path := filepath.Join(dir, "hang-cdb.sh")
	script := "#!/bin/bash\necho \"0:000> \"\nwhile IFS= read -r line; do :; done\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))

	cfg := testConfig(t, path)
	cfg.CommandTimeout = 100 * time.Millisecond
	d, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Start(ctx))

	_, err = d.Execute(ctx, "version", nil)
	assert.ErrorIs(t, err, ErrCommandTimeout)

	d.Stop()
}

func TestDriver_NotActiveBeforeStart(t *testing.T) {
	bin := fakeDebugger(t)
	d, err := New(testConfig(t, bin), zap.NewNop())
	require.NoError(t, err)

	_, err = d.Execute(context.Background(), "k", nil)
	assert.ErrorIs(t, err, ErrNotActive)
}

func TestDriver_StartupFailed_MissingBinary(t *testing.T) {
	cfg := testConfig(t, filepath.Join(t.TempDir(), "does-not-exist"))
	d, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	err = d.Start(context.Background())
	assert.True(t, errors.Is(err, ErrStartupFailed))
}
