package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiremani/cppjit/frontend"
	"github.com/thiremani/cppjit/frontend/cctest"
)

const (
	irFour = `define i32 @plugin_instance_CPPJIT_ID() {
entry:
  ret i32 4
}
`
	irBroken = `define i32 @plugin_instance_CPPJIT_ID() {
entry:
  %r = i32 1, 2
  ret i32 %r
}
`
)

func useTestFrontend(t *testing.T) *cctest.Invoker {
	t.Helper()
	inv := &cctest.Invoker{}
	prev := newInvoker
	newInvoker = func() frontend.Invoker { return inv }
	t.Cleanup(func() { newInvoker = prev })
	return inv
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	cmd := newRootCommand(&stdout, &stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeFile(t *testing.T, dir, name, text string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(text), 0644))
	return p
}

func TestRun(t *testing.T) {
	useTestFrontend(t)
	dir := t.TempDir()
	file := writeFile(t, dir, "four.ll", irFour)

	out, _, err := execute(t, "run", "--cache-dir", filepath.Join(dir, "cache"), file)
	require.NoError(t, err)
	assert.Equal(t, "four.ll: 4\n", out)
}

func TestRunWithID(t *testing.T) {
	inv := useTestFrontend(t)
	dir := t.TempDir()
	file := writeFile(t, dir, "four.ll", irFour)

	_, _, err := execute(t, "run", "--no-cache", "--id", "fixed_id", file)
	require.NoError(t, err)
	found := false
	for _, args := range inv.Args {
		for _, a := range args {
			if a == "-DCPPJIT_ID=fixed_id" {
				found = true
			}
		}
	}
	assert.True(t, found)

	_, _, err = execute(t, "run", "--id", "x", file, file)
	assert.Error(t, err)
}

func TestRunDiagnostics(t *testing.T) {
	useTestFrontend(t)
	dir := t.TempDir()
	good := writeFile(t, dir, "good.ll", irFour)
	bad := writeFile(t, dir, "bad.ll", irBroken)

	out, errOut, err := execute(t, "run", "--no-cache", "-j", "2", good, bad)
	assert.ErrorIs(t, err, ErrCompileFailed)
	assert.Equal(t, "good.ll: 4\n", out)
	assert.Contains(t, errOut, "bad.ll: ")
	assert.Contains(t, errOut, "error")
}

func TestRunMissingFile(t *testing.T) {
	useTestFrontend(t)
	_, errOut, err := execute(t, "run", "--no-cache", filepath.Join(t.TempDir(), "nope.ll"))
	assert.ErrorIs(t, err, ErrCompileFailed)
	assert.Contains(t, errOut, "io failure")
}

func TestRunMetrics(t *testing.T) {
	useTestFrontend(t)
	dir := t.TempDir()
	file := writeFile(t, dir, "four.ll", irFour)

	out, _, err := execute(t, "run", "--metrics", "--cache-dir", filepath.Join(dir, "cache"), file)
	require.NoError(t, err)
	assert.Contains(t, out, "cppjit_compiler_compiles_total{result=\"success\"} 1")
	assert.Contains(t, out, "cppjit_compiler_cache_lookups_total{result=\"miss\"} 1")
}

func TestCacheCommands(t *testing.T) {
	dir := t.TempDir()
	hash := strings.Repeat("ab", 32)
	writeFile(t, dir, hash+frontend.BC_SUFFIX, "bitcode")

	out, _, err := execute(t, "cache", "ls", "--cache-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, hash[:16])
	assert.Contains(t, out, "1 entries")

	out, _, err = execute(t, "cache", "prune", "--cache-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "removed 0 entries\n", out)

	out, _, err = execute(t, "cache", "clear", "--cache-dir", dir)
	require.NoError(t, err)
	assert.Equal(t, "removed 1 entries\n", out)
	_, err = os.Stat(filepath.Join(dir, hash+frontend.BC_SUFFIX))
	assert.True(t, os.IsNotExist(err))
}

func TestVersion(t *testing.T) {
	out, _, err := execute(t, "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "cppjit dev ("), out)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log, err := newLogger(&buf, "info")
	require.NoError(t, err)
	log.Debug("hidden")
	log.Info("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	_, err = newLogger(&buf, "loud")
	assert.Error(t, err)
}

func TestRunRejectsBadLogLevel(t *testing.T) {
	_, _, err := execute(t, "run", "--log-level", "loud", "x.ll")
	assert.Error(t, err)
}
