package policy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authzModule = `package stageflow.authz

default decision := {"action": "allow"}

decision := {
	"action": "block",
	"reason": "execute requires operator",
	"metadata": {"violation_code": "NOT_OPERATOR"},
	"retry": false,
} if {
	input.command == "execute"
	input.principal != "operator"
}

flag := true
`

func newTestEngine(t *testing.T, cacheSize int) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), EngineOptions{
		Modules:         map[string]string{"authz.rego": authzModule},
		CacheMaxEntries: cacheSize,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

func TestEngineDecisions(t *testing.T) {
	e := newTestEngine(t, 0)
	ctx := context.Background()

	d, err := e.Evaluate(ctx, Input{Command: "compile", Principal: "dev"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	d, err = e.Evaluate(ctx, Input{Command: "execute", Principal: "dev", Pipeline: "totals"})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, "execute requires operator", d.Reason)
	assert.Equal(t, "NOT_OPERATOR", d.Metadata["violation_code"])
	assert.Equal(t, false, d.Outputs["retry"])

	d, err = e.Evaluate(ctx, Input{Command: "execute", Principal: "operator"})
	require.NoError(t, err)
	assert.True(t, d.Allowed())
}

func TestEngineCachesDecisions(t *testing.T) {
	e := newTestEngine(t, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.Evaluate(ctx, Input{Command: "execute", Principal: "dev"})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, e.cache.Len())

	_, err := e.Evaluate(ctx, Input{Command: "execute", Principal: "dev", Attributes: map[string]any{"k": 1}})
	require.NoError(t, err)
	assert.Equal(t, 1, e.cache.Len(), "attribute inputs are not cached")

	_, _ = e.Evaluate(ctx, Input{Command: "compile", Principal: "a"})
	_, _ = e.Evaluate(ctx, Input{Command: "compile", Principal: "b"})
	assert.Equal(t, 2, e.cache.Len(), "lru evicts beyond capacity")

	e.FlushCache()
	assert.Equal(t, 0, e.cache.Len())

	uncached := newTestEngine(t, -1)
	assert.Nil(t, uncached.cache)
}

func TestEngineEntrypoints(t *testing.T) {
	e := newTestEngine(t, -1)
	ctx := context.Background()

	d, err := e.Evaluate(ctx, Input{Command: "execute", Entrypoint: "stageflow/authz/undefined"})
	require.NoError(t, err)
	assert.True(t, d.Allowed(), "undefined decisions allow")

	_, err = e.Evaluate(ctx, Input{Command: "execute", Entrypoint: "stageflow/authz/flag"})
	assert.ErrorContains(t, err, "unexpected result type")
}

func TestNewEngineErrors(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{})
	assert.Error(t, err)

	_, err = NewEngine(context.Background(), EngineOptions{Modules: map[string]string{"bad.rego": "package x\nallow if {"}})
	assert.ErrorContains(t, err, "bad.rego")
}

func TestLoadModules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authz.rego")
	require.NoError(t, os.WriteFile(path, []byte(authzModule), 0o600))

	mods, err := LoadModules([]string{path})
	require.NoError(t, err)
	assert.Equal(t, authzModule, mods["authz.rego"])

	_, err = LoadModules([]string{path, path})
	assert.ErrorContains(t, err, "duplicate")

	_, err = LoadModules([]string{filepath.Join(dir, "missing.rego")})
	assert.Error(t, err)
}

type stubFilter struct {
	decision Decision
	err      error
	calls    int
}

func (s *stubFilter) Evaluate(context.Context, Input) (Decision, error) {
	s.calls++
	return s.decision, s.err
}

func TestChainShortCircuits(t *testing.T) {
	allow := &stubFilter{decision: Decision{Action: ActionAllow}}
	block := &stubFilter{decision: Decision{Action: ActionBlock, Reason: "no"}}
	never := &stubFilter{decision: Decision{Action: ActionAllow}}

	d, err := NewChain(allow, block, never).Evaluate(context.Background(), Input{})
	require.NoError(t, err)
	assert.Equal(t, ActionBlock, d.Action)
	assert.Equal(t, 0, never.calls)

	d, err = NewChain().Evaluate(context.Background(), Input{})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	_, err = NewChain(&stubFilter{decision: Decision{Action: "maybe"}}).Evaluate(context.Background(), Input{})
	assert.Error(t, err)
}

func TestPosture(t *testing.T) {
	broken := &stubFilter{err: errors.New("bundle missing")}

	d, err := Postured{Filter: broken, Mode: ModeFailOpen}.Evaluate(context.Background(), Input{})
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	d, err = Postured{Filter: broken, Mode: ModeFailClosed}.Evaluate(context.Background(), Input{})
	require.NoError(t, err)
	assert.False(t, d.Allowed())
	assert.Equal(t, "bundle missing", d.Metadata["error"])

	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeFailClosed, m)
	m, err = ParseMode("Fail-Open")
	require.NoError(t, err)
	assert.Equal(t, ModeFailOpen, m)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}
