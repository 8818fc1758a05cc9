package parser

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

func TestSupports(t *testing.T) {
	p := NewHashParser(0)
	assert.True(t, p.Supports("main.go"))
	assert.True(t, p.Supports("README.MD"))
	assert.False(t, p.Supports("binary.exe"))
	assert.False(t, p.Supports("Makefile"))
}

func TestParseFileProducesFileAndModule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.go")
	require.NoError(t, os.WriteFile(path, []byte("package main\n"), 0o644))

	p := NewHashParser(0)
	res, err := p.ParseFile(context.Background(), path)
	require.NoError(t, err)

	require.Len(t, res.Entities, 2)
	file, mod := res.Entities[0], res.Entities[1]
	assert.Equal(t, types.KindFile, file.Kind)
	assert.Equal(t, "go", file.Language)
	assert.Len(t, file.Hash, 64)
	assert.Equal(t, types.KindModule, mod.Kind)

	require.Len(t, res.Relationships, 1)
	edge := res.Relationships[0]
	assert.Equal(t, types.RelContains, edge.Type)
	assert.Equal(t, mod.ID, edge.FromID)
	assert.Equal(t, file.ID, edge.ToID)
	assert.True(t, edge.Active)
}

func TestParseFileScansTopLevelSymbols(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.go")
	src := "package svc\n\nfunc Run() {}\n\ntype Server struct {\n\tfunc notTopLevel()\n}\n\nfunc (s *Server) Close() {}\n"
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	p := NewHashParser(0)
	res, err := p.ParseFile(context.Background(), path)
	require.NoError(t, err)

	var syms []*types.Entity
	for _, e := range res.Entities {
		if e.Kind == types.KindSymbol {
			syms = append(syms, e)
		}
	}
	require.Len(t, syms, 3)
	assert.Equal(t, "sym:"+filepath.ToSlash(path)+"#Run", syms[0].ID)
	assert.Equal(t, "3", syms[0].Attrs["line"])
	assert.Equal(t, "sym:"+filepath.ToSlash(path)+"#Server", syms[1].ID)
	assert.Equal(t, "sym:"+filepath.ToSlash(path)+"#Close", syms[2].ID, "receiver skipped")

	// Each symbol hangs off the file via a contains edge.
	contains := 0
	for _, r := range res.Relationships {
		if r.Type == types.RelContains && r.FromID == res.Entities[0].ID {
			contains++
		}
	}
	assert.Equal(t, 3, contains)
}

func TestParseFileHashStableAcrossRereads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.py")
	require.NoError(t, os.WriteFile(path, []byte("x = 1\n"), 0o644))

	p := NewHashParser(0)
	first, err := p.ParseFile(context.Background(), path)
	require.NoError(t, err)
	second, err := p.ParseFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, first.Entities[0].Hash, second.Entities[0].Hash)

	require.NoError(t, os.WriteFile(path, []byte("x = 2\n"), 0o644))
	third, err := p.ParseFile(context.Background(), path)
	require.NoError(t, err)
	assert.NotEqual(t, first.Entities[0].Hash, third.Entities[0].Hash)
}

func TestMissingFileIsRecoverable(t *testing.T) {
	p := NewHashParser(0)
	_, err := p.ParseFile(context.Background(), filepath.Join(t.TempDir(), "gone.go"))
	require.Error(t, err)

	var perr *types.ParseError
	require.ErrorAs(t, err, &perr)
	assert.True(t, perr.Recoverable)
	assert.Equal(t, "io", perr.Type)
}

func TestDocFreshness(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guide.md")
	require.NoError(t, os.WriteFile(path, []byte("# guide\n"), 0o644))

	old := time.Now().Add(-60 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	p := &HashParser{FreshnessWindow: 30 * 24 * time.Hour, Clock: clock.System{}}
	res, err := p.ParseFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, types.KindDoc, res.Entities[0].Kind)
	assert.Equal(t, "true", res.Entities[0].Attrs["stale"])
}

func TestChangeFragmentsHintEntities(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "svc.go")
	require.NoError(t, os.WriteFile(path, []byte("package svc\n"), 0o644))

	p := NewHashParser(0)
	res, err := p.ParseFile(context.Background(), path)
	require.NoError(t, err)

	frags := ChangeFragments(res, "evt-1", types.OpAdd)
	require.Len(t, frags, 3)

	var relFrag *types.ChangeFragment
	entIDs := make(map[string]bool)
	for _, f := range frags {
		switch f.Kind {
		case types.FragmentEntity:
			entIDs[f.ID] = true
		case types.FragmentRelationship:
			relFrag = f
		}
	}
	require.NotNil(t, relFrag)
	require.Len(t, relFrag.DependencyHints, 2, "edge depends on both endpoints")
	for _, h := range relFrag.DependencyHints {
		assert.True(t, entIDs[h])
	}
	assert.Equal(t, "evt-1", relFrag.EventID)
}
