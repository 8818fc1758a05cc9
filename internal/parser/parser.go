// Package parser turns source files into graph entities and relationships.
// The engine treats parsers as pluggable collaborators; HashParser is the
// built-in default and extracts file-level structure plus top-level symbols
// found by a line scan.
package parser

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/codeatlas-io/codeatlas/internal/clock"
	"github.com/codeatlas-io/codeatlas/internal/types"
)

// Result is everything one file contributed to the graph. Errors are the
// recoverable per-file problems; a non-nil error from ParseFile means the
// file produced nothing.
type Result struct {
	Entities      []*types.Entity
	Relationships []*types.Relationship
	Errors        []*types.ParseError
}

// Parser is the file-to-graph contract.
type Parser interface {
	// Supports reports whether the parser wants the file at all.
	Supports(path string) bool
	// ParseFile extracts graph content from one file.
	ParseFile(ctx context.Context, path string) (*Result, error)
}

// languageByExt maps extensions the default parser recognizes.
var languageByExt = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".md":   "markdown",
	".yaml": "yaml",
	".yml":  "yaml",
	".json": "json",
	".sql":  "sql",
}

// HashParser is the built-in parser: one entity per file keyed by content
// hash, symbol entities for top-level declarations, one module entity per
// directory, and contains edges between them. Documentation files older than
// the freshness window are tagged stale.
type HashParser struct {
	// FreshnessWindow bounds how old a doc file may be before it is marked
	// stale. Zero disables the check.
	FreshnessWindow time.Duration
	Clock           clock.Clock
}

// NewHashParser returns a HashParser with the given doc freshness window.
func NewHashParser(freshness time.Duration) *HashParser {
	return &HashParser{FreshnessWindow: freshness, Clock: clock.System{}}
}

func (p *HashParser) Supports(path string) bool {
	_, ok := languageByExt[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (p *HashParser) ParseFile(ctx context.Context, path string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, &types.ParseError{
			File: path, Type: "io", Message: err.Error(),
			Recoverable: true, Timestamp: p.now(),
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &types.ParseError{
			File: path, Type: "io", Message: err.Error(),
			Recoverable: true, Timestamp: p.now(),
		}
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])
	lang := languageByExt[strings.ToLower(filepath.Ext(path))]

	kind := types.KindFile
	if lang == "markdown" {
		kind = types.KindDoc
	}

	lines := strings.Split(string(data), "\n")
	file := &types.Entity{
		ID:           "file:" + filepath.ToSlash(path),
		Kind:         kind,
		Path:         filepath.ToSlash(path),
		Language:     lang,
		Hash:         hash,
		LastModified: info.ModTime().UTC(),
		Attrs: map[string]string{
			"size":  strconv.FormatInt(info.Size(), 10),
			"lines": strconv.Itoa(len(lines)),
		},
	}
	if kind == types.KindDoc && p.FreshnessWindow > 0 {
		stale := p.now().Sub(info.ModTime()) > p.FreshnessWindow
		file.Attrs["stale"] = strconv.FormatBool(stale)
	}

	res := &Result{Entities: []*types.Entity{file}}

	// Top-level symbols from a cheap line scan; enough structure for the
	// graph to be useful without a real language frontend.
	for _, sym := range scanSymbols(lang, lines, file, p.now()) {
		res.Entities = append(res.Entities, sym.entity)
		res.Relationships = append(res.Relationships, sym.edge)
	}

	// Module entity for the containing directory, plus the contains edge.
	dir := filepath.ToSlash(filepath.Dir(path))
	if dir != "." && dir != "/" {
		mod := &types.Entity{
			ID:           "module:" + dir,
			Kind:         types.KindModule,
			Path:         dir,
			Hash:         moduleHash(dir),
			LastModified: info.ModTime().UTC(),
		}
		res.Entities = append(res.Entities, mod)
		res.Relationships = append(res.Relationships, &types.Relationship{
			FromID:      mod.ID,
			ToID:        file.ID,
			Type:        types.RelContains,
			Active:      true,
			FirstSeenAt: p.now(),
			LastSeenAt:  p.now(),
		})
	}
	return res, nil
}

func (p *HashParser) now() time.Time {
	if p.Clock != nil {
		return p.Clock.Now()
	}
	return time.Now()
}

// declPrefixes lists the line prefixes that open a top-level declaration,
// per language. Only unindented lines are considered.
var declPrefixes = map[string][]string{
	"go":         {"func ", "type ", "var ", "const "},
	"python":     {"def ", "class "},
	"javascript": {"function ", "class "},
	"typescript": {"function ", "class ", "interface ", "enum "},
	"rust":       {"fn ", "struct ", "enum ", "trait ", "impl "},
	"java":       {"class ", "interface ", "enum "},
}

type scannedSymbol struct {
	entity *types.Entity
	edge   *types.Relationship
}

// scanSymbols finds top-level declarations by prefix match and emits one
// symbol entity plus a contains edge from the file for each. Duplicate names
// keep the first occurrence.
func scanSymbols(lang string, lines []string, file *types.Entity, now time.Time) []scannedSymbol {
	prefixes, ok := declPrefixes[lang]
	if !ok {
		return nil
	}
	seen := make(map[string]bool)
	var out []scannedSymbol
	for i, line := range lines {
		if line == "" || line[0] == ' ' || line[0] == '\t' {
			continue
		}
		for _, pre := range prefixes {
			if !strings.HasPrefix(line, pre) {
				continue
			}
			name := symbolName(strings.TrimPrefix(line, pre))
			if name == "" || seen[name] {
				break
			}
			seen[name] = true
			sum := sha256.Sum256([]byte(line))
			sym := &types.Entity{
				ID:           "sym:" + file.Path + "#" + name,
				Kind:         types.KindSymbol,
				Path:         file.Path,
				Language:     lang,
				Hash:         hex.EncodeToString(sum[:]),
				LastModified: file.LastModified,
				Attrs:        map[string]string{"line": strconv.Itoa(i + 1)},
			}
			out = append(out, scannedSymbol{
				entity: sym,
				edge: &types.Relationship{
					FromID:      file.ID,
					ToID:        sym.ID,
					Type:        types.RelContains,
					Active:      true,
					FirstSeenAt: now,
					LastSeenAt:  now,
				},
			})
			break
		}
	}
	return out
}

// symbolName extracts the identifier that follows a declaration keyword.
func symbolName(rest string) string {
	rest = strings.TrimSpace(rest)
	// Skip a Go method receiver.
	if strings.HasPrefix(rest, "(") {
		if i := strings.Index(rest, ")"); i >= 0 {
			rest = strings.TrimSpace(rest[i+1:])
		}
	}
	end := len(rest)
	for i, r := range rest {
		if r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || i > 0 && r >= '0' && r <= '9' {
			continue
		}
		end = i
		break
	}
	return rest[:end]
}

// moduleHash keys a module entity on its path; module content identity is
// the set of its files, tracked through the contains edges.
func moduleHash(dir string) string {
	sum := sha256.Sum256([]byte("module\x00" + dir))
	return hex.EncodeToString(sum[:])
}

// ChangeFragments converts a parse result for one file into fragments for
// the dependency-aware commit path. Entity fragments come first and each
// relationship fragment hints at the entities it needs.
func ChangeFragments(res *Result, eventID string, op types.FragmentOp) []*types.ChangeFragment {
	var frags []*types.ChangeFragment
	fragIDs := make(map[string]string, len(res.Entities))
	for _, e := range res.Entities {
		id := "frag:" + e.ID
		fragIDs[e.ID] = id
		frags = append(frags, &types.ChangeFragment{
			ID: id, EventID: eventID, Kind: types.FragmentEntity, Op: op,
			Entity: e, Confidence: 1,
		})
	}
	for i, r := range res.Relationships {
		var hints []string
		if id, ok := fragIDs[r.FromID]; ok {
			hints = append(hints, id)
		}
		if id, ok := fragIDs[r.ToID]; ok {
			hints = append(hints, id)
		}
		frags = append(frags, &types.ChangeFragment{
			ID:      fmt.Sprintf("frag:rel:%s:%d", eventID, i),
			EventID: eventID, Kind: types.FragmentRelationship, Op: op,
			Relationship: r, DependencyHints: hints, Confidence: 1,
		})
	}
	return frags
}
