package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dgraph-io/ristretto"
)

// Loader reads every definition file in a directory. Parsed
// definitions are cached by content hash so a busy controller does
// not re-validate unchanged files on every submit.
type Loader struct {
	dir   string
	cache *ristretto.Cache
}

func NewLoader(dir string) (*Loader, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}

	return &Loader{dir: dir, cache: cache}, nil
}

// Load parses and validates every *.yml/*.yaml file, in filename
// order. Definitions with errors are dropped; their diagnostics are
// reported alongside the valid ones.
func (l *Loader) Load() ([]*Definition, Diagnostics, error) {
	var diag Diagnostics

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, diag, fmt.Errorf("reading workflow dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yml" || ext == ".yaml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var defs []*Definition
	for _, name := range names {
		def, d, err := l.loadFile(name)
		if err != nil {
			return nil, diag, err
		}
		diag.Combine(d)
		if def != nil {
			defs = append(defs, def)
		}
	}

	return defs, diag, nil
}

type cachedDefinition struct {
	def  *Definition
	diag Diagnostics
}

func (l *Loader) loadFile(name string) (*Definition, Diagnostics, error) {
	var diag Diagnostics

	contents, err := os.ReadFile(filepath.Join(l.dir, name))
	if err != nil {
		return nil, diag, fmt.Errorf("reading %s: %w", name, err)
	}

	sum := sha256.Sum256(contents)
	key := name + ":" + hex.EncodeToString(sum[:])
	if v, ok := l.cache.Get(key); ok {
		cached := v.(cachedDefinition)
		return cached.def, cached.diag, nil
	}

	def, err := FromFile(name, contents)
	if err != nil {
		diag.AddError(name, err)
		l.cache.Set(key, cachedDefinition{diag: diag}, int64(len(contents)))
		return nil, diag, nil
	}

	diag = def.Validate()
	if diag.IsErr() {
		def = nil
	}

	l.cache.Set(key, cachedDefinition{def: def, diag: diag}, int64(len(contents)))
	return def, diag, nil
}
