// Package linking maps servant aliases and nicknames in a query to their
// canonical names.
package linking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/0xcro3dile/fgo-agent-go/internal/domain/ports"
)

// Linker implements ports.EntityLinker over an alias table of the form
// {"canonical name": ["alias", ...]}. It is safe for concurrent use and can
// be reloaded while serving.
type Linker struct {
	path   string
	logger zerolog.Logger

	mu          sync.RWMutex
	toCanonical map[string]string   // lower-cased alias -> canonical
	aliases     map[string][]string // canonical -> aliases
	ordered     []string            // lower-cased aliases, longest first
}

var _ ports.EntityLinker = (*Linker)(nil)

// New returns an empty linker.
func New(logger zerolog.Logger) *Linker {
	return &Linker{
		logger:      logger.With().Str("component", "linker").Logger(),
		toCanonical: map[string]string{},
		aliases:     map[string][]string{},
	}
}

// Load reads the alias table at path. A missing file leaves the linker
// empty and is not an error, so linking is simply a no-op.
func Load(path string, logger zerolog.Logger) (*Linker, error) {
	l := New(logger)
	l.path = path
	if err := l.Reload(); err != nil {
		return nil, err
	}
	return l, nil
}

// Reload re-reads the alias table. On error the current table is kept.
func (l *Linker) Reload() error {
	if l.path == "" {
		return nil
	}
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.logger.Warn().Str("path", l.path).Msg("alias file not found, entity linking disabled")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading alias file: %w", err)
	}

	var table map[string][]string
	if err := json.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("parsing alias file %s: %w", l.path, err)
	}

	toCanonical := make(map[string]string)
	aliases := make(map[string][]string, len(table))
	for canonical, list := range table {
		aliases[canonical] = append([]string(nil), list...)
		for _, a := range list {
			toCanonical[strings.ToLower(a)] = canonical
		}
		toCanonical[strings.ToLower(canonical)] = canonical
	}

	l.mu.Lock()
	l.toCanonical = toCanonical
	l.aliases = aliases
	l.ordered = orderAliases(toCanonical)
	l.mu.Unlock()

	l.logger.Info().Int("servants", len(aliases)).Int("aliases", len(toCanonical)).Msg("alias table loaded")
	return nil
}

// Watch reloads the table whenever the alias file changes, until ctx is done.
func (l *Linker) Watch(ctx context.Context, watcher ports.FileWatcher) error {
	if l.path == "" {
		return errors.New("linker has no alias file to watch")
	}
	events, err := watcher.Watch(ctx, l.path)
	if err != nil {
		return fmt.Errorf("watching alias file: %w", err)
	}

	go func() {
		for ev := range events {
			if ev.Operation == ports.FileDeleted {
				continue
			}
			if err := l.Reload(); err != nil {
				l.logger.Warn().Err(err).Msg("alias reload failed, keeping previous table")
			}
		}
	}()
	return nil
}

// Link replaces the longest alias found in query with its canonical name.
// Only the first matching alias is substituted; matching ignores case.
func (l *Linker) Link(query string) string {
	alias, canonical, ok := l.match(query)
	if !ok {
		return query
	}
	re := regexp.MustCompile("(?i)" + regexp.QuoteMeta(alias))
	linked := re.ReplaceAllLiteralString(query, canonical)
	if linked != query {
		l.logger.Debug().Str("alias", alias).Str("canonical", canonical).Msg("linked entity")
	}
	return linked
}

// Extract returns the canonical entity mentioned in query.
func (l *Linker) Extract(query string) (string, bool) {
	_, canonical, ok := l.match(query)
	return canonical, ok
}

// Canonical returns the canonical name for an alias.
func (l *Linker) Canonical(alias string) (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.toCanonical[strings.ToLower(alias)]
	return c, ok
}

// Aliases returns the aliases registered for a canonical name.
func (l *Linker) Aliases(canonical string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.aliases[canonical]...)
}

// AddAlias registers an alias at runtime. It is lost on the next Reload.
func (l *Linker) AddAlias(canonical, alias string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.toCanonical[strings.ToLower(alias)] = canonical
	if _, ok := l.toCanonical[strings.ToLower(canonical)]; !ok {
		l.toCanonical[strings.ToLower(canonical)] = canonical
	}
	found := false
	for _, a := range l.aliases[canonical] {
		if a == alias {
			found = true
			break
		}
	}
	if !found {
		l.aliases[canonical] = append(l.aliases[canonical], alias)
	}
	l.ordered = orderAliases(l.toCanonical)
}

// Len returns the number of known aliases, canonical names included.
func (l *Linker) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.toCanonical)
}

func (l *Linker) match(query string) (alias, canonical string, ok bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.ordered) == 0 {
		return "", "", false
	}
	lower := strings.ToLower(query)
	for _, a := range l.ordered {
		if strings.Contains(lower, a) {
			return a, l.toCanonical[a], true
		}
	}
	return "", "", false
}

// orderAliases sorts by rune length, longest first, so "黑呆" wins over "呆".
// Equal lengths sort lexically to keep matching deterministic.
func orderAliases(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for a := range m {
		if a != "" {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := utf8.RuneCountInString(out[i]), utf8.RuneCountInString(out[j])
		if li != lj {
			return li > lj
		}
		return out[i] < out[j]
	})
	return out
}
