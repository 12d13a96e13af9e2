package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/forgeworks/specforge/internal/interpret"
)

// ErrNotFound is returned when no installed capability answers a lookup
// or match.
var ErrNotFound = errors.New("capability not found")

// Source resolves capabilities for the MatchCapability stage.
type Source interface {
	// Lookup returns the capability with the given id.
	Lookup(ctx context.Context, capabilityID string) (*Capability, error)

	// Match returns the installed capability that best answers the
	// intent.
	Match(ctx context.Context, intent *interpret.Intent) (*Capability, error)
}

// DirSource loads capabilities from a fixed list of directories. Each
// immediate child directory holding a CAPABILITY.md is one capability.
// Earlier directories win id collisions.
type DirSource struct {
	dirs []string

	mu   sync.RWMutex
	caps map[string]*Capability // canonical id -> capability
}

func NewDirSource(dirs ...string) *DirSource {
	cp := make([]string, 0, len(dirs))
	for _, d := range dirs {
		if strings.TrimSpace(d) != "" {
			cp = append(cp, d)
		}
	}
	return &DirSource{dirs: cp, caps: map[string]*Capability{}}
}

// Reload rescans every directory and swaps in the fresh catalog. Broken
// capability files are skipped and reported joined; the rest still load.
func (s *DirSource) Reload(ctx context.Context) (int, error) {
	fresh := map[string]*Capability{}
	var errs []error

	for _, dir := range s.dirs {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		base, err := filepath.Abs(dir)
		if err != nil {
			errs = append(errs, fmt.Errorf("abs capability dir (%s): %w", dir, err))
			continue
		}
		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("read capability dir (%s): %w", base, err))
			continue
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
		for _, ent := range entries {
			if !ent.IsDir() {
				if ent.Type()&os.ModeSymlink != 0 {
					slog.Warn("capability directory is a symlink; symlinks are not followed",
						"name", ent.Name(), "dir", base)
				}
				continue
			}
			capDir := filepath.Join(base, ent.Name())
			loaded, err := loadOne(capDir)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					continue
				}
				errs = append(errs, fmt.Errorf("load capability (%s): %w", ent.Name(), err))
				continue
			}
			key := CanonicalKey(loaded.ID)
			if winner, ok := fresh[key]; ok {
				slog.Info("capability collision: skipping lower-priority duplicate",
					"capability", loaded.ID, "winner_dir", winner.SourceDir, "skipped_dir", capDir)
				continue
			}
			if CanonicalKey(ent.Name()) != key {
				slog.Warn("capability id differs from its directory name",
					"capability", loaded.ID, "dir", capDir)
			}
			fresh[key] = loaded
		}
	}

	s.mu.Lock()
	s.caps = fresh
	s.mu.Unlock()

	slog.Info("capability catalog loaded", "capabilities", len(fresh), "dirs", len(s.dirs))
	return len(fresh), errors.Join(errs...)
}

func loadOne(capDir string) (*Capability, error) {
	mdPath := filepath.Join(capDir, "CAPABILITY.md")
	fi, err := os.Stat(mdPath)
	if err != nil {
		return nil, err
	}
	if fi.Size() > maxCapabilityMDSize {
		return nil, fmt.Errorf("CAPABILITY.md too large: %d bytes (max %d)", fi.Size(), maxCapabilityMDSize)
	}
	data, err := os.ReadFile(mdPath)
	if err != nil {
		return nil, err
	}
	c, err := ParseCapabilityMD(data)
	if err != nil {
		return nil, err
	}
	c.SourceDir = capDir
	return c, nil
}

func (s *DirSource) Lookup(ctx context.Context, capabilityID string) (*Capability, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.RLock()
	c := s.caps[CanonicalKey(capabilityID)]
	s.mu.RUnlock()
	if c == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, capabilityID)
	}
	return c, nil
}

// Match scores every installed capability against the intent: a direct
// component-to-id hit outweighs any keyword overlap, keywords score one
// point per hit, ties resolve to the lexicographically smaller id so
// repeat runs agree.
func (s *DirSource) Match(ctx context.Context, intent *interpret.Intent) (*Capability, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if intent == nil {
		return nil, fmt.Errorf("match: nil intent")
	}

	tokens := intentTokens(intent)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *Capability
	bestScore := 0
	ids := make([]string, 0, len(s.caps))
	for id := range s.caps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		c := s.caps[id]
		score := 0
		if CanonicalKey(intent.Component) == id {
			score += 10
		}
		for _, kw := range c.Keywords {
			if tokens[kw] {
				score++
			}
		}
		if score > bestScore {
			best = c
			bestScore = score
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: no capability answers component %q", ErrNotFound, intent.Component)
	}
	slog.Debug("capability matched", "capability", best.ID, "score", bestScore, "component", intent.Component)
	return best, nil
}

// List returns the installed capabilities ordered by id.
func (s *DirSource) List() []*Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Capability, 0, len(s.caps))
	for _, c := range s.caps {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// intentTokens collects the lowercased word set of the intent: raw
// request text, component name and feature tokens.
func intentTokens(intent *interpret.Intent) map[string]bool {
	tokens := map[string]bool{}
	add := func(text string) {
		fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' {
				return false
			}
			return true
		})
		for _, f := range fields {
			if f = strings.Trim(f, "-"); f != "" {
				tokens[f] = true
			}
		}
	}
	add(intent.RawText)
	add(intent.Component)
	for _, f := range intent.Features {
		add(f)
	}
	return tokens
}
