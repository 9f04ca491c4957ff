package spider

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/seopages/spiderworker/internal/domain"
)

// Factory builds a Spider instance for a project. The project row carries
// the per-project config the spider may consult.
type Factory func(project *domain.Project) (Spider, error)

// ErrSpiderNotFound is returned when no registered spider matches a
// project's entry file.
var ErrSpiderNotFound = errors.New("spider not found")

// Registry resolves project entry files to compiled spider factories.
// Spiders are linked at build time and register themselves by name; a
// project's entry_file (extension stripped) selects one.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a spider factory under the given name. Registering a
// duplicate name panics: it is a programmer error at process init.
func (g *Registry) Register(name string, f Factory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.factories[name]; exists {
		panic(fmt.Sprintf("spider %q registered twice", name))
	}
	g.factories[name] = f
}

// Names returns the registered spider names.
func (g *Registry) Names() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.factories))
	for name := range g.factories {
		names = append(names, name)
	}
	return names
}

// Resolve builds the spider for a project, matching the project's entry_file
// basename (extension stripped), then its name.
func (g *Registry) Resolve(project *domain.Project) (Spider, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for _, key := range []string{entryKey(project.EntryFile), project.Name} {
		if key == "" {
			continue
		}
		if f, ok := g.factories[key]; ok {
			return f(project)
		}
	}
	return nil, fmt.Errorf("%w: entry_file %q", ErrSpiderNotFound, project.EntryFile)
}

// entryKey normalizes an entry file path to a registry key.
func entryKey(entryFile string) string {
	base := path.Base(strings.TrimSpace(entryFile))
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	return base
}
