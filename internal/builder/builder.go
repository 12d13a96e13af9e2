// Package builder turns an approved specification document into source
// files and packages them into a distributable bundle. Code generation
// and packaging are separate pipeline stages behind one Executor
// interface: the local executor does both in-process, the docker
// executor runs the packaging step in an ephemeral container with
// networking disabled.
package builder

import (
	"context"
	"fmt"

	"github.com/forgeworks/specforge/internal/config"
	"github.com/forgeworks/specforge/internal/specdoc"
)

// Executor renders and packages one build.
type Executor interface {
	Name() string

	// GenerateCode renders the document into dir and returns the
	// bundle-relative paths of the written files, sorted.
	GenerateCode(ctx context.Context, doc *specdoc.Document, dir string) ([]string, error)

	// Package writes a MANIFEST of file hashes into dir, archives the
	// directory and returns the artifact path. The archive lands next
	// to dir, never inside it.
	Package(ctx context.Context, dir string) (string, error)
}

// FromConfig returns the executor named by the configuration.
func FromConfig(cfg config.ExecutorConfig) (Executor, error) {
	switch cfg.Kind {
	case "", "local":
		return NewLocalExecutor(), nil
	case "docker":
		return NewDockerExecutor(cfg)
	default:
		return nil, fmt.Errorf("executor kind %q not recognized", cfg.Kind)
	}
}
