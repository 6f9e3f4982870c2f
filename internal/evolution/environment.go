package evolution

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"selfforge/internal/config"
	"selfforge/internal/logging"
)

// Environment is one isolated runtime for the evolution loop.
type Environment struct {
	Name           string
	DBPath         string
	StoragePath    string
	Ports          []int
	EnvVars        map[string]string
	TestCommand    string
	TestTimeout    string
	MaxMemoryMB    int
	MaxOutputBytes int

	// ReadOnly forbids any write through this environment handle. Prod is
	// always read-only outside a deployment transaction.
	ReadOnly bool
}

// NewEnvironments builds the dev and prod environments from configuration
// and verifies their isolation.
func NewEnvironments(cfg config.EnvsConfig) (dev, prod *Environment, err error) {
	dev = fromConfig("dev", cfg.Dev, false)
	prod = fromConfig("prod", cfg.Prod, true)
	if err := VerifyIsolation(dev, prod); err != nil {
		return nil, nil, err
	}
	return dev, prod, nil
}

func fromConfig(name string, ec config.EnvConfig, readOnly bool) *Environment {
	return &Environment{
		Name:           name,
		DBPath:         ec.DBPath,
		StoragePath:    ec.StoragePath,
		Ports:          ec.Ports,
		EnvVars:        ec.EnvVars,
		TestCommand:    ec.TestCommand,
		TestTimeout:    ec.TestTimeout,
		MaxMemoryMB:    ec.MaxMemoryMB,
		MaxOutputBytes: ec.MaxOutputBytes,
		ReadOnly:       readOnly,
	}
}

// VerifyIsolation rejects any overlap between two environments: identical or
// nested storage paths, shared database files, or shared ports.
func VerifyIsolation(a, b *Environment) error {
	aStorage, err := filepath.Abs(a.StoragePath)
	if err != nil {
		return fmt.Errorf("evolution: invalid %s storage path: %w", a.Name, err)
	}
	bStorage, err := filepath.Abs(b.StoragePath)
	if err != nil {
		return fmt.Errorf("evolution: invalid %s storage path: %w", b.Name, err)
	}

	if aStorage == bStorage {
		return fmt.Errorf("evolution: %s and %s share storage path %s", a.Name, b.Name, aStorage)
	}
	if isSubPath(aStorage, bStorage) || isSubPath(bStorage, aStorage) {
		return fmt.Errorf("evolution: %s and %s storage paths nest (%s, %s)", a.Name, b.Name, aStorage, bStorage)
	}

	aDB, _ := filepath.Abs(a.DBPath)
	bDB, _ := filepath.Abs(b.DBPath)
	if aDB != "" && aDB == bDB {
		return fmt.Errorf("evolution: %s and %s share database %s", a.Name, b.Name, aDB)
	}

	seen := make(map[int]bool, len(a.Ports))
	for _, p := range a.Ports {
		seen[p] = true
	}
	for _, p := range b.Ports {
		if seen[p] {
			return fmt.Errorf("evolution: %s and %s both claim port %d", a.Name, b.Name, p)
		}
	}

	logging.EvolutionDebug("Isolation verified: %s=%s %s=%s", a.Name, aStorage, b.Name, bStorage)
	return nil
}

func isSubPath(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !filepath.IsAbs(rel) &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Prepare creates the environment's storage directory.
func (e *Environment) Prepare() error {
	if err := os.MkdirAll(e.StoragePath, 0755); err != nil {
		return fmt.Errorf("evolution: failed to prepare %s storage: %w", e.Name, err)
	}
	if e.DBPath != "" {
		if err := os.MkdirAll(filepath.Dir(e.DBPath), 0755); err != nil {
			return fmt.Errorf("evolution: failed to prepare %s db dir: %w", e.Name, err)
		}
	}
	return nil
}

// WriteFiles applies file changes inside the environment's storage path.
// Refused on a read-only environment; deploys go through the Promoter, which
// opens a write window explicitly.
func (e *Environment) WriteFiles(files []FileChange) error {
	if e.ReadOnly {
		return fmt.Errorf("evolution: environment %s is read-only", e.Name)
	}
	for _, fc := range files {
		target, err := e.resolve(fc.Path)
		if err != nil {
			return err
		}
		if fc.Delete {
			if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("evolution: failed to delete %s: %w", fc.Path, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("evolution: failed to create directory for %s: %w", fc.Path, err)
		}
		if err := os.WriteFile(target, []byte(fc.Content), 0644); err != nil {
			return fmt.Errorf("evolution: failed to write %s: %w", fc.Path, err)
		}
	}
	return nil
}

// resolve maps a change path into the storage root, rejecting escapes.
func (e *Environment) resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", fmt.Errorf("evolution: absolute path %s not allowed", rel)
	}
	target := filepath.Join(e.StoragePath, rel)
	root, err := filepath.Abs(e.StoragePath)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(target)
	if err != nil {
		return "", err
	}
	if abs != root && !isSubPath(root, abs) {
		return "", fmt.Errorf("evolution: path %s escapes environment storage", rel)
	}
	return target, nil
}
