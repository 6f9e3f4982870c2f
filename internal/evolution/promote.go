package evolution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"

	"selfforge/internal/logging"
)

// Deploy preconditions on prod state.
var (
	ErrNoBaseline   = fmt.Errorf("evolution: no prod baseline recorded")
	ErrProdConflict = fmt.Errorf("evolution: prod content changed since baseline")
)

// Promoter deploys approved proposals into the prod environment. A deploy
// stages every target file, writes the batch, runs the smoke check, and
// rolls back automatically if anything fails.
type Promoter struct {
	manager *Manager
	prod    *Environment
}

// NewPromoter creates a promoter for the prod environment.
func NewPromoter(manager *Manager, prod *Environment) *Promoter {
	return &Promoter{manager: manager, prod: prod}
}

// Deploy promotes an approved proposal into prod.
func (pr *Promoter) Deploy(id, actor string) (*Proposal, error) {
	timer := logging.StartTimer(logging.CategoryEvolution, "Deploy")
	defer timer.Stop()

	p, err := pr.manager.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, fmt.Errorf("%w: %s -> deployed", ErrInvalidTransition, p.Status)
	}
	if p.BaseHashes == nil {
		return nil, ErrNoBaseline
	}
	current, err := pr.prodHashes(p.Files)
	if err != nil {
		return nil, err
	}
	for path, base := range p.BaseHashes {
		if current[path] != base {
			pr.manager.recordDeployBlock(id, actor, "deploy blocked: prod conflict on "+path)
			return nil, fmt.Errorf("%w: %s", ErrProdConflict, path)
		}
	}

	if err := pr.prod.Prepare(); err != nil {
		return nil, err
	}

	// Snapshot prod before touching it; the snapshot is persisted with the
	// deployed state so Rollback can restore it after the staged backups
	// are gone.
	snapshot, err := pr.prodSnapshot(p.Files)
	if err != nil {
		return nil, err
	}

	tx := newFileTransaction()
	targets := make([]string, 0, len(p.Files))
	for _, fc := range p.Files {
		target, err := pr.prod.resolve(fc.Path)
		if err != nil {
			return nil, err
		}
		if err := tx.Stage(target); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("evolution: failed to stage %s: %w", fc.Path, err)
		}
		targets = append(targets, target)
	}

	// The read-only guard is lifted only for the duration of the staged
	// write; any exit path restores it.
	pr.prod.ReadOnly = false
	writeErr := pr.prod.WriteFiles(p.Files)
	pr.prod.ReadOnly = true

	if writeErr != nil {
		tx.Rollback()
		return nil, fmt.Errorf("evolution: deploy write failed, rolled back: %w", writeErr)
	}

	if err := pr.smokeCheck(p); err != nil {
		tx.Rollback()
		logging.Get(logging.CategoryEvolution).Error("Smoke check failed for %s, rolled back: %v", id, err)
		deployed, derr := pr.manager.markDeployed(id, actor, snapshot)
		if derr == nil {
			_, _ = pr.manager.markRolledBack(deployed.ID, "promoter", "smoke check failed: "+err.Error())
		}
		return nil, fmt.Errorf("evolution: smoke check failed, deployment rolled back: %w", err)
	}

	tx.Commit()
	logging.Evolution("Deployed proposal %s to prod (%d files)", id, len(targets))
	return pr.manager.markDeployed(id, actor, snapshot)
}

// Rollback reverts a deployed proposal: the pre-deploy snapshot recorded at
// deploy time is re-applied under a staged write, then the transition is
// recorded. Files the deploy created are removed.
func (pr *Promoter) Rollback(id, actor, reason string) (*Proposal, error) {
	timer := logging.StartTimer(logging.CategoryEvolution, "Rollback")
	defer timer.Stop()

	p, err := pr.manager.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusDeployed {
		return nil, fmt.Errorf("%w: %s -> rolled_back", ErrInvalidTransition, p.Status)
	}

	if len(p.RollbackFiles) > 0 {
		if err := pr.restore(p.RollbackFiles); err != nil {
			return nil, err
		}
	}

	rolled, err := pr.manager.markRolledBack(id, actor, reason)
	if err != nil {
		return nil, err
	}
	logging.Evolution("Rolled back proposal %s (%d files restored): %s", id, len(p.RollbackFiles), reason)
	return rolled, nil
}

// restore re-applies a prod snapshot under the same staged-write discipline
// as deploy, so a half-written rollback never survives.
func (pr *Promoter) restore(files []FileChange) error {
	tx := newFileTransaction()
	for _, fc := range files {
		target, err := pr.prod.resolve(fc.Path)
		if err != nil {
			return err
		}
		if err := tx.Stage(target); err != nil {
			tx.Rollback()
			return fmt.Errorf("evolution: failed to stage %s: %w", fc.Path, err)
		}
	}

	pr.prod.ReadOnly = false
	writeErr := pr.prod.WriteFiles(files)
	pr.prod.ReadOnly = true

	if writeErr != nil {
		tx.Rollback()
		return fmt.Errorf("evolution: rollback write failed: %w", writeErr)
	}
	tx.Commit()
	return nil
}

// Baseline fingerprints prod's current content for every file the approved
// proposal touches. A prod change between baseline and deploy surfaces as a
// conflict instead of a silent overwrite.
func (pr *Promoter) Baseline(id string) (*Proposal, error) {
	p, err := pr.manager.Get(id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, fmt.Errorf("%w: baseline requires approved, got %s", ErrInvalidTransition, p.Status)
	}
	hashes, err := pr.prodHashes(p.Files)
	if err != nil {
		return nil, err
	}
	return pr.manager.setBaseline(id, hashes)
}

// prodSnapshot captures prod's current content for each change path. Absent
// files become Delete entries so rollback removes what deploy created.
func (pr *Promoter) prodSnapshot(files []FileChange) ([]FileChange, error) {
	snapshot := make([]FileChange, 0, len(files))
	for _, fc := range files {
		target, err := pr.prod.resolve(fc.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(target)
		if os.IsNotExist(err) {
			snapshot = append(snapshot, FileChange{Path: fc.Path, Delete: true})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("evolution: cannot read prod %s: %w", fc.Path, err)
		}
		snapshot = append(snapshot, FileChange{Path: fc.Path, Content: string(data)})
	}
	return snapshot, nil
}

// prodHashes hashes prod's current content for each change path. Absent
// files hash to the empty string.
func (pr *Promoter) prodHashes(files []FileChange) (map[string]string, error) {
	hashes := make(map[string]string, len(files))
	for _, fc := range files {
		target, err := pr.prod.resolve(fc.Path)
		if err != nil {
			return nil, err
		}
		data, err := os.ReadFile(target)
		if os.IsNotExist(err) {
			hashes[fc.Path] = ""
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("evolution: cannot read prod %s: %w", fc.Path, err)
		}
		sum := sha256.Sum256(data)
		hashes[fc.Path] = hex.EncodeToString(sum[:])
	}
	return hashes, nil
}

// smokeCheck validates every deployed Go file parses and evaluates as a
// syntactic unit. It catches a corrupt or truncated write before the new
// code is ever loaded.
func (pr *Promoter) smokeCheck(p *Proposal) error {
	for _, fc := range p.Files {
		if fc.Delete || !strings.HasSuffix(fc.Path, ".go") {
			continue
		}
		if err := checkGoSyntax(fc.Content); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(fc.Path), err)
		}
	}
	return nil
}

// checkGoSyntax compiles source in a throwaway interpreter.
func checkGoSyntax(src string) error {
	i := interp.New(interp.Options{})
	if err := i.Use(stdlib.Symbols); err != nil {
		return err
	}
	if _, err := i.Compile(src); err != nil {
		return err
	}
	return nil
}
