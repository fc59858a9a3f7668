package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/matteoluc/spindle/internal/fault"
)

// SwitchReport describes a completed backend switch.
type SwitchReport struct {
	From     string `json:"from"`
	To       string `json:"to"`
	Version  int    `json:"version"`
	Migrated int64  `json:"migrated"`
}

// Adapter is the single process-wide entry point for turn persistence. It
// guards the active backend handle with a write barrier: saves take the read
// lock, a switch takes the write lock, so a switch waits for in-flight writes
// and no write starts while a switch is in progress.
type Adapter struct {
	mu        sync.RWMutex
	backend   Backend
	version   int
	batchSize int
	logger    *zap.Logger
}

func NewAdapter(backend Backend, batchSize int, logger *zap.Logger) *Adapter {
	if batchSize <= 0 {
		batchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		backend:   backend,
		version:   1,
		batchSize: batchSize,
		logger:    logger,
	}
}

// Active returns the current backend name and handle version.
func (a *Adapter) Active() (string, int) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.backend.Name(), a.version
}

func (a *Adapter) Ping(ctx context.Context) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if err := a.backend.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrBackendUnreachable, err)
	}
	return nil
}

// SaveExchange commits one user+assistant exchange as a logical unit.
func (a *Adapter) SaveExchange(ctx context.Context, ex Exchange) (Turn, Turn, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	user, assistant, err := a.backend.AppendExchange(ctx, ex)
	if err != nil {
		return Turn{}, Turn{}, fmt.Errorf("%w: %v", fault.ErrBackendUnreachable, err)
	}
	return user, assistant, nil
}

func (a *Adapter) Query(ctx context.Context, sessionID, filter string, limit int) ([]Turn, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	turns, err := a.backend.Query(ctx, sessionID, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", fault.ErrBackendUnreachable, err)
	}
	return turns, nil
}

// SwitchBackend validates the target, optionally migrates existing records in
// resumable batches, and flips the active handle only after the copy is
// confirmed. On failure the prior backend stays active and the caller keeps
// ownership of target; on success the adapter closes the prior backend.
func (a *Adapter) SwitchBackend(ctx context.Context, target Backend, migrate bool) (SwitchReport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	prior := a.backend
	if err := target.Ping(ctx); err != nil {
		return SwitchReport{}, fmt.Errorf("%w: validate %s: %v", fault.ErrBackendUnreachable, target.Name(), err)
	}

	var migrated int64
	if migrate {
		n, err := copyAll(ctx, prior, target, a.batchSize)
		if err != nil {
			return SwitchReport{}, fmt.Errorf("%w: %v", fault.ErrMigrationPartialFailure, err)
		}

		// Confirmation step: the target must hold at least everything the
		// source does before the handle flips.
		sourceCount, err := prior.Count(ctx)
		if err != nil {
			return SwitchReport{}, fmt.Errorf("%w: source count: %v", fault.ErrMigrationPartialFailure, err)
		}
		targetCount, err := target.Count(ctx)
		if err != nil {
			return SwitchReport{}, fmt.Errorf("%w: target count: %v", fault.ErrMigrationPartialFailure, err)
		}
		if targetCount < sourceCount {
			return SwitchReport{}, fmt.Errorf("%w: target holds %d of %d records",
				fault.ErrMigrationPartialFailure, targetCount, sourceCount)
		}
		migrated = n
	}

	a.backend = target
	a.version++
	report := SwitchReport{
		From:     prior.Name(),
		To:       target.Name(),
		Version:  a.version,
		Migrated: migrated,
	}

	if err := prior.Close(); err != nil {
		a.logger.Warn("closing prior memory backend",
			zap.String("backend", prior.Name()),
			zap.Error(err))
	}
	a.logger.Info("memory backend switched",
		zap.String("from", report.From),
		zap.String("to", report.To),
		zap.Int("version", report.Version),
		zap.Int64("migrated", report.Migrated))
	return report, nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.backend.Close()
}

func copyAll(ctx context.Context, source, target Backend, batchSize int) (int64, error) {
	var cursor Cursor
	var total int64
	for {
		turns, next, err := source.ExportBatch(ctx, cursor, batchSize)
		if err != nil {
			return total, fmt.Errorf("export after %d records: %w", total, err)
		}
		if len(turns) == 0 {
			return total, nil
		}
		if err := target.ImportBatch(ctx, turns); err != nil {
			return total, fmt.Errorf("import after %d records: %w", total, err)
		}
		total += int64(len(turns))
		if next == nil {
			return total, nil
		}
		cursor = next
	}
}
