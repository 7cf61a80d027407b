package leaks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gofrs/flock"

	"invokectl/internal/cleanup"
	"invokectl/internal/logging"
)

// ErrSweepInProgress is returned when another process holds the sweep lock.
var ErrSweepInProgress = errors.New("another leak sweep is already running")

// Deleter runs one synchronous delete-and-verify cycle.
type Deleter interface {
	DeleteNow(ctx context.Context, name string) cleanup.Outcome
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked   int
	Deleted   int
	Remaining int
	Skipped   int
}

// Sweeper retries ledger records against the configured server.
type Sweeper struct {
	store    *Store
	deleter  Deleter
	lockPath string
	server   string
	logger   *slog.Logger
}

// NewSweeper binds a sweeper. Records from other servers are skipped.
func NewSweeper(store *Store, deleter Deleter, lockPath, server string, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		deleter:  deleter,
		lockPath: lockPath,
		server:   server,
		logger:   logging.NewComponentLogger(logger, "leaks"),
	}
}

// Sweep retries every record for this server and removes confirmed ones.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	lock := flock.New(s.lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return SweepReport{}, fmt.Errorf("acquire sweep lock: %w", err)
	}
	if !ok {
		return SweepReport{}, ErrSweepInProgress
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.logger.Warn("failed to release sweep lock", logging.Error(err))
		}
	}()

	records, err := s.store.List(ctx)
	if err != nil {
		return SweepReport{}, err
	}

	var report SweepReport
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if rec.Server != "" && s.server != "" && rec.Server != s.server {
			report.Skipped++
			continue
		}
		report.Checked++
		outcome := s.deleter.DeleteNow(ctx, rec.Name)
		if !outcome.Deleted {
			report.Remaining++
			if err := s.store.Record(ctx, Record{Name: rec.Name, Attempts: outcome.Attempts, LastError: outcome.LastError}); err != nil {
				return report, err
			}
			continue
		}
		if err := s.store.Remove(ctx, rec.Name); err != nil {
			return report, err
		}
		report.Deleted++
		s.logger.Info("leaked artifact removed", logging.String(logging.FieldArtifact, rec.Name))
	}
	s.logger.Info("leak sweep finished",
		logging.Int("checked", report.Checked),
		logging.Int("deleted", report.Deleted),
		logging.Int("remaining", report.Remaining),
		logging.Int("skipped", report.Skipped),
	)
	return report, nil
}
