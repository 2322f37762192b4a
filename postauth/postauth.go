// Package postauth populates the offline cache after a successful login.
package postauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	offlinecache "github.com/wolfeidau/offline-cache"
	"github.com/wolfeidau/offline-cache/lifecycle"
	"github.com/wolfeidau/offline-cache/syncer"
)

// ErrPanic is wrapped into Result.Err when every sync step panicked.
var ErrPanic = errors.New("post-auth sync panicked")

// Syncer is the subset of syncer.Tracker used after login.
type Syncer interface {
	ForceSyncAll(ctx context.Context) *syncer.Result
	SyncTable(ctx context.Context, table string) (int, error)
}

// PopulatedChecker reports whether the expected cache entries exist.
type PopulatedChecker interface {
	ValidatePopulatedState(ctx context.Context) lifecycle.PopulatedResult
}

var (
	_ Syncer           = (*syncer.Tracker)(nil)
	_ PopulatedChecker = (*lifecycle.Validator)(nil)
)

// Config holds orchestrator configuration.
type Config struct {
	// AttendeeTable is refreshed alongside the bulk sync.
	// Defaults to offlinecache.TableAttendees.
	AttendeeTable string

	// Logger for post-auth events.
	Logger *slog.Logger
}

// Orchestrator runs the bulk sync and the attendee refresh after login.
type Orchestrator struct {
	syncer    Syncer
	validator PopulatedChecker
	config    Config
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an orchestrator. validator may be nil to skip the populated
// check.
func New(s Syncer, validator PopulatedChecker, cfg Config) *Orchestrator {
	if cfg.AttendeeTable == "" {
		cfg.AttendeeTable = offlinecache.TableAttendees
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Orchestrator{
		syncer:    s,
		validator: validator,
		config:    cfg,
		logger:    cfg.Logger.With("component", "postauth"),
		now:       time.Now,
	}
}

// Result is the outcome of SyncAfterAuthentication.
type Result struct {
	// Success is false only when the call itself could not run.
	Success      bool     `json:"success"`
	SyncedTables []string `json:"synced_tables"`
	TotalRecords int      `json:"total_records"`
	Warnings     []string `json:"warnings"`

	// Populated is the advisory check run after both steps.
	Populated *lifecycle.PopulatedResult `json:"populated,omitempty"`

	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Error returns the message of Err, or "".
func (r *Result) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

type stepOutcome struct {
	bulk     *syncer.Result
	records  int
	err      error
	panicked bool
}

// SyncAfterAuthentication runs the bulk sync and the attendee refresh
// concurrently. Failures in either step are reported as warnings and do
// not fail the call.
func (o *Orchestrator) SyncAfterAuthentication(ctx context.Context) (res *Result) {
	start := o.now()
	res = &Result{SyncedTables: []string{}, Warnings: []string{}}
	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Err = fmt.Errorf("%w: %v", ErrPanic, r)
			o.logger.Error("post-auth sync failed", "error", res.Err)
		}
		res.Duration = o.now().Sub(start)
	}()

	if err := ctx.Err(); err != nil {
		res.Err = fmt.Errorf("post-auth sync: %w", err)
		return res
	}

	var (
		bulk, attendees stepOutcome
		g               errgroup.Group
	)
	g.Go(func() error {
		bulk = o.runBulk(ctx)
		return nil
	})
	g.Go(func() error {
		attendees = o.runAttendees(ctx)
		return nil
	})
	_ = g.Wait()

	if bulk.panicked && attendees.panicked {
		res.Err = fmt.Errorf("%w: %w", ErrPanic, errors.Join(bulk.err, attendees.err))
		o.logger.Error("post-auth sync failed", "error", res.Err)
		return res
	}

	warn := func(format string, args ...any) {
		msg := fmt.Sprintf(format, args...)
		res.Warnings = append(res.Warnings, msg)
		o.logger.Warn(msg)
	}

	switch {
	case bulk.err != nil:
		warn("bulk sync: %v", bulk.err)
	case bulk.bulk != nil:
		res.SyncedTables = append(res.SyncedTables, bulk.bulk.SyncedTables...)
		res.TotalRecords += bulk.bulk.TotalRecords
		for _, e := range bulk.bulk.Errors {
			warn("bulk sync: %s", e)
		}
	}

	if attendees.err != nil {
		warn("%s refresh: %v", o.config.AttendeeTable, attendees.err)
	} else if !slices.Contains(res.SyncedTables, o.config.AttendeeTable) {
		// both steps share one fetch when they overlap, so count it once
		res.SyncedTables = append(res.SyncedTables, o.config.AttendeeTable)
		res.TotalRecords += attendees.records
	}

	if o.validator != nil {
		p := o.validator.ValidatePopulatedState(ctx)
		res.Populated = &p
		if !p.IsPopulated {
			warn("cache not fully populated: missing %v", p.Missing)
		}
	}

	res.Success = true
	o.logger.Info("post-auth sync complete",
		"synced", len(res.SyncedTables),
		"records", res.TotalRecords,
		"warnings", len(res.Warnings),
		"duration", o.now().Sub(start),
	)
	return res
}

func (o *Orchestrator) runBulk(ctx context.Context) (out stepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = stepOutcome{err: fmt.Errorf("panicked: %v", r), panicked: true}
		}
	}()
	return stepOutcome{bulk: o.syncer.ForceSyncAll(ctx)}
}

func (o *Orchestrator) runAttendees(ctx context.Context) (out stepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			out = stepOutcome{err: fmt.Errorf("panicked: %v", r), panicked: true}
		}
	}()
	n, err := o.syncer.SyncTable(ctx, o.config.AttendeeTable)
	return stepOutcome{records: n, err: err}
}
