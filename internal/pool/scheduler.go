// Package pool keeps a fixed number of battle sessions running. Each session
// gets its own connection, matchmaking request and handler; when a session
// ends its slot is refilled.
package pool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/ladder/internal/battle"
	"github.com/cory-johannsen/ladder/internal/connection"
	"github.com/cory-johannsen/ladder/internal/matchmaking"
	"github.com/cory-johannsen/ladder/internal/protocol"
)

// OpenFunc provisions a new Ready connection that the caller owns.
type OpenFunc func(ctx context.Context) (battle.Conn, error)

// OpenWith adapts a connection.Opener to an OpenFunc.
func OpenWith(o *connection.Opener) OpenFunc {
	return func(ctx context.Context) (battle.Conn, error) {
		c, err := o.Open(ctx)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Observer is notified of pool events from the scheduling goroutine. active
// is the in-flight count after the event.
type Observer interface {
	SessionStarted(room protocol.RoomID, active int)
	SessionEnded(room protocol.RoomID, active int, err error)
	ProvisionFailed(err error)
}

// Config holds the immutable scheduling parameters.
type Config struct {
	// MaxParallel is the number of sessions kept running.
	MaxParallel int
	// Format is the ladder format searched.
	Format string
	// Team is the packed team registered before each search.
	Team string
	// Username is handed to every new Handler.
	Username string
	// RetryInitial is the first wait after a provisioning failure. Zero
	// retries immediately.
	RetryInitial time.Duration
	// RetryMax caps the wait between provisioning attempts.
	RetryMax time.Duration
}

// Scheduler owns the in-flight set. Run must be called at most once at a time.
type Scheduler struct {
	cfg        Config
	open       OpenFunc
	matchmaker *matchmaking.Matchmaker
	newHandler battle.Factory
	runner     *battle.Runner
	observer   Observer
	logger     *zap.Logger
}

// NewScheduler creates a Scheduler. observer may be nil.
//
// Precondition: cfg.MaxParallel >= 1; open, matchmaker, newHandler, runner and logger must be non-nil.
// Postcondition: Returns a Scheduler ready for Run.
func NewScheduler(cfg Config, open OpenFunc, matchmaker *matchmaking.Matchmaker, newHandler battle.Factory, runner *battle.Runner, observer Observer, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		open:       open,
		matchmaker: matchmaker,
		newHandler: newHandler,
		runner:     runner,
		observer:   observer,
		logger:     logger,
	}
}

type completion struct {
	id   uuid.UUID
	room protocol.RoomID
	err  error
}

// Run keeps cfg.MaxParallel sessions in flight until ctx is cancelled.
//
// While fewer than MaxParallel sessions run, Run provisions another one.
// At capacity it waits for whichever session finishes first, removes every
// finished session, and provisions again. Session and provisioning failures
// are logged and never end Run.
//
// Postcondition: Returns nil after ctx is cancelled and every in-flight
// session has ended.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.cfg.MaxParallel < 1 {
		return fmt.Errorf("max parallel must be >= 1, got %d", s.cfg.MaxParallel)
	}

	inflight := make(map[uuid.UUID]protocol.RoomID, s.cfg.MaxParallel)
	// Each session sends exactly one completion and at most MaxParallel are
	// in flight, so sessions never block on this channel.
	done := make(chan completion, s.cfg.MaxParallel)
	retry := s.newBackoff()

	s.logger.Info("pool started",
		zap.Int("max_parallel", s.cfg.MaxParallel),
		zap.String("format", s.cfg.Format),
	)

	for {
		for len(inflight) < s.cfg.MaxParallel && ctx.Err() == nil {
			id, room, err := s.provision(ctx, done)
			if err != nil {
				if ctx.Err() != nil {
					break
				}
				s.logger.Warn("provisioning failed",
					zap.Error(err),
					zap.Int("active", len(inflight)),
				)
				if s.observer != nil {
					s.observer.ProvisionFailed(err)
				}
				if !s.wait(ctx, retry, done, inflight) {
					break
				}
				continue
			}
			if retry != nil {
				retry.Reset()
			}
			inflight[id] = room
			if s.observer != nil {
				s.observer.SessionStarted(room, len(inflight))
			}
		}

		if ctx.Err() != nil {
			return s.drain(done, inflight)
		}

		select {
		case c := <-done:
			s.complete(c, inflight)
		case <-ctx.Done():
			return s.drain(done, inflight)
		}
		// Collect every other session that has already finished.
		s.reap(done, inflight)
	}
}

// provision opens, matchmakes and starts one session.
func (s *Scheduler) provision(ctx context.Context, done chan<- completion) (uuid.UUID, protocol.RoomID, error) {
	conn, err := s.open(ctx)
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("opening connection: %w", err)
	}

	room, err := s.matchmaker.Matchmake(ctx, conn, s.cfg.Team, s.cfg.Format)
	if err != nil {
		_ = conn.Close()
		return uuid.Nil, "", err
	}

	h, err := s.newHandler(room, s.cfg.Username)
	if err != nil {
		_ = conn.Close()
		return uuid.Nil, "", fmt.Errorf("creating handler for %s: %w", room, err)
	}

	id := uuid.New()
	go func() {
		err := s.runner.Run(ctx, conn, room, h)
		done <- completion{id: id, room: room, err: err}
	}()
	return id, room, nil
}

// wait sleeps for the next retry interval. Sessions finishing meanwhile are
// reaped so their slots are counted. Returns false when ctx ends first.
func (s *Scheduler) wait(ctx context.Context, retry *backoff.ExponentialBackOff, done <-chan completion, inflight map[uuid.UUID]protocol.RoomID) bool {
	if retry == nil {
		s.reap(done, inflight)
		return ctx.Err() == nil
	}
	delay := retry.NextBackOff()
	s.logger.Debug("retrying provisioning", zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	for {
		select {
		case <-timer.C:
			s.reap(done, inflight)
			return true
		case c := <-done:
			s.complete(c, inflight)
		case <-ctx.Done():
			return false
		}
	}
}

func (s *Scheduler) reap(done <-chan completion, inflight map[uuid.UUID]protocol.RoomID) {
	for {
		select {
		case c := <-done:
			s.complete(c, inflight)
		default:
			return
		}
	}
}

func (s *Scheduler) complete(c completion, inflight map[uuid.UUID]protocol.RoomID) {
	delete(inflight, c.id)
	switch {
	case c.err == nil:
		s.logger.Info("session completed",
			zap.String("room", string(c.room)),
			zap.Int("active", len(inflight)),
		)
	case errors.Is(c.err, context.Canceled):
		s.logger.Info("session cancelled",
			zap.String("room", string(c.room)),
			zap.Int("active", len(inflight)),
		)
	default:
		s.logger.Warn("session failed",
			zap.String("room", string(c.room)),
			zap.Error(c.err),
			zap.Int("active", len(inflight)),
		)
	}
	if s.observer != nil {
		s.observer.SessionEnded(c.room, len(inflight), c.err)
	}
}

// drain waits for every in-flight session after ctx is cancelled. Runners see
// the same ctx, so their blocking receives return promptly.
func (s *Scheduler) drain(done <-chan completion, inflight map[uuid.UUID]protocol.RoomID) error {
	s.logger.Info("pool stopping", zap.Int("active", len(inflight)))
	for len(inflight) > 0 {
		s.complete(<-done, inflight)
	}
	s.logger.Info("pool stopped")
	return nil
}

func (s *Scheduler) newBackoff() *backoff.ExponentialBackOff {
	if s.cfg.RetryInitial <= 0 {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.RetryInitial
	if s.cfg.RetryMax > 0 {
		b.MaxInterval = s.cfg.RetryMax
	}
	b.Reset()
	return b
}
