// Copyright 2023 - See NOTICE file for copyright holders.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package poll

import (
	"context"
	"time"

	"perun.network/go-perun/log"
)

type (
	// Clock tells the time and waits. It is replaced in tests.
	Clock interface {
		Now() time.Time
		// Sleep waits for d or until the context is cancelled.
		Sleep(ctx context.Context, d time.Duration) error
	}

	// RealClock is the wall clock.
	RealClock struct{}

	// Backoff grows the delay between two polls exponentially.
	Backoff struct {
		Initial    time.Duration `yaml:"initial"`
		Multiplier float64       `yaml:"multiplier"`
		// Max caps the delay. Zero means no cap.
		Max time.Duration `yaml:"max"`
	}

	// Policy configures how long to wait between polls and when to give up.
	Policy struct {
		// InitialDelay is waited once before the backoff starts.
		InitialDelay time.Duration `yaml:"initial_delay"`
		Backoff      Backoff       `yaml:"backoff"`
		// Timeout is the wall clock limit of a poll.
		Timeout time.Duration `yaml:"timeout"`
	}

	// State is the progress of a single poll under a Policy.
	State struct {
		Deadline  time.Time
		NextDelay time.Duration
		Attempt   int

		policy Policy
	}

	// Strategy waits between two polls. It returns ErrTimeout once the
	// deadline is reached.
	Strategy interface {
		Wait(ctx context.Context) error
	}

	// Factory creates a fresh Strategy for every poll.
	Factory func() Strategy

	// Waiter is the Strategy that follows a Policy.
	Waiter struct {
		log.Embedding

		clock Clock
		state *State
	}
)

// Defaults of the Policy.
const (
	DefaultInitialDelay      = 1 * time.Second
	DefaultBackoffInitial    = 1 * time.Second
	DefaultBackoffMultiplier = 1.2
	DefaultBackoffMax        = 30 * time.Second
	DefaultTimeout           = 5 * time.Minute
)

// DefaultPolicy returns the default Policy.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: DefaultInitialDelay,
		Backoff: Backoff{
			Initial:    DefaultBackoffInitial,
			Multiplier: DefaultBackoffMultiplier,
			Max:        DefaultBackoffMax,
		},
		Timeout: DefaultTimeout,
	}
}

// WithDefaults fills in zero fields from DefaultPolicy. A zero InitialDelay
// is kept.
func (p Policy) WithDefaults() Policy {
	def := DefaultPolicy()
	if p.Backoff.Initial <= 0 {
		p.Backoff.Initial = def.Backoff.Initial
	}
	if p.Backoff.Multiplier < 1 {
		p.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	return p
}

// Start returns the state of a poll that starts at now.
func (p Policy) Start(now time.Time) *State {
	return &State{
		Deadline:  now.Add(p.Timeout),
		NextDelay: p.InitialDelay,
		policy:    p,
	}
}

// Tick advances the state by one wait at time now and returns how long to
// wait. The delay never reaches past the deadline. Once the deadline is
// reached, Tick returns ErrTimeout.
func (s *State) Tick(now time.Time) (time.Duration, error) {
	if !now.Before(s.Deadline) {
		return 0, ErrTimeout
	}
	delay := s.NextDelay
	if left := s.Deadline.Sub(now); delay > left {
		delay = left
	}

	b := s.policy.Backoff
	if s.Attempt == 0 {
		s.NextDelay = b.Initial
	} else {
		s.NextDelay = time.Duration(float64(s.NextDelay) * b.Multiplier)
	}
	if b.Max > 0 && s.NextDelay > b.Max {
		s.NextDelay = b.Max
	}
	s.Attempt++
	return delay, nil
}

// Factory returns a Factory of Waiters that follow the policy.
func (p Policy) Factory(clock Clock) Factory {
	return func() Strategy { return NewWaiter(p, clock) }
}

// NewWaiter returns a Waiter whose deadline starts now.
func NewWaiter(p Policy, clock Clock) *Waiter {
	return &Waiter{log.MakeEmbedding(log.Default()), clock, p.Start(clock.Now())}
}

// Wait waits for the next delay or until the context is cancelled.
func (w *Waiter) Wait(ctx context.Context) error {
	delay, err := w.state.Tick(w.clock.Now())
	if err != nil {
		w.Log().Debugf("Poll deadline %v reached after %d waits", w.state.Deadline, w.state.Attempt)
		return err
	}
	w.Log().Debugf("Waiting %v before poll %d", delay, w.state.Attempt+1)
	return w.clock.Sleep(ctx, delay)
}

// Attempts returns the number of waits so far.
func (w *Waiter) Attempts() int { return w.state.Attempt }

// Now returns the current time.
func (RealClock) Now() time.Time { return time.Now() }

// Sleep waits for d or until the context is cancelled.
func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
