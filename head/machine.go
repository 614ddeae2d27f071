// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package head

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"perun.network/go-perun/log"

	"perun.network/perun-head-client/wire"
)

// ErrIllegalTransition is returned when a command is not legal in the current
// head status.
var ErrIllegalTransition = errors.New("illegal head transition")

// Result describes the effect of applying one node message to the machine.
type Result struct {
	Old, New Status
	// Changed is true when the message moved the head to a different status.
	Changed bool
	// Reason is non-empty when the message implied a transition that is not
	// legal from Old. The status is left untouched in that case.
	Reason string
}

// Anomalous reports whether the message contradicted the tracked status.
func (r Result) Anomalous() bool {
	return r.Reason != ""
}

// Machine tracks the head status from the node's message stream. Observed
// messages never fail it: messages that contradict the tracked status are
// reported as anomalous results and leave the status untouched, so the
// machine can resynchronize from the next Greetings.
type Machine struct {
	log log.Embedding

	mu       sync.RWMutex
	status   Status
	deadline time.Time
	now      func() time.Time
}

// NewMachine returns a machine in status Idle using the wall clock.
func NewMachine() *Machine {
	return &Machine{
		log: log.MakeEmbedding(log.Default()),
		now: time.Now,
	}
}

// SetClock replaces the clock used for contestation deadline checks. It must
// be called before the machine is used.
func (m *Machine) SetClock(now func() time.Time) {
	m.now = now
}

// Status returns the currently tracked head status.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// ContestationDeadline returns the deadline of the running contestation
// period, or the zero time if none is known.
func (m *Machine) ContestationDeadline() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deadline
}

// Apply advances the machine by one node message. Messages that do not touch
// the lifecycle return an unchanged result.
func (m *Machine) Apply(msg wire.Message) Result {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch v := msg.(type) {
	case *wire.Greetings:
		return m.resync(v.HeadStatus)
	case *wire.HeadIsInitializing:
		return m.step(v.Tag(), Initializing, Idle)
	case *wire.HeadIsOpen:
		return m.step(v.Tag(), Open, Initializing)
	case *wire.HeadIsAborted:
		return m.step(v.Tag(), Aborted, Initializing)
	case *wire.HeadIsClosed:
		res := m.step(v.Tag(), Closed, Open)
		if !res.Anomalous() {
			m.setDeadline(v.ContestationDeadline)
		}
		return res
	case *wire.HeadIsContested:
		res := m.step(v.Tag(), Closed, Closed)
		if !res.Anomalous() {
			m.setDeadline(v.ContestationDeadline)
		}
		return res
	case *wire.ReadyToFanout:
		return m.step(v.Tag(), FanoutPossible, Closed)
	case *wire.HeadIsFinalized:
		return m.step(v.Tag(), Final, Closed, FanoutPossible)
	}
	return Result{Old: m.status, New: m.status}
}

// resync adopts the status a Greetings reports, regardless of the tracked
// one. The node is authoritative after a (re)connect.
func (m *Machine) resync(name string) Result {
	old := m.status
	st, err := ParseStatus(name)
	if err != nil {
		return Result{Old: old, New: old, Reason: err.Error()}
	}
	m.status = st
	if st != Closed && st != FanoutPossible {
		m.deadline = time.Time{}
	}
	return Result{Old: old, New: st, Changed: old != st}
}

// step moves the machine to its next status if the current one is among from.
func (m *Machine) step(tag string, to Status, from ...Status) Result {
	old := m.status
	for _, f := range from {
		if old != f {
			continue
		}
		m.status = to
		return Result{Old: old, New: to, Changed: old != to}
	}
	return Result{Old: old, New: old, Reason: fmt.Sprintf("%s while head is %s", tag, old)}
}

func (m *Machine) setDeadline(s string) {
	if s == "" {
		return
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		m.log.Log().Warnf("Cannot parse contestation deadline %q: %v", s, err)
		return
	}
	m.deadline = t
}

// ValidateCommand checks that cmd is legal in the current head status,
// returning an ErrIllegalTransition error otherwise. It performs no I/O.
func (m *Machine) ValidateCommand(cmd wire.Command) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch cmd.(type) {
	case wire.Init:
		return m.require(cmd.Tag(), Idle)
	case wire.Abort:
		return m.require(cmd.Tag(), Initializing)
	case wire.NewTx, wire.GetUTxO, wire.Decommit:
		return m.require(cmd.Tag(), Open)
	case wire.Close:
		return m.require(cmd.Tag(), Open)
	case wire.Contest:
		if err := m.require(cmd.Tag(), Closed); err != nil {
			return err
		}
		if !m.deadline.IsZero() && !m.now().Before(m.deadline) {
			return fmt.Errorf("%w: %s after contestation deadline %s",
				ErrIllegalTransition, cmd.Tag(), m.deadline.Format(time.RFC3339))
		}
		return nil
	case wire.Fanout:
		if m.status == FanoutPossible {
			return nil
		}
		if m.status == Closed && !m.deadline.IsZero() && !m.now().Before(m.deadline) {
			return nil
		}
		return fmt.Errorf("%w: %s requires an elapsed contestation period, head is %s",
			ErrIllegalTransition, cmd.Tag(), m.status)
	}
	return fmt.Errorf("%w: unrecognized command %q", ErrIllegalTransition, cmd.Tag())
}

func (m *Machine) require(tag string, want Status) error {
	if m.status == want {
		return nil
	}
	return fmt.Errorf("%w: %s requires head status %s, head is %s",
		ErrIllegalTransition, tag, want, m.status)
}
