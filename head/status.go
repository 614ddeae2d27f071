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

// Package head tracks the lifecycle of a layer-2 head as reported by its
// node's event channel.
package head

import (
	"errors"
	"fmt"
)

// Status is a phase of the head lifecycle.
type Status int

// The head lifecycle phases, in protocol order. Aborted and Final are
// terminal.
const (
	Idle Status = iota
	Initializing
	Open
	Closed
	FanoutPossible
	Final
	Aborted
)

// ErrUnknownStatus is returned when a node reports a status name this package
// does not know.
var ErrUnknownStatus = errors.New("unknown head status")

var statusNames = [...]string{
	Idle:           "Idle",
	Initializing:   "Initializing",
	Open:           "Open",
	Closed:         "Closed",
	FanoutPossible: "FanoutPossible",
	Final:          "Final",
	Aborted:        "Aborted",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Terminal reports whether no further transition can leave s.
func (s Status) Terminal() bool {
	return s == Final || s == Aborted
}

// ParseStatus maps a status name from the wire to its Status.
func ParseStatus(name string) (Status, error) {
	for s, n := range statusNames {
		if n == name {
			return Status(s), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownStatus, name)
}
