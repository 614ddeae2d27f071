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

// Package event distributes decoded node messages and derived notifications
// to registered observers.
package event

import (
	"perun.network/perun-head-client/head"
	"perun.network/perun-head-client/wire"
)

// StatusChanged notifies observers that a node message moved the head to a
// new status.
type StatusChanged struct {
	Old, New head.Status
	// Trigger is the message that caused the change.
	Trigger wire.Message
}

// Anomaly notifies observers of a protocol irregularity: a message that
// contradicts the tracked status, or a gap in the node's sequence numbers.
// The tracked status is never corrupted by an anomaly.
type Anomaly struct {
	// Status is the tracked head status at the time of the anomaly.
	Status head.Status
	// Trigger is the message that exposed the anomaly.
	Trigger wire.Message
	Reason  string
}
