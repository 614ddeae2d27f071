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

package wire

import (
	"encoding/json"
	"fmt"
)

// Tags of the commands a client sends to its head node.
const (
	TagInit     = "Init"
	TagAbort    = "Abort"
	TagNewTx    = "NewTx"
	TagGetUTxO  = "GetUTxO"
	TagDecommit = "Decommit"
	TagClose    = "Close"
	TagContest  = "Contest"
	TagFanout   = "Fanout"
)

// Command is a client input posted to the head node over the event channel.
type Command interface {
	// Tag returns the command discriminator.
	Tag() string
}

type (
	// Init asks the node to start initializing a new head.
	Init struct{}

	// Abort cancels head initialization, releasing committed funds on the
	// layer-1 ledger.
	Abort struct{}

	// NewTx submits a signed transaction to the head ledger.
	NewTx struct {
		Transaction TextEnvelope `json:"transaction"`
	}

	// GetUTxO asks the node for its current view of the head ledger.
	GetUTxO struct{}

	// Decommit asks the node to move the outputs of the given transaction
	// from the head back to the layer-1 ledger.
	Decommit struct {
		DecommitTx TextEnvelope `json:"decommitTx"`
	}

	// Close posts the latest confirmed snapshot on chain, starting the
	// contestation period.
	Close struct{}

	// Contest challenges a close with the node's newer confirmed snapshot.
	Contest struct{}

	// Fanout distributes the final snapshot on the layer-1 ledger.
	Fanout struct{}
)

func (Init) Tag() string     { return TagInit }
func (Abort) Tag() string    { return TagAbort }
func (NewTx) Tag() string    { return TagNewTx }
func (GetUTxO) Tag() string  { return TagGetUTxO }
func (Decommit) Tag() string { return TagDecommit }
func (Close) Tag() string    { return TagClose }
func (Contest) Tag() string  { return TagContest }
func (Fanout) Tag() string   { return TagFanout }

// EncodeCommand renders a command as the JSON object the node expects, with
// the tag merged into the command's own fields.
func EncodeCommand(cmd Command) ([]byte, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", cmd.Tag(), err)
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("marshaling %s: %w", cmd.Tag(), err)
	}
	fields["tag"] = json.RawMessage(`"` + cmd.Tag() + `"`)
	return json.Marshal(fields)
}

// CommandTag extracts the tag of an encoded command. It is used to correlate
// a CommandFailed's echoed input with the command that caused it.
func CommandTag(raw json.RawMessage) string {
	var probe struct {
		Tag string `json:"tag"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.Tag
}
