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

// Package ledger connects the head client to the layer-1 ledger: resolving
// unspent outputs, assembling transactions and submitting them.
package ledger

import (
	"context"
	"encoding/json"
	"errors"

	"perun.network/perun-head-client/wire"
)

// ErrUnresolvedInput is returned when an output reference cannot be resolved
// to an unspent output.
var ErrUnresolvedInput = errors.New("unresolved input")

// Source resolves ledger state queries.
type Source interface {
	// UTxOByRef resolves a single unspent output. It returns an error
	// wrapping ErrUnresolvedInput when the reference is unknown or spent.
	UTxOByRef(ctx context.Context, ref wire.TxOutRef) (wire.TxOut, error)
	// ProtocolParameters returns the ledger's current protocol parameters
	// verbatim.
	ProtocolParameters(ctx context.Context) (json.RawMessage, error)
}

// Assembler builds unsigned transactions from resolved inputs and desired
// outputs. Implementations carry the fee and era logic of the layer-1
// toolchain they wrap. inHead selects the head's internal ledger rules
// instead of the layer-1 rules; the internal ledger charges no fees.
type Assembler interface {
	Assemble(ctx context.Context, inputs wire.UTxOSet, outputs []wire.TxOut, inHead bool) (wire.TextEnvelope, error)
}

// Submitter posts signed transactions to the layer-1 ledger.
type Submitter interface {
	// Submit returns the id of the submitted transaction, or the ledger's
	// rejection reason as an error.
	Submit(ctx context.Context, tx wire.TextEnvelope) (string, error)
}
