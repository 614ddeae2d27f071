// Copyright 2026 PolyCrypt GmbH
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

package client

import (
	"context"

	"github.com/pkg/errors"

	"perun.network/perun-head-client/head"
	"perun.network/perun-head-client/ledger"
	"perun.network/perun-head-client/wire"
)

type commitKind int

const (
	commitEmpty commitKind = iota
	commitFunds
	commitBlueprint
)

// CommitRequest selects what a party commits into the head. Construct it
// with EmptyCommit, FundsCommit or BlueprintCommit; the variants are
// mutually exclusive.
type CommitRequest struct {
	kind      commitKind
	ref       wire.TxOutRef
	blueprint Blueprint
}

// Blueprint is a pre-built commit transaction together with the outputs it
// commits.
type Blueprint struct {
	Tx   wire.TextEnvelope
	UTxO wire.UTxOSet
}

// EmptyCommit commits no funds, it only signals participation.
func EmptyCommit() CommitRequest {
	return CommitRequest{kind: commitEmpty}
}

// FundsCommit commits the layer-1 output at ref. The reference is resolved
// against the ledger source before the node is asked to draft anything.
func FundsCommit(ref wire.TxOutRef) CommitRequest {
	return CommitRequest{kind: commitFunds, ref: ref}
}

// BlueprintCommit commits via a caller-built transaction.
func BlueprintCommit(tx wire.TextEnvelope, utxo wire.UTxOSet) CommitRequest {
	return CommitRequest{kind: commitBlueprint, blueprint: Blueprint{Tx: tx, UTxO: utxo}}
}

type (
	commitPayload struct {
		UTxO wire.UTxOSet `json:"utxo"`
	}
	blueprintPayload struct {
		BlueprintTx wire.TextEnvelope `json:"blueprintTx"`
		UTxO        wire.UTxOSet      `json:"utxo"`
	}
)

// Commit asks the node to draft the layer-1 commit transaction for req. The
// returned envelope is unsigned; the caller signs and submits it. Legal only
// while the head is Initializing.
//
// For a FundsCommit, the reference is resolved against the ledger source
// first; an unresolvable reference fails with ErrUnresolvedInput before any
// request reaches the node.
func (c *Client) Commit(ctx context.Context, req CommitRequest) (wire.TextEnvelope, error) {
	if err := c.requireStatus("commit", head.Initializing); err != nil {
		return wire.TextEnvelope{}, err
	}

	switch req.kind {
	case commitEmpty:
		return c.api.draftCommitTx(ctx, commitPayload{UTxO: wire.UTxOSet{}})
	case commitFunds:
		src := c.source()
		if src == nil {
			return wire.TextEnvelope{}, errors.New("no ledger source configured")
		}
		out, err := src.UTxOByRef(ctx, req.ref)
		if err != nil {
			return wire.TextEnvelope{}, err
		}
		return c.api.draftCommitTx(ctx, commitPayload{UTxO: wire.UTxOSet{req.ref: out}})
	case commitBlueprint:
		return c.api.draftCommitTx(ctx, blueprintPayload{
			BlueprintTx: req.blueprint.Tx,
			UTxO:        req.blueprint.UTxO,
		})
	}
	return wire.TextEnvelope{}, errors.Errorf("unknown commit request kind %d", req.kind)
}

// Decommit builds the unsigned transaction that moves this party's in-head
// funds back to the layer-1 ledger. The outputs mirror the committed ones,
// so funds return to the addresses holding them in the head. Legal only
// while the head is Open, and requires an assembler.
//
// The caller signs the returned envelope and posts it with SubmitDecommit.
func (c *Client) Decommit(ctx context.Context) (wire.TextEnvelope, error) {
	if err := c.requireStatus(wire.TagDecommit, head.Open); err != nil {
		return wire.TextEnvelope{}, err
	}
	if c.asm == nil {
		return wire.TextEnvelope{}, errors.New("no assembler configured")
	}

	funds := c.Snapshot()
	if c.cfg.Address != "" {
		for ref, out := range funds {
			if out.Address != c.cfg.Address {
				delete(funds, ref)
			}
		}
	}
	if len(funds) == 0 {
		return wire.TextEnvelope{}, errors.Wrap(ledger.ErrUnresolvedInput, "no in-head funds to decommit")
	}

	outputs := make([]wire.TxOut, 0, len(funds))
	for _, ref := range funds.Refs() {
		out := funds[ref]
		outputs = append(outputs, wire.TxOut{Address: out.Address, Value: out.Value})
	}
	// Decommit transactions are validated by the head's internal ledger.
	return c.asm.Assemble(ctx, funds, outputs, true)
}

// SubmitDecommit posts a signed decommit transaction to the node. The
// receipt settles once all parties approved the decommit.
func (c *Client) SubmitDecommit(ctx context.Context, signed wire.TextEnvelope) (*CommandReceipt, error) {
	return c.post(ctx, wire.Decommit{DecommitTx: signed}, "")
}

func (c *Client) requireStatus(op string, want head.Status) error {
	if st := c.machine.Status(); st != want {
		return errors.Wrapf(head.ErrIllegalTransition,
			"%s requires head status %s, head is %s", op, want, st)
	}
	return nil
}
