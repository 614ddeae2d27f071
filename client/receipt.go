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

package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"perun.network/perun-head-client/wire"
)

// CommandReceipt tracks the node's eventual answer to a posted command. A
// receipt resolves with the message that settled the command, or with an
// error when the node refused it or the connection ended first.
type CommandReceipt struct {
	cmdTag string
	txID   string

	done    chan struct{}
	once    sync.Once
	outcome wire.Message
	err     error
}

func newReceipt(cmdTag, txID string) *CommandReceipt {
	return &CommandReceipt{cmdTag: cmdTag, txID: txID, done: make(chan struct{})}
}

// Command returns the tag of the command this receipt tracks.
func (r *CommandReceipt) Command() string {
	return r.cmdTag
}

// Done is closed once the receipt is resolved.
func (r *CommandReceipt) Done() <-chan struct{} {
	return r.done
}

// Wait blocks until the command is settled or ctx ends. On success it returns
// the message that settled the command.
func (r *CommandReceipt) Wait(ctx context.Context) (wire.Message, error) {
	select {
	case <-r.done:
		return r.outcome, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *CommandReceipt) resolve(outcome wire.Message, err error) {
	r.once.Do(func() {
		r.outcome = outcome
		r.err = err
		close(r.done)
	})
}

// settledBy maps a stream tag to the command it settles successfully.
var settledBy = map[string]string{
	wire.TagHeadIsInitializing: wire.TagInit,
	wire.TagHeadIsAborted:      wire.TagAbort,
	wire.TagHeadIsClosed:       wire.TagClose,
	wire.TagHeadIsContested:    wire.TagContest,
	wire.TagHeadIsFinalized:    wire.TagFanout,
	wire.TagGetUTxOResponse:    wire.TagGetUTxO,
	wire.TagDecommitApproved:   wire.TagDecommit,
}

// pendingSet holds the receipts of commands still in flight, oldest first.
type pendingSet struct {
	mu       sync.Mutex
	receipts []*CommandReceipt
}

func (p *pendingSet) add(cmdTag, txID string) *CommandReceipt {
	r := newReceipt(cmdTag, txID)
	p.mu.Lock()
	p.receipts = append(p.receipts, r)
	p.mu.Unlock()
	return r
}

// drop removes a receipt whose command never reached the node.
func (p *pendingSet) drop(r *CommandReceipt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, cur := range p.receipts {
		if cur == r {
			p.receipts = append(p.receipts[:i], p.receipts[i+1:]...)
			return
		}
	}
}

// observe resolves pending receipts against one stream message.
func (p *pendingSet) observe(msg wire.Message) {
	switch v := msg.(type) {
	case *wire.CommandFailed:
		tag := wire.CommandTag(v.ClientInput)
		if r := p.take(tag, ""); r != nil {
			r.resolve(msg, errors.Errorf("node refused %s", tag))
		}
	case *wire.InvalidInput:
		if r := p.takeOldest(); r != nil {
			r.resolve(msg, errors.Errorf("node could not parse input: %s", v.Reason))
		}
	case *wire.TxValid:
		if r := p.take(wire.TagNewTx, v.TransactionID); r != nil {
			r.resolve(msg, nil)
		}
	case *wire.TxInvalid:
		if r := p.take(wire.TagNewTx, txIDOf(v.Transaction)); r != nil {
			r.resolve(msg, errors.Errorf("transaction refused: %s", v.ValidationError.Reason))
		}
	case *wire.DecommitInvalid:
		if r := p.take(wire.TagDecommit, ""); r != nil {
			r.resolve(msg, errors.New("decommit refused by head"))
		}
	default:
		if cmdTag, ok := settledBy[msg.Tag()]; ok {
			if r := p.take(cmdTag, ""); r != nil {
				r.resolve(msg, nil)
			}
		}
	}
}

// take removes and returns the oldest receipt matching the command tag and,
// if txID is non-empty, the transaction id.
func (p *pendingSet) take(cmdTag, txID string) *CommandReceipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, r := range p.receipts {
		if r.cmdTag != cmdTag {
			continue
		}
		if txID != "" && r.txID != "" && r.txID != txID {
			continue
		}
		p.receipts = append(p.receipts[:i], p.receipts[i+1:]...)
		return r
	}
	return nil
}

func (p *pendingSet) takeOldest() *CommandReceipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.receipts) == 0 {
		return nil
	}
	r := p.receipts[0]
	p.receipts = p.receipts[1:]
	return r
}

// failAll resolves all remaining receipts with err. Called when the
// connection ends.
func (p *pendingSet) failAll(err error) {
	p.mu.Lock()
	receipts := p.receipts
	p.receipts = nil
	p.mu.Unlock()
	for _, r := range receipts {
		r.resolve(nil, err)
	}
}

// txIDOf probes a transaction rendered by the node for its id.
func txIDOf(raw json.RawMessage) string {
	var probe struct {
		TxID string `json:"txId"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return probe.TxID
}
