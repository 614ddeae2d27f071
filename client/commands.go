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
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"perun.network/perun-head-client/wire"
)

// ErrNotConnected is returned when a command is posted without an open event
// channel.
var ErrNotConnected = errors.New("not connected to head node")

// defaultWriteTimeout bounds a command write when the context carries no
// deadline.
const defaultWriteTimeout = 10 * time.Second

// Init asks the node to start initializing a new head. Legal while the head
// is Idle. The receipt settles when initialization is observed on chain.
func (c *Client) Init(ctx context.Context) (*CommandReceipt, error) {
	return c.post(ctx, wire.Init{}, "")
}

// Abort cancels head initialization, releasing committed funds on the
// layer-1 ledger. Legal while the head is Initializing.
func (c *Client) Abort(ctx context.Context) (*CommandReceipt, error) {
	return c.post(ctx, wire.Abort{}, "")
}

// NewTx submits a signed transaction to the head ledger. Legal while the
// head is Open. The receipt settles with TxValid or TxInvalid, correlated by
// the transaction id computed from tx.
func (c *Client) NewTx(ctx context.Context, tx wire.TextEnvelope) (*CommandReceipt, error) {
	txID, err := wire.TxID(tx)
	if err != nil {
		return nil, err
	}
	return c.post(ctx, wire.NewTx{Transaction: tx}, txID)
}

// GetUTxO asks the node for its current view of the head ledger. Legal while
// the head is Open.
func (c *Client) GetUTxO(ctx context.Context) (*CommandReceipt, error) {
	return c.post(ctx, wire.GetUTxO{}, "")
}

// Close posts the latest confirmed snapshot on chain, starting the
// contestation period. Legal while the head is Open.
func (c *Client) Close(ctx context.Context) (*CommandReceipt, error) {
	return c.post(ctx, wire.Close{}, "")
}

// Contest challenges a close with the node's newer confirmed snapshot. Legal
// while the head is Closed and the contestation deadline has not passed.
func (c *Client) Contest(ctx context.Context) (*CommandReceipt, error) {
	return c.post(ctx, wire.Contest{}, "")
}

// Fanout distributes the final snapshot on the layer-1 ledger. Legal once
// the contestation period has elapsed.
func (c *Client) Fanout(ctx context.Context) (*CommandReceipt, error) {
	return c.post(ctx, wire.Fanout{}, "")
}

// post validates cmd against the tracked head status, encodes it and writes
// it to the event channel. Nothing is sent when the command is illegal in
// the current status.
func (c *Client) post(ctx context.Context, cmd wire.Command, txID string) (*CommandReceipt, error) {
	if err := c.machine.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	raw, err := wire.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	r := c.pending.add(cmd.Tag(), txID)
	if err := c.send(ctx, raw); err != nil {
		c.pending.drop(r)
		return nil, err
	}
	c.log.Log().Debugf("Posted %s", cmd.Tag())
	return r, nil
}

// send writes one frame to the event channel. Writers are serialized, the
// underlying connection permits only one.
func (c *Client) send(ctx context.Context, raw []byte) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultWriteTimeout)
	}
	c.conn.SetWriteDeadline(deadline)
	return errors.Wrap(c.conn.WriteMessage(websocket.TextMessage, raw), "writing to node")
}
