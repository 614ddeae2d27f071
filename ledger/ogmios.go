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

package ledger

import (
	"context"
	"encoding/json"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/jhttp"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"

	"perun.network/perun-head-client/wire"
)

// Ogmios JSON-RPC methods.
const (
	methodQueryUTxO   = "queryLedgerState/utxo"
	methodQueryParams = "queryLedgerState/protocolParameters"
	methodSubmitTx    = "submitTransaction"
)

// OgmiosClient resolves ledger queries and submits transactions through an
// Ogmios bridge. It implements Source and Submitter.
type OgmiosClient struct {
	log log.Embedding
	cli *jrpc2.Client
}

// NewOgmiosClient connects to the Ogmios bridge at url.
func NewOgmiosClient(url string) *OgmiosClient {
	ch := jhttp.NewChannel(url, nil)
	return &OgmiosClient{
		log: log.MakeEmbedding(log.Default()),
		cli: jrpc2.NewClient(ch, nil),
	}
}

// Close releases the underlying RPC client.
func (c *OgmiosClient) Close() error {
	return c.cli.Close()
}

type (
	txRef struct {
		ID string `json:"id"`
	}
	outputReference struct {
		Transaction txRef  `json:"transaction"`
		Index       uint32 `json:"index"`
	}
	utxoQuery struct {
		OutputReferences []outputReference `json:"outputReferences"`
	}
	utxoEntry struct {
		Transaction txRef           `json:"transaction"`
		Index       uint32          `json:"index"`
		Address     string          `json:"address"`
		Value       json.RawMessage `json:"value,omitempty"`
		DatumHash   string          `json:"datumHash,omitempty"`
		Datum       json.RawMessage `json:"datum,omitempty"`
		Script      json.RawMessage `json:"script,omitempty"`
	}
	submitRequest struct {
		Transaction txCBOR `json:"transaction"`
	}
	txCBOR struct {
		CBOR string `json:"cbor"`
	}
	submitResult struct {
		Transaction txRef `json:"transaction"`
	}
)

// UTxOByRef resolves ref against the ledger state.
func (c *OgmiosClient) UTxOByRef(ctx context.Context, ref wire.TxOutRef) (wire.TxOut, error) {
	query := utxoQuery{OutputReferences: []outputReference{{
		Transaction: txRef{ID: ref.TxID},
		Index:       ref.Index,
	}}}
	var entries []utxoEntry
	if err := c.cli.CallResult(ctx, methodQueryUTxO, query, &entries); err != nil {
		return wire.TxOut{}, errors.Wrap(err, "querying ledger state utxo")
	}
	if len(entries) == 0 {
		return wire.TxOut{}, errors.Wrapf(ErrUnresolvedInput, "%s", ref)
	}
	e := entries[0]
	c.log.Log().Debugf("Resolved %s to output at %s", ref, e.Address)
	return wire.TxOut{
		Address:         e.Address,
		Value:           e.Value,
		DatumHash:       e.DatumHash,
		InlineDatum:     e.Datum,
		ReferenceScript: e.Script,
	}, nil
}

// ProtocolParameters returns the ledger's protocol parameters verbatim.
func (c *OgmiosClient) ProtocolParameters(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.cli.CallResult(ctx, methodQueryParams, nil, &raw); err != nil {
		return nil, errors.Wrap(err, "querying protocol parameters")
	}
	return raw, nil
}

// Submit posts the signed transaction to the ledger and returns its id. A
// rejection by the ledger surfaces as the RPC error, including the reason.
func (c *OgmiosClient) Submit(ctx context.Context, tx wire.TextEnvelope) (string, error) {
	req := submitRequest{Transaction: txCBOR{CBOR: tx.CBORHex}}
	var res submitResult
	if err := c.cli.CallResult(ctx, methodSubmitTx, req, &res); err != nil {
		return "", errors.Wrap(err, "submitting transaction")
	}
	c.log.Log().Debugf("Submitted transaction %s", res.Transaction.ID)
	return res.Transaction.ID, nil
}
