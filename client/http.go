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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/pkg/errors"

	"perun.network/perun-head-client/wire"
)

// Node HTTP endpoints next to the event channel.
const (
	pathCommit             = "/commit"
	pathSnapshotUTxO       = "/snapshot/utxo"
	pathProtocolParameters = "/protocol-parameters"
)

// nodeAPI calls the head node's request/response endpoints.
type nodeAPI struct {
	base string
	hc   *http.Client
}

func newNodeAPI(base string, hc *http.Client) *nodeAPI {
	return &nodeAPI{base: base, hc: hc}
}

// draftCommitTx asks the node to draft the layer-1 commit transaction for the
// given commit payload.
func (a *nodeAPI) draftCommitTx(ctx context.Context, payload interface{}) (wire.TextEnvelope, error) {
	var draft wire.TextEnvelope
	if err := a.do(ctx, http.MethodPost, pathCommit, payload, &draft); err != nil {
		return wire.TextEnvelope{}, errors.Wrap(err, "drafting commit transaction")
	}
	return draft, nil
}

// snapshotUTxO fetches the node's last confirmed snapshot UTxO.
func (a *nodeAPI) snapshotUTxO(ctx context.Context) (wire.UTxOSet, error) {
	var utxo wire.UTxOSet
	if err := a.do(ctx, http.MethodGet, pathSnapshotUTxO, nil, &utxo); err != nil {
		return nil, errors.Wrap(err, "fetching snapshot utxo")
	}
	return utxo, nil
}

// protocolParameters fetches the ledger protocol parameters the node runs
// with, verbatim.
func (a *nodeAPI) protocolParameters(ctx context.Context) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := a.do(ctx, http.MethodGet, pathProtocolParameters, nil, &raw); err != nil {
		return nil, errors.Wrap(err, "fetching protocol parameters")
	}
	return raw, nil
}

// do runs one request against the node, decoding a 2xx response into into.
// Other statuses surface the response body, which carries the node's
// rejection reason.
func (a *nodeAPI) do(ctx context.Context, method, path string, payload, into interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "encoding request")
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.base+path, body)
	if err != nil {
		return errors.Wrap(err, "building request")
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrapf(err, "reading %s response", path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Errorf("node returned %s for %s: %s", resp.Status, path, bytes.TrimSpace(raw))
	}
	if err := json.Unmarshal(raw, into); err != nil {
		return errors.Wrapf(err, "decoding %s response", path)
	}
	return nil
}
