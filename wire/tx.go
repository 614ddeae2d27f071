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
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// setTag is the CBOR tag newer ledger eras wrap the input list with.
const setTag = 258

// ErrMalformedTx is returned when an envelope's payload is not a
// recognizable transaction.
var ErrMalformedTx = errors.New("malformed transaction")

// bodyKeyInputs is the key of the input set in the transaction body map.
const bodyKeyInputs = 0

// TxID computes the transaction id of an envelope: the blake2b-256 digest of
// the serialized transaction body, hex encoded. It accepts both full
// transactions, the array [body, witnesses, ...], and bare body envelopes.
func TxID(e TextEnvelope) (string, error) {
	body, err := txBody(e)
	if err != nil {
		return "", err
	}
	sum := blake2b.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Inputs lists the output references a transaction spends, in body order.
func Inputs(e TextEnvelope) ([]TxOutRef, error) {
	body, err := txBody(e)
	if err != nil {
		return nil, err
	}
	var fields map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(body, &fields); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrMalformedTx, err)
	}
	raw, ok := fields[bodyKeyInputs]
	if !ok {
		return nil, fmt.Errorf("%w: body has no inputs", ErrMalformedTx)
	}

	var tag cbor.RawTag
	if err := cbor.Unmarshal(raw, &tag); err == nil && tag.Number == setTag {
		raw = tag.Content
	}

	var ins []txInput
	if err := cbor.Unmarshal(raw, &ins); err != nil {
		return nil, fmt.Errorf("%w: inputs: %v", ErrMalformedTx, err)
	}
	refs := make([]TxOutRef, len(ins))
	for i, in := range ins {
		refs[i] = TxOutRef{TxID: hex.EncodeToString(in.TxID), Index: in.Index}
	}
	return refs, nil
}

type txInput struct {
	_     struct{} `cbor:",toarray"`
	TxID  []byte
	Index uint32
}

// txBody extracts the serialized body from an envelope payload. Full
// transactions are the CBOR array [body, witnesses, ...]; draft envelopes may
// hold the body map directly.
func txBody(e TextEnvelope) (cbor.RawMessage, error) {
	raw, err := e.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}

	var parts []cbor.RawMessage
	if err := cbor.Unmarshal(raw, &parts); err == nil {
		if len(parts) == 0 {
			return nil, fmt.Errorf("%w: empty transaction array", ErrMalformedTx)
		}
		return parts[0], nil
	}

	var fields map[uint64]cbor.RawMessage
	if err := cbor.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedTx, err)
	}
	return cbor.RawMessage(raw), nil
}
