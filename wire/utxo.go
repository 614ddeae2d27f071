// Copyright 2024 PolyCrypt GmbH
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
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrRef is returned when a transaction output reference does not have the
// form "txid#index".
var ErrRef = errors.New("malformed output reference")

// TxOutRef points at a single output of a transaction. Its wire form is the
// string "txid#index".
type TxOutRef struct {
	TxID  string
	Index uint32
}

// MakeTxOutRef builds a reference to output index of transaction txID.
func MakeTxOutRef(txID string, index uint32) TxOutRef {
	return TxOutRef{TxID: txID, Index: index}
}

// ParseTxOutRef parses the wire form "txid#index".
func ParseTxOutRef(s string) (TxOutRef, error) {
	sep := strings.LastIndexByte(s, '#')
	if sep <= 0 || sep == len(s)-1 {
		return TxOutRef{}, fmt.Errorf("%w: %q", ErrRef, s)
	}
	index, err := strconv.ParseUint(s[sep+1:], 10, 32)
	if err != nil {
		return TxOutRef{}, fmt.Errorf("%w: %q: %v", ErrRef, s, err)
	}
	return TxOutRef{TxID: s[:sep], Index: uint32(index)}, nil
}

func (r TxOutRef) String() string {
	return r.TxID + "#" + strconv.FormatUint(uint64(r.Index), 10)
}

// MarshalText renders the wire form, which also makes TxOutRef usable as a
// JSON object key.
func (r TxOutRef) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses the wire form.
func (r *TxOutRef) UnmarshalText(text []byte) error {
	ref, err := ParseTxOutRef(string(text))
	if err != nil {
		return err
	}
	*r = ref
	return nil
}

// TxOut is a transaction output held by an address. Value and datum fields
// are ledger-era specific and kept verbatim, so amounts survive round-trips
// without numeric interpretation.
type TxOut struct {
	Address         string          `json:"address"`
	Value           json.RawMessage `json:"value,omitempty"`
	Datum           json.RawMessage `json:"datum,omitempty"`
	DatumHash       string          `json:"datumhash,omitempty"`
	InlineDatum     json.RawMessage `json:"inlineDatum,omitempty"`
	ReferenceScript json.RawMessage `json:"referenceScript,omitempty"`
}

// UTxOSet maps output references to unspent outputs. Its wire form is a JSON
// object keyed by the reference wire form.
type UTxOSet map[TxOutRef]TxOut

// Refs returns the references of the set in lexicographic order.
func (u UTxOSet) Refs() []TxOutRef {
	refs := make([]TxOutRef, 0, len(u))
	for ref := range u {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].TxID != refs[j].TxID {
			return refs[i].TxID < refs[j].TxID
		}
		return refs[i].Index < refs[j].Index
	})
	return refs
}

// Clone returns a deep-enough copy for concurrent readers. The opaque value
// fields are never mutated, so they are shared.
func (u UTxOSet) Clone() UTxOSet {
	if u == nil {
		return nil
	}
	cp := make(UTxOSet, len(u))
	for ref, out := range u {
		cp[ref] = out
	}
	return cp
}

// TextEnvelope is the serialization wrapper of the layer-1 toolchain: a typed
// wrapper around hex-encoded CBOR.
type TextEnvelope struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	CBORHex     string `json:"cborHex"`
}

// Bytes decodes the envelope's CBOR payload.
func (e TextEnvelope) Bytes() ([]byte, error) {
	raw, err := hex.DecodeString(e.CBORHex)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope hex: %w", err)
	}
	return raw, nil
}
