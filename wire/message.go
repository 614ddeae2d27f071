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
	"errors"
	"fmt"
)

// Tags of the messages a head node streams over its event channel. The tag is
// the sole discriminator of the JSON envelope.
const (
	TagGreetings               = "Greetings"
	TagPeerConnected           = "PeerConnected"
	TagPeerDisconnected        = "PeerDisconnected"
	TagHeadIsInitializing      = "HeadIsInitializing"
	TagCommitted               = "Committed"
	TagHeadIsOpen              = "HeadIsOpen"
	TagHeadIsAborted           = "HeadIsAborted"
	TagTxValid                 = "TxValid"
	TagTxInvalid               = "TxInvalid"
	TagSnapshotConfirmed       = "SnapshotConfirmed"
	TagGetUTxOResponse         = "GetUTxOResponse"
	TagDecommitRequested       = "DecommitRequested"
	TagDecommitApproved        = "DecommitApproved"
	TagDecommitInvalid         = "DecommitInvalid"
	TagDecommitFinalized       = "DecommitFinalized"
	TagCommitRecorded          = "CommitRecorded"
	TagCommitApproved          = "CommitApproved"
	TagCommitFinalized         = "CommitFinalized"
	TagHeadIsClosed            = "HeadIsClosed"
	TagHeadIsContested         = "HeadIsContested"
	TagReadyToFanout           = "ReadyToFanout"
	TagHeadIsFinalized         = "HeadIsFinalized"
	TagCommandFailed           = "CommandFailed"
	TagInvalidInput            = "InvalidInput"
	TagPostTxOnChainFailed     = "PostTxOnChainFailed"
	TagIgnoredHeadInitializing = "IgnoredHeadInitializing"
)

// ErrDecode is returned when a frame is not a JSON object carrying a tag
// field. Frames with an unrecognized tag do not produce it, they decode into
// Unknown.
var ErrDecode = errors.New("malformed message envelope")

// Message is a single output of the head node's event channel.
type Message interface {
	// Tag returns the envelope discriminator.
	Tag() string
	// Sequence returns the per-connection sequence number and whether the
	// node attached one to this message.
	Sequence() (uint64, bool)
}

// Meta carries the envelope fields the node attaches to every output next to
// the tag. It is embedded by all message variants.
type Meta struct {
	Seq       *uint64 `json:"seq,omitempty"`
	Timestamp string  `json:"timestamp,omitempty"`
}

// Sequence returns the sequence number assigned by the node, if any.
func (m Meta) Sequence() (uint64, bool) {
	if m.Seq == nil {
		return 0, false
	}
	return *m.Seq, true
}

// Snapshot is the multilateral state the head parties sign off on. The
// confirmed transactions are kept verbatim.
type Snapshot struct {
	HeadID         string            `json:"headId,omitempty"`
	Number         uint64            `json:"number"`
	UTxO           UTxOSet           `json:"utxo,omitempty"`
	Confirmed      []json.RawMessage `json:"confirmed,omitempty"`
	UTxOToDecommit UTxOSet           `json:"utxoToDecommit,omitempty"`
}

// ValidationError is the reason a node gives for refusing a transaction.
type ValidationError struct {
	Reason string `json:"reason"`
}

// Party identifies a head participant by its verification key material. The
// key encoding is node specific and kept opaque.
type Party struct {
	VKey json.RawMessage `json:"vkey,omitempty"`
}

type (
	// Greetings is sent once per connection before any other message. It
	// carries the authoritative head status and, for an open head, the last
	// confirmed snapshot UTxO.
	Greetings struct {
		Meta
		Me           Party   `json:"me"`
		HeadStatus   string  `json:"headStatus"`
		SnapshotUTxO UTxOSet `json:"snapshotUtxo,omitempty"`
		NodeVersion  string  `json:"nodeVersion,omitempty"`
	}

	// PeerConnected reports a network-level peer coming online.
	PeerConnected struct {
		Meta
		Peer string `json:"peer"`
	}

	// PeerDisconnected reports a network-level peer going offline.
	PeerDisconnected struct {
		Meta
		Peer string `json:"peer"`
	}
)

type (
	// HeadIsInitializing reports that an init transaction was observed on
	// chain and the head is collecting commits.
	HeadIsInitializing struct {
		Meta
		HeadID  string  `json:"headId"`
		Parties []Party `json:"parties,omitempty"`
	}

	// Committed reports a participant's funds being committed to the head.
	Committed struct {
		Meta
		HeadID string  `json:"headId"`
		Party  Party   `json:"party"`
		UTxO   UTxOSet `json:"utxo,omitempty"`
	}

	// HeadIsOpen reports that all commits were collected and the head is
	// ready to process transactions. UTxO is the initial head ledger state.
	HeadIsOpen struct {
		Meta
		HeadID string  `json:"headId"`
		UTxO   UTxOSet `json:"utxo,omitempty"`
	}

	// HeadIsAborted reports that initialization was cancelled and all
	// committed funds are recoverable on the layer-1 ledger.
	HeadIsAborted struct {
		Meta
		HeadID string  `json:"headId"`
		UTxO   UTxOSet `json:"utxo,omitempty"`
	}
)

type (
	// TxValid reports a transaction being accepted into the head ledger.
	TxValid struct {
		Meta
		HeadID        string          `json:"headId"`
		TransactionID string          `json:"transactionId,omitempty"`
		Transaction   json.RawMessage `json:"transaction,omitempty"`
	}

	// TxInvalid reports a transaction being refused, with the ledger's
	// reason.
	TxInvalid struct {
		Meta
		HeadID          string          `json:"headId"`
		UTxO            UTxOSet         `json:"utxo,omitempty"`
		Transaction     json.RawMessage `json:"transaction,omitempty"`
		ValidationError ValidationError `json:"validationError"`
	}

	// SnapshotConfirmed reports a new multilateral snapshot being signed by
	// all parties.
	SnapshotConfirmed struct {
		Meta
		HeadID   string   `json:"headId"`
		Snapshot Snapshot `json:"snapshot"`
	}

	// GetUTxOResponse answers a GetUTxO command with the node's current view
	// of the head ledger.
	GetUTxOResponse struct {
		Meta
		HeadID string  `json:"headId"`
		UTxO   UTxOSet `json:"utxo"`
	}
)

type (
	// DecommitRequested reports that a party asked to move funds from the
	// head back to the layer-1 ledger.
	DecommitRequested struct {
		Meta
		HeadID         string          `json:"headId"`
		DecommitTx     json.RawMessage `json:"decommitTx,omitempty"`
		UTxOToDecommit UTxOSet         `json:"utxoToDecommit,omitempty"`
	}

	// DecommitApproved reports that all parties signed off on a pending
	// decommit.
	DecommitApproved struct {
		Meta
		HeadID         string  `json:"headId"`
		DecommitTxID   string  `json:"decommitTxId,omitempty"`
		UTxOToDecommit UTxOSet `json:"utxoToDecommit,omitempty"`
	}

	// DecommitInvalid reports a decommit request being refused.
	DecommitInvalid struct {
		Meta
		HeadID        string          `json:"headId"`
		DecommitTx    json.RawMessage `json:"decommitTx,omitempty"`
		InvalidReason json.RawMessage `json:"decommitInvalidReason,omitempty"`
	}

	// DecommitFinalized reports the decommitted funds being available on the
	// layer-1 ledger.
	DecommitFinalized struct {
		Meta
		HeadID       string `json:"headId"`
		DecommitTxID string `json:"decommitTxId,omitempty"`
	}
)

type (
	// CommitRecorded reports an incremental commit being observed on chain.
	CommitRecorded struct {
		Meta
		HeadID         string  `json:"headId"`
		UTxOToCommit   UTxOSet `json:"utxoToCommit,omitempty"`
		PendingDeposit string  `json:"pendingDeposit,omitempty"`
	}

	// CommitApproved reports all parties signing off on an incremental
	// commit.
	CommitApproved struct {
		Meta
		HeadID       string  `json:"headId"`
		UTxOToCommit UTxOSet `json:"utxoToCommit,omitempty"`
	}

	// CommitFinalized reports an incremental commit becoming part of the
	// head ledger.
	CommitFinalized struct {
		Meta
		HeadID     string `json:"headId"`
		TheDeposit string `json:"theDeposit,omitempty"`
	}
)

type (
	// HeadIsClosed reports a close transaction being observed on chain. The
	// contestation deadline bounds the period in which parties may contest
	// with a newer snapshot.
	HeadIsClosed struct {
		Meta
		HeadID               string `json:"headId"`
		SnapshotNumber       uint64 `json:"snapshotNumber"`
		ContestationDeadline string `json:"contestationDeadline,omitempty"`
	}

	// HeadIsContested reports a party publishing a newer snapshot during the
	// contestation period, pushing the deadline out.
	HeadIsContested struct {
		Meta
		HeadID               string `json:"headId"`
		SnapshotNumber       uint64 `json:"snapshotNumber"`
		ContestationDeadline string `json:"contestationDeadline,omitempty"`
	}

	// ReadyToFanout reports the contestation period being over, so the final
	// distribution can be pushed to the layer-1 ledger.
	ReadyToFanout struct {
		Meta
		HeadID string `json:"headId"`
	}

	// HeadIsFinalized reports the fanout transaction being observed on
	// chain. UTxO is the final distribution.
	HeadIsFinalized struct {
		Meta
		HeadID string  `json:"headId"`
		UTxO   UTxOSet `json:"utxo,omitempty"`
	}
)

type (
	// CommandFailed reports a command being refused by the node. ClientInput
	// echoes the refused command verbatim.
	CommandFailed struct {
		Meta
		ClientInput json.RawMessage `json:"clientInput"`
		State       json.RawMessage `json:"state,omitempty"`
	}

	// InvalidInput reports a frame the node could not parse as a command.
	InvalidInput struct {
		Meta
		Reason string `json:"reason"`
		Input  string `json:"input,omitempty"`
	}

	// PostTxOnChainFailed reports a layer-1 transaction posted by the node
	// being rejected.
	PostTxOnChainFailed struct {
		Meta
		PostChainTx json.RawMessage `json:"postChainTx,omitempty"`
		PostTxError json.RawMessage `json:"postTxError,omitempty"`
	}

	// IgnoredHeadInitializing reports an init transaction for a head this
	// node is not a party of.
	IgnoredHeadInitializing struct {
		Meta
		HeadID  string  `json:"headId"`
		Parties []Party `json:"parties,omitempty"`
	}
)

// Unknown preserves a message whose tag this package does not know. Raw holds
// the complete original payload so it can be re-encoded without loss.
type Unknown struct {
	Meta
	RawTag string
	Raw    json.RawMessage
}

// MarshalJSON writes back the original payload unchanged.
func (u Unknown) MarshalJSON() ([]byte, error) {
	return append(json.RawMessage(nil), u.Raw...), nil
}

func (Greetings) Tag() string               { return TagGreetings }
func (PeerConnected) Tag() string           { return TagPeerConnected }
func (PeerDisconnected) Tag() string        { return TagPeerDisconnected }
func (HeadIsInitializing) Tag() string      { return TagHeadIsInitializing }
func (Committed) Tag() string               { return TagCommitted }
func (HeadIsOpen) Tag() string              { return TagHeadIsOpen }
func (HeadIsAborted) Tag() string           { return TagHeadIsAborted }
func (TxValid) Tag() string                 { return TagTxValid }
func (TxInvalid) Tag() string               { return TagTxInvalid }
func (SnapshotConfirmed) Tag() string       { return TagSnapshotConfirmed }
func (GetUTxOResponse) Tag() string         { return TagGetUTxOResponse }
func (DecommitRequested) Tag() string       { return TagDecommitRequested }
func (DecommitApproved) Tag() string        { return TagDecommitApproved }
func (DecommitInvalid) Tag() string         { return TagDecommitInvalid }
func (DecommitFinalized) Tag() string       { return TagDecommitFinalized }
func (CommitRecorded) Tag() string          { return TagCommitRecorded }
func (CommitApproved) Tag() string          { return TagCommitApproved }
func (CommitFinalized) Tag() string         { return TagCommitFinalized }
func (HeadIsClosed) Tag() string            { return TagHeadIsClosed }
func (HeadIsContested) Tag() string         { return TagHeadIsContested }
func (ReadyToFanout) Tag() string           { return TagReadyToFanout }
func (HeadIsFinalized) Tag() string         { return TagHeadIsFinalized }
func (CommandFailed) Tag() string           { return TagCommandFailed }
func (InvalidInput) Tag() string            { return TagInvalidInput }
func (PostTxOnChainFailed) Tag() string     { return TagPostTxOnChainFailed }
func (IgnoredHeadInitializing) Tag() string { return TagIgnoredHeadInitializing }
func (u Unknown) Tag() string               { return u.RawTag }

// Decode parses a single frame from the node's event channel. Frames that are
// not a JSON object with a tag field fail with ErrDecode. Frames with an
// unrecognized tag decode into *Unknown carrying the verbatim payload.
func Decode(raw []byte) (Message, error) {
	var env struct {
		Tag string `json:"tag"`
		Meta
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if env.Tag == "" {
		return nil, fmt.Errorf("%w: missing tag", ErrDecode)
	}

	var msg Message
	switch env.Tag {
	case TagGreetings:
		msg = &Greetings{}
	case TagPeerConnected:
		msg = &PeerConnected{}
	case TagPeerDisconnected:
		msg = &PeerDisconnected{}
	case TagHeadIsInitializing:
		msg = &HeadIsInitializing{}
	case TagCommitted:
		msg = &Committed{}
	case TagHeadIsOpen:
		msg = &HeadIsOpen{}
	case TagHeadIsAborted:
		msg = &HeadIsAborted{}
	case TagTxValid:
		msg = &TxValid{}
	case TagTxInvalid:
		msg = &TxInvalid{}
	case TagSnapshotConfirmed:
		msg = &SnapshotConfirmed{}
	case TagGetUTxOResponse:
		msg = &GetUTxOResponse{}
	case TagDecommitRequested:
		msg = &DecommitRequested{}
	case TagDecommitApproved:
		msg = &DecommitApproved{}
	case TagDecommitInvalid:
		msg = &DecommitInvalid{}
	case TagDecommitFinalized:
		msg = &DecommitFinalized{}
	case TagCommitRecorded:
		msg = &CommitRecorded{}
	case TagCommitApproved:
		msg = &CommitApproved{}
	case TagCommitFinalized:
		msg = &CommitFinalized{}
	case TagHeadIsClosed:
		msg = &HeadIsClosed{}
	case TagHeadIsContested:
		msg = &HeadIsContested{}
	case TagReadyToFanout:
		msg = &ReadyToFanout{}
	case TagHeadIsFinalized:
		msg = &HeadIsFinalized{}
	case TagCommandFailed:
		msg = &CommandFailed{}
	case TagInvalidInput:
		msg = &InvalidInput{}
	case TagPostTxOnChainFailed:
		msg = &PostTxOnChainFailed{}
	case TagIgnoredHeadInitializing:
		msg = &IgnoredHeadInitializing{}
	default:
		return &Unknown{
			Meta:   env.Meta,
			RawTag: env.Tag,
			Raw:    append(json.RawMessage(nil), raw...),
		}, nil
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecode, env.Tag, err)
	}
	return msg, nil
}
