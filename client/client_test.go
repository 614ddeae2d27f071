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

package client_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"perun.network/perun-head-client/client"
	clienttest "perun.network/perun-head-client/client/test"
	"perun.network/perun-head-client/event"
	"perun.network/perun-head-client/head"
	"perun.network/perun-head-client/wire"
)

const waitFor = 2 * time.Second

func newClient(t *testing.T, n *clienttest.Node, opts ...client.Option) *client.Client {
	t.Helper()
	cfg := client.Config{NodeAddr: n.Addr()}
	c, err := client.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(time.Second) })
	return c
}

func connect(t *testing.T, c *client.Client) {
	t.Helper()
	require.NoError(t, c.Connect(context.Background()))
}

func waitStatus(t *testing.T, c *client.Client, want head.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return c.Status() == want },
		waitFor, 5*time.Millisecond, "head did not reach %s", want)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	t.Cleanup(cancel)
	return ctx
}

func recvAnomaly(t *testing.T, ch <-chan event.Anomaly) event.Anomaly {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(waitFor):
		t.Fatal("no anomaly received")
		return event.Anomaly{}
	}
}

func recvStatus(t *testing.T, ch <-chan event.StatusChanged) event.StatusChanged {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(waitFor):
		t.Fatal("no status change received")
		return event.StatusChanged{}
	}
}

// makeSignedTx builds a minimal but well-formed transaction envelope. The fee
// varies the body so every call yields a distinct transaction id.
func makeSignedTx(t *testing.T, fee uint64) wire.TextEnvelope {
	t.Helper()
	body, err := cbor.Marshal(map[uint64]interface{}{
		0: []interface{}{[]interface{}{make([]byte, 32), uint64(0)}},
		1: []interface{}{},
		2: fee,
	})
	require.NoError(t, err)
	raw, err := cbor.Marshal([]interface{}{cbor.RawMessage(body), map[int]interface{}{}, true, nil})
	require.NoError(t, err)
	return wire.TextEnvelope{Type: "Tx ConwayEra", CBORHex: hex.EncodeToString(raw)}
}

func TestConnectGreeting(t *testing.T) {
	n := clienttest.NewNode(t)
	n.SetGreeting("Open", json.RawMessage(`{
		"f0a39560ea80ccc68e8dffb6a4a84a5c61e63f4a843a538df7a47a04cddbcb6c#0": {
			"address": "addr_test1xyz",
			"value": {"lovelace": 100000000}
		}
	}`))
	c := newClient(t, n)
	connect(t, c)

	waitStatus(t, c, head.Open)
	require.Eventually(t, func() bool { return len(c.Snapshot()) == 1 },
		waitFor, 5*time.Millisecond)
	require.GreaterOrEqual(t, c.MessagesObserved(), uint64(1))
	require.Equal(t, "no", n.LastQuery().Get("history"))
}

func TestConnectHistoryReplay(t *testing.T) {
	n := clienttest.NewNode(t)
	n.SetHistory(
		`{"tag":"HeadIsInitializing","headId":"81fa"}`,
		`{"tag":"HeadIsOpen","headId":"81fa","utxo":{}}`,
	)
	cfg := client.Config{NodeAddr: n.Addr(), ReplayHistory: true, Address: "addr_test1xyz"}
	c, err := client.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Disconnect(time.Second) })
	connect(t, c)

	waitStatus(t, c, head.Open)
	q := n.LastQuery()
	require.Equal(t, "yes", q.Get("history"))
	require.Equal(t, "addr_test1xyz", q.Get("address"))
}

func TestConnectTwice(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	require.Error(t, c.Connect(context.Background()))
}

func TestStatusObservers(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	initCh := make(chan event.StatusChanged, 1)
	openCh := make(chan event.StatusChanged, 1)
	c.OnStatus(head.Initializing, func(s event.StatusChanged) { initCh <- s })
	c.OnStatus(head.Open, func(s event.StatusChanged) { openCh <- s })
	connect(t, c)

	n.Push(`{"tag":"HeadIsInitializing","headId":"81fa"}`)
	n.Push(`{"tag":"HeadIsOpen","headId":"81fa","utxo":{}}`)

	init := recvStatus(t, initCh)
	require.Equal(t, head.Idle, init.Old)
	require.Equal(t, head.Initializing, init.New)
	require.Equal(t, wire.TagHeadIsInitializing, init.Trigger.Tag())

	open := recvStatus(t, openCh)
	require.Equal(t, head.Initializing, open.Old)
	require.Equal(t, head.Open, open.New)
}

func TestMessageObserverOrder(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	tags := make(chan string, 8)
	c.OnMessage(func(m wire.Message) { tags <- m.Tag() })
	connect(t, c)

	n.Push(`{"tag":"PeerConnected","peer":"2"}`)
	n.Push(`{"tag":"HeadIsInitializing","headId":"81fa"}`)
	n.Push(`{"tag":"SomethingNew","payload":1}`)

	want := []string{wire.TagGreetings, wire.TagPeerConnected, wire.TagHeadIsInitializing, "SomethingNew"}
	for _, w := range want {
		select {
		case got := <-tags:
			require.Equal(t, w, got)
		case <-time.After(waitFor):
			t.Fatalf("did not receive %s", w)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	msgs := make(chan wire.Message, 8)
	id := c.OnMessage(func(m wire.Message) { msgs <- m })
	connect(t, c)
	waitStatus(t, c, head.Idle)

	select {
	case <-msgs: // the greeting
	case <-time.After(waitFor):
		t.Fatal("no greeting observed")
	}
	require.True(t, c.Unsubscribe(id))

	n.Push(`{"tag":"PeerConnected","peer":"2"}`)
	require.Eventually(t, func() bool { return c.MessagesObserved() == 2 },
		waitFor, 5*time.Millisecond)
	require.Empty(t, msgs)
}

func TestIllegalMessageAnomaly(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	anomalies := make(chan event.Anomaly, 1)
	c.OnAnomaly(func(a event.Anomaly) { anomalies <- a })
	connect(t, c)
	waitStatus(t, c, head.Idle)

	n.Push(`{"tag":"HeadIsFinalized","headId":"81fa","utxo":{}}`)

	a := recvAnomaly(t, anomalies)
	require.Contains(t, a.Reason, "HeadIsFinalized while head is Idle")
	require.Equal(t, head.Idle, a.Status)
	require.Equal(t, head.Idle, c.Status())
}

func TestSequenceGapAnomaly(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	anomalies := make(chan event.Anomaly, 1)
	c.OnAnomaly(func(a event.Anomaly) { anomalies <- a })
	connect(t, c)
	waitStatus(t, c, head.Idle)

	// The greeting carried seq 0; jumping to 5 is a gap.
	n.PushRaw(`{"tag":"PeerConnected","peer":"2","seq":5}`)

	a := recvAnomaly(t, anomalies)
	require.Contains(t, a.Reason, "sequence gap")
	require.Equal(t, wire.TagPeerConnected, a.Trigger.Tag())

	// The stream continues: consecutive numbers raise nothing further.
	n.PushRaw(`{"tag":"PeerConnected","peer":"3","seq":6}`)
	require.Eventually(t, func() bool { return c.MessagesObserved() == 3 },
		waitFor, 5*time.Millisecond)
	require.Empty(t, anomalies)
}

func TestInitReceipt(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	r, err := c.Init(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, wire.TagInit, r.Command())

	raw, ok := n.NextInput(waitFor)
	require.True(t, ok, "node received no input")
	require.JSONEq(t, `{"tag":"Init"}`, string(raw))

	n.Push(`{"tag":"HeadIsInitializing","headId":"81fa"}`)
	outcome, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, wire.TagHeadIsInitializing, outcome.Tag())

	// Now that the head initializes, another Init is illegal.
	_, err = c.Init(waitCtx(t))
	require.ErrorIs(t, err, head.ErrIllegalTransition)
}

func TestCommandRefused(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	r, err := c.Init(waitCtx(t))
	require.NoError(t, err)

	n.Push(`{"tag":"CommandFailed","clientInput":{"tag":"Init"}}`)
	outcome, err := r.Wait(waitCtx(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "refused")
	require.Equal(t, wire.TagCommandFailed, outcome.Tag())

	// The refusal leaves the status untouched.
	require.Equal(t, head.Idle, c.Status())
}

func TestInvalidInputSettlesOldest(t *testing.T) {
	n := clienttest.NewNode(t)
	n.SetGreeting("Open", nil)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Open)

	rTx, err := c.NewTx(waitCtx(t), makeSignedTx(t, 171801))
	require.NoError(t, err)
	rUTxO, err := c.GetUTxO(waitCtx(t))
	require.NoError(t, err)

	// The node cannot echo a command it failed to parse, so the rejection
	// settles the oldest in-flight receipt.
	n.Push(`{"tag":"InvalidInput","reason":"invalid command","input":"{\"tag\":\"NewTx\"}"}`)
	outcome, err := rTx.Wait(waitCtx(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid command")
	require.Equal(t, wire.TagInvalidInput, outcome.Tag())

	// The younger receipt stays pending and answers normally.
	select {
	case <-rUTxO.Done():
		t.Fatal("younger receipt settled by the parse failure")
	default:
	}
	n.Push(`{"tag":"GetUTxOResponse","headId":"81fa","utxo":{}}`)
	outcome, err = rUTxO.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, wire.TagGetUTxOResponse, outcome.Tag())
}

func TestCommandIllegalBeforeSend(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	// Close requires an open head; nothing must reach the node.
	_, err := c.Close(waitCtx(t))
	require.ErrorIs(t, err, head.ErrIllegalTransition)
	_, ok := n.NextInput(50 * time.Millisecond)
	require.False(t, ok, "illegal command reached the node")
}

func TestCommandNotConnected(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)

	_, err := c.Init(waitCtx(t))
	require.ErrorIs(t, err, client.ErrNotConnected)
}

func TestNewTxReceipts(t *testing.T) {
	n := clienttest.NewNode(t)
	n.SetGreeting("Open", nil)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Open)

	valid := makeSignedTx(t, 171573)
	validID, err := wire.TxID(valid)
	require.NoError(t, err)

	r1, err := c.NewTx(waitCtx(t), valid)
	require.NoError(t, err)
	raw, ok := n.NextInput(waitFor)
	require.True(t, ok)
	require.Equal(t, wire.TagNewTx, wire.CommandTag(raw))

	n.Push(`{"tag":"TxValid","headId":"81fa","transactionId":"` + validID + `"}`)
	outcome, err := r1.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, wire.TagTxValid, outcome.Tag())

	invalid := makeSignedTx(t, 200000)
	invalidID, err := wire.TxID(invalid)
	require.NoError(t, err)
	require.NotEqual(t, validID, invalidID)

	r2, err := c.NewTx(waitCtx(t), invalid)
	require.NoError(t, err)
	n.Push(`{"tag":"TxInvalid","headId":"81fa","transaction":{"txId":"` + invalidID + `"},"validationError":{"reason":"MissingInput"}}`)
	_, err = r2.Wait(waitCtx(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "MissingInput")
}

func TestNewTxMalformed(t *testing.T) {
	n := clienttest.NewNode(t)
	n.SetGreeting("Open", nil)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Open)

	_, err := c.NewTx(waitCtx(t), wire.TextEnvelope{CBORHex: "zz"})
	require.ErrorIs(t, err, wire.ErrMalformedTx)
	_, ok := n.NextInput(50 * time.Millisecond)
	require.False(t, ok, "malformed transaction reached the node")
}

func TestGetUTxO(t *testing.T) {
	n := clienttest.NewNode(t)
	n.SetGreeting("Open", nil)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Open)

	r, err := c.GetUTxO(waitCtx(t))
	require.NoError(t, err)

	n.Push(`{"tag":"GetUTxOResponse","headId":"81fa","utxo":{"cafe01#0":{"address":"addr_test1xyz","value":{"lovelace":7}}}}`)
	outcome, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, wire.TagGetUTxOResponse, outcome.Tag())

	require.Eventually(t, func() bool { return len(c.Snapshot()) == 1 },
		waitFor, 5*time.Millisecond)
}

func TestHeadLifecycleEndToEnd(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	rInit, err := c.Init(waitCtx(t))
	require.NoError(t, err)
	n.Push(`{"tag":"HeadIsInitializing","headId":"81fa"}`)
	_, err = rInit.Wait(waitCtx(t))
	require.NoError(t, err)

	// Decommitting needs an open head.
	_, err = c.Decommit(waitCtx(t))
	require.ErrorIs(t, err, head.ErrIllegalTransition)

	n.Push(`{"tag":"Committed","headId":"81fa","party":{"vkey":"aa"},"utxo":{}}`)
	n.Push(`{"tag":"HeadIsOpen","headId":"81fa","utxo":{}}`)
	waitStatus(t, c, head.Open)

	rClose, err := c.Close(waitCtx(t))
	require.NoError(t, err)
	n.Push(`{"tag":"HeadIsClosed","headId":"81fa","snapshotNumber":1,"contestationDeadline":"2024-10-01T12:10:00Z"}`)
	_, err = rClose.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, head.Closed, c.Status())

	n.Push(`{"tag":"ReadyToFanout","headId":"81fa"}`)
	waitStatus(t, c, head.FanoutPossible)

	rFanout, err := c.Fanout(waitCtx(t))
	require.NoError(t, err)
	n.Push(`{"tag":"HeadIsFinalized","headId":"81fa","utxo":{}}`)
	outcome, err := rFanout.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, wire.TagHeadIsFinalized, outcome.Tag())
	require.Equal(t, head.Final, c.Status())
}

func TestDisconnect(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	require.NoError(t, c.Disconnect(time.Second))
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("stream did not end after disconnect")
	}
	require.NoError(t, c.Err())

	// Disconnecting again is a no-op.
	require.NoError(t, c.Disconnect(time.Second))
}

func TestConnectionDrop(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	r, err := c.Init(waitCtx(t))
	require.NoError(t, err)

	n.DropClients()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("stream did not end after drop")
	}
	require.Error(t, c.Err())

	// In-flight receipts are already settled with the stream error when
	// Done fires.
	select {
	case <-r.Done():
	default:
		t.Fatal("receipt still pending after stream end")
	}
	_, err = r.Wait(waitCtx(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading from node")
}

func TestDecodeErrorEndsStream(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	n.PushRaw(`not json`)
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("stream did not end on malformed frame")
	}
	require.ErrorIs(t, c.Err(), wire.ErrDecode)
}

func TestReconnectResync(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	waitStatus(t, c, head.Idle)

	n.DropClients()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("stream did not end after drop")
	}
	require.NoError(t, c.Disconnect(time.Second))

	// The next greeting resynchronizes the tracked status.
	n.SetGreeting("Open", nil)
	connect(t, c)
	waitStatus(t, c, head.Open)
	require.NoError(t, c.Err())
	require.Eventually(t, func() bool { return c.MessagesObserved() == 1 },
		waitFor, 5*time.Millisecond)
}

func TestReconnectKeepsNewReceipts(t *testing.T) {
	n := clienttest.NewNode(t)
	c := newClient(t, n)
	connect(t, c)
	require.Eventually(t, func() bool { return c.MessagesObserved() == 1 },
		waitFor, 5*time.Millisecond)

	rOld, err := c.Init(waitCtx(t))
	require.NoError(t, err)

	n.DropClients()
	select {
	case <-c.Done():
	case <-time.After(waitFor):
		t.Fatal("stream did not end after drop")
	}
	_, err = rOld.Wait(waitCtx(t))
	require.Error(t, err)
	require.NoError(t, c.Disconnect(time.Second))

	// A command posted on the next connection is out of the previous
	// teardown's reach and answers normally.
	connect(t, c)
	require.Eventually(t, func() bool { return c.MessagesObserved() == 1 },
		waitFor, 5*time.Millisecond)
	r, err := c.Init(waitCtx(t))
	require.NoError(t, err)
	n.Push(`{"tag":"HeadIsInitializing","headId":"81fa"}`)
	outcome, err := r.Wait(waitCtx(t))
	require.NoError(t, err)
	require.Equal(t, wire.TagHeadIsInitializing, outcome.Tag())
}

func TestNodeEndpoints(t *testing.T) {
	n := clienttest.NewNode(t)
	n.SetSnapshotBody(json.RawMessage(`{"cafe01#0":{"address":"addr_test1xyz","value":{"lovelace":7}}}`))
	n.SetParamsBody(json.RawMessage(`{"maxTxSize":16384}`))
	c := newClient(t, n, client.WithHTTPClient(&http.Client{Timeout: 5 * time.Second}))

	utxo, err := c.SnapshotUTxO(waitCtx(t))
	require.NoError(t, err)
	require.Len(t, utxo, 1)
	require.Equal(t, "addr_test1xyz", utxo[wire.MakeTxOutRef("cafe01", 0)].Address)

	params, err := c.ProtocolParameters(waitCtx(t))
	require.NoError(t, err)
	require.JSONEq(t, `{"maxTxSize":16384}`, string(params))
}
