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

// Package test runs an in-process head node double for client tests: a
// WebSocket event channel plus the HTTP endpoints, with scripted responses.
package test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"perun.network/perun-head-client/wire"
)

// Node is a scripted head node. Connected clients receive a greeting, then
// whatever frames the test pushes. Commands posted by clients are captured
// for inspection.
type Node struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu          sync.Mutex
	wmu         sync.Mutex
	conns       []*websocket.Conn
	seq         uint64
	greetStatus string
	greetUTxO   json.RawMessage
	history     []string
	draft       wire.TextEnvelope
	snapshot    json.RawMessage
	params      json.RawMessage
	lastQuery   url.Values

	closeOnce sync.Once

	inputs  chan []byte
	commits chan []byte
}

// NewNode starts a node double greeting clients with status Idle. It is shut
// down automatically when the test ends.
func NewNode(t *testing.T) *Node {
	n := &Node{
		t:           t,
		upgrader:    websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		greetStatus: "Idle",
		draft:       wire.TextEnvelope{Type: "Unwitnessed Tx ConwayEra", CBORHex: "84a300a1"},
		snapshot:    json.RawMessage(`{}`),
		params:      json.RawMessage(`{}`),
		inputs:      make(chan []byte, 16),
		commits:     make(chan []byte, 16),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/commit", n.handleCommit)
	mux.HandleFunc("/snapshot/utxo", n.handleSnapshot)
	mux.HandleFunc("/protocol-parameters", n.handleParams)
	mux.HandleFunc("/", n.handleWS)
	n.srv = httptest.NewServer(mux)
	t.Cleanup(n.Close)
	return n
}

// Addr returns the host:port clients connect to.
func (n *Node) Addr() string {
	return strings.TrimPrefix(n.srv.URL, "http://")
}

// SetGreeting scripts the greeting sent to connecting clients. utxo may be
// nil. Call it before the client connects.
func (n *Node) SetGreeting(status string, utxo json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.greetStatus = status
	n.greetUTxO = utxo
}

// SetHistory scripts the frames replayed after the greeting when a client
// connects with history enabled.
func (n *Node) SetHistory(frames ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.history = frames
}

// SetCommitDraft scripts the envelope returned by the commit endpoint.
func (n *Node) SetCommitDraft(draft wire.TextEnvelope) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.draft = draft
}

// SetSnapshotBody scripts the snapshot endpoint response.
func (n *Node) SetSnapshotBody(raw json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshot = raw
}

// SetParamsBody scripts the protocol parameters endpoint response.
func (n *Node) SetParamsBody(raw json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.params = raw
}

// LastQuery returns the query parameters of the most recent event channel
// connection.
func (n *Node) LastQuery() url.Values {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastQuery
}

// Push stamps the frame with the next sequence number and sends it to all
// connected clients.
func (n *Node) Push(frame string) {
	n.broadcast(n.stamp([]byte(frame)))
}

// PushRaw sends the frame verbatim, without a sequence number. It is meant
// for scripting malformed or out-of-sequence traffic.
func (n *Node) PushRaw(frame string) {
	n.broadcast([]byte(frame))
}

// NextInput returns the next command a client posted on the event channel.
func (n *Node) NextInput(timeout time.Duration) ([]byte, bool) {
	select {
	case raw := <-n.inputs:
		return raw, true
	case <-time.After(timeout):
		return nil, false
	}
}

// NextCommit returns the next payload posted to the commit endpoint.
func (n *Node) NextCommit(timeout time.Duration) ([]byte, bool) {
	select {
	case raw := <-n.commits:
		return raw, true
	case <-time.After(timeout):
		return nil, false
	}
}

// DropClients severs all event channel connections without a close
// handshake.
func (n *Node) DropClients() {
	n.mu.Lock()
	conns := n.conns
	n.conns = nil
	n.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close shuts the node down.
func (n *Node) Close() {
	n.closeOnce.Do(func() {
		n.DropClients()
		n.srv.Close()
	})
}

func (n *Node) handleWS(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.NotFound(w, r)
		return
	}
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.t.Errorf("upgrading connection: %v", err)
		return
	}

	n.mu.Lock()
	n.lastQuery = r.URL.Query()
	n.conns = append(n.conns, conn)
	status, utxo := n.greetStatus, n.greetUTxO
	history := append([]string(nil), n.history...)
	n.mu.Unlock()

	greeting := map[string]interface{}{
		"tag":        "Greetings",
		"me":         map[string]string{"vkey": "84a3"},
		"headStatus": status,
	}
	if utxo != nil {
		greeting["snapshotUtxo"] = utxo
	}
	raw, err := json.Marshal(greeting)
	if err != nil {
		n.t.Errorf("encoding greeting: %v", err)
		return
	}
	n.write(conn, n.stamp(raw))

	if r.URL.Query().Get("history") == "yes" {
		for _, frame := range history {
			n.write(conn, n.stamp([]byte(frame)))
		}
	}

	go n.readLoop(conn)
}

func (n *Node) readLoop(conn *websocket.Conn) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case n.inputs <- raw:
		default:
			n.t.Errorf("input buffer full, dropping %s", raw)
		}
	}
}

// stamp assigns the next sequence number to a frame.
func (n *Node) stamp(frame []byte) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(frame, &fields); err != nil {
		n.t.Errorf("stamping frame %s: %v", frame, err)
		return frame
	}
	n.mu.Lock()
	seq := n.seq
	n.seq++
	n.mu.Unlock()

	raw, err := json.Marshal(seq)
	if err == nil {
		fields["seq"] = raw
		if stamped, err := json.Marshal(fields); err == nil {
			return stamped
		}
	}
	return frame
}

func (n *Node) broadcast(frame []byte) {
	n.mu.Lock()
	conns := append([]*websocket.Conn(nil), n.conns...)
	n.mu.Unlock()
	for _, c := range conns {
		n.write(c, frame)
	}
}

func (n *Node) write(conn *websocket.Conn, frame []byte) {
	n.wmu.Lock()
	defer n.wmu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		n.t.Logf("writing frame: %v", err)
	}
}

func (n *Node) handleCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		n.t.Errorf("reading commit body: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	select {
	case n.commits <- body:
	default:
		n.t.Errorf("commit buffer full, dropping %s", body)
	}

	n.mu.Lock()
	draft := n.draft
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(draft)
}

func (n *Node) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	body := n.snapshot
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func (n *Node) handleParams(w http.ResponseWriter, r *http.Request) {
	n.mu.Lock()
	body := n.params
	n.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
