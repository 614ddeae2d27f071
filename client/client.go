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

// Package client implements the connection handle to a head node: the event
// channel with its observers, the command surface and the node's HTTP
// endpoints.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
	pkgsync "polycry.pt/poly-go/sync"

	"perun.network/perun-head-client/event"
	"perun.network/perun-head-client/head"
	"perun.network/perun-head-client/ledger"
	"perun.network/perun-head-client/wire"
)

// Client is the handle to one head node. It tracks the head status from the
// node's event channel, distributes messages and derived notifications to
// observers, and posts commands.
//
// A Client is safe for concurrent use. Commands are validated against the
// tracked status before anything is sent, so a command that is illegal in the
// current status fails fast without reaching the node.
type Client struct {
	cfg Config
	log log.Embedding

	api    *nodeAPI
	hc     *http.Client
	src    ledger.Source
	asm    ledger.Assembler
	ogmios *ledger.OgmiosClient

	machine *head.Machine
	bus     *event.Bus
	pending *pendingSet

	connMu  sync.Mutex
	conn    *websocket.Conn
	closer  *pkgsync.Closer
	closing atomic.Bool

	errMu sync.Mutex
	err   error

	observed atomic.Uint64

	snapMu   sync.RWMutex
	snapshot wire.UTxOSet
}

// Option configures a Client beyond its Config.
type Option func(*Client)

// WithLedgerSource installs the capability to resolve layer-1 outputs,
// enabling commits of layer-1 funds. It overrides the Ogmios source derived
// from the config.
func WithLedgerSource(src ledger.Source) Option {
	return func(c *Client) { c.src = src }
}

// WithAssembler installs the capability to build layer-1 transactions,
// enabling Decommit.
func WithAssembler(asm ledger.Assembler) Option {
	return func(c *Client) { c.asm = asm }
}

// WithHTTPClient replaces the HTTP client used for the node's endpoints.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger replaces the logger.
func WithLogger(l log.Logger) Option {
	return func(c *Client) { c.log = log.MakeEmbedding(l) }
}

// New creates a client for the node in cfg. The client is idle until Connect.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "validating config")
	}
	c := &Client{
		cfg:     cfg,
		log:     log.MakeEmbedding(log.Default()),
		hc:      &http.Client{Timeout: 30 * time.Second},
		machine: head.NewMachine(),
		bus:     event.NewBus(),
		pending: &pendingSet{},
		closer:  new(pkgsync.Closer),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.api = newNodeAPI(fmt.Sprintf("%s://%s", cfg.httpScheme(), cfg.NodeAddr), c.hc)
	if c.src == nil && cfg.OgmiosURL != "" {
		c.ogmios = ledger.NewOgmiosClient(cfg.OgmiosURL)
		c.src = c.ogmios
	}
	return c, nil
}

// Connect opens the event channel to the node. The node's first message is a
// greeting carrying the authoritative head status; with ReplayHistory set,
// all prior messages follow before live ones.
//
// After a terminated connection, Connect may be called again; the next
// greeting resynchronizes the tracked status.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil && !c.closer.IsClosed() {
		return errors.New("already connected")
	}
	if c.closer.IsClosed() {
		c.closer = new(pkgsync.Closer)
		c.setErr(nil)
	}
	if c.src == nil && c.cfg.OgmiosURL != "" {
		c.ogmios = ledger.NewOgmiosClient(c.cfg.OgmiosURL)
		c.src = c.ogmios
	}

	q := url.Values{}
	if c.cfg.ReplayHistory {
		q.Set("history", "yes")
	} else {
		q.Set("history", "no")
	}
	if c.cfg.Address != "" {
		q.Set("address", c.cfg.Address)
	}
	u := url.URL{Scheme: c.cfg.wsScheme(), Host: c.cfg.NodeAddr, Path: "/", RawQuery: q.Encode()}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.dialTimeout())
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "dialing head node %s", u.Host)
	}

	c.conn = conn
	c.closing.Store(false)
	c.observed.Store(0)
	c.log.Log().Infof("Connected to head node %s", u.Host)

	go c.pump(conn, c.closer)
	return nil
}

// pump reads the event channel until it ends. Every frame is decoded,
// applied to the status machine and handed to the observers, in stream
// order.
func (c *Client) pump(conn *websocket.Conn, closer *pkgsync.Closer) {
	defer func() {
		conn.Close()
		err := c.Err()
		if err == nil {
			err = errors.New("connection closed")
		}
		// Receipts settle before the closer announces the end of the
		// stream. Disconnect and Connect take the closed closer as "the
		// previous session is over", so a receipt posted on the next
		// connection must never be reachable from here; a post racing
		// this teardown fails at the closed connection and is dropped.
		c.pending.failAll(err)
		closer.Close()
	}()

	var last uint64
	var haveLast bool
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.closing.Load() || closer.IsClosed() ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.log.Log().Debugf("Event channel closed")
				return
			}
			c.setErr(errors.Wrap(err, "reading from node"))
			return
		}

		msg, err := wire.Decode(raw)
		if err != nil {
			c.setErr(err)
			return
		}
		c.observed.Add(1)

		if seq, ok := msg.Sequence(); ok {
			if haveLast && seq != last+1 {
				c.bus.PublishAnomaly(event.Anomaly{
					Status:  c.machine.Status(),
					Trigger: msg,
					Reason:  fmt.Sprintf("sequence gap: got %d after %d", seq, last),
				})
			}
			last, haveLast = seq, true
		}

		c.ingest(msg)
	}
}

// ingest applies one message: snapshot bookkeeping first, then the status
// machine, then the observers. The raw message is always delivered before
// notifications derived from it.
func (c *Client) ingest(msg wire.Message) {
	switch v := msg.(type) {
	case *wire.Greetings:
		if v.SnapshotUTxO != nil {
			c.setSnapshot(v.SnapshotUTxO)
		}
	case *wire.HeadIsOpen:
		c.setSnapshot(v.UTxO)
	case *wire.SnapshotConfirmed:
		c.setSnapshot(v.Snapshot.UTxO)
	case *wire.GetUTxOResponse:
		c.setSnapshot(v.UTxO)
	case *wire.HeadIsFinalized:
		c.setSnapshot(v.UTxO)
	}

	res := c.machine.Apply(msg)

	c.bus.Publish(msg)
	if res.Changed {
		c.bus.PublishStatus(event.StatusChanged{Old: res.Old, New: res.New, Trigger: msg})
	}
	if res.Anomalous() {
		c.log.Log().Warnf("Protocol anomaly: %s", res.Reason)
		c.bus.PublishAnomaly(event.Anomaly{Status: res.New, Trigger: msg, Reason: res.Reason})
	}

	c.pending.observe(msg)
}

func (c *Client) setSnapshot(utxo wire.UTxOSet) {
	c.snapMu.Lock()
	c.snapshot = utxo.Clone()
	c.snapMu.Unlock()
}

// source returns the ledger source. Connect and Disconnect swap the owned
// Ogmios source under the connection lock.
func (c *Client) source() ledger.Source {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.src
}

// Status returns the currently tracked head status.
func (c *Client) Status() head.Status {
	return c.machine.Status()
}

// ContestationDeadline returns the deadline of the running contestation
// period, or the zero time if none is known.
func (c *Client) ContestationDeadline() time.Time {
	return c.machine.ContestationDeadline()
}

// Snapshot returns a copy of the last confirmed snapshot UTxO observed on
// the event channel.
func (c *Client) Snapshot() wire.UTxOSet {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snapshot.Clone()
}

// MessagesObserved returns the number of messages decoded on the current
// connection.
func (c *Client) MessagesObserved() uint64 {
	return c.observed.Load()
}

// OnMessage registers an observer for every node message, in stream order.
func (c *Client) OnMessage(fn event.MessageHandler) uuid.UUID {
	return c.bus.OnMessage(fn)
}

// OnStatus registers an observer that is called whenever the head enters
// status st.
func (c *Client) OnStatus(st head.Status, fn event.StatusHandler) uuid.UUID {
	return c.bus.OnStatus(st, fn)
}

// OnAnomaly registers an observer for protocol irregularities.
func (c *Client) OnAnomaly(fn event.AnomalyHandler) uuid.UUID {
	return c.bus.OnAnomaly(fn)
}

// Unsubscribe cancels an observer registration.
func (c *Client) Unsubscribe(id uuid.UUID) bool {
	return c.bus.Unsubscribe(id)
}

// Done is closed when the event channel has ended, normally or not. Err
// tells the difference.
func (c *Client) Done() <-chan struct{} {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.closer.Closed()
}

// Err returns the error that ended the event channel, or nil while it is
// running or after a clean shutdown.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.err = err
}

// SnapshotUTxO fetches the last confirmed snapshot UTxO from the node's HTTP
// endpoint. Unlike Snapshot, it does not depend on an open event channel.
func (c *Client) SnapshotUTxO(ctx context.Context) (wire.UTxOSet, error) {
	return c.api.snapshotUTxO(ctx)
}

// ProtocolParameters fetches the ledger protocol parameters the node runs
// with, verbatim.
func (c *Client) ProtocolParameters(ctx context.Context) (json.RawMessage, error) {
	return c.api.protocolParameters(ctx)
}

// Disconnect closes the event channel with a close handshake, falling back
// to dropping the connection when the node does not answer within timeout.
// It always returns, and it is a no-op when not connected.
func (c *Client) Disconnect(timeout time.Duration) error {
	c.connMu.Lock()
	conn := c.conn
	closer := c.closer
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.closing.Store(true)
		deadline := time.Now().Add(timeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil {
			conn.Close()
		}
		select {
		case <-closer.Closed():
		case <-time.After(timeout):
			c.log.Log().Warnf("Close handshake timed out, dropping connection")
			conn.Close()
			<-closer.Closed()
		}
	}

	// The Ogmios channel is owned by the client; a later Connect recreates it.
	c.connMu.Lock()
	if c.ogmios != nil {
		c.ogmios.Close()
		c.ogmios, c.src = nil, nil
	}
	c.connMu.Unlock()
	return nil
}
