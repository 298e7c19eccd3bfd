// clientcore.go - top-level wiring of the mix-network client core.
// Copyright (C) 2017  David Stainton, Yawning Angel
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package clientcore assembles every component named by the mix-network
// client core (spec §2's component table) into a single running unit:
// the Topology Accessor, Fragmenter, Sphinx Preparer, Ack Controller,
// Outbound Shaper, Cover-Traffic Generator, and Receive Reassembler, all
// talking to one gateway.Channel. Grounded on client.go's Client/New,
// which wires the teacher's equivalent per-identity senders and
// fetchers behind a single data directory and boltdb handle; this
// package narrows that to the single-identity core the spec describes.
package clientcore

import (
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/core/crypto/rand"
	"github.com/katzenpost/core/worker"
	"gopkg.in/op/go-logging.v1"

	"github.com/nymtech-go/mixclient-core/ackctrl"
	"github.com/nymtech-go/mixclient-core/ackstore"
	"github.com/nymtech-go/mixclient-core/clientconfig"
	"github.com/nymtech-go/mixclient-core/constants"
	"github.com/nymtech-go/mixclient-core/cover"
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/gateway"
	"github.com/nymtech-go/mixclient-core/reassemble"
	"github.com/nymtech-go/mixclient-core/shaper"
	"github.com/nymtech-go/mixclient-core/sphinxprep"
	"github.com/nymtech-go/mixclient-core/surb"
	"github.com/nymtech-go/mixclient-core/telemetry"
	"github.com/nymtech-go/mixclient-core/topology"
)

// ErrSelfRequired is returned by New when no Recipient describing the
// running client itself is supplied; the Cover-Traffic Generator and
// the Outbound Shaper's cover ticks both address packets to it.
var ErrSelfRequired = errors.New("clientcore: Config.Self is required")

// Config bundles every external dependency and tunable Core needs at
// construction time.
type Config struct {
	Options clientconfig.Config

	// Gateway is the opaque bidirectional frame channel to the mix
	// network gateway this client is registered with (spec §1
	// Non-goal: the gateway wire protocol itself is out of scope).
	Gateway gateway.Channel

	// Fetcher supplies topology snapshots; the directory protocol
	// behind it is likewise out of scope.
	Fetcher topology.Fetcher

	// Self names this client's own identity/encryption keys and
	// gateway, used as the destination for loop-cover packets.
	Self *topology.Recipient

	// IdentityPrivateKey decrypts payloads addressed to Self.
	IdentityPrivateKey *ecdh.PrivateKey

	// SenderGatewayID is the identity of the gateway this client is
	// connected through, used as the SURB-Ack and loop-cover terminal
	// hop and as the sender side of every ValidFor check.
	SenderGatewayID [32]byte

	// DBPath names the bbolt database file backing the AckKey and
	// reply-SURB store (spec §6 "Persisted state").
	DBPath string

	Rand  io.Reader
	Clock clockwork.Clock
	Log   *logging.Logger
}

// Core wires every client-core component together behind a single
// Start/Shutdown lifecycle (spec §2).
type Core struct {
	worker.Worker

	cfg   clientconfig.Config
	log   *logging.Logger
	rnd   io.Reader
	clock clockwork.Clock

	gw   gateway.Channel
	topo *topology.Accessor

	fragmenter  *fragment.Fragmenter
	preparer    *sphinxprep.Preparer
	surbStore   *surb.Store
	db          *ackstore.DB
	ackCtrl     *ackctrl.Controller
	shaperTask  *shaper.Shaper
	coverGen    *cover.Generator
	reassembler *reassemble.Reassembler

	self               *topology.Recipient
	identityPrivateKey *ecdh.PrivateKey
	senderGatewayID    [32]byte
}

// New constructs a Core, opening (or creating) its durable ack store and
// restoring the in-memory reply-SURB/reply-key tables from it. Start
// must be called to launch its background tasks.
func New(cfg Config) (*Core, error) {
	if cfg.Self == nil {
		return nil, ErrSelfRequired
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = logging.MustGetLogger("clientcore")
	}
	applyDefaults(&cfg.Options)

	telemetry.Register()

	db, err := ackstore.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("clientcore: opening ack store: %w", err)
	}
	ackKey, err := db.LoadOrCreateAckKey(cfg.Rand)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("clientcore: loading ack key: %w", err)
	}

	surbStore := surb.NewStore(cfg.Options.MaximumReplySurbAge, cfg.Clock)
	if err := restoreSurbStore(db, surbStore); err != nil {
		db.Close()
		return nil, err
	}

	topo := topology.NewAccessor(cfg.Fetcher, cfg.Options.TopologyRefreshRate, cfg.Options.TopologyResolutionTimeout, cfg.Log)

	fragmenter := fragment.NewFragmenter(cfg.Options.ChunkCapacity, cfg.Rand)
	preparer := sphinxprep.NewPreparer(cfg.Rand, cfg.Options.AveragePacketDelay, cfg.Options.AverageAckDelay)

	ackCtrl := ackctrl.New(ackctrl.Config{
		Preparer:          preparer,
		Topology:          topo,
		AckKey:            ackKey,
		SenderGatewayID:   cfg.SenderGatewayID,
		AckWaitMultiplier: cfg.Options.AckWaitMultiplier,
		AckWaitAddition:   cfg.Options.AckWaitAddition,
		ChunkCapacity:     cfg.Options.ChunkCapacity,
		Clock:             cfg.Clock,
		Log:               cfg.Log,
	})

	shaperTask := shaper.New(shaper.Config{
		Gateway:         cfg.Gateway,
		Notifier:        ackCtrl,
		Cover:           preparer,
		Topology:        topo,
		Self:            cfg.Self,
		SenderGatewayID: cfg.SenderGatewayID,
		MainEnabled:     !cfg.Options.DisableMainPoissonDistribution,
		MainAvgDelay:    cfg.Options.MessageSendingAverageDelay,
		Rand:            cfg.Rand,
		Clock:           cfg.Clock,
		Log:             cfg.Log,
	})

	var coverGen *cover.Generator
	if !cfg.Options.DisableLoopCoverTrafficStream {
		coverGen = cover.New(cover.Config{
			Gateway:         cfg.Gateway,
			Cover:           preparer,
			Topology:        topo,
			Self:            cfg.Self,
			SenderGatewayID: cfg.SenderGatewayID,
			AverageDelay:    cfg.Options.LoopCoverTrafficAverageDelay,
			Clock:           cfg.Clock,
			Log:             cfg.Log,
		})
	}

	return &Core{
		cfg:                cfg.Options,
		log:                cfg.Log,
		rnd:                cfg.Rand,
		clock:              cfg.Clock,
		gw:                 cfg.Gateway,
		topo:               topo,
		fragmenter:         fragmenter,
		preparer:           preparer,
		surbStore:          surbStore,
		db:                 db,
		ackCtrl:            ackCtrl,
		shaperTask:         shaperTask,
		coverGen:           coverGen,
		reassembler:        reassemble.New(cfg.Options.ChunkCapacity, cfg.Log),
		self:               cfg.Self,
		identityPrivateKey: cfg.IdentityPrivateKey,
		senderGatewayID:    cfg.SenderGatewayID,
	}, nil
}

// applyDefaults fills any zero-valued Options field with the package's
// recommended default (spec §6), mirroring each component's own
// per-field defaulting rather than centralizing it there.
func applyDefaults(o *clientconfig.Config) {
	if o.AveragePacketDelay == 0 {
		o.AveragePacketDelay = constants.DefaultAveragePacketDelay
	}
	if o.AverageAckDelay == 0 {
		o.AverageAckDelay = constants.DefaultAverageAckDelay
	}
	if o.AckWaitMultiplier == 0 {
		o.AckWaitMultiplier = constants.DefaultAckWaitMultiplier
	}
	if o.AckWaitAddition == 0 {
		o.AckWaitAddition = constants.DefaultAckWaitAddition
	}
	if o.LoopCoverTrafficAverageDelay == 0 {
		o.LoopCoverTrafficAverageDelay = constants.DefaultLoopCoverAverageDelay
	}
	if o.MessageSendingAverageDelay == 0 {
		o.MessageSendingAverageDelay = constants.DefaultMessageSendingAverageDelay
	}
	if o.TopologyRefreshRate == 0 {
		o.TopologyRefreshRate = constants.DefaultTopologyRefreshRate
	}
	if o.TopologyResolutionTimeout == 0 {
		o.TopologyResolutionTimeout = constants.DefaultTopologyResolutionTimeout
	}
	if o.MaximumReplySurbAge == 0 {
		o.MaximumReplySurbAge = constants.DefaultMaximumReplySurbAge
	}
}

// restoreSurbStore loads the durable received-SURB and reply-key tables
// into a freshly constructed surb.Store. The original storedAt
// timestamps are not preserved across restart: every restored entry is
// re-stamped with the current time, so a restart effectively resets the
// expiry clock on entries that survived it. This is a deliberate
// simplification over threading historical timestamps back through
// surb.Store's Put* API.
func restoreSurbStore(db *ackstore.DB, store *surb.Store) error {
	received, _, err := db.LoadReceivedSurbs()
	if err != nil {
		return fmt.Errorf("clientcore: restoring received surbs: %w", err)
	}
	for id, raw := range received {
		store.PutReceived(id, raw)
	}
	keys, _, err := db.LoadReplyKeys()
	if err != nil {
		return fmt.Errorf("clientcore: restoring reply keys: %w", err)
	}
	for id, key := range keys {
		store.PutReplyKey(id, key)
	}
	return nil
}

// Start launches every background task: the topology refresh loop, the
// Ack Controller's listeners, the Outbound Shaper's tick loop, the
// independent Cover-Traffic Generator (unless disabled), and the three
// bridge loops that move data between the gateway and the rest of the
// core.
func (c *Core) Start() {
	c.topo.Start()
	c.ackCtrl.Start()
	c.shaperTask.Start()
	if c.coverGen != nil {
		c.coverGen.Start()
	}
	c.Go(c.realMessageLoop)
	c.Go(c.payloadLoop)
	c.Go(c.ackLoop)
}

// Shutdown halts every owned task and closes the durable ack store.
// Halt blocks until each task's goroutines have exited, so the ack
// store is only closed once nothing can write to it any more.
func (c *Core) Shutdown() {
	c.Halt()
	c.shaperTask.Halt()
	c.ackCtrl.Halt()
	c.topo.Halt()
	if c.coverGen != nil {
		c.coverGen.Halt()
	}
	if err := c.db.Close(); err != nil {
		c.log.Warningf("clientcore: error closing ack store: %v", err)
	}
}

// Reassembler exposes the Receive Reassembler so a caller can attach its
// own consumer channel for completed messages.
func (c *Core) Reassembler() *reassemble.Reassembler { return c.reassembler }

// realMessageLoop drains OutboundPackets the Ack Controller produces
// (Regular fragments carrying a PendingAck, and retransmissions) onto
// the Outbound Shaper's real-messages queue.
func (c *Core) realMessageLoop() {
	for {
		select {
		case <-c.HaltCh():
			return
		case p, ok := <-c.ackCtrl.RealMessages():
			if !ok {
				return
			}
			c.shaperTask.Enqueue(p)
		}
	}
}

// payloadLoop decrypts every payload the gateway hands back and feeds
// the plaintext into the Receive Reassembler, which itself recognizes
// and discards loop-cover traffic (spec §4.5 steps 1-2).
func (c *Core) payloadLoop() {
	for {
		select {
		case <-c.HaltCh():
			return
		case payload, ok := <-c.gw.IncomingPayloads():
			if !ok {
				c.log.Warning("clientcore: gateway incoming-payload channel closed")
				return
			}
			plaintext, err := sphinxprep.OpenPayload(c.rnd, c.identityPrivateKey, payload)
			if err != nil {
				telemetry.PayloadsDroppedMalformed.Inc()
				c.log.Debugf("clientcore: dropping undecryptable incoming payload: %v", err)
				continue
			}
			c.reassembler.Feed(plaintext)
		}
	}
}

// ackLoop forwards decrypted SURB-Ack payloads straight to the Ack
// Controller (spec §4.3.3); no further decryption is needed here, since
// the payload is only nonce || AES-128-CTR(ack_key)(fragment_id) and
// ackctrl recovers the fragment id itself.
func (c *Core) ackLoop() {
	for {
		select {
		case <-c.HaltCh():
			return
		case payload, ok := <-c.gw.IncomingAcks():
			if !ok {
				c.log.Warning("clientcore: gateway incoming-ack channel closed")
				return
			}
			c.ackCtrl.DeliverAck(payload)
		}
	}
}

// Dispatch routes one user-submitted InputMessage (spec §4.3.1). Regular
// and Reply messages are handled by the Ack Controller itself;
// ReplyWithSurb is handled here, since building the packet from a raw
// SURB needs a live topology snapshot that the caller -- not ackctrl --
// owns the Accessor for.
func (c *Core) Dispatch(msg ackctrl.InputMessage) {
	if m, ok := msg.(ackctrl.ReplyWithSurb); ok {
		c.dispatchReplyWithSurb(m)
		return
	}
	c.ackCtrl.Dispatch(c.fragmenter, msg)
}

func (c *Core) dispatchReplyWithSurb(m ackctrl.ReplyWithSurb) {
	snap, err := c.topo.Get()
	if err != nil {
		c.log.Warningf("clientcore: dropping surb-reply, topology invalid: %v", err)
		return
	}
	prepared, err := c.preparer.PrepareReplyFromSurb(m.Surb, m.Data, snap)
	if err != nil {
		c.log.Warningf("clientcore: dropping surb-reply, sphinx preparation failed: %v", err)
		return
	}
	c.ackCtrl.EnqueueReplySurbPacket(prepared)
}

// Send implements the Regular branch of the Input Listener's message
// pipeline with reply-SURB embedding (spec §4.1 "Input: arbitrary-length
// message bytes, number of reply SURBs to embed ... Output: ordered
// list of Fragments and, when reply-SURBs are embedded, a list of
// (surb_id, reply_key) entries to store"). When replySurbs is zero this
// is equivalent to calling Dispatch directly with a Regular message.
func (c *Core) Send(recipient *topology.Recipient, data []byte, replySurbs uint8) error {
	if replySurbs == 0 {
		c.Dispatch(ackctrl.Regular{Recipient: recipient, Data: data})
		return nil
	}

	snap, err := c.topo.Get()
	if err != nil {
		return fmt.Errorf("clientcore: building reply surbs: %w", err)
	}

	header := &surb.ReplySurbHeader{}
	type mintedKey struct {
		id  surb.SurbID
		key []byte
	}
	minted := make([]mintedKey, 0, replySurbs)
	for i := uint8(0); i < replySurbs; i++ {
		id, surbBytes, key, err := c.preparer.BuildReplySurb(snap, c.senderGatewayID)
		if err != nil {
			return fmt.Errorf("clientcore: building reply surb %d/%d: %w", i+1, replySurbs, err)
		}
		header.SurbIDs = append(header.SurbIDs, id)
		header.Surbs = append(header.Surbs, surbBytes)
		minted = append(minted, mintedKey{id: id, key: key})
	}

	headerBytes, err := header.ToBytes()
	if err != nil {
		return fmt.Errorf("clientcore: serializing reply-surb header: %w", err)
	}

	payload := make([]byte, 0, len(headerBytes)+len(data))
	payload = append(payload, headerBytes...)
	payload = append(payload, data...)

	now := c.clock.Now()
	for _, m := range minted {
		c.surbStore.PutReplyKey(m.id, m.key)
		if err := c.db.PutReplyKey(m.id, m.key, now); err != nil {
			c.log.Warningf("clientcore: failed to persist reply key %x: %v", m.id, err)
		}
	}

	c.Dispatch(ackctrl.Regular{Recipient: recipient, Data: payload, ReplySurbs: replySurbs})
	return nil
}

// ReceiveSurb records a SURB another peer embedded in a message they
// sent us, so we can later reply to them anonymously via Dispatch with
// a ReplyWithSurb message (spec §3 "Reply-SURB store": "received
// SURBs"). Callers typically extract surbID/surbBytes from a message's
// leading surb.ReplySurbHeader before handing the remainder to their
// own application-level message handler.
func (c *Core) ReceiveSurb(id surb.SurbID, surbBytes []byte) {
	c.surbStore.PutReceived(id, surbBytes)
	if err := c.db.PutReceivedSurb(id, surbBytes, c.clock.Now()); err != nil {
		c.log.Warningf("clientcore: failed to persist received surb %x: %v", id, err)
	}
}

// TakeReceivedSurb consumes a previously recorded SURB for a reply,
// removing it from both the in-memory store and durable state (SURBs
// are single-use).
func (c *Core) TakeReceivedSurb(id surb.SurbID) ([]byte, bool) {
	surbBytes, ok := c.surbStore.TakeReceived(id)
	if ok {
		if err := c.db.DeleteReceivedSurb(id); err != nil {
			c.log.Warningf("clientcore: failed to delete persisted surb %x: %v", id, err)
		}
	}
	return surbBytes, ok
}

// SweepExpiredSurbs discards aged-out received-SURB and reply-key
// entries from both the in-memory store and durable state (spec §6
// "Reply SURB storage: ... periodic expiration of entries older than
// maximum_reply_surb_age"). Callers are expected to invoke this on a
// periodic tick of their own choosing; it is not run automatically.
func (c *Core) SweepExpiredSurbs() (int, error) {
	inMemory := c.surbStore.Sweep()
	onDisk, err := c.db.SweepExpired(c.cfg.MaximumReplySurbAge, c.clock.Now())
	if err != nil {
		return inMemory, fmt.Errorf("clientcore: sweeping durable surb store: %w", err)
	}
	c.log.Debugf("clientcore: swept %d in-memory and %d durable surb-store entries", inMemory, onDisk)
	return inMemory, nil
}

// SamplePendingAcks updates the pending-ack gauge from the Ack
// Controller's current Store size (spec §9's telemetry surface).
func (c *Core) SamplePendingAcks() {
	telemetry.SamplePendingAcks(c.ackCtrl)
}

