// input.go - the InputMessage dispatch half of the Input Listener.
// Copyright (C) 2017  David Anthony Stainton
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

package ackctrl

import (
	"github.com/nymtech-go/mixclient-core/fragment"
	"github.com/nymtech-go/mixclient-core/topology"
)

// InputMessage is one of the three user-submitted message kinds (spec
// §4.3.1).
type InputMessage interface{ isInputMessage() }

// Regular is an ordinary outbound message addressed to a Recipient.
// ReplySurbs records how many reply SURBs the caller already prepended
// to Data (clientcore.Send does this); Dispatch does not read it and
// builds no SURBs itself.
type Regular struct {
	Recipient  *topology.Recipient
	Data       []byte
	ReplySurbs uint8
}

func (Regular) isInputMessage() {}

// ReplyWithSurb sends data back over a previously received SURB rather
// than a freshly selected route.
type ReplyWithSurb struct {
	Surb []byte
	Data []byte
}

func (ReplyWithSurb) isInputMessage() {}

// Reply addresses a message by reply tag rather than Recipient; handling
// it is delegated to a reply-handler task that is out of scope for this
// core (spec §4.3.1 "forward to reply handler task (out of scope for
// this spec)").
type Reply struct {
	RecipientTag string
	Data         []byte
}

func (Reply) isInputMessage() {}

// Dispatch implements the Input Listener's message-kind switch (spec
// §4.3.1). For Regular messages it fragments data, prepares each
// fragment, inserts a PendingAck, and emits the resulting packets. It
// returns nothing: reply-SURB bookkeeping for the surb.Store is done by
// clientcore.Send before it calls Dispatch.
//
// Failure policy: an invalid topology is logged and the message is
// dropped (spec §4.3.1 "if topology is invalid, log and drop the
// message").
func (c *Controller) Dispatch(fragmenter *fragment.Fragmenter, msg InputMessage) {
	switch m := msg.(type) {
	case Regular:
		c.dispatchRegular(fragmenter, m)
	case ReplyWithSurb:
		c.log.Debug("ackctrl: ReplyWithSurb dispatch delegated to clientcore's SURB-reply path")
	case Reply:
		c.log.Debug("ackctrl: Reply dispatch delegated to the (out-of-scope) reply handler task")
	}
}

func (c *Controller) dispatchRegular(fragmenter *fragment.Fragmenter, m Regular) {
	snap, err := c.topo.Get()
	if err != nil {
		c.log.Warningf("ackctrl: dropping message to %s, topology invalid: %v", m.Recipient, err)
		return
	}
	if err := snap.ValidFor(c.senderGW, m.Recipient.GatewayID); err != nil {
		c.log.Warningf("ackctrl: dropping message to %s, topology invalid: %v", m.Recipient, err)
		return
	}

	frags, err := fragmenter.Split(m.Data)
	if err != nil {
		c.log.Warningf("ackctrl: dropping message to %s, fragmentation failed: %v", m.Recipient, err)
		return
	}

	for _, frag := range frags {
		prepared, err := c.preparer.Prepare(frag, fragmenter.ChunkCapacity, m.Recipient, c.senderGW, snap, c.ackKey)
		if err != nil {
			c.log.Warningf("ackctrl: dropping fragment %x, sphinx preparation failed: %v", frag.ID(), err)
			continue
		}
		c.Enqueue(frag, m.Recipient, prepared)
	}
}
