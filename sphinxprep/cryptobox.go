// cryptobox.go - per-packet authenticated payload encryption.
// Copyright (C) 2017  David Anthony Stainton, Yawning Angel
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

package sphinxprep

import (
	"io"

	"github.com/katzenpost/core/crypto/ecdh"
	"github.com/katzenpost/noise"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2b)

// sealPayload authenticated-encrypts plaintext to recipientKey under a
// fresh, one-message-only ephemeral keypair (spec §4.2 step 4: "a freshly
// derived per-packet key"). Grounded on crypto/block/block.go's
// Handler.Encrypt, generalized from the teacher's long-lived identity
// keypair to a per-packet ephemeral one so a SURB-Ack's fragment id and
// the fragment ciphertext it protects never share key material across
// packets.
func sealPayload(rnd io.Reader, recipientKey *ecdh.PublicKey, plaintext []byte) ([]byte, error) {
	ephemeral, err := ecdh.NewKeypair(rnd)
	if err != nil {
		return nil, err
	}
	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rnd,
		Pattern:     noise.HandshakeX,
		Initiator:   true,
		StaticKeypair: noise.DHKey{
			Private: ephemeral.Bytes(),
			Public:  ephemeral.PublicKey().Bytes(),
		},
		PeerStatic: recipientKey.Bytes(),
	})
	ciphertext := make([]byte, 0, len(plaintext)+64)
	ciphertext, _, _ = hs.WriteMessage(ciphertext, plaintext)
	return ciphertext, nil
}

// OpenPayload is the receive-side counterpart to sealPayload: it
// authenticated-decrypts a payload the gateway has handed the client on
// its incoming-payload queue, using the client's own long-lived
// encryption private key. clientcore calls this on every incoming
// payload, cover or not, before handing the plaintext to the
// reassembler, which recognizes and drops cover.
func OpenPayload(rnd io.Reader, recipientIdentity *ecdh.PrivateKey, ciphertext []byte) ([]byte, error) {
	hs := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite,
		Random:      rnd,
		Pattern:     noise.HandshakeX,
		Initiator:   false,
		StaticKeypair: noise.DHKey{
			Private: recipientIdentity.Bytes(),
			Public:  recipientIdentity.PublicKey().Bytes(),
		},
	})
	plaintext, _, _, err := hs.ReadMessage(nil, ciphertext)
	return plaintext, err
}
