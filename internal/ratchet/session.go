package ratchet

import (
	"bytes"
	"crypto/rand"
	"io"

	"ardentmesh/internal/drerrors"
)

// Header is the plaintext protected by header encryption: the two
// counters a receiver needs to place an envelope in its chain. The DH
// public key travels outside the header, as Envelope.DhPublic, since
// spec.md §4.2 step 6 uses it as the transport routing key.
type Header struct {
	PreviousCounter uint64
	Counter         uint64
}

func encodeHeader(h Header) []byte {
	buf := make([]byte, 16)
	putUint64(buf[0:8], h.PreviousCounter)
	putUint64(buf[8:16], h.Counter)
	return buf
}

func decodeHeader(b []byte) (Header, bool) {
	if len(b) != 16 {
		return Header{}, false
	}
	return Header{PreviousCounter: getUint64(b[0:8]), Counter: getUint64(b[8:16])}, true
}

// Envelope is the ciphertext form of a Rumor: what Send produces and
// Receive consumes. DhPublic travels in the clear; the nonces travel
// alongside their ciphertexts since an AEAD nonce needs uniqueness, not
// secrecy.
type Envelope struct {
	DhPublic        []byte
	HeaderNonce     []byte
	EncryptedHeader []byte
	Body            []byte
}

// NewInitiator builds the session state for the side that holds a DH
// keypair already agreed with the peer (the Invite acceptor, per
// spec.md §4.3): rootKey0 and sendingChainKey0 are derived immediately,
// so the initiator can send its first message with no prior DH step.
func NewInitiator(sharedSecret []byte, ourKeyPair DHKeyPair, theirCurrentPublic []byte, rnd io.Reader) (*SessionState, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	out, err := dh(ourKeyPair.Private, theirCurrentPublic)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	rootKey, chainKey := kdfRootStep(sharedSecret, out)
	next, err := GenerateDHKeyPair(rnd)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	kp := ourKeyPair
	st := newState()
	st.RootKey = rootKey
	st.OurCurrentDhKey = &kp
	st.OurNextDhKey = next
	st.TheirNextDhPublic = append([]byte(nil), theirCurrentPublic...)
	st.SendingChainKey = chainKey
	st.SendHeaderKey = headerKeyFromChainKey(chainKey)
	return st, nil
}

// NewResponder builds the session state for the side that published
// the Invite (the inviter, per spec.md §4.3): its own DH keypair — the
// Invite's ephemeral key — becomes ourCurrentDhKey, and its first send
// lazily performs the DH step in stepSendingDH.
func NewResponder(sharedSecret []byte, ourKeyPair DHKeyPair, theirNextPublic []byte, rnd io.Reader) (*SessionState, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	next, err := GenerateDHKeyPair(rnd)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	kp := ourKeyPair
	st := newState()
	st.RootKey = append([]byte(nil), sharedSecret...)
	st.OurCurrentDhKey = &kp
	st.OurNextDhKey = next
	st.TheirNextDhPublic = append([]byte(nil), theirNextPublic...)
	return st, nil
}

// kdfRootStep advances the root chain: (newRootKey, chainKey) derived
// from the current rootKey and a fresh DH output, per spec.md §4.1/4.2.
func kdfRootStep(rootKey, dhOut []byte) (newRootKey, chainKey []byte) {
	out := kdfN(rootKey, dhOut, 2)
	return out[0], out[1]
}

// kdfChainStep advances a symmetric chain by one message: (nextChainKey,
// messageKey), per spec.md §4.2 step 2.
func kdfChainStep(chainKey []byte) (nextChainKey, messageKey []byte) {
	out := kdfN(chainKey, []byte("dr/chain-step/v1"), 2)
	return out[0], out[1]
}

// Send advances the sending side of state by exactly one message and
// seals plaintext into an Envelope, per spec.md §4.2's sending
// algorithm (steps 1-6).
func Send(state *SessionState, plaintext []byte, rnd io.Reader) (Envelope, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	if state.SendingChainKey == nil {
		if err := stepSendingDH(state, rnd); err != nil {
			return Envelope{}, err
		}
	}

	counter := state.SendingCounter
	nextChainKey, messageKey := kdfChainStep(state.SendingChainKey)
	state.SendingChainKey = nextChainKey
	state.SendingCounter = counter + 1

	encKey, bodyNonce := splitMessageKey(messageKey)

	header := Header{PreviousCounter: state.PreviousSendingCounter, Counter: counter}
	headerPlain := encodeHeader(header)
	headerNonce, err := randomNonce(rnd)
	if err != nil {
		return Envelope{}, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	encHeader, err := aeadSeal(state.SendHeaderKey, headerNonce, headerPlain, nil)
	if err != nil {
		return Envelope{}, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}

	body, err := aeadSeal(encKey, bodyNonce, plaintext, encHeader)
	if err != nil {
		return Envelope{}, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}

	return Envelope{
		DhPublic:        append([]byte(nil), state.OurCurrentDhKey.Public...),
		HeaderNonce:     headerNonce,
		EncryptedHeader: encHeader,
		Body:            body,
	}, nil
}

// stepSendingDH performs the lazy DH ratchet step described in
// spec.md §4.2 sending-step 1: it fires whenever SendingChainKey is
// absent, which is true at session creation for the responder and
// again after every receive-side DH rotation (receiveNextEpoch clears
// it), matching the alternating-ratchet shape of the underlying
// algorithm: a party only generates a fresh ratchet keypair once it
// has something to reply to.
func stepSendingDH(state *SessionState, rnd io.Reader) error {
	out, err := dh(state.OurNextDhKey.Private, state.TheirNextDhPublic)
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	rootKey, chainKey := kdfRootStep(state.RootKey, out)
	state.RootKey = rootKey
	state.SendingChainKey = chainKey
	state.SendHeaderKey = headerKeyFromChainKey(chainKey)

	rotated := state.OurNextDhKey
	state.OurCurrentDhKey = &rotated
	next, err := GenerateDHKeyPair(rnd)
	if err != nil {
		return drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	state.OurNextDhKey = next

	state.PreviousSendingCounter = state.SendingCounter
	state.SendingCounter = 0
	return nil
}

// maxDeadChains bounds how many superseded receiving chains stay in
// SkippedKeys at once, independent of the MaxSkip bound on how many
// message keys a single receive may skip and cache.
const maxDeadChains = 8

// Receive advances state by consuming env, per spec.md §4.2's receiving
// algorithm. state is mutated only when every derivation and
// decryption succeeds; any failure leaves state exactly as it was.
func Receive(state *SessionState, env Envelope) ([]byte, error) {
	work := state.Clone()
	plaintext, err := receiveInto(work, env)
	if err != nil {
		return nil, err
	}
	*state = *work
	return plaintext, nil
}

// receiveInto dispatches on the header-key trial order from spec.md
// §4.2: (a) the already-established current chain, identified by an
// exact match on TheirCurrentDhPublic; (c) a chain superseded by an
// earlier rotation, identified by a skipped-cache hit; otherwise (b), a
// speculative DH step against whatever public key the envelope
// announces. (b) has no identity to match in advance — the peer's next
// ratchet public key is never known ahead of the envelope that
// announces it, only recoverable by attempting the DH step and letting
// AEAD authentication decide whether it was the right guess.
func receiveInto(state *SessionState, env Envelope) ([]byte, error) {
	switch {
	case state.RecvHeaderKey != nil && state.TheirCurrentDhPublic != nil && bytes.Equal(env.DhPublic, state.TheirCurrentDhPublic):
		return receiveCurrentEpoch(state, env)
	default:
		if chain, ok := state.SkippedKeys[keyID(env.DhPublic)]; ok {
			return receiveSkipped(chain, env)
		}
		return receiveNextEpoch(state, env)
	}
}

// receiveCurrentEpoch is header-key trial (a): the envelope's DH public
// key is the chain we're already receiving on.
func receiveCurrentEpoch(state *SessionState, env Envelope) ([]byte, error) {
	headerPlain, err := aeadOpen(state.RecvHeaderKey, env.HeaderNonce, env.EncryptedHeader, nil)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}
	header, ok := decodeHeader(headerPlain)
	if !ok {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}
	chainID := keyID(state.TheirCurrentDhPublic)
	messageKey, err := consumeReceivingKey(state, chainID, state.RecvHeaderKey, header.Counter)
	if err != nil {
		return nil, err
	}
	return openBody(messageKey, env, header)
}

// receiveNextEpoch is header-key trial (b): the envelope announces a DH
// public key that matched neither the current chain nor a skipped one,
// so we speculatively perform the DH step against that key and try the
// resulting header key before committing to the rotation; AEAD
// authentication of the header decides whether the guess was right.
func receiveNextEpoch(state *SessionState, env Envelope) ([]byte, error) {
	out, err := dh(state.OurCurrentDhKey.Private, env.DhPublic)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	rootKey, chainKey := kdfRootStep(state.RootKey, out)
	headerKey := headerKeyFromChainKey(chainKey)

	headerPlain, err := aeadOpen(headerKey, env.HeaderNonce, env.EncryptedHeader, nil)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}
	header, ok := decodeHeader(headerPlain)
	if !ok {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}

	// Header opened: commit the rotation. Stash the dying chain's
	// identity and header key so late arrivals on it still resolve via
	// trial (c), and derive and stash its remaining message keys up to
	// the header's PreviousCounter (how many messages the peer sent on
	// it), failing if that would skip more than MaxSkip.
	if state.ReceivingChainKey != nil && state.TheirCurrentDhPublic != nil {
		oldChainID := keyID(state.TheirCurrentDhPublic)
		dying := state.SkippedKeys[oldChainID]
		if dying == nil {
			dying = newSkippedChain(state.RecvHeaderKey)
			state.SkippedKeys[oldChainID] = dying
		} else if dying.HeaderKey == nil {
			dying.HeaderKey = append([]byte(nil), state.RecvHeaderKey...)
		}
		if header.PreviousCounter > state.ReceivingCounter {
			if header.PreviousCounter-state.ReceivingCounter > MaxSkip {
				return nil, drerrors.Wrap(drerrors.CategoryProtocol, drerrors.ErrSkippedKeysExhausted)
			}
			for state.ReceivingCounter < header.PreviousCounter {
				nextChainKey, mk := kdfChainStep(state.ReceivingChainKey)
				state.ReceivingChainKey = nextChainKey
				dying.MessageKeys[state.ReceivingCounter] = mk
				state.ReceivingCounter++
			}
		}
	}

	state.RootKey = rootKey
	// theirCurrentDhPublic and theirNextDhPublic both become the public
	// key this envelope just announced and proved ownership of (via a
	// successful header open): theirCurrentDhPublic so future envelopes
	// on this chain hit trial (a), theirNextDhPublic so our own next
	// stepSendingDH targets the peer's now-active key.
	state.TheirCurrentDhPublic = append([]byte(nil), env.DhPublic...)
	state.TheirNextDhPublic = append([]byte(nil), env.DhPublic...)
	state.ReceivingChainKey = chainKey
	state.ReceivingCounter = 0
	state.RecvHeaderKey = headerKey

	// Alternating ratchet: our own next send must generate a fresh
	// keypair and perform its own DH step rather than reuse a chain
	// established before this rotation.
	state.SendingChainKey = nil
	state.SendHeaderKey = nil

	chainID := keyID(state.TheirCurrentDhPublic)
	messageKey, err := consumeReceivingKey(state, chainID, headerKey, header.Counter)
	if err != nil {
		return nil, err
	}
	plaintext, err := openBody(messageKey, env, header)
	if err != nil {
		return nil, err
	}
	state.pruneSkipped(maxDeadChains)
	return plaintext, nil
}

// receiveSkipped is header-key trial (c): the envelope's DH public key
// matches a chain superseded by an earlier rotation.
func receiveSkipped(chain *SkippedChain, env Envelope) ([]byte, error) {
	headerPlain, err := aeadOpen(chain.HeaderKey, env.HeaderNonce, env.EncryptedHeader, nil)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}
	header, ok := decodeHeader(headerPlain)
	if !ok {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}
	messageKey, ok := chain.MessageKeys[header.Counter]
	if !ok {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrReplay)
	}
	delete(chain.MessageKeys, header.Counter)
	return openBody(messageKey, env, header)
}

// consumeReceivingKey returns the message key for target on the chain
// identified by chainID, skipping and stashing any keys between the
// chain's current counter and target, or pulling a previously-stashed
// key if target has already been passed. headerKey is recorded on the
// stash the first time a chain needs one, so it keeps working after the
// chain is later superseded by a DH rotation.
func consumeReceivingKey(state *SessionState, chainID string, headerKey []byte, target uint64) ([]byte, error) {
	if target < state.ReceivingCounter {
		chain := state.SkippedKeys[chainID]
		if chain != nil {
			if mk, ok := chain.MessageKeys[target]; ok {
				delete(chain.MessageKeys, target)
				return mk, nil
			}
		}
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrReplay)
	}
	if target-state.ReceivingCounter > MaxSkip {
		return nil, drerrors.Wrap(drerrors.CategoryProtocol, drerrors.ErrSkippedKeysExhausted)
	}

	var messageKey []byte
	for {
		nextChainKey, mk := kdfChainStep(state.ReceivingChainKey)
		state.ReceivingChainKey = nextChainKey
		current := state.ReceivingCounter
		state.ReceivingCounter = current + 1
		if current == target {
			messageKey = mk
			break
		}
		chain := state.SkippedKeys[chainID]
		if chain == nil {
			chain = newSkippedChain(headerKey)
			state.SkippedKeys[chainID] = chain
		}
		chain.MessageKeys[current] = mk
	}
	return messageKey, nil
}

func openBody(messageKey []byte, env Envelope, header Header) ([]byte, error) {
	encKey, nonce := splitMessageKey(messageKey)
	plaintext, err := aeadOpen(encKey, nonce, env.Body, env.EncryptedHeader)
	if err != nil {
		return nil, drerrors.Wrap(drerrors.CategoryCrypto, drerrors.ErrUndecryptable)
	}
	_ = header
	return plaintext, nil
}
