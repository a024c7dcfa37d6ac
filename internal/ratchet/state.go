package ratchet

import "encoding/hex"

// MaxSkip bounds how many message keys a single receive may skip and
// stash on one chain; a larger gap fails with ErrSkippedKeysExhausted,
// per spec.md §4.2.
const MaxSkip = 500

// SkippedChain holds the message keys stashed for one receiving chain
// (keys skipped on the current chain, or left behind by a chain
// superseded by a DH step), plus the header key needed to recognize
// and open messages still arriving on that chain.
type SkippedChain struct {
	HeaderKey   []byte
	MessageKeys map[uint64][]byte
}

func newSkippedChain(headerKey []byte) *SkippedChain {
	return &SkippedChain{HeaderKey: headerKey, MessageKeys: make(map[uint64][]byte)}
}

func (c *SkippedChain) clone() *SkippedChain {
	out := &SkippedChain{
		HeaderKey:   append([]byte(nil), c.HeaderKey...),
		MessageKeys: make(map[uint64][]byte, len(c.MessageKeys)),
	}
	for n, k := range c.MessageKeys {
		out.MessageKeys[n] = append([]byte(nil), k...)
	}
	return out
}

// SessionState is the full serializable state of one Double Ratchet
// session, matching the field list in spec.md §4.2 verbatim plus the
// epoch-stable header-key bookkeeping documented in DESIGN.md.
type SessionState struct {
	RootKey []byte

	OurCurrentDhKey *DHKeyPair
	OurNextDhKey    DHKeyPair

	TheirCurrentDhPublic []byte
	TheirNextDhPublic    []byte

	SendingChainKey   []byte
	ReceivingChainKey []byte

	SendingCounter         uint64
	ReceivingCounter       uint64
	PreviousSendingCounter uint64

	// SendHeaderKey/RecvHeaderKey are derived once per epoch from
	// SendingChainKey/ReceivingChainKey respectively; see
	// headerKeyFromChainKey.
	SendHeaderKey []byte
	RecvHeaderKey []byte

	// SkippedKeys is keyed by the hex-encoded DH public key of the
	// receiving chain the cached keys belong to: a superseded chain, or
	// the current one when messages on it were skipped.
	SkippedKeys map[string]*SkippedChain
}

func newState() *SessionState {
	return &SessionState{SkippedKeys: make(map[string]*SkippedChain)}
}

// Clone deep-copies s so a failed Receive can be discarded without
// mutating the committed state (spec.md §4.2's atomicity invariant).
func (s *SessionState) Clone() *SessionState {
	out := &SessionState{
		RootKey:                append([]byte(nil), s.RootKey...),
		OurNextDhKey:           DHKeyPair{Private: append([]byte(nil), s.OurNextDhKey.Private...), Public: append([]byte(nil), s.OurNextDhKey.Public...)},
		TheirCurrentDhPublic:   append([]byte(nil), s.TheirCurrentDhPublic...),
		TheirNextDhPublic:      append([]byte(nil), s.TheirNextDhPublic...),
		SendingChainKey:        append([]byte(nil), s.SendingChainKey...),
		ReceivingChainKey:      append([]byte(nil), s.ReceivingChainKey...),
		SendingCounter:         s.SendingCounter,
		ReceivingCounter:       s.ReceivingCounter,
		PreviousSendingCounter: s.PreviousSendingCounter,
		SendHeaderKey:          append([]byte(nil), s.SendHeaderKey...),
		RecvHeaderKey:          append([]byte(nil), s.RecvHeaderKey...),
		SkippedKeys:            make(map[string]*SkippedChain, len(s.SkippedKeys)),
	}
	if s.OurCurrentDhKey != nil {
		out.OurCurrentDhKey = &DHKeyPair{
			Private: append([]byte(nil), s.OurCurrentDhKey.Private...),
			Public:  append([]byte(nil), s.OurCurrentDhKey.Public...),
		}
	}
	for k, v := range s.SkippedKeys {
		out.SkippedKeys[k] = v.clone()
	}
	return out
}

func keyID(pub []byte) string {
	return hex.EncodeToString(pub)
}

// pruneSkipped drops skipped chains once more than maxChains of them
// accumulate, so a long-offline peer can't grow SkippedKeys without
// bound across many DH rotations. The chain dropped is whichever map
// iteration yields first, so it is not necessarily the oldest one.
// Each receive adds at most MaxSkip entries to a single chain.
func (s *SessionState) pruneSkipped(maxChains int) {
	for len(s.SkippedKeys) > maxChains {
		var oldest string
		for k := range s.SkippedKeys {
			oldest = k
			break
		}
		delete(s.SkippedKeys, oldest)
	}
}
