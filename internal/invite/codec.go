package invite

import (
	"crypto/sha256"
	"encoding/json"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"ardentmesh/internal/drerrors"
)

// responseWrapKey derives the fixed key both the inviter and the
// acceptor can compute from the invite's shared secret alone, used to
// encrypt the InviteResponse payload. Every response to the same
// invite is sealed under this one key (a published invite can be
// accepted by several devices), so encryptResponse draws a fresh
// random nonce for each response.
func responseWrapKey(sharedSecret []byte) []byte {
	reader := hkdf.New(sha256.New, sharedSecret, []byte(responseWrapInfo), nil)
	key := make([]byte, chacha20poly1305.KeySize)
	_, _ = io.ReadFull(reader, key)
	return key
}

func encryptResponse(sharedSecret []byte, response InviteResponse, rnd io.Reader) (ciphertext, nonce []byte, err error) {
	plaintext, err := json.Marshal(response)
	if err != nil {
		return nil, nil, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	nonce = make([]byte, chacha20poly1305.NonceSize)
	if _, err := io.ReadFull(rnd, nonce); err != nil {
		return nil, nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	aead, err := chacha20poly1305.New(responseWrapKey(sharedSecret))
	if err != nil {
		return nil, nil, drerrors.Wrap(drerrors.CategoryCrypto, err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func aeadOpenResponse(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce, ciphertext, nil)
}

func decodeResponse(plaintext []byte) (InviteResponse, error) {
	var resp InviteResponse
	if err := json.Unmarshal(plaintext, &resp); err != nil {
		return InviteResponse{}, drerrors.Wrap(drerrors.CategoryProtocol, err)
	}
	return resp, nil
}
