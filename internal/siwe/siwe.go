// Package siwe builds and verifies Sign-In with Ethereum (EIP-4361)
// messages for the siweAuthenticate modal step.
package siwe

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

var (
	ErrInvalidSignature = errors.New("siwe: invalid signature")
	ErrWalletMismatch   = errors.New("siwe: signature does not match wallet")
)

// Message is the set of fields signed by the wallet.
type Message struct {
	Domain    string    `json:"domain"`
	Address   string    `json:"address"`
	Statement string    `json:"statement,omitempty"`
	URI       string    `json:"uri"`
	Version   string    `json:"version"`
	ChainID   int       `json:"chainId"`
	Nonce     string    `json:"nonce"`
	IssuedAt  time.Time `json:"issuedAt"`
}

// Format renders the canonical EIP-4361 text.
func (m *Message) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s wants you to sign in with your Ethereum account:\n%s\n", m.Domain, m.Address)
	if m.Statement != "" {
		fmt.Fprintf(&b, "\n%s\n", m.Statement)
	}
	fmt.Fprintf(&b, "\nURI: %s", m.URI)
	fmt.Fprintf(&b, "\nVersion: %s", m.Version)
	fmt.Fprintf(&b, "\nChain ID: %d", m.ChainID)
	fmt.Fprintf(&b, "\nNonce: %s", m.Nonce)
	fmt.Fprintf(&b, "\nIssued At: %s", m.IssuedAt.UTC().Format(time.RFC3339))
	return b.String()
}

// Verify checks that signature (hex, 65 bytes r||s||v) over the message was
// produced by wallet.
func (m *Message) Verify(signature, wallet string) error {
	return VerifySignature(m.Format(), signature, wallet)
}

// VerifySignature recovers the signer of a personal_sign payload and
// compares it to wallet.
func VerifySignature(message, signature, wallet string) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("%w: expected 65 bytes, got %d", ErrInvalidSignature, len(sig))
	}

	// Ethereum signatures carry the recovery id last; RecoverCompact wants
	// it first, offset by 27.
	v := sig[64]
	if v < 27 {
		v += 27
	}
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], sig[:64])

	digest := personalSignHash(message)
	pub, _, err := ecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	recovered := AddressFromPubKey(pub.SerializeUncompressed())
	if !strings.EqualFold(recovered, wallet) {
		return ErrWalletMismatch
	}
	return nil
}

// personalSignHash applies the EIP-191 personal message prefix and keccak256.
func personalSignHash(message string) []byte {
	prefixed := "\x19Ethereum Signed Message:\n" + strconv.Itoa(len(message)) + message
	return Keccak256([]byte(prefixed))
}

// Keccak256 computes the legacy Keccak-256 digest used by Ethereum.
func Keccak256(data []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(data)
	return h.Sum(nil)
}

// AddressFromPubKey derives the 0x-prefixed Ethereum address from an
// uncompressed 65-byte public key.
func AddressFromPubKey(uncompressed []byte) string {
	digest := Keccak256(uncompressed[1:])
	return "0x" + hex.EncodeToString(digest[12:])
}
