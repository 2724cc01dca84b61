package api

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// SignatureHeader carries the hex DER ECDSA signature over the SHA-256 of
// the raw request body.
const SignatureHeader = "X-Scan-Signature"

// verifier checks request signatures against a single trusted secp256k1 key,
// the one the wallet frontend signs scan requests with. An empty configured
// key disables verification, for dev setups.
type verifier struct {
	pub *btcec.PublicKey
}

func newVerifier(compressedHex string) (*verifier, error) {
	if compressedHex == "" {
		return &verifier{}, nil
	}
	raw, err := hex.DecodeString(compressedHex)
	if err != nil {
		return nil, fmt.Errorf("decode scan public key: %w", err)
	}
	pub, err := btcec.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse scan public key: %w", err)
	}
	return &verifier{pub: pub}, nil
}

func (v *verifier) enabled() bool {
	return v.pub != nil
}

// verify checks sigHex against the body digest. The body bytes are the exact
// bytes received on the wire; any canonicalization happens on the signer side.
func (v *verifier) verify(body []byte, sigHex string) error {
	if !v.enabled() {
		return nil
	}
	if sigHex == "" {
		return fmt.Errorf("missing %s header", SignatureHeader)
	}
	raw, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := btcecdsa.ParseDERSignature(raw)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}
	digest := sha256.Sum256(body)
	if !sig.Verify(digest[:], v.pub) {
		return fmt.Errorf("signature does not match request body")
	}
	return nil
}
