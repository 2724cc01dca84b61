package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
)

// Sealed note layout: 32-byte ephemeral public key, 12-byte nonce, then the
// AEAD ciphertext. Anything shorter cannot be a note and never matches.
const (
	ephemeralKeySize = 32
	noteNonceSize    = chacha20poly1305.NonceSize
	minNoteSize      = ephemeralKeySize + noteNonceSize + chacha20poly1305.Overhead
)

// decrypter trial-decrypts sealed notes against one account's view keys.
// Decryption failure is the common case: most notes on chain belong to other
// accounts, so failures are silent.
type decrypter struct {
	incoming []byte
	outgoing []byte
	spender  bool
}

func newDecrypter(incomingViewKey, outgoingViewKey string, spender bool) (*decrypter, error) {
	incoming, err := hex.DecodeString(incomingViewKey)
	if err != nil {
		return nil, fmt.Errorf("decode incoming view key: %w", err)
	}
	var outgoing []byte
	if spender {
		outgoing, err = hex.DecodeString(outgoingViewKey)
		if err != nil {
			return nil, fmt.Errorf("decode outgoing view key: %w", err)
		}
	}
	return &decrypter{incoming: incoming, outgoing: outgoing, spender: spender}, nil
}

// tryNote attempts to open one sealed note. Returns the plaintext and true on
// a match: first against the incoming key (notes sent to the account), then
// against the outgoing key (notes the account spent) when spender decryption
// is requested.
func (d *decrypter) tryNote(sealed []byte) ([]byte, bool) {
	if len(sealed) < minNoteSize {
		return nil, false
	}
	if plain, ok := openNote(d.incoming, sealed); ok {
		return plain, true
	}
	if d.spender && len(d.outgoing) > 0 {
		return openNote(d.outgoing, sealed)
	}
	return nil, false
}

// scanTransaction trial-decrypts every note of one transaction and collects
// the recovered plaintexts.
func (d *decrypter) scanTransaction(tx model.Transaction, sequence int64) (*model.MatchedTransaction, error) {
	var notes [][]byte
	for _, noteHex := range tx.Notes {
		sealed, err := hex.DecodeString(noteHex)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: decode sealed note: %w", tx.Hash, err)
		}
		if plain, ok := d.tryNote(sealed); ok {
			notes = append(notes, plain)
		}
	}
	if len(notes) == 0 {
		return nil, nil
	}
	return &model.MatchedTransaction{
		Hash:     tx.Hash,
		Sequence: sequence,
		Notes:    notes,
	}, nil
}

// openNote derives the note key from the view key and the note's ephemeral
// key via HKDF-SHA256, then opens the AEAD ciphertext.
func openNote(viewKey, sealed []byte) ([]byte, bool) {
	ephemeral := sealed[:ephemeralKeySize]
	nonce := sealed[ephemeralKeySize : ephemeralKeySize+noteNonceSize]
	ciphertext := sealed[ephemeralKeySize+noteNonceSize:]

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, viewKey, ephemeral, []byte("oreowallet.note.v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, false
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, false
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, false
	}
	return plain, true
}
