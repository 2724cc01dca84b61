package worker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/oreoslabs/oreowallet-mono/internal/config"
	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/wire"
)

// sealNote builds a sealed note payload the same way the chain does: derive
// the note key from the recipient view key and a fresh ephemeral key, then
// AEAD-seal the plaintext.
func sealNote(t *testing.T, viewKeyHex string, plaintext []byte) string {
	t.Helper()
	viewKey, err := hex.DecodeString(viewKeyHex)
	require.NoError(t, err)

	ephemeral := make([]byte, ephemeralKeySize)
	_, err = rand.Read(ephemeral)
	require.NoError(t, err)
	nonce := make([]byte, noteNonceSize)
	_, err = rand.Read(nonce)
	require.NoError(t, err)

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, viewKey, ephemeral, []byte("oreowallet.note.v1"))
	_, err = io.ReadFull(kdf, key)
	require.NoError(t, err)
	aead, err := chacha20poly1305.New(key)
	require.NoError(t, err)

	sealed := append(append(append([]byte{}, ephemeral...), nonce...),
		aead.Seal(nil, nonce, plaintext, nil)...)
	return hex.EncodeToString(sealed)
}

func randomKeyHex(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return hex.EncodeToString(key)
}

func newTestWorker() *Worker {
	return New(config.WorkerConfig{Threads: 2},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func assignment(incoming, outgoing string, spender bool, blocks []model.Block) *wire.TaskAssignment {
	return &wire.TaskAssignment{
		TaskID:            "t1",
		Address:           "acct-1",
		IncomingViewKey:   incoming,
		OutgoingViewKey:   outgoing,
		DecryptForSpender: spender,
		StartSequence:     blocks[0].Sequence,
		EndSequence:       blocks[len(blocks)-1].Sequence,
		Blocks:            blocks,
	}
}

func TestProcessMatchesOwnNotes(t *testing.T) {
	incoming := randomKeyHex(t)
	foreign := randomKeyHex(t)

	blocks := []model.Block{
		{
			Hash:     "hash-1",
			Sequence: 1,
			Transactions: []model.Transaction{
				{Hash: "tx-mine", Notes: []string{sealNote(t, incoming, []byte("note-a"))}},
				{Hash: "tx-other", Notes: []string{sealNote(t, foreign, []byte("note-b"))}},
			},
		},
		{
			Hash:     "hash-2",
			Sequence: 2,
			Transactions: []model.Transaction{
				{Hash: "tx-mixed", Notes: []string{
					sealNote(t, foreign, []byte("note-c")),
					sealNote(t, incoming, []byte("note-d")),
				}},
			},
		},
	}

	result, err := newTestWorker().process(context.Background(),
		assignment(incoming, randomKeyHex(t), false, blocks))
	require.NoError(t, err)

	assert.Equal(t, "acct-1", result.Address)
	assert.Equal(t, int64(1), result.StartSequence)
	assert.Equal(t, int64(2), result.NewHeadSequence)
	assert.Equal(t, "hash-2", result.NewHeadHash)

	require.Len(t, result.Matched, 2)
	assert.Equal(t, "tx-mine", result.Matched[0].Hash)
	assert.Equal(t, [][]byte{[]byte("note-a")}, result.Matched[0].Notes)
	assert.Equal(t, "tx-mixed", result.Matched[1].Hash)
	assert.Equal(t, [][]byte{[]byte("note-d")}, result.Matched[1].Notes)
}

func TestProcessSpenderPathUsesOutgoingKey(t *testing.T) {
	incoming := randomKeyHex(t)
	outgoing := randomKeyHex(t)

	blocks := []model.Block{
		{
			Hash:     "hash-1",
			Sequence: 1,
			Transactions: []model.Transaction{
				{Hash: "tx-spent", Notes: []string{sealNote(t, outgoing, []byte("change"))}},
			},
		},
	}

	w := newTestWorker()

	// Spender decryption off: the outgoing-key note is invisible.
	result, err := w.process(context.Background(),
		assignment(incoming, outgoing, false, blocks))
	require.NoError(t, err)
	assert.Empty(t, result.Matched)

	result, err = w.process(context.Background(),
		assignment(incoming, outgoing, true, blocks))
	require.NoError(t, err)
	require.Len(t, result.Matched, 1)
	assert.Equal(t, "tx-spent", result.Matched[0].Hash)
}

func TestProcessEmptyRangeAdvancesHead(t *testing.T) {
	blocks := []model.Block{
		{Hash: "hash-5", Sequence: 5},
		{Hash: "hash-6", Sequence: 6},
	}
	result, err := newTestWorker().process(context.Background(),
		assignment(randomKeyHex(t), randomKeyHex(t), true, blocks))
	require.NoError(t, err)

	assert.Empty(t, result.Matched)
	assert.Equal(t, int64(6), result.NewHeadSequence)
	assert.Equal(t, "hash-6", result.NewHeadHash)
}

func TestValidateAssignmentRejectsGaps(t *testing.T) {
	task := &wire.TaskAssignment{
		StartSequence: 1,
		EndSequence:   3,
		Blocks: []model.Block{
			{Sequence: 1}, {Sequence: 3},
		},
	}
	assert.Error(t, validateAssignment(task))

	task.Blocks = []model.Block{{Sequence: 1}, {Sequence: 3}, {Sequence: 2}}
	assert.Error(t, validateAssignment(task))

	task.Blocks = []model.Block{{Sequence: 1}, {Sequence: 2}, {Sequence: 3}}
	assert.NoError(t, validateAssignment(task))
}

func TestTryNoteRejectsShortPayloads(t *testing.T) {
	d, err := newDecrypter(randomKeyHex(t), "", false)
	require.NoError(t, err)

	_, ok := d.tryNote([]byte("short"))
	assert.False(t, ok)
}

func TestProcessRejectsMalformedNoteHex(t *testing.T) {
	blocks := []model.Block{
		{
			Hash:     "hash-1",
			Sequence: 1,
			Transactions: []model.Transaction{
				{Hash: "tx-bad", Notes: []string{"not-hex!"}},
			},
		},
	}
	_, err := newTestWorker().process(context.Background(),
		assignment(randomKeyHex(t), randomKeyHex(t), false, blocks))
	assert.Error(t, err)
}
