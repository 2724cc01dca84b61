package model

// Block is an immutable cached chain block. Sequence is the total order key;
// the scheduler and workers only ever read blocks.
type Block struct {
	Hash         string        `json:"hash"`
	Sequence     int64         `json:"sequence"`
	Transactions []Transaction `json:"transactions"`
}

// Transaction carries the encrypted note payloads trial decryption runs
// against. Notes are hex-encoded sealed payloads.
type Transaction struct {
	Hash  string   `json:"hash"`
	Notes []string `json:"notes"`
}
