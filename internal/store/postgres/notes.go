package postgres

import "encoding/json"

// Note plaintexts are stored as a JSONB array of base64 strings, which is
// what encoding/json produces for [][]byte.

func encodeNotes(notes [][]byte) ([]byte, error) {
	if notes == nil {
		notes = [][]byte{}
	}
	return json.Marshal(notes)
}

func decodeNotes(data []byte) ([][]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var notes [][]byte
	if err := json.Unmarshal(data, &notes); err != nil {
		return nil, err
	}
	return notes, nil
}
