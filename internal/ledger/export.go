package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	gateway "github.com/AlfredDev/alfred/internal"
)

// Export writes entries as JSON lines, one entry per line, in order.
func Export(w io.Writer, entries []gateway.LedgerEntry) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("ledger: export seq %d: %w", entries[i].Seq, err)
		}
	}
	return bw.Flush()
}

// Import reads a JSON-lines journal and verifies the chain before returning
// the entries. A tampered or out-of-order dump is rejected.
func Import(r io.Reader) ([]gateway.LedgerEntry, error) {
	var entries []gateway.LedgerEntry
	dec := json.NewDecoder(r)
	for {
		var e gateway.LedgerEntry
		if err := dec.Decode(&e); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("ledger: import: %w", err)
		}
		entries = append(entries, e)
	}
	if err := Verify(entries, GenesisHash); err != nil {
		return nil, err
	}
	return entries, nil
}
