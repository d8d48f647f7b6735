package tarindex

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// record is the serialized form of an Index. The index is a derived
// artifact: the archive bytes stay the source of truth, and a record that
// fails to decode only forces a rebuild from the archive.
type record struct {
	Root    string              `cbor:"root"`
	Entries map[string]Location `cbor:"entries"`
	Dirs    []string            `cbor:"dirs"`
	Total   int64               `cbor:"total"`
}

// encMode is a CBOR encoder with Core Deterministic Encoding: same index
// always produces identical bytes, so store records are comparable.
var encMode cbor.EncMode

// decMode accepts standard CBOR and ignores unknown fields for forward
// compatibility.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tarindex: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("tarindex: CBOR decoder initialization failed: " + err.Error())
	}
}

// MarshalBinary encodes the index as deterministic CBOR.
func (idx *Index) MarshalBinary() ([]byte, error) {
	rec := record{
		Root:    idx.root,
		Entries: idx.entries,
		Dirs:    idx.sortedDirs(),
		Total:   idx.total,
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("tarindex: encode: %w", err)
	}
	return data, nil
}

// UnmarshalBinary decodes an index previously produced by MarshalBinary.
func (idx *Index) UnmarshalBinary(data []byte) error {
	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("tarindex: decode: %w", err)
	}
	idx.root = rec.Root
	idx.total = rec.Total
	idx.entries = rec.Entries
	if idx.entries == nil {
		idx.entries = make(map[string]Location)
	}
	idx.dirs = make(map[string]struct{}, len(rec.Dirs))
	for _, name := range rec.Dirs {
		idx.dirs[name] = struct{}{}
	}
	return nil
}
