package bodies

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Encode serializes a document for the disk cache.
func Encode(doc *Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding body document: %w", err)
	}
	return data, nil
}

// Parse decodes a cached document. Unknown fields are ignored; records are
// not validated here.
func Parse(data []byte) (*Document, error) {
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding body document: %w", err)
	}
	if len(doc.Planets) == 0 {
		return nil, fmt.Errorf("body document has no planets")
	}
	return &doc, nil
}

// NewDataset wraps a document with provenance. The checksum is taken over
// the encoded form so identical content from cache or network compares equal.
func NewDataset(doc *Document, data []byte, source string, fetchedAt time.Time) *Dataset {
	return &Dataset{
		Source:    source,
		FetchedAt: fetchedAt,
		Checksum:  xxhash.Sum64(data),
		Document:  *doc,
	}
}
