// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package exchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// WriteBatches writes batches as newline-delimited JSON, one batch per line.
func WriteBatches(w io.Writer, batches []Batch) error {
	enc := json.NewEncoder(w)
	for _, b := range batches {
		if err := enc.Encode(b); err != nil {
			return fmt.Errorf("encoding batch %d: %w", b.Index, err)
		}
	}
	return nil
}

// ReadBatches reads the WriteBatches form until EOF.
func ReadBatches(r io.Reader) ([]Batch, error) {
	dec := json.NewDecoder(r)
	var out []Batch
	for {
		var b Batch
		err := dec.Decode(&b)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("decoding batch %d: %w", len(out), err)
		}
		out = append(out, b)
	}
}
