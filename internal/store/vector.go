// Package store provides the storage backends behind the memory
// engines: a SQLite row store for all memory kinds, a Redis access
// tracker and a Dgraph association graph.
package store

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeVector packs an embedding into its little-endian blob form,
// four bytes per component
func EncodeVector(vec []float32) []byte {
	if len(vec) == 0 {
		return nil
	}
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// DecodeVector unpacks an embedding blob produced by EncodeVector
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("malformed vector blob: %d bytes", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}
