// Package bloom implements the membership filter embedded in every sorted
// table. A filter answers "definitely absent" or "possibly present"; false
// positives cost a block probe, false negatives are forbidden.
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash/v2"

	"lsmkv/pkg/dberrors"
)

// Filter is a standard bloom filter using double hashing over xxhash64.
// Not safe for concurrent mutation; tables populate it during the write path
// and only read it afterwards.
type Filter struct {
	bits   *bitset.BitSet
	m      uint64
	hashes uint32
}

// New sizes a filter for n expected keys at the given false positive rate.
func New(n uint32, fpRate float64) *Filter {
	if n == 0 {
		n = 1
	}
	if fpRate <= 0 || fpRate >= 1 {
		fpRate = 0.01
	}

	// m = -n*ln(p) / ln(2)^2, k = m/n * ln(2)
	m := uint64(math.Ceil(-float64(n) * math.Log(fpRate) / (math.Ln2 * math.Ln2)))
	if m < 64 {
		m = 64
	}
	k := uint32(math.Round(float64(m) / float64(n) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 30 {
		k = 30
	}

	return &Filter{bits: bitset.New(uint(m)), m: m, hashes: k}
}

// Add inserts key into the filter.
func (f *Filter) Add(key []byte) {
	h1, h2 := baseHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		f.bits.Set(uint((h1 + uint64(i)*h2) % f.m))
	}
}

// MayContain reports whether key is possibly present. A false return is
// definitive.
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := baseHashes(key)
	for i := uint32(0); i < f.hashes; i++ {
		if !f.bits.Test(uint((h1 + uint64(i)*h2) % f.m)) {
			return false
		}
	}
	return true
}

func baseHashes(key []byte) (uint64, uint64) {
	h1 := xxhash.Sum64(key)
	// second hash from a seeded digest so the pair is independent
	var d xxhash.Digest
	d.Reset()
	var seed [8]byte
	binary.LittleEndian.PutUint64(seed[:], h1)
	_, _ = d.Write(seed[:])
	_, _ = d.Write(key)
	h2 := d.Sum64() | 1 // odd so it cycles the whole table
	return h1, h2
}

// Encode serialises the filter for embedding in a table's filter block.
func (f *Filter) Encode() ([]byte, error) {
	bits, err := f.bits.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 12+len(bits))
	buf = binary.LittleEndian.AppendUint64(buf, f.m)
	buf = binary.LittleEndian.AppendUint32(buf, f.hashes)
	buf = append(buf, bits...)
	return buf, nil
}

// Decode reconstructs a filter previously produced by Encode.
func Decode(data []byte) (*Filter, error) {
	if len(data) < 12 {
		return nil, dberrors.Corruptionf("bloom filter block too short: %d bytes", len(data))
	}
	f := &Filter{
		m:      binary.LittleEndian.Uint64(data[0:8]),
		hashes: binary.LittleEndian.Uint32(data[8:12]),
		bits:   &bitset.BitSet{},
	}
	if f.m == 0 || f.hashes == 0 {
		return nil, dberrors.Corruptionf("bloom filter parameters zero")
	}
	if err := f.bits.UnmarshalBinary(data[12:]); err != nil {
		return nil, dberrors.Corruptionf("bloom filter bitset: %v", err)
	}
	return f, nil
}
