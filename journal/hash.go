package journal

import "github.com/cespare/xxhash/v2"

// ComputePayloadHash computes XXH64 over compressed, seeded with txID, the
// same construction the writer used to produce Header.Hash. Seeding with
// the transaction id binds the hash to the transaction's identity, so a
// hash collision against arbitrary garbage bytes at the wrong id is
// astronomically unlikely.
func ComputePayloadHash(compressed []byte, txID int64) uint64 {
	d := xxhash.NewWithSeed(uint64(txID))
	_, _ = d.Write(compressed)
	return d.Sum64()
}

// VerifyPayloadHash reports whether compressed hashes to want when seeded
// with txID.
func VerifyPayloadHash(compressed []byte, txID int64, want uint64) bool {
	return ComputePayloadHash(compressed, txID) == want
}
