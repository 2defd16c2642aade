package audit

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strconv"
)

// ComputeDigest hashes the fields of r that never change after Append,
// including the stored request body. Each field is length-prefixed so no
// field value can shift bytes into its neighbour.
func ComputeDigest(r Record) string {
	h := sha256.New()
	writeField(h, []byte(r.ID))
	writeField(h, []byte(strconv.FormatInt(r.Timestamp, 10)))
	writeField(h, []byte(r.TimeBucket))
	writeField(h, []byte(r.User))
	writeField(h, []byte(r.Action))
	writeField(h, []byte(r.Target))
	writeField(h, []byte(r.Ticket))
	if r.Details != nil {
		writeField(h, []byte(r.Details.Justification))
		writeField(h, r.Details.RequestBody)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, b []byte) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(b)))
	_, _ = h.Write(n[:])
	_, _ = h.Write(b)
}

func VerifyDigest(r Record) bool {
	if r.Digest == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(r.Digest), []byte(ComputeDigest(r))) == 1
}
