package remote

import (
	"crypto/sha256"
	"encoding/hex"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// digestMessage calculates the digest of a proto message as described in the Digest message's
// comments: SHA-256 of a deterministic canonical encoding, paired with the encoded length.
//
// google.golang.org/protobuf's deterministic mode fixes field ordering (ascending by field
// number) and map key ordering, which is sufficient for byte-for-byte reproducibility across
// processes built from the same generated code, matching the requirement in spec §4.1 that
// two clients compute identical action digests. Grounded on utils.go:digestMessage.
func digestMessage(msg proto.Message) *pb.Digest {
	d, _ := digestMessageContents(msg)
	return d
}

// digestMessageContents is like digestMessage but also returns the serialized bytes, so
// callers that need to both digest and upload a blob don't marshal it twice.
func digestMessageContents(msg proto.Message) (*pb.Digest, []byte) {
	b := mustMarshalDeterministic(msg)
	return digestBlob(b), b
}

// digestBlob digests a raw byte slice and returns the Digest proto for it.
func digestBlob(b []byte) *pb.Digest {
	sum := sha256.Sum256(b)
	return &pb.Digest{
		Hash:      hex.EncodeToString(sum[:]),
		SizeBytes: int64(len(b)),
	}
}

// mustMarshalDeterministic encodes a message with field ordering fixed, so repeated calls
// for logically-identical messages produce byte-identical output (invariant 1, §8).
func mustMarshalDeterministic(msg proto.Message) []byte {
	b, err := (proto.MarshalOptions{Deterministic: true}).Marshal(msg)
	if err != nil {
		// The messages we digest here (Action/Command/ExecuteRequest/Directory/Tree) have no
		// required fields and no non-marshalable content, so this should never happen.
		log.Fatalf("failed to marshal message for digesting: %s", err)
	}
	return b
}

// digestsEqual reports whether two digests identify the same content (§3: equal iff both
// the fingerprint and the length match).
func digestsEqual(a, b *pb.Digest) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Hash == b.Hash && a.SizeBytes == b.SizeBytes
}
