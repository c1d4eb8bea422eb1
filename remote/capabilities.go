package remote

import (
	"context"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// Store is the CAS capability this package consumes (§6). It is implemented by an external
// collaborator; this package never speaks the CAS wire protocol directly.
type Store interface {
	// StoreFileBytes writes b to the store and returns its digest.
	StoreFileBytes(ctx context.Context, b []byte) (*pb.Digest, error)
	// LoadFileBytes returns the bytes for d, or (nil, false, nil) if absent.
	LoadFileBytes(ctx context.Context, d *pb.Digest) ([]byte, bool, error)
	// EnsureRemoteHasRecursive makes sure the remote CAS has every listed digest (and, for
	// directory digests, everything they transitively reference), uploading as needed.
	EnsureRemoteHasRecursive(ctx context.Context, digests []*pb.Digest) (UploadStats, error)
	// RecordDirectory stores a Directory proto and returns its digest.
	RecordDirectory(ctx context.Context, dir *pb.Directory) (*pb.Digest, error)
	// DigestFromPathStats computes the digest of a Directory built from the given path/stat
	// pairs, consulting provider for any file digest it doesn't already know.
	DigestFromPathStats(ctx context.Context, provider FileDigestProvider, stats []PathStat) (*pb.Digest, error)
	// MergeDirectories merges several Directory digests (each naming a root-relative file)
	// into one Directory digest. Used to fold the per-component wrapped directories from
	// §4.4 step 1 together with the file-only directory from step 3.
	MergeDirectories(ctx context.Context, digests []*pb.Digest) (*pb.Digest, error)
}

// UploadStats summarizes a blob upload sweep (e.g. EnsureRemoteHasRecursive).
type UploadStats struct {
	BlobsUploaded int
	BytesUploaded int64
}

// PathStat is one entry handed to DigestFromPathStats: a root-relative path, whether it is
// executable, and (for directories) nothing further — the provider supplies file digests.
type PathStat struct {
	Path         string
	IsExecutable bool
}

// FileDigestProvider is the callback-based capability described in §9 ("Callback-based
// output-digest provider"): given a file path, yield its digest without re-hashing content
// that is already known. The Output Materializer's private implementation supplies this from
// the path-to-digest map it builds in step 2 of §4.4.
type FileDigestProvider interface {
	DigestForPath(path string) (*pb.Digest, bool)
}

// Executor is the task-spawning capability from §6: spawn_and_forget(future). It is used
// exclusively to dispatch best-effort CancelOperation RPCs without making the caller wait for
// them to complete (§4.5).
type Executor interface {
	SpawnAndForget(f func())
}

// WorkunitStore is the telemetry capability from §6: add_workunit(name, span, span-id,
// parent-id).
type WorkunitStore interface {
	AddWorkunit(w Workunit)
}
