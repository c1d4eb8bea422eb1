package remote

import (
	"context"
	"fmt"
	"path"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// materialize implements the Output Materializer (§4.4): it turns an ActionResult into the
// FallibleExecutionResult the caller sees, fetching stdout/stderr and folding the reported
// output files and directories into a single output-tree digest a downstream snapshot layer
// can ingest.
func (c *Client) materialize(ctx context.Context, ar *pb.ActionResult) (*FallibleExecutionResult, error) {
	if ar == nil {
		return nil, fmt.Errorf("nil ActionResult")
	}
	stdout, err := c.materializeStream(ctx, ar.StdoutRaw, ar.StdoutDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize stdout: %w", err)
	}
	stderr, err := c.materializeStream(ctx, ar.StderrRaw, ar.StderrDigest)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize stderr: %w", err)
	}
	tree, err := c.materializeOutputTree(ctx, ar)
	if err != nil {
		return nil, fmt.Errorf("failed to materialize output tree: %w", err)
	}
	return &FallibleExecutionResult{
		Stdout:     stdout,
		Stderr:     stderr,
		ExitCode:   ar.ExitCode,
		OutputTree: tree,
	}, nil
}

// materializeStream fetches a stdout/stderr stream: by digest if one was given (a miss is
// fatal), otherwise by taking the inline raw bytes and writing them into CAS so later readers
// can rely on the digest form uniformly (§4.4).
func (c *Client) materializeStream(ctx context.Context, raw []byte, digest *pb.Digest) ([]byte, error) {
	if digest != nil {
		b, ok, err := c.store.LoadFileBytes(ctx, digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("digest %s/%d referenced by action result was not found in CAS", digest.Hash, digest.SizeBytes)
		}
		return b, nil
	}
	if len(raw) > 0 {
		if _, err := c.store.StoreFileBytes(ctx, raw); err != nil {
			return nil, err
		}
	}
	return raw, nil
}

// materializeOutputTree runs the four-step algorithm from §4.4.
func (c *Client) materializeOutputTree(ctx context.Context, ar *pb.ActionResult) (*pb.Digest, error) {
	wrapped := make([]*pb.Digest, 0, len(ar.OutputDirectories))
	for _, dir := range ar.OutputDirectories {
		d, err := c.wrapOutputDirectory(ctx, dir.Path, dir.TreeDigest)
		if err != nil {
			return nil, fmt.Errorf("wrapping output directory %q: %w", dir.Path, err)
		}
		wrapped = append(wrapped, d)
	}

	provider := &fileDigestMap{digests: make(map[string]*pb.Digest, len(ar.OutputFiles))}
	stats := make([]PathStat, 0, len(ar.OutputFiles))
	for _, f := range ar.OutputFiles {
		provider.digests[f.Path] = f.Digest
		stats = append(stats, PathStat{Path: f.Path, IsExecutable: f.IsExecutable})
	}
	filesDigest, err := c.store.DigestFromPathStats(ctx, provider, stats)
	if err != nil {
		return nil, fmt.Errorf("computing directory digest from output files: %w", err)
	}

	all := append([]*pb.Digest{filesDigest}, wrapped...)
	merged, err := c.store.MergeDirectories(ctx, all)
	if err != nil {
		return nil, fmt.Errorf("merging output directories: %w", err)
	}
	return merged, nil
}

// wrapOutputDirectory implements §4.4 step 1: wrap a reported output directory's tree digest
// in synthetic Directory messages for each path component, right to left, so that the final
// digest names the directory rooted at the output root rather than at the reported path.
func (c *Client) wrapOutputDirectory(ctx context.Context, p string, treeDigest *pb.Digest) (*pb.Digest, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return treeDigest, nil
	}
	current := treeDigest
	for p != "" {
		var component string
		p, component = path.Split(strings.TrimSuffix(p, "/"))
		p = strings.TrimSuffix(p, "/")
		dir := &pb.Directory{
			Directories: []*pb.DirectoryNode{{Name: component, Digest: current}},
		}
		d, err := c.store.RecordDirectory(ctx, dir)
		if err != nil {
			return nil, err
		}
		current = d
	}
	return current, nil
}

// fileDigestMap is the private FileDigestProvider implementation described in §9: it carries
// the path-to-digest map built in step 2 so step 3 never needs to re-hash file content it
// already knows the digest of.
type fileDigestMap struct {
	digests map[string]*pb.Digest
}

func (f *fileDigestMap) DigestForPath(p string) (*pb.Digest, bool) {
	d, ok := f.digests[p]
	return d, ok
}
