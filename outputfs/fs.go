// Package fs exposes a materialized remote-execution output tree as an io/fs.FS, downloading
// file content from CAS lazily as callers walk into it. It is the "downstream snapshot layer"
// a caller of the remote package's Run can layer on top of a FallibleExecutionResult.OutputTree
// digest without ever touching the wire protocol itself.
package fs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"strings"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"
)

// BlobSource is the minimal capability this package consumes to fetch file content by digest.
// remote.Store satisfies this structurally via its LoadFileBytes method, so a caller can pass
// the same Store it gave to remote.New straight through to New here.
type BlobSource interface {
	LoadFileBytes(ctx context.Context, d *pb.Digest) ([]byte, bool, error)
}

// digestKey is a comparable stand-in for *pb.Digest so Directory protos can be looked up in a
// plain Go map.
type digestKey struct {
	hash string
	size int64
}

func keyOf(d *pb.Digest) digestKey {
	return digestKey{hash: d.GetHash(), size: d.GetSizeBytes()}
}

func directoryKey(dir *pb.Directory) digestKey {
	b, err := (proto.MarshalOptions{Deterministic: true}).Marshal(dir)
	if err != nil {
		panic(fmt.Errorf("failed to marshal directory for digesting: %w", err))
	}
	sum := sha256.Sum256(b)
	return digestKey{hash: hex.EncodeToString(sum[:]), size: int64(len(b))}
}

// tree is an io/fs.FS implemented on top of a REAPI output tree. It downloads files as they
// are opened rather than eagerly materializing them onto local disk.
type tree struct {
	src         BlobSource
	root        *pb.Directory
	directories map[digestKey]*pb.Directory
	workingDir  string
}

// New builds a filesystem rooted at the given Tree message (as produced when resolving a
// directory digest reported in an ActionResult), using src to fetch file content on demand.
// workingDir, if non-empty, is a path prefix resolved relative to the tree's root before Open
// looks anything up - matching a process's declared output directory not being the execution
// root itself.
func New(src BlobSource, t *pb.Tree, workingDir string) iofs.FS {
	directories := make(map[digestKey]*pb.Directory, len(t.Children))
	for _, child := range t.Children {
		directories[directoryKey(child)] = child
	}
	return &tree{
		src:         src,
		root:        t.Root,
		directories: directories,
		workingDir:  workingDir,
	}
}

// Open opens the file or directory with the given name, relative to the filesystem root.
func (t *tree) Open(name string) (iofs.File, error) {
	return t.open(".", filepath.Join(t.workingDir, name), t.root)
}

func (t *tree) open(walked, name string, wd *pb.Directory) (iofs.File, error) {
	name, rest, hasToBeDir := strings.Cut(name, string(filepath.Separator))
	if name == ".." || name == "." {
		return nil, os.ErrNotExist
	}

	for _, d := range wd.Directories {
		if d.Name != name {
			continue
		}
		child := t.directories[keyOf(d.Digest)]
		if rest == "" {
			return &dirHandle{info: newDirInfo(name, child), dir: child, directories: t.directories}, nil
		}
		return t.open(filepath.Join(walked, name), rest, child)
	}

	if hasToBeDir {
		return nil, iofs.ErrNotExist
	}

	for _, f := range wd.Files {
		if f.Name != name {
			continue
		}
		b, ok, err := t.src.LoadFileBytes(context.Background(), f.Digest)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("digest %s/%d for %s not found in CAS", f.Digest.Hash, f.Digest.SizeBytes, filepath.Join(walked, name))
		}
		return &fileHandle{ReadSeeker: bytes.NewReader(b), info: newFileInfo(f)}, nil
	}

	for _, l := range wd.Symlinks {
		if l.Name != name {
			continue
		}
		if filepath.IsAbs(l.Target) {
			return nil, fmt.Errorf("symlink %s has absolute target %s, which is not supported", filepath.Join(walked, name), l.Target)
		}
		target := filepath.Join(walked, l.Target)
		ret, err := t.Open(target)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve symlink %s: %w", target, err)
		}
		return ret, nil
	}
	return nil, iofs.ErrNotExist
}

type fileHandle struct {
	io.ReadSeeker
	*info
}

func (f *fileHandle) Stat() (iofs.FileInfo, error) { return f.info, nil }
func (f *fileHandle) Close() error                 { return nil }

type dirHandle struct {
	*info
	dir         *pb.Directory
	directories map[digestKey]*pb.Directory
}

// ReadDir lists the immediate children of this directory. File sizes are taken from their
// reported digest, so unlike a true filesystem this never has to fetch content just to stat.
func (d *dirHandle) ReadDir(n int) ([]iofs.DirEntry, error) {
	total := len(d.dir.Directories) + len(d.dir.Files) + len(d.dir.Symlinks)
	if n <= 0 {
		n = total
	}
	ret := make([]iofs.DirEntry, 0, n)
	for _, child := range d.dir.Directories {
		if len(ret) == n {
			return ret, nil
		}
		ret = append(ret, newDirInfo(child.Name, d.directories[keyOf(child.Digest)]))
	}
	for _, f := range d.dir.Files {
		if len(ret) == n {
			return ret, nil
		}
		ret = append(ret, newFileInfo(f))
	}
	for _, l := range d.dir.Symlinks {
		if len(ret) == n {
			return ret, nil
		}
		ret = append(ret, newSymlinkInfo(l))
	}
	return ret, nil
}

func (d *dirHandle) Stat() (iofs.FileInfo, error) { return d.info, nil }
func (d *dirHandle) Read(_ []byte) (int, error)   { return 0, errors.New("attempt to read a directory") }
func (d *dirHandle) Close() error                 { return nil }
