package remote

import (
	"context"
	"fmt"
	"io"
	"sync"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
)

// fakeStore is an in-memory Store good enough to exercise the execution loop and output
// materializer without talking to a real CAS.
type fakeStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	dirs  map[string]*pb.Directory

	ensureCalls [][]*pb.Digest
}

func newFakeStore() *fakeStore {
	return &fakeStore{blobs: map[string][]byte{}, dirs: map[string]*pb.Directory{}}
}

func (f *fakeStore) StoreFileBytes(ctx context.Context, b []byte) (*pb.Digest, error) {
	d := digestBlob(b)
	f.mu.Lock()
	f.blobs[d.Hash] = b
	f.mu.Unlock()
	return d, nil
}

func (f *fakeStore) LoadFileBytes(ctx context.Context, d *pb.Digest) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[d.Hash]
	return b, ok, nil
}

func (f *fakeStore) EnsureRemoteHasRecursive(ctx context.Context, digests []*pb.Digest) (UploadStats, error) {
	f.mu.Lock()
	f.ensureCalls = append(f.ensureCalls, digests)
	f.mu.Unlock()
	return UploadStats{}, nil
}

func (f *fakeStore) RecordDirectory(ctx context.Context, dir *pb.Directory) (*pb.Digest, error) {
	d, b := digestMessageContents(dir)
	f.mu.Lock()
	f.dirs[d.Hash] = dir
	f.blobs[d.Hash] = b
	f.mu.Unlock()
	return d, nil
}

func (f *fakeStore) DigestFromPathStats(ctx context.Context, provider FileDigestProvider, stats []PathStat) (*pb.Digest, error) {
	dir := &pb.Directory{}
	for _, s := range stats {
		d, ok := provider.DigestForPath(s.Path)
		if !ok {
			return nil, fmt.Errorf("no digest known for path %s", s.Path)
		}
		dir.Files = append(dir.Files, &pb.FileNode{Name: s.Path, Digest: d, IsExecutable: s.IsExecutable})
	}
	return f.RecordDirectory(ctx, dir)
}

func (f *fakeStore) MergeDirectories(ctx context.Context, digests []*pb.Digest) (*pb.Digest, error) {
	merged := &pb.Directory{}
	f.mu.Lock()
	for _, d := range digests {
		if d == nil {
			continue
		}
		if dir, ok := f.dirs[d.Hash]; ok {
			merged.Files = append(merged.Files, dir.Files...)
			merged.Directories = append(merged.Directories, dir.Directories...)
			merged.Symlinks = append(merged.Symlinks, dir.Symlinks...)
		}
	}
	f.mu.Unlock()
	return f.RecordDirectory(ctx, merged)
}

// fakeExecutor runs spawned work synchronously, so cancellation side effects are observable
// immediately after Release returns.
type fakeExecutor struct{}

func (fakeExecutor) SpawnAndForget(f func()) { f() }

// fakeWorkunitStore records every workunit reported.
type fakeWorkunitStore struct {
	mu    sync.Mutex
	units []Workunit
}

func (f *fakeWorkunitStore) AddWorkunit(w Workunit) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.units = append(f.units, w)
}

func (f *fakeWorkunitStore) all() []Workunit {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Workunit{}, f.units...)
}

// fakeExecutionClient scripts a sequence of Execute call responses; once exhausted, the last
// configured response repeats.
type fakeExecutionClient struct {
	mu    sync.Mutex
	calls []*longrunning.Operation
	errs  []error
	idx   int
}

func (f *fakeExecutionClient) Execute(ctx context.Context, in *pb.ExecuteRequest, opts ...grpc.CallOption) (pb.Execution_ExecuteClient, error) {
	f.mu.Lock()
	i := f.idx
	if i >= len(f.calls) {
		i = len(f.calls) - 1
	}
	var err error
	if i >= 0 && i < len(f.errs) {
		err = f.errs[i]
	}
	var op *longrunning.Operation
	if i >= 0 {
		op = f.calls[i]
	}
	if f.idx < len(f.calls) {
		f.idx++
	}
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeExecuteStream{op: op}, nil
}

func (f *fakeExecutionClient) WaitExecution(ctx context.Context, in *pb.WaitExecutionRequest, opts ...grpc.CallOption) (pb.Execution_WaitExecutionClient, error) {
	return nil, fmt.Errorf("WaitExecution not implemented by fake")
}

type fakeExecuteStream struct {
	grpc.ClientStream
	op   *longrunning.Operation
	sent bool
}

func (s *fakeExecuteStream) Recv() (*longrunning.Operation, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	return s.op, nil
}

// fakeOperationsClient scripts a sequence of GetOperation responses the same way
// fakeExecutionClient does, and records every CancelOperation call it receives.
type fakeOperationsClient struct {
	mu        sync.Mutex
	responses []*longrunning.Operation
	errs      []error
	idx       int
	cancelled []string
}

func (f *fakeOperationsClient) nextGetOperation() (*longrunning.Operation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.idx
	if i >= len(f.responses) {
		i = len(f.responses) - 1
	}
	var err error
	if i >= 0 && i < len(f.errs) {
		err = f.errs[i]
	}
	var op *longrunning.Operation
	if i >= 0 {
		op = f.responses[i]
	}
	if f.idx < len(f.responses) {
		f.idx++
	}
	return op, err
}

func (f *fakeOperationsClient) GetOperation(ctx context.Context, in *longrunning.GetOperationRequest, opts ...grpc.CallOption) (*longrunning.Operation, error) {
	return f.nextGetOperation()
}

func (f *fakeOperationsClient) CancelOperation(ctx context.Context, in *longrunning.CancelOperationRequest, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, in.Name)
	f.mu.Unlock()
	return &emptypb.Empty{}, nil
}

func (f *fakeOperationsClient) ListOperations(ctx context.Context, in *longrunning.ListOperationsRequest, opts ...grpc.CallOption) (*longrunning.ListOperationsResponse, error) {
	return nil, fmt.Errorf("ListOperations not implemented by fake")
}

func (f *fakeOperationsClient) DeleteOperation(ctx context.Context, in *longrunning.DeleteOperationRequest, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return nil, fmt.Errorf("DeleteOperation not implemented by fake")
}

func (f *fakeOperationsClient) WaitOperation(ctx context.Context, in *longrunning.WaitOperationRequest, opts ...grpc.CallOption) (*longrunning.Operation, error) {
	return nil, fmt.Errorf("WaitOperation not implemented by fake")
}

func (f *fakeOperationsClient) cancelledNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.cancelled...)
}

// newTestClient wires a *Client directly from fakes, bypassing New's real dial.
func newTestClient(store Store, exec pb.ExecutionClient, ops longrunning.OperationsClient, wu WorkunitStore) *Client {
	return &Client{
		execClient: exec,
		opsClient:  ops,
		store:      store,
		executor:   fakeExecutor{},
		workunit:   wu,
		metrics:    newRemoteMetrics(),
		instance:   "test",
	}
}
