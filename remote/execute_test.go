package remote

import (
	"context"
	"testing"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

func mustAny(t *testing.T, msg proto.Message) *anypb.Any {
	t.Helper()
	a, err := anypb.New(msg)
	require.NoError(t, err)
	return a
}

func okOperation(t *testing.T, name string, ar *pb.ActionResult) *longrunning.Operation {
	return &longrunning.Operation{
		Name: name,
		Done: true,
		Result: &longrunning.Operation_Response{
			Response: mustAny(t, &pb.ExecuteResponse{
				Result: ar,
				Status: &rpcstatus.Status{Code: int32(code.Code_OK)},
			}),
		},
	}
}

func missingDigestsOperation(t *testing.T, name string, digests []*pb.Digest) *longrunning.Operation {
	violations := make([]*errdetails.PreconditionFailure_Violation, len(digests))
	for i, d := range digests {
		violations[i] = &errdetails.PreconditionFailure_Violation{
			Type:    "MISSING",
			Subject: "blobs/" + d.Hash + "/" + itoa(d.SizeBytes),
		}
	}
	detail := mustAny(t, &errdetails.PreconditionFailure{Violations: violations})
	return &longrunning.Operation{
		Name: name,
		Done: true,
		Result: &longrunning.Operation_Response{
			Response: mustAny(t, &pb.ExecuteResponse{
				Status: &rpcstatus.Status{
					Code:    int32(code.Code_FAILED_PRECONDITION),
					Details: []*anypb.Any{detail},
				},
			}),
		},
	}
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestExecuteHappyPath(t *testing.T) {
	store := newFakeStore()
	ar := &pb.ActionResult{ExitCode: 0, StdoutRaw: []byte("hello\n")}
	exec := &fakeExecutionClient{calls: []*longrunning.Operation{okOperation(t, "", ar)}}
	ops := &fakeOperationsClient{}
	wu := &fakeWorkunitStore{}
	c := newTestClient(store, exec, ops, wu)

	req := &ExecuteProcessRequest{Argv: []string{"true"}, Timeout: 10 * time.Second}
	result, err := c.execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)
	require.Equal(t, "hello\n", string(result.Stdout))
}

func TestExecutePolling(t *testing.T) {
	store := newFakeStore()
	ar := &pb.ActionResult{ExitCode: 3}
	exec := &fakeExecutionClient{calls: []*longrunning.Operation{{Name: "op-poll", Done: false}}}
	ops := &fakeOperationsClient{responses: []*longrunning.Operation{
		okOperation(t, "op-poll", ar),
	}}
	c := newTestClient(store, exec, ops, &fakeWorkunitStore{})

	req := &ExecuteProcessRequest{Argv: []string{"false"}, Timeout: 10 * time.Second}
	result, err := c.execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(3), result.ExitCode)
}

func TestExecuteMissingDigestsRecovery(t *testing.T) {
	store := newFakeStore()
	missing := &pb.Digest{Hash: "deadbeef", SizeBytes: 4}
	ar := &pb.ActionResult{ExitCode: 0}
	exec := &fakeExecutionClient{calls: []*longrunning.Operation{
		missingDigestsOperation(t, "op-retry", []*pb.Digest{missing}),
		okOperation(t, "op-retry-2", ar),
	}}
	ops := &fakeOperationsClient{}
	c := newTestClient(store, exec, ops, &fakeWorkunitStore{})

	req := &ExecuteProcessRequest{Argv: []string{"true"}, Timeout: 10 * time.Second}
	result, err := c.execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(0), result.ExitCode)
	require.Len(t, result.History.Attempts, 1, "the failed attempt should be recorded in history")
	require.Len(t, store.ensureCalls, 3, "action/command upload, missing-digest reupload, then the retried attempt's upload")
	require.Len(t, store.ensureCalls[1], 1)
	require.Equal(t, missing.Hash, store.ensureCalls[1][0].Hash)
	require.Equal(t, missing.SizeBytes, store.ensureCalls[1][0].SizeBytes)
}

func fatalOperation(name string) *longrunning.Operation {
	return &longrunning.Operation{
		Name: name,
		Done: true,
		Result: &longrunning.Operation_Error{
			Error: &rpcstatus.Status{Code: int32(code.Code_INTERNAL), Message: "worker exploded"},
		},
	}
}

func TestExecuteFatalErrorDoesNotCancel(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutionClient{calls: []*longrunning.Operation{fatalOperation("op-fatal")}}
	ops := &fakeOperationsClient{}
	c := newTestClient(store, exec, ops, &fakeWorkunitStore{})

	req := &ExecuteProcessRequest{Argv: []string{"true"}, Timeout: 10 * time.Second}
	_, err := c.execute(context.Background(), req)
	require.Error(t, err)
	assert.Empty(t, ops.cancelledNames(), "a fatal error reached a server-side terminal state already; no CancelOperation should be sent (§8 invariant 7)")
}

func TestExecuteTimeout(t *testing.T) {
	store := newFakeStore()
	exec := &fakeExecutionClient{calls: []*longrunning.Operation{{Name: "op-timeout", Done: false}}}
	ops := &fakeOperationsClient{responses: []*longrunning.Operation{{Name: "op-timeout", Done: false}}}
	c := newTestClient(store, exec, ops, &fakeWorkunitStore{})

	req := &ExecuteProcessRequest{Argv: []string{"sleep"}, Timeout: 10 * time.Millisecond, Description: "sleep 1"}
	result, err := c.execute(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, int32(sigtermExitCode), result.ExitCode)
	require.Contains(t, ops.cancelledNames(), "op-timeout")
	require.Contains(t, string(result.Stdout), "Exceeded timeout of")
	require.Contains(t, string(result.Stdout), "op-timeout")
	require.Contains(t, string(result.Stdout), "sleep 1")
	require.Len(t, result.History.Attempts, 1, "the timed-out attempt should be recorded in history")
	require.GreaterOrEqual(t, result.History.Attempts[0].RemoteExecute, 10*time.Millisecond)
}
