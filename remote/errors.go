package remote

import (
	"fmt"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/longrunning"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
)

// errorKind distinguishes the three ExecutionError variants from §3.
type errorKind int

const (
	kindFatal errorKind = iota
	kindMissingDigests
	kindNotFinished
)

// ExecutionError is the tagged variant from §3: Fatal, MissingDigests or NotFinished.
// Only Fatal is ever surfaced to a caller; the other two are recovered inside the execution
// loop (execute.go).
type ExecutionError struct {
	kind     errorKind
	message  string
	digests  []*pb.Digest
	opName   string
}

func fatalError(format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{kind: kindFatal, message: fmt.Sprintf(format, args...)}
}

func missingDigestsError(digests []*pb.Digest) *ExecutionError {
	return &ExecutionError{kind: kindMissingDigests, digests: digests}
}

func notFinishedError(opName string) *ExecutionError {
	return &ExecutionError{kind: kindNotFinished, opName: opName}
}

// Error implements the error interface. Only meaningful for Fatal; the other two kinds are
// always handled before they would be formatted for a human.
func (e *ExecutionError) Error() string {
	switch e.kind {
	case kindMissingDigests:
		return fmt.Sprintf("missing %d digest(s) on remote CAS", len(e.digests))
	case kindNotFinished:
		return fmt.Sprintf("operation %s not finished", e.opName)
	default:
		return e.message
	}
}

// IsFatal reports whether this is the Fatal variant.
func (e *ExecutionError) IsFatal() bool { return e.kind == kindFatal }

// IsMissingDigests reports whether this is the MissingDigests variant, and returns the list.
func (e *ExecutionError) IsMissingDigests() ([]*pb.Digest, bool) {
	return e.digests, e.kind == kindMissingDigests
}

// IsNotFinished reports whether this is the NotFinished variant, and returns the operation name.
func (e *ExecutionError) IsNotFinished() (string, bool) {
	return e.opName, e.kind == kindNotFinished
}

// OperationOrStatus is the tagged variant from §3: either a long-running Operation, or a bare
// Status (arising when an RPC failure carries an embedded status proto, per §9's open
// question about the third failure path).
type OperationOrStatus struct {
	Operation *longrunning.Operation
	Status    *rpcstatus.Status
}

// convertRPCError turns a gRPC error into an OperationOrStatus carrying a Status, so it can
// funnel through the same classifier as an Operation-shaped failure (§9).
func convertRPCError(err error) OperationOrStatus {
	if s, ok := statusFromError(err); ok {
		return OperationOrStatus{Status: s}
	}
	return OperationOrStatus{Status: &rpcstatus.Status{Code: int32(codes.Unknown), Message: err.Error()}}
}
