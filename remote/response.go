package remote

import (
	"context"
	"strconv"
	"strings"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// preconditionFailureTypeURL is the type URL REAPI servers use for the Details entry carrying
// a PreconditionFailure (§4.3).
const preconditionFailureTypeURL = "type.googleapis.com/google.rpc.PreconditionFailure"

// classify implements the Response Extractor (§4.3): it turns an OperationOrStatus into either
// a terminal FallibleExecutionResult (Done) or an *ExecutionError describing what to do next.
func (c *Client) classify(ctx context.Context, oos OperationOrStatus, stats *ExecutionStats) (*FallibleExecutionResult, *ExecutionError) {
	if oos.Operation != nil {
		return c.classifyOperation(ctx, oos.Operation, stats)
	}
	return c.classifyStatus(ctx, oos.Status, stats)
}

func (c *Client) classifyOperation(ctx context.Context, op *longrunning.Operation, stats *ExecutionStats) (*FallibleExecutionResult, *ExecutionError) {
	if !op.Done {
		return nil, notFinishedError(op.Name)
	}
	if op.GetError() != nil {
		return nil, fatalError("%s", convertError(op.GetError()))
	}
	respAny := op.GetResponse()
	if respAny == nil {
		return nil, fatalError("operation finished but no response supplied")
	}
	response := &pb.ExecuteResponse{}
	if err := anypb.UnmarshalTo(respAny, response, proto.UnmarshalOptions{}); err != nil {
		return nil, fatalError("failed to parse ExecuteResponse: %s", err)
	}
	if response.Result != nil && response.Result.ExecutionMetadata != nil {
		recordTimings(stats, response.Result.ExecutionMetadata)
		stats.WasCacheHit = response.CachedResult
	}
	if response.Status != nil && response.Status.Code != int32(code.Code_OK) {
		return c.classifyStatus(ctx, response.Status, stats)
	}
	result, err := c.materialize(ctx, response.Result)
	if err != nil {
		return nil, fatalError("failed to materialize action result: %s", err)
	}
	return result, nil
}

func (c *Client) classifyStatus(ctx context.Context, s *rpcstatus.Status, stats *ExecutionStats) (*FallibleExecutionResult, *ExecutionError) {
	if s == nil || s.Code == int32(code.Code_OK) {
		return nil, fatalError("status handling reached with an OK status; this should be unreachable")
	}
	if s.Code == int32(code.Code_FAILED_PRECONDITION) {
		return nil, classifyFailedPrecondition(s)
	}
	return nil, fatalError("%s: %s", code.Code_name[s.Code], s.Message)
}

// classifyFailedPrecondition parses the single expected FAILED_PRECONDITION shape: exactly one
// Details entry carrying a PreconditionFailure whose violations are all MISSING blobs (§4.3).
func classifyFailedPrecondition(s *rpcstatus.Status) *ExecutionError {
	if len(s.Details) != 1 {
		return fatalError("FAILED_PRECONDITION with %d details entries (expected exactly 1)", len(s.Details))
	}
	detail := s.Details[0]
	if detail.TypeUrl != preconditionFailureTypeURL {
		return fatalError("FAILED_PRECONDITION detail has unexpected type %s", detail.TypeUrl)
	}
	failure := &errdetails.PreconditionFailure{}
	if err := proto.Unmarshal(detail.Value, failure); err != nil {
		return fatalError("failed to parse PreconditionFailure: %s", err)
	}
	if len(failure.Violations) == 0 {
		return fatalError("FAILED_PRECONDITION PreconditionFailure has no violations")
	}
	digests := make([]*pb.Digest, 0, len(failure.Violations))
	for _, v := range failure.Violations {
		if v.Type != "MISSING" {
			return fatalError("FAILED_PRECONDITION violation has unexpected type %q", v.Type)
		}
		d, err := parseMissingBlobSubject(v.Subject)
		if err != nil {
			return fatalError("FAILED_PRECONDITION violation has malformed subject %q: %s", v.Subject, err)
		}
		digests = append(digests, d)
	}
	return missingDigestsError(digests)
}

// parseMissingBlobSubject parses a "blobs/<hex-fingerprint>/<size>" subject (§4.3).
func parseMissingBlobSubject(subject string) (*pb.Digest, error) {
	parts := strings.Split(subject, "/")
	if len(parts) != 3 || parts[0] != "blobs" {
		return nil, errSubjectFormat
	}
	size, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return nil, errSubjectFormat
	}
	return &pb.Digest{Hash: parts[1], SizeBytes: size}, nil
}

var errSubjectFormat = fatalError("expected subject of the form blobs/<hash>/<size>")

// recordTimings computes the four durations from §4.3's timestamp pairs and writes them into
// the current attempt. A negative or ill-formed span is logged and skipped, never fatal (§9).
func recordTimings(stats *ExecutionStats, md *pb.ExecutedActionMetadata) {
	stats.RemoteQueue = span("remote queue", md.QueuedTimestamp, md.WorkerStartTimestamp)
	stats.RemoteInput = span("remote input fetch", md.InputFetchStartTimestamp, md.InputFetchCompletedTimestamp)
	stats.RemoteExecute = span("remote execution", md.ExecutionStartTimestamp, md.ExecutionCompletedTimestamp)
	stats.RemoteOutput = span("remote output store", md.OutputUploadStartTimestamp, md.OutputUploadCompletedTimestamp)
}

func span(name string, start, end *timestamppb.Timestamp) time.Duration {
	if start == nil || end == nil {
		return 0
	}
	d := end.AsTime().Sub(start.AsTime())
	if d < 0 {
		log.Warning("negative %s duration (%s); skipping", name, d)
		return 0
	}
	return d
}
