package remote

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// incrBackoff and maxBackoff parameterise the GetOperation poll backoff from §4.2: the n-th
// poll (0-indexed) waits min(maxBackoff, (1+n)*incrBackoff).
const (
	incrBackoff = 500 * time.Millisecond
	maxBackoff  = 5000 * time.Millisecond

	// sigtermExitCode is the synthesized exit code for a request whose wall-clock timeout
	// budget has elapsed without the operation finishing (§4.2, §5): -15, mirroring what a
	// locally-run process would report had it been sent SIGTERM.
	sigtermExitCode = -15
)

// execute is the Execution Loop (§4.2): it canonicalizes req, makes sure the server can see
// every blob the resulting Action transitively references, submits it, and polls the resulting
// Operation to a terminal result - transparently recovering from a FAILED_PRECONDITION/missing-
// digests response by re-uploading and resubmitting, and giving up with a synthetic timeout
// result if req.Timeout elapses before the server reports completion.
func (c *Client) execute(ctx context.Context, req *ExecuteProcessRequest) (*FallibleExecutionResult, error) {
	meta := c.requestMetadata()
	history := &ExecutionHistory{}
	requestSpanID := uuid.NewString()

	for {
		result, retry, err := c.runAttempt(ctx, req, meta, history)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		c.emitWorkunits(requestSpanID, history.Current)
		result.History = *history
		return result, nil
	}
}

func (c *Client) requestMetadata() ExecuteProcessRequestMetadata {
	return ExecuteProcessRequestMetadata{
		InstanceName:       c.instance,
		CacheKeyGenVersion: c.cacheKeyGenVersion,
		PlatformProperties: c.platformProperties,
	}
}

// runAttempt drives a single Execute call plus its GetOperation polling to either a terminal
// result, a request to retry (MissingDigests was recovered from and the caller should start a
// fresh attempt), or a fatal error.
func (c *Client) runAttempt(ctx context.Context, req *ExecuteProcessRequest, meta ExecuteProcessRequestMetadata, history *ExecutionHistory) (*FallibleExecutionResult, bool, error) {
	action, command, execReq, err := MakeExecuteRequest(req, meta)
	if err != nil {
		return nil, false, err
	}
	actionDigest, actionBytes := digestMessageContents(action)
	commandDigest, commandBytes := digestMessageContents(command)

	if _, err := c.store.StoreFileBytes(ctx, actionBytes); err != nil {
		return nil, false, fmt.Errorf("failed to store action: %w", err)
	}
	if _, err := c.store.StoreFileBytes(ctx, commandBytes); err != nil {
		return nil, false, fmt.Errorf("failed to store command: %w", err)
	}
	if _, err := c.store.EnsureRemoteHasRecursive(ctx, []*pb.Digest{actionDigest, commandDigest, req.InputRoot}); err != nil {
		return nil, false, fmt.Errorf("failed to upload action inputs: %w", err)
	}

	stream, err := c.execClient.Execute(ctx, execReq)
	if err != nil {
		return c.handleFailure(ctx, convertRPCError(err), history)
	}
	op, err := stream.Recv()
	if err != nil {
		return c.handleFailure(ctx, convertRPCError(err), history)
	}
	started := time.Now()
	token := c.newCancellationToken(op.Name)

	iter := 0
	for {
		result, execErr := c.classify(ctx, OperationOrStatus{Operation: op}, &history.Current)
		if execErr == nil {
			token.Disarm()
			return result, false, nil
		}
		if execErr.IsFatal() {
			// The operation already reached a terminal state server-side (or the failure never
			// had one to begin with); there is nothing left to cancel (§4.2, §8 invariant 7).
			token.Disarm()
			return nil, false, execErr
		}
		if digests, ok := execErr.IsMissingDigests(); ok {
			// The operation already reached a terminal FAILED_PRECONDITION state server-side;
			// there is nothing left to cancel, only to disarm (§4.5).
			token.Disarm()
			c.incMissingDigests()
			history.pushAttempt()
			if _, err := c.store.EnsureRemoteHasRecursive(ctx, digests); err != nil {
				return nil, false, fmt.Errorf("failed to upload missing digests: %w", err)
			}
			return nil, true, nil
		}

		// NotFinished: keep polling, subject to the caller's context and the request's own
		// wall-clock timeout budget measured from the first successful Execute response (§5).
		if req.Timeout > 0 && time.Since(started) > req.Timeout {
			token.Release()
			c.incTimeout()
			elapsed := time.Since(started)
			history.Current.RemoteExecute = elapsed
			history.pushAttempt()
			return timeoutResult(req, op.Name, elapsed), false, nil
		}
		wait := backoffFor(iter)
		iter++
		select {
		case <-ctx.Done():
			token.Release()
			return nil, false, ctx.Err()
		case <-time.After(wait):
		}
		next, err := c.opsClient.GetOperation(ctx, &longrunning.GetOperationRequest{Name: op.Name})
		if err != nil {
			if status.Code(err) == codes.Canceled {
				// The server may report an operation it has already garbage-collected as
				// Cancelled without it ever having been cancelled by us; treat this the same
				// as "not finished yet" rather than surfacing it as fatal (§9).
				op = &longrunning.Operation{Name: op.Name, Done: false}
				continue
			}
			token.Release()
			return nil, false, wrap(err, "GetOperation failed")
		}
		op = next
	}
}

// handleFailure classifies an RPC-level failure from the Execute call itself (as opposed to a
// polled Operation) through the same Response Extractor (§9).
func (c *Client) handleFailure(ctx context.Context, oos OperationOrStatus, history *ExecutionHistory) (*FallibleExecutionResult, bool, error) {
	_, execErr := c.classify(ctx, oos, &history.Current)
	if execErr == nil {
		return nil, false, fmt.Errorf("unreachable: RPC failure classified as success")
	}
	if digests, ok := execErr.IsMissingDigests(); ok {
		c.incMissingDigests()
		history.pushAttempt()
		if _, err := c.store.EnsureRemoteHasRecursive(ctx, digests); err != nil {
			return nil, false, fmt.Errorf("failed to upload missing digests: %w", err)
		}
		return nil, true, nil
	}
	return nil, false, execErr
}

// backoffFor returns the n-th (0-indexed) poll backoff: min(maxBackoff, (1+n)*incrBackoff).
func backoffFor(iter int) time.Duration {
	d := time.Duration(iter+1) * incrBackoff
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

// timeoutResult synthesizes the result for a request whose timeout budget elapsed (§4.2, §5,
// §7): stdout carries a human-readable message naming the budget, how long was actually spent,
// the operation name, and the request's own description, mirroring the original Rust source's
// formatting in remote.rs.
func timeoutResult(req *ExecuteProcessRequest, opName string, elapsed time.Duration) *FallibleExecutionResult {
	msg := fmt.Sprintf("Exceeded timeout of %s with %s for operation %s, %s", req.Timeout, elapsed, opName, req.Description)
	return &FallibleExecutionResult{
		Stdout:   []byte(msg),
		ExitCode: sigtermExitCode,
	}
}
