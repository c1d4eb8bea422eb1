package remote

import (
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
)

// ExecuteProcessRequest describes a single process invocation to run remotely.
//
// Argument ordering follows the caller; everything else that needs to be
// deterministic for digesting (env sort order, output path sort order, platform property
// order) is imposed by the request builder in request.go, not by this type.
type ExecuteProcessRequest struct {
	Argv        []string
	Env         map[string]string
	InputRoot   *pb.Digest
	OutputFiles []string
	OutputDirs  []string
	Timeout     time.Duration
	Description string
	JDKHome     string
	Platform    string
}

// platformPair identifies one leg of a MultiPlatformExecuteProcessRequest: the platform the
// request was declared for, and the platform of the runner that would execute it. An empty
// string stands for "unset"/"any".
type platformPair struct {
	RequestPlatform string
	RunnerPlatform  string
}

// MultiPlatformExecuteProcessRequest maps a (request-platform, runner-platform) pair to the
// concrete request that should run for that combination. SelectRequest (request.go) resolves
// this down to a single ExecuteProcessRequest following the fixed priority order from §3.
type MultiPlatformExecuteProcessRequest map[platformPair]*ExecuteProcessRequest

// NewMultiPlatformExecuteProcessRequest constructs an empty multi-platform request.
func NewMultiPlatformExecuteProcessRequest() MultiPlatformExecuteProcessRequest {
	return make(MultiPlatformExecuteProcessRequest)
}

// Add registers a concrete request for the given (requestPlatform, runnerPlatform) pair.
// Either may be the empty string, meaning "unset".
func (m MultiPlatformExecuteProcessRequest) Add(requestPlatform, runnerPlatform string, req *ExecuteProcessRequest) {
	m[platformPair{RequestPlatform: requestPlatform, RunnerPlatform: runnerPlatform}] = req
}

// ExecuteProcessRequestMetadata carries the request-independent metadata that still feeds
// into canonicalization: instance name, cache-key-gen version, and platform properties.
type ExecuteProcessRequestMetadata struct {
	InstanceName       string
	CacheKeyGenVersion string
	PlatformProperties []PlatformProperty
}

// PlatformProperty is a single (key, value) platform property. Order is significant and
// duplicates are permitted (§4.1).
type PlatformProperty struct {
	Name  string
	Value string
}

// ExecutionStats records the per-attempt timing breakdown described in §3. Zero durations mean
// "not reported" (either the server didn't send that timestamp pair, or it was skipped for
// being negative/malformed per §9).
type ExecutionStats struct {
	LocalUpload   time.Duration
	RemoteQueue   time.Duration
	RemoteInput   time.Duration
	RemoteExecute time.Duration
	RemoteOutput  time.Duration
	WasCacheHit   bool
}

// ExecutionHistory accumulates completed attempts plus the in-progress one. A MissingDigests
// recovery pushes Current onto Attempts and starts a fresh Current (§3 invariant).
type ExecutionHistory struct {
	Attempts []ExecutionStats
	Current  ExecutionStats
}

// pushAttempt finalises the current attempt into history and resets Current.
func (h *ExecutionHistory) pushAttempt() {
	h.Attempts = append(h.Attempts, h.Current)
	h.Current = ExecutionStats{}
}

// All returns every attempt recorded so far, including the (possibly incomplete) current one.
func (h *ExecutionHistory) All() []ExecutionStats {
	return append(append([]ExecutionStats{}, h.Attempts...), h.Current)
}

// Totals sums durations across every attempt in the history, for end-of-run reporting.
// Ported from the original Rust source's end-of-build summary of ExecutionStats.
func (h *ExecutionHistory) Totals() ExecutionStats {
	var t ExecutionStats
	for _, a := range h.All() {
		t.LocalUpload += a.LocalUpload
		t.RemoteQueue += a.RemoteQueue
		t.RemoteInput += a.RemoteInput
		t.RemoteExecute += a.RemoteExecute
		t.RemoteOutput += a.RemoteOutput
		t.WasCacheHit = t.WasCacheHit || a.WasCacheHit
	}
	return t
}

// FallibleExecutionResult is the result bundle the runner hands back to the caller: the
// materialized stdout/stderr, the exit code, the synthesized output tree digest, and the
// accumulated per-attempt statistics.
type FallibleExecutionResult struct {
	Stdout     []byte
	Stderr     []byte
	ExitCode   int32
	OutputTree *pb.Digest
	History    ExecutionHistory
}
