// Package remote dispatches process-execution requests to a remote build-execution service
// speaking the Bazel Remote Execution API v2 (https://github.com/bazelbuild/remote-apis),
// polls the resulting long-running Operation to completion, reconciles any missing CAS blobs
// the server reports, and materializes the resulting output tree and stdout/stderr.
package remote

import (
	"context"
	"fmt"
	"time"

	pb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
	"github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"google.golang.org/genproto/googleapis/longrunning"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
)

// Timeout to initially contact the server.
const dialTimeout = 5 * time.Second

// Timeout for individual bookkeeping requests (not the Execute call itself, whose budget is
// governed by the caller's ExecuteProcessRequest.Timeout per §5).
const reqTimeout = 2 * time.Minute

// Maximum number of times the dial-level retry interceptor retries a request.
const maxRetries = 3

// The REAPI version this client requires.
var apiVersion = semver.SemVer{Major: 2}

// A Client is the runner object described in §2: a stateless command runner holding endpoint
// channels, a CAS handle, a task executor, a declared platform identity, and request metadata.
//
// Multiple concurrent requests may run against the same Client; its own state is read-only
// after construction, so there is no locking beyond what its collaborators (Store, Executor)
// already provide (§5).
type Client struct {
	execClient pb.ExecutionClient
	opsClient  longrunning.OperationsClient

	store    Store
	executor Executor
	workunit WorkunitStore
	metrics  *remoteMetrics
	stats    *statsHandler

	// Request metadata, fixed for the lifetime of the Client.
	instance           string
	cacheKeyGenVersion string
	platform           string
	platformProperties []PlatformProperty

	maxBlobBatchSize  int64
	metricsGatewayURL string
}

// DataRate returns the client's current estimate of inbound/outbound byte rates (per second)
// over the execution channel, plus cumulative totals, as tracked by statsHandler.
func (c *Client) DataRate() (rateIn, rateOut, totalIn, totalOut int) {
	return c.stats.DataRate()
}

// Options configures a new Client (§6: endpoint, auth, TLS).
type Options struct {
	// Address of the execution service, host:port form.
	ExecutionAddress string
	// Optional OAuth bearer token, sent as the authorization gRPC metadata header on every call.
	BearerToken string
	// Optional PEM-encoded root CA bundle. When set the channel uses TLS; otherwise plaintext.
	RootCAPEM []byte
	// Optional Prometheus pushgateway URL for the counters in metrics.go.
	MetricsGatewayURL string

	Instance           string
	CacheKeyGenVersion string
	Platform           string
	PlatformProperties []PlatformProperty

	Store    Store
	Executor Executor
	Workunit WorkunitStore
}

// New dials the execution service and returns a ready-to-use Client. Unlike the teacher's
// fire-and-forget New (which kicks off initialisation in the background because Please has
// many other things to do before the first build action is ready), this constructor dials
// synchronously: an execution client has nothing useful to do before the channel exists.
func New(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{
		store:              opts.Store,
		executor:           opts.Executor,
		workunit:           opts.Workunit,
		metrics:            newRemoteMetrics(),
		instance:           opts.Instance,
		cacheKeyGenVersion: opts.CacheKeyGenVersion,
		platform:           opts.Platform,
		platformProperties: opts.PlatformProperties,
		maxBlobBatchSize:   4000000,
		metricsGatewayURL:  opts.MetricsGatewayURL,
	}
	c.stats = newStatsHandler(c)

	dialOpts := []grpc.DialOption{
		grpc.WithUnaryInterceptor(grpc_retry.UnaryClientInterceptor(grpc_retry.WithMax(maxRetries))),
		grpc.WithStatsHandler(c.stats),
		grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(419430400)),
	}
	if len(opts.RootCAPEM) > 0 {
		creds, err := credentialsFromPEM(opts.RootCAPEM)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS root CA bundle: %w", err)
		}
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(creds))
	} else {
		dialOpts = append(dialOpts, grpc.WithInsecure())
	}
	if opts.BearerToken != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(preSharedToken(opts.BearerToken)))
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, err := grpc.DialContext(dialCtx, opts.ExecutionAddress, dialOpts...)
	if err != nil {
		return nil, err
	}

	c.execClient = pb.NewExecutionClient(conn)
	c.opsClient = longrunning.NewOperationsClient(conn)

	caps, err := pb.NewCapabilitiesClient(conn).GetCapabilities(ctx, &pb.GetCapabilitiesRequest{InstanceName: opts.Instance})
	if err != nil {
		return nil, err
	}
	if lessThan(&apiVersion, caps.LowApiVersion) || lessThan(caps.HighApiVersion, &apiVersion) {
		return nil, fmt.Errorf("unsupported API version; we require %s but server only supports %s - %s",
			printVer(&apiVersion), printVer(caps.LowApiVersion), printVer(caps.HighApiVersion))
	}
	if ec := caps.ExecutionCapabilities; ec == nil || !ec.ExecEnabled {
		return nil, fmt.Errorf("remote execution not enabled for this server")
	}
	log.Debug("remote execution client initialised")
	return c, nil
}

func credentialsFromPEM(pem []byte) (credentials.TransportCredentials, error) {
	return newTLSCredentials(pem)
}

// Run submits req for remote execution, selecting the compatible variant from a
// multi-platform request, and drives it through to a terminal result (§2, §4.2).
//
// The returned context cancellation (or ctx itself expiring) triggers best-effort
// CancelOperation of any live server operation (§4.5, §5); the wall-clock timeout budget in
// req's resolved ExecuteProcessRequest is tracked independently starting at the first
// successful Execute response (§5).
func (c *Client) Run(ctx context.Context, reqs MultiPlatformExecuteProcessRequest, hostPlatform string) (*FallibleExecutionResult, error) {
	req, err := SelectRequest(reqs, c.platform, hostPlatform)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, req)
}

// lessThan returns true if the given semver instance is less than another one.
func lessThan(a, b *semver.SemVer) bool {
	if a.Major != b.Major {
		return a.Major < b.Major
	}
	if a.Minor != b.Minor {
		return a.Minor < b.Minor
	}
	if a.Patch != b.Patch {
		return a.Patch < b.Patch
	}
	return a.Prerelease < b.Prerelease
}

// printVer pretty-prints a semver message; the default stringing of them is unreadable.
func printVer(v *semver.SemVer) string {
	msg := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Prerelease != "" {
		msg += "-" + v.Prerelease
	}
	return msg
}
