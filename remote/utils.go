package remote

import (
	"context"
	"fmt"
	"strings"

	rpcstatus "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gopkg.in/op/go-logging.v1"
)

var log = logging.MustGetLogger("remote")

// statusFromError extracts the embedded google.rpc.Status from a gRPC error, if any, so an
// RPC-level failure can funnel through the same classifier as an Operation-shaped one (§9).
func statusFromError(err error) (*rpcstatus.Status, bool) {
	s, ok := status.FromError(err)
	if !ok {
		return nil, false
	}
	return s.Proto(), true
}

// convertError converts a single google.rpc.Status message into a Go error.
// Grounded on utils.go:convertError in the teacher package.
func convertError(s *rpcstatus.Status) error {
	if s == nil || s.Code == int32(codes.OK) {
		return nil
	}
	msg := fmt.Errorf("%s", s.Message)
	for _, detail := range s.Details {
		msg = fmt.Errorf("%s %s", msg, detail.Value)
	}
	return msg
}

// wrap wraps a gRPC-flavoured error with additional context while retaining its status code.
// Grounded on utils.go:wrap in the teacher package.
func wrap(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	s, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf(fmt.Sprintf(format, args...)+": %w", err)
	}
	return status.Errorf(s.Code(), fmt.Sprintf(format, args...)+": "+s.Message())
}

// IsNotFound returns true if a given error is a "not found" error, which may be treated
// differently (e.g. when a caller optimistically probes the CAS).
// Grounded on utils.go:IsNotFound in the teacher package.
func IsNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// preSharedToken returns a gRPC credential provider for a bearer token (§6).
// Grounded on utils.go:preSharedToken/dialOpts in the teacher package.
func preSharedToken(token string) tokenCredProvider {
	return tokenCredProvider{"authorization": "Bearer " + strings.TrimSpace(token)}
}

type tokenCredProvider map[string]string

func (cred tokenCredProvider) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return cred, nil
}

func (cred tokenCredProvider) RequireTransportSecurity() bool {
	// The caller decides separately whether the channel itself uses TLS (§6); requiring it
	// here as well would make it impossible to use a pre-shared token over, say, a service
	// mesh sidecar that terminates TLS for us.
	return false
}
