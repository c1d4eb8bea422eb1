package remote

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"google.golang.org/grpc/credentials"
)

// newTLSCredentials builds gRPC transport credentials from a PEM-encoded root CA bundle (§6).
func newTLSCredentials(pem []byte) (credentials.TransportCredentials, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in root CA bundle")
	}
	return credentials.NewTLS(&tls.Config{RootCAs: pool}), nil
}
