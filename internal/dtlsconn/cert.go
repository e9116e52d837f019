package dtlsconn

import (
	"crypto/tls"
	"fmt"

	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
)

// LoadCertificate loads a PEM certificate/key pair from disk, falling back
// to a freshly self-signed certificate when no paths are configured.
// Browsers pin the certificate through the SDP fingerprint, not a CA chain,
// so self-signed is the normal case.
func LoadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		cert, err := selfsign.GenerateSelfSigned()
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("generate self-signed certificate: %w", err)
		}
		return cert, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("load certificate: %w", err)
	}
	return cert, nil
}
