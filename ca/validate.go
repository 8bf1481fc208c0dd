package ca

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ValidateChain checks that every PEM block in the blob is a well-formed
// certificate. The CA response is the only untrusted input that ends up in
// files later read back as certificates, so anything else in the blob (a
// private key block, garbage) fails with ErrReceivedInvalidCertificate
// before it can be persisted.
func ValidateChain(pemBlob []byte) error {
	rest := pemBlob
	blocks := 0
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		blocks++
		if block.Type != "CERTIFICATE" {
			return fmt.Errorf("%w: unexpected %s block", ErrReceivedInvalidCertificate, block.Type)
		}
		if _, err := x509.ParseCertificate(block.Bytes); err != nil {
			return fmt.Errorf("%w: %v", ErrReceivedInvalidCertificate, err)
		}
	}
	if blocks == 0 {
		return fmt.Errorf("%w: no certificate blocks found", ErrReceivedInvalidCertificate)
	}
	return nil
}
