package ca

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDesiredChallenge is returned when an authorization does not
	// offer the challenge type the record asks for. Issuance for a
	// multi-domain certificate is atomic at challenge selection, so one
	// missing challenge fails the whole batch.
	ErrNoDesiredChallenge = errors.New("the CA did not offer the desired challenge type")

	// ErrReceivedInvalidCertificate is returned when the material the CA
	// handed back does not parse as a pure certificate chain.
	ErrReceivedInvalidCertificate = errors.New("received invalid certificate from the CA")
)

// GetCertificateError reports that issuance failed after the challenges
// were answered, either because the CA rejected the validation or because
// polling timed out. Detail carries the CA's own message when it provided
// one.
type GetCertificateError struct {
	Detail string
}

func (e *GetCertificateError) Error() string {
	return fmt.Sprintf("could not get the certificate from the CA: %s", e.Detail)
}
