package cert

import "errors"

// ErrCertificateNotFound is returned when no record exists for a
// partition/name pair.
var ErrCertificateNotFound = errors.New("certificate not found")
