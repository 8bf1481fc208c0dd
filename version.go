// Package lbcert automates renewal of TLS certificates from an ACME
// certificate authority and their deployment to a redundant pair of
// load-balancing devices.
package lbcert

// Version is the release version, set at build time for releases.
var Version = "dev"
