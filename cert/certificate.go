// Package cert holds the durable certificate records and their file-backed
// store. A record tracks one certificate on the load balancer from first
// issuance through renewals, surviving process restarts in between.
package cert

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

// Status is the position of a record in its lifecycle. It only moves
// forward, except that a successful renewal pushes an installed record
// back to StatusToBeInstalled.
type Status string

const (
	StatusNew           Status = "New"
	StatusToBeInstalled Status = "To be installed"
	StatusInstalled     Status = "Installed"
)

// DefaultValidationMethod is applied to stored records written before the
// validation_method field existed.
const DefaultValidationMethod = "http-01"

// Certificate is one certificate record. Partition and Name together form
// the storage key. CSR and Hostnames are fixed at creation; Cert and Chain
// are empty until the first issuance completes.
type Certificate struct {
	Partition        string   `json:"partition"`
	Name             string   `json:"name"`
	Status           Status   `json:"status"`
	Hostnames        []string `json:"hostnames"`
	CSR              string   `json:"csr"`
	ValidationMethod string   `json:"validation_method"`
	Cert             string   `json:"cert,omitempty"`
	Chain            []string `json:"chain,omitempty"`
}

// New builds a record in state StatusNew from a PEM encoded CSR. The
// hostnames are taken from the subject common name followed by the DNS
// subject alternative names, in order, without duplicates. It fails only
// when no hostname can be extracted from the CSR.
func New(partition, name, csrPEM, validationMethod string) (*Certificate, error) {
	hostnames, err := HostnamesFromCSR(csrPEM)
	if err != nil {
		return nil, err
	}
	if validationMethod == "" {
		validationMethod = DefaultValidationMethod
	}
	return &Certificate{
		Partition:        partition,
		Name:             name,
		Status:           StatusNew,
		Hostnames:        hostnames,
		CSR:              csrPEM,
		ValidationMethod: validationMethod,
	}, nil
}

// HostnamesFromCSR extracts the domain names a CSR asks for: common name
// first if present, then the DNS SAN entries in their original order,
// skipping names already seen.
func HostnamesFromCSR(csrPEM string) ([]string, error) {
	csr, err := certcrypto.PemDecodeTox509CSR([]byte(csrPEM))
	if err != nil {
		return nil, fmt.Errorf("cert: parsing csr: %w", err)
	}
	seen := make(map[string]struct{})
	var hostnames []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		hostnames = append(hostnames, name)
	}
	add(csr.Subject.CommonName)
	for _, san := range csr.DNSNames {
		add(san)
	}
	if len(hostnames) == 0 {
		return nil, fmt.Errorf("cert: csr contains no subject names")
	}
	return hostnames, nil
}

// PEM returns the installable artifact: the leaf certificate alone, or the
// leaf followed by the chain in issuer order.
func (c *Certificate) PEM(includeChain bool) string {
	if !includeChain {
		return c.Cert
	}
	parts := make([]string, 0, len(c.Chain)+1)
	parts = append(parts, strings.TrimRight(c.Cert, "\n"))
	for _, link := range c.Chain {
		parts = append(parts, strings.TrimRight(link, "\n"))
	}
	return strings.Join(parts, "\n") + "\n"
}

// AboutToExpire reports whether the certificate's not-after time is within
// the given number of days from now. This is the renewal trigger.
func (c *Certificate) AboutToExpire(days int) (bool, error) {
	leaf, err := certcrypto.ParsePEMCertificate([]byte(c.Cert))
	if err != nil {
		return false, fmt.Errorf("cert: parsing certificate %s/%s: %w", c.Partition, c.Name, err)
	}
	limit := time.Now().UTC().AddDate(0, 0, days)
	return !leaf.NotAfter.After(limit), nil
}

// OldEnough reports whether the certificate's not-before time is at least
// the given number of days in the past. Installation waits for this so
// clients with skewed clocks already consider the certificate valid.
func (c *Certificate) OldEnough(days int) (bool, error) {
	leaf, err := certcrypto.ParsePEMCertificate([]byte(c.Cert))
	if err != nil {
		return false, fmt.Errorf("cert: parsing certificate %s/%s: %w", c.Partition, c.Name, err)
	}
	limit := time.Now().UTC().AddDate(0, 0, -days)
	return !leaf.NotBefore.After(limit), nil
}
