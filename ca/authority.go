// Package ca drives the ACME protocol against the certificate authority:
// authorization requests, challenge selection, answering, polling,
// finalization and revocation. Nothing here is retried internally; a
// failed issuance is retried by a later scheduled scan.
package ca

import (
	"context"
	"crypto"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/crypto/acme"
)

const userAgent = "lbcert (https://github.com/caasmo/lbcert)"

// Config holds what the authority needs to talk to the CA.
type Config struct {
	// DirectoryURL is the ACME directory endpoint.
	DirectoryURL string
	// AccountKey is the PEM encoded account private key. May be empty for
	// a connectivity probe, in which case only Ping works.
	AccountKey []byte
	// ProxyURL, when set, routes CA traffic through an HTTPS proxy.
	ProxyURL string
}

// Authority is the client side of the ACME issuance state machine.
type Authority struct {
	client *acme.Client
	logger *slog.Logger
}

// New builds an Authority from the config. The account key is parsed
// eagerly so a bad key fails at startup, not mid-issuance.
func New(cfg Config, logger *slog.Logger) (*Authority, error) {
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := http.DefaultClient
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("ca: parsing proxy url: %w", err)
		}
		httpClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
		}
	}
	client := &acme.Client{
		DirectoryURL: cfg.DirectoryURL,
		UserAgent:    userAgent,
		HTTPClient:   httpClient,
	}
	if len(cfg.AccountKey) > 0 {
		key, err := certcrypto.ParsePEMPrivateKey(cfg.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("ca: parsing account key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("ca: account key does not implement crypto.Signer")
		}
		client.Key = signer
	}
	return &Authority{client: client, logger: logger.With("component", "ca")}, nil
}

// Ping fetches the CA directory to verify connectivity.
func (a *Authority) Ping(ctx context.Context) error {
	if _, err := a.client.Discover(ctx); err != nil {
		return fmt.Errorf("ca: fetching directory: %w", err)
	}
	return nil
}

// Register creates an account for the given contact address, accepting
// the CA's terms of service. Registering a key that already has an
// account is a no-op.
func (a *Authority) Register(ctx context.Context, email string) error {
	account := &acme.Account{Contact: []string{"mailto:" + email}}
	_, err := a.client.Register(ctx, account, acme.AcceptTOS)
	if err == acme.ErrAccountAlreadyExists {
		a.logger.Info("account already registered with the CA")
		return nil
	}
	if err != nil {
		return fmt.Errorf("ca: registering account: %w", err)
	}
	a.logger.Info("registered with the CA", "email", email)
	return nil
}

// Revoke asks the CA to revoke a previously issued certificate with the
// given CRL reason code.
func (a *Authority) Revoke(ctx context.Context, certPEM string, reason int) error {
	leaf, err := certcrypto.ParsePEMCertificate([]byte(certPEM))
	if err != nil {
		return fmt.Errorf("ca: parsing certificate to revoke: %w", err)
	}
	if err := a.client.RevokeCert(ctx, nil, leaf.Raw, acme.CRLReasonCode(reason)); err != nil {
		return fmt.Errorf("ca: revoking certificate: %w", err)
	}
	return nil
}
