// Package engine wires the store, the CA and the device into the linear
// certificate pipeline: first issuance, scheduled renewal and
// installation passes, removal and revocation. Everything runs
// sequentially; per-record failures are logged and skipped so one broken
// certificate never blocks the rest of the scan.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"

	"github.com/caasmo/lbcert/ca"
	"github.com/caasmo/lbcert/cert"
	"github.com/caasmo/lbcert/history"
	"github.com/caasmo/lbcert/lb"
)

const defaultPollTimeout = 5 * time.Minute

// DNSPublisher publishes dns-01 validation artifacts. The record
// publication mechanics live outside this module; the engine only hands
// over the opaque (domain, record name, value) tuple.
type DNSPublisher interface {
	Publish(ctx context.Context, domain, recordName, value string) error
	Retract(ctx context.Context, domain, recordName, value string) error
}

// CertificateAuthority is the slice of the CA orchestrator the engine
// drives. *ca.Authority satisfies it; tests swap in fakes.
type CertificateAuthority interface {
	RequestAuthorizations(ctx context.Context, hostnames []string) (*ca.Order, error)
	SelectChallenges(o *ca.Order, desiredType string) ([]ca.Challenge, error)
	AnswerChallenges(ctx context.Context, challenges []ca.Challenge) error
	PollAndFinalize(ctx context.Context, csrPEM string, o *ca.Order, timeout time.Duration) (*ca.IssueResult, error)
	Revoke(ctx context.Context, certPEM string, reason int) error
}

// Config holds the scheduling policy knobs.
type Config struct {
	// RenewalDays is the renewal window: installed certificates within
	// this many days of expiry are renewed.
	RenewalDays int
	// InstallDelayDays is the minimum age a freshly issued certificate
	// must reach before it is pushed to the devices.
	InstallDelayDays int
	// IncludeChain decides whether installs push the leaf alone or the
	// leaf plus its chain.
	IncludeChain bool
	// PollTimeout bounds the wait for the CA to verify the challenges.
	PollTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistory makes the engine append an event per successful issuance.
func WithHistory(writer history.Writer) Option {
	return func(e *Engine) { e.history = writer }
}

// WithDNSPublisher enables dns-01 validation.
func WithDNSPublisher(publisher DNSPublisher) Option {
	return func(e *Engine) { e.dns = publisher }
}

// Engine drives the certificate lifecycle.
type Engine struct {
	cfg       Config
	store     *cert.Store
	authority CertificateAuthority
	device    lb.Device
	history   history.Writer
	dns       DNSPublisher
	logger    *slog.Logger
}

// New creates an Engine. Store, authority, device and logger are
// mandatory.
func New(cfg Config, store *cert.Store, authority CertificateAuthority, device lb.Device, logger *slog.Logger, opts ...Option) *Engine {
	if store == nil || authority == nil || device == nil || logger == nil {
		panic("engine.New: received nil store, authority, device, or logger")
	}
	if cfg.PollTimeout == 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		authority: authority,
		device:    device,
		logger:    logger.With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewCertificate fetches the CSR staged on the device, obtains a
// certificate for it and installs it right away. The record starts its
// lifecycle as installed; the install delay only applies to renewals.
func (e *Engine) NewCertificate(ctx context.Context, partition, name, validationMethod string) error {
	csrPEM, err := e.device.FetchPendingCSR(ctx, partition, name)
	if err != nil {
		return fmt.Errorf("engine: fetching csr %s/%s: %w", partition, name, err)
	}
	record, err := cert.New(partition, name, csrPEM, validationMethod)
	if err != nil {
		return err
	}
	e.logger.Info("requesting new certificate",
		"partition", partition, "name", name, "hostnames", record.Hostnames)
	leaf, chain, err := e.issue(ctx, record)
	if err != nil {
		return err
	}
	record.Cert, record.Chain = leaf, chain
	if err := e.device.InstallCertificate(ctx, partition, name, record.PEM(e.cfg.IncludeChain)); err != nil {
		return fmt.Errorf("engine: installing certificate %s/%s: %w", partition, name, err)
	}
	if err := e.store.MarkInstalled(record); err != nil {
		return err
	}
	e.recordIssuance(ctx, record)
	return nil
}

// RunRenewals is one scheduled pass: scan the store, renew what is about
// to expire, install what has aged past the install delay, sweep expired
// backups. Protocol, device and integrity errors are recoverable per
// record; only a store-level failure aborts the pass.
func (e *Engine) RunRenewals(ctx context.Context) error {
	e.logger.Info("starting renewal pass")
	toRenew, toInstall, err := e.store.Scan(e.cfg.RenewalDays, e.cfg.InstallDelayDays)
	if err != nil {
		return err
	}

	for _, record := range toRenew {
		e.logger.Info("renewing certificate", "partition", record.Partition, "name", record.Name)
		leaf, chain, err := e.issue(ctx, record)
		if err != nil {
			e.logger.Error("could not renew certificate",
				"partition", record.Partition, "name", record.Name, "error", err)
			continue
		}
		if err := e.store.Renew(record, leaf, chain); err != nil {
			e.logger.Error("could not persist renewed certificate",
				"partition", record.Partition, "name", record.Name, "error", err)
			continue
		}
		e.recordIssuance(ctx, record)
	}

	for _, record := range toInstall {
		e.logger.Info("installing certificate", "partition", record.Partition, "name", record.Name)
		err := e.device.InstallCertificate(ctx, record.Partition, record.Name, record.PEM(e.cfg.IncludeChain))
		if err != nil {
			e.logger.Error("could not install certificate",
				"partition", record.Partition, "name", record.Name, "error", err)
			continue
		}
		if err := e.store.MarkInstalled(record); err != nil {
			e.logger.Error("could not mark certificate installed",
				"partition", record.Partition, "name", record.Name, "error", err)
		}
	}

	if err := e.store.SweepExpiredBackups(); err != nil {
		e.logger.Warn("backup sweep failed", "error", err)
	}
	e.logger.Info("renewal pass completed", "renewed", len(toRenew), "installed", len(toInstall))
	return nil
}

// Remove deletes a record so the certificate is never renewed again.
func (e *Engine) Remove(ctx context.Context, partition, name string) error {
	if _, err := e.store.Get(partition, name); err != nil {
		return err
	}
	return e.store.Delete(partition, name)
}

// Revoke revokes the record's certificate at the CA with the given CRL
// reason code and deletes the record.
func (e *Engine) Revoke(ctx context.Context, partition, name string, reason int) error {
	record, err := e.store.Get(partition, name)
	if err != nil {
		return err
	}
	if record.Cert == "" {
		return fmt.Errorf("engine: record %s/%s has no certificate to revoke", partition, name)
	}
	if err := e.authority.Revoke(ctx, record.Cert, reason); err != nil {
		return err
	}
	return e.store.Delete(partition, name)
}

// issue runs one complete issuance attempt for the record: request
// authorizations, select challenges, publish the artifacts, answer, poll
// and finalize, validate the returned chain. Published artifacts are
// retracted once polling has finished, success or not; the CA needs them
// in place until every authorization is confirmed.
func (e *Engine) issue(ctx context.Context, record *cert.Certificate) (string, []string, error) {
	order, err := e.authority.RequestAuthorizations(ctx, record.Hostnames)
	if err != nil {
		return "", nil, err
	}
	challenges, err := e.authority.SelectChallenges(order, record.ValidationMethod)
	if err != nil {
		return "", nil, err
	}

	var published []ca.Challenge
	defer func() {
		for _, chal := range published {
			var err error
			switch chal.Type {
			case "http-01":
				err = e.device.RetractChallenge(ctx, chal.Domain, chal.Location)
			case "dns-01":
				err = e.dns.Retract(ctx, chal.Domain, chal.Location, chal.Value)
			}
			if err != nil {
				e.logger.Warn("could not retract challenge artifact",
					"domain", chal.Domain, "location", chal.Location, "error", err)
			}
		}
	}()

	for _, chal := range challenges {
		switch chal.Type {
		case "http-01":
			err = e.device.PublishChallenge(ctx, chal.Domain, chal.Location, chal.Value)
		case "dns-01":
			if e.dns == nil {
				return "", nil, fmt.Errorf("engine: dns-01 validation requested for %s but no dns publisher is configured", chal.Domain)
			}
			err = e.dns.Publish(ctx, chal.Domain, chal.Location, chal.Value)
		default:
			err = fmt.Errorf("engine: validation type %s is not recognized", chal.Type)
		}
		if err != nil {
			return "", nil, fmt.Errorf("engine: publishing challenge for %s: %w", chal.Domain, err)
		}
		published = append(published, chal)
	}

	if err := e.authority.AnswerChallenges(ctx, challenges); err != nil {
		return "", nil, err
	}
	result, err := e.authority.PollAndFinalize(ctx, record.CSR, order, e.cfg.PollTimeout)
	if err != nil {
		return "", nil, err
	}
	if err := result.Err(); err != nil {
		return "", nil, err
	}

	bundle := result.Cert + strings.Join(result.Chain, "")
	if err := ca.ValidateChain([]byte(bundle)); err != nil {
		return "", nil, err
	}
	return result.Cert, result.Chain, nil
}

// recordIssuance appends the issuance to the history, when configured.
// History failures are logged, never fatal.
func (e *Engine) recordIssuance(ctx context.Context, record *cert.Certificate) {
	if e.history == nil {
		return
	}
	leaf, err := certcrypto.ParsePEMCertificate([]byte(record.Cert))
	if err != nil {
		e.logger.Warn("could not parse issued certificate for history",
			"partition", record.Partition, "name", record.Name, "error", err)
		return
	}
	event := history.Event{
		Partition: record.Partition,
		Name:      record.Name,
		Domains:   record.Hostnames,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
	}
	if err := e.history.AddIssuance(ctx, event); err != nil {
		e.logger.Warn("could not record issuance history",
			"partition", record.Partition, "name", record.Name, "error", err)
	}
}
