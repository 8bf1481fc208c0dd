package ca

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"golang.org/x/crypto/acme"
)

// Order tracks one issuance attempt: the CA order plus its authorizations
// in the same order as the hostnames that were requested.
type Order struct {
	order          *acme.Order
	authorizations []*acme.Authorization
}

// Challenge is one selected challenge with its validation artifact: the
// value an external collaborator must publish at the location derived from
// the challenge. Location is a URL path for http-01 and a DNS record name
// for dns-01; the engine treats both as opaque.
type Challenge struct {
	Domain   string
	Type     string
	Location string
	Value    string

	accepted *acme.Challenge
}

// RequestAuthorizations asks the CA for one authorization per hostname.
// The returned order carries the authorizations in request order.
func (a *Authority) RequestAuthorizations(ctx context.Context, hostnames []string) (*Order, error) {
	order, err := a.client.AuthorizeOrder(ctx, acme.DomainIDs(hostnames...))
	if err != nil {
		return nil, fmt.Errorf("ca: creating order: %w", err)
	}
	byDomain := make(map[string]*acme.Authorization, len(order.AuthzURLs))
	for _, authzURL := range order.AuthzURLs {
		authz, err := a.client.GetAuthorization(ctx, authzURL)
		if err != nil {
			return nil, fmt.Errorf("ca: fetching authorization: %w", err)
		}
		byDomain[authz.Identifier.Value] = authz
	}
	authorizations := make([]*acme.Authorization, 0, len(hostnames))
	for _, hostname := range hostnames {
		authz, ok := byDomain[hostname]
		if !ok {
			return nil, fmt.Errorf("ca: the CA returned no authorization for %s", hostname)
		}
		authorizations = append(authorizations, authz)
	}
	return &Order{order: order, authorizations: authorizations}, nil
}

// SelectChallenges filters each authorization's offered challenges to the
// desired type and computes the validation artifact bound to the account
// key. Evaluation is per hostname in request order and all-or-nothing: the
// first authorization lacking the desired type aborts the batch with
// ErrNoDesiredChallenge. Authorizations already valid at the CA yield no
// challenge.
func (a *Authority) SelectChallenges(o *Order, desiredType string) ([]Challenge, error) {
	var selected []Challenge
	for _, authz := range o.authorizations {
		if authz.Status == acme.StatusValid {
			a.logger.Debug("authorization already valid, no challenge needed",
				"domain", authz.Identifier.Value)
			continue
		}
		var chal *acme.Challenge
		for _, offered := range authz.Challenges {
			if offered.Type == desiredType {
				chal = offered
				break
			}
		}
		if chal == nil {
			return nil, fmt.Errorf("%w: no %s challenge for %s",
				ErrNoDesiredChallenge, desiredType, authz.Identifier.Value)
		}
		location, value, err := a.challengeArtifact(authz.Identifier.Value, chal)
		if err != nil {
			return nil, err
		}
		selected = append(selected, Challenge{
			Domain:   authz.Identifier.Value,
			Type:     chal.Type,
			Location: location,
			Value:    value,
			accepted: chal,
		})
	}
	return selected, nil
}

// challengeArtifact derives the (location, value) pair a collaborator must
// publish so the CA's validator can confirm the challenge.
func (a *Authority) challengeArtifact(domain string, chal *acme.Challenge) (string, string, error) {
	switch chal.Type {
	case "http-01":
		value, err := a.client.HTTP01ChallengeResponse(chal.Token)
		if err != nil {
			return "", "", fmt.Errorf("ca: computing http-01 response: %w", err)
		}
		return a.client.HTTP01ChallengePath(chal.Token), value, nil
	case "dns-01":
		value, err := a.client.DNS01ChallengeRecord(chal.Token)
		if err != nil {
			return "", "", fmt.Errorf("ca: computing dns-01 record: %w", err)
		}
		return "_acme-challenge." + domain, value, nil
	default:
		return "", "", fmt.Errorf("ca: validation type %s is not recognized", chal.Type)
	}
}

// AnswerChallenges notifies the CA, for each challenge independently, that
// its artifact is published. The CA tracks each domain's validation on its
// own, so answering order does not matter.
func (a *Authority) AnswerChallenges(ctx context.Context, challenges []Challenge) error {
	for _, chal := range challenges {
		a.logger.Debug("answering challenge", "domain", chal.Domain, "type", chal.Type)
		if _, err := a.client.Accept(ctx, chal.accepted); err != nil {
			return fmt.Errorf("ca: answering challenge for %s: %w", chal.Domain, err)
		}
	}
	return nil
}

// Outcome is the terminal state of a poll-and-finalize attempt.
type Outcome int

const (
	// OutcomeIssued means the CA validated every authorization and signed
	// the certificate.
	OutcomeIssued Outcome = iota
	// OutcomeTimedOut means the deadline elapsed before every
	// authorization reached a terminal state.
	OutcomeTimedOut
	// OutcomeRejected means the CA reported a validation failure.
	OutcomeRejected
)

// IssueResult is the tagged outcome of PollAndFinalize. Cert and Chain are
// set only for OutcomeIssued; Detail carries the CA's message for
// OutcomeRejected.
type IssueResult struct {
	Outcome Outcome
	Cert    string
	Chain   []string
	Detail  string
}

// Err maps the terminal outcome to the error callers act on: nil for an
// issued certificate, a *GetCertificateError otherwise.
func (r *IssueResult) Err() error {
	switch r.Outcome {
	case OutcomeIssued:
		return nil
	case OutcomeTimedOut:
		return &GetCertificateError{Detail: "timed out while waiting for the CA to verify the challenges"}
	default:
		return &GetCertificateError{Detail: r.Detail}
	}
}

// PollAndFinalize blocks until every authorization reaches a terminal
// state or the timeout elapses, then finalizes the order with the CSR and
// fetches the signed chain. On success the result holds the leaf
// certificate and the issuer chain in issuer order, immediate issuer
// first. Protocol transport errors are returned raw; validation rejection
// and timeout are reported through the result's outcome.
func (a *Authority) PollAndFinalize(ctx context.Context, csrPEM string, o *Order, timeout time.Duration) (*IssueResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, authz := range o.authorizations {
		a.logger.Debug("waiting for authorization", "domain", authz.Identifier.Value)
		if _, err := a.client.WaitAuthorization(ctx, authz.URI); err != nil {
			return classifyPollError(err)
		}
	}
	if _, err := a.client.WaitOrder(ctx, o.order.URI); err != nil {
		return classifyPollError(err)
	}

	csr, err := certcrypto.PemDecodeTox509CSR([]byte(csrPEM))
	if err != nil {
		return nil, fmt.Errorf("ca: parsing csr for finalization: %w", err)
	}
	der, _, err := a.client.CreateOrderCert(ctx, o.order.FinalizeURL, csr.Raw, true)
	if err != nil {
		return classifyPollError(err)
	}
	if len(der) == 0 {
		return nil, fmt.Errorf("ca: the CA returned an empty certificate chain")
	}

	leaf := string(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(der[0])))
	chain := make([]string, 0, len(der)-1)
	for _, link := range der[1:] {
		chain = append(chain, string(certcrypto.PEMEncode(certcrypto.DERCertificateBytes(link))))
	}
	return &IssueResult{Outcome: OutcomeIssued, Cert: leaf, Chain: chain}, nil
}

// classifyPollError folds a polling failure into the tagged outcome:
// deadline expiry becomes OutcomeTimedOut, a CA-reported validation
// failure becomes OutcomeRejected with the CA's own detail, anything else
// stays a raw protocol error for the caller.
func classifyPollError(err error) (*IssueResult, error) {
	if errors.Is(err, context.DeadlineExceeded) {
		return &IssueResult{Outcome: OutcomeTimedOut}, nil
	}
	var authzErr *acme.AuthorizationError
	if errors.As(err, &authzErr) {
		return &IssueResult{Outcome: OutcomeRejected, Detail: rejectionDetail(authzErr)}, nil
	}
	var orderErr *acme.OrderError
	if errors.As(err, &orderErr) {
		return &IssueResult{Outcome: OutcomeRejected, Detail: orderErr.Error()}, nil
	}
	var caErr *acme.Error
	if errors.As(err, &caErr) {
		detail := caErr.Detail
		if detail == "" {
			detail = caErr.Error()
		}
		return &IssueResult{Outcome: OutcomeRejected, Detail: detail}, nil
	}
	return nil, err
}

// rejectionDetail extracts the CA's detail message from an authorization
// error, falling back to the error's own text.
func rejectionDetail(authzErr *acme.AuthorizationError) string {
	for _, sub := range authzErr.Errors {
		var caErr *acme.Error
		if errors.As(sub, &caErr) && caErr.Detail != "" {
			return caErr.Detail
		}
	}
	return authzErr.Error()
}
