// Package icontrol is the thin REST adapter between the lb contract and a
// BIG-IP style management API. Only the handful of calls the engine needs
// are implemented; everything else about the device API is out of scope.
package icontrol

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/caasmo/lbcert/lb"
)

// Config identifies one management endpoint and the datagroup that serves
// http-01 challenge responses.
type Config struct {
	// Host is the management address, e.g. "lb1.example.com".
	Host     string
	Username string
	Password string
	// Datagroup and DatagroupPartition locate the datagroup an iRule
	// serves ACME challenge responses from.
	Datagroup          string
	DatagroupPartition string
	// InsecureSkipVerify disables TLS verification towards the management
	// endpoint. Only for lab devices with self-signed management certs.
	InsecureSkipVerify bool
}

// Client implements lb.Unit against one device.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a client for one unit. No connection is made until the
// first call.
func New(cfg Config) *Client {
	transport := http.DefaultTransport
	if cfg.InsecureSkipVerify {
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
	return &Client{cfg: cfg, http: &http.Client{Transport: transport}}
}

func (c *Client) url(path string) string {
	return fmt.Sprintf("https://%s%s", c.cfg.Host, path)
}

// do runs one management call and folds HTTP failures into the lb error
// taxonomy.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("icontrol: encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.url(path), reader)
	if err != nil {
		return fmt.Errorf("icontrol: building request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", lb.ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(msg))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("icontrol: decoding response: %w", err)
		}
	}
	return nil
}

func classifyStatus(status int, msg string) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%w: %s", lb.ErrAccessDenied, strings.TrimSpace(msg))
	case status == http.StatusNotFound && strings.Contains(msg, "folder"):
		return fmt.Errorf("%w: %s", lb.ErrPartitionNotFound, strings.TrimSpace(msg))
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", lb.ErrResourceNotFound, strings.TrimSpace(msg))
	default:
		return fmt.Errorf("icontrol: device returned status %d: %s", status, strings.TrimSpace(msg))
	}
}

// FailoverRole queries the unit's failover state.
func (c *Client) FailoverRole(ctx context.Context) (lb.FailoverRole, error) {
	var state struct {
		APIRawValues struct {
			APIAnonymous string `json:"apiAnonymous"`
		} `json:"apiRawValues"`
	}
	if err := c.do(ctx, http.MethodGet, "/mgmt/tm/sys/failover", nil, &state); err != nil {
		return "", err
	}
	if strings.Contains(state.APIRawValues.APIAnonymous, "active") {
		return lb.RoleActive, nil
	}
	return lb.RoleStandby, nil
}

type datagroup struct {
	Records []datagroupRecord `json:"records"`
}

type datagroupRecord struct {
	Name string `json:"name"`
	Data string `json:"data,omitempty"`
}

func (c *Client) datagroupPath() string {
	return fmt.Sprintf("/mgmt/tm/ltm/data-group/internal/~%s~%s",
		c.cfg.DatagroupPartition, c.cfg.Datagroup)
}

// challengeKey is the datagroup key the challenge iRule looks up: the
// domain plus the token, the last segment of the well-known path.
func challengeKey(domain, location string) string {
	parts := strings.Split(location, "/")
	return domain + ":" + parts[len(parts)-1]
}

// PublishChallenge upserts the challenge record into the datagroup. The
// datagroup is read and written back whole; records are small and few.
func (c *Client) PublishChallenge(ctx context.Context, domain, location, value string) error {
	var dg datagroup
	if err := c.do(ctx, http.MethodGet, c.datagroupPath(), nil, &dg); err != nil {
		return err
	}
	key := challengeKey(domain, location)
	records := make([]datagroupRecord, 0, len(dg.Records)+1)
	for _, record := range dg.Records {
		if record.Name != key {
			records = append(records, record)
		}
	}
	records = append(records, datagroupRecord{Name: key, Data: value})
	return c.do(ctx, http.MethodPatch, c.datagroupPath(), datagroup{Records: records}, nil)
}

// RetractChallenge removes the challenge record from the datagroup.
func (c *Client) RetractChallenge(ctx context.Context, domain, location string) error {
	var dg datagroup
	if err := c.do(ctx, http.MethodGet, c.datagroupPath(), nil, &dg); err != nil {
		return err
	}
	key := challengeKey(domain, location)
	records := make([]datagroupRecord, 0, len(dg.Records))
	for _, record := range dg.Records {
		if record.Name != key {
			records = append(records, record)
		}
	}
	return c.do(ctx, http.MethodPatch, c.datagroupPath(), datagroup{Records: records}, nil)
}

// FetchPendingCSR downloads a CSR staged on the device.
func (c *Client) FetchPendingCSR(ctx context.Context, partition, name string) (string, error) {
	var csr struct {
		CSRText string `json:"csrText"`
	}
	path := fmt.Sprintf("/mgmt/tm/sys/crypto/csr/~%s~%s", partition, name)
	if err := c.do(ctx, http.MethodGet, path, nil, &csr); err != nil {
		return "", err
	}
	if csr.CSRText == "" {
		return "", fmt.Errorf("%w: csr %s has no content", lb.ErrResourceNotFound, name)
	}
	return csr.CSRText, nil
}

// InstallCertificate uploads the bundle and installs it under the given
// partition and name, replacing any previous content.
func (c *Client) InstallCertificate(ctx context.Context, partition, name, pemBundle string) error {
	uploadPath := fmt.Sprintf("/mgmt/shared/file-transfer/uploads/%s.crt", name)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(uploadPath),
		strings.NewReader(pemBundle))
	if err != nil {
		return fmt.Errorf("icontrol: building upload request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Range", fmt.Sprintf("0-%d/%d", len(pemBundle)-1, len(pemBundle)))
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", lb.ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(msg))
	}

	install := map[string]string{
		"command":         "install",
		"name":            name,
		"partition":       partition,
		"from-local-file": fmt.Sprintf("/var/config/rest/downloads/%s.crt", name),
	}
	return c.do(ctx, http.MethodPost, "/mgmt/tm/sys/crypto/cert", install, nil)
}
