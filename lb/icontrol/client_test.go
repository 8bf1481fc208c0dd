package icontrol

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/lbcert/lb"
)

// fakeDevice is a minimal management API double backed by httptest. It
// serves the failover endpoint, one datagroup, one staged CSR and the
// upload plus install endpoints.
type fakeDevice struct {
	mu        sync.Mutex
	failover  string
	records   []datagroupRecord
	csrText   string
	uploaded  string
	installed map[string]string
}

func (d *fakeDevice) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/mgmt/tm/sys/failover", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"apiRawValues": map[string]string{"apiAnonymous": d.failover},
		})
	})
	mux.HandleFunc("/mgmt/tm/ltm/data-group/internal/~Common~acme_responses", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(datagroup{Records: d.records})
		case http.MethodPatch:
			var dg datagroup
			require.NoError(t, json.NewDecoder(r.Body).Decode(&dg))
			d.records = dg.Records
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/mgmt/tm/sys/crypto/csr/", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.csrText == "" {
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"message":"the requested CSR was not found"}`)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"csrText": d.csrText})
	})
	mux.HandleFunc("/mgmt/shared/file-transfer/uploads/", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		body, _ := io.ReadAll(r.Body)
		d.uploaded = string(body)
	})
	mux.HandleFunc("/mgmt/tm/sys/crypto/cert", func(w http.ResponseWriter, r *http.Request) {
		d.mu.Lock()
		defer d.mu.Unlock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&d.installed))
	})
	return mux
}

func newTestClient(t *testing.T, device *fakeDevice) *Client {
	t.Helper()
	server := httptest.NewTLSServer(device.handler(t))
	t.Cleanup(server.Close)
	return New(Config{
		Host:               strings.TrimPrefix(server.URL, "https://"),
		Username:           "admin",
		Password:           "hunter2",
		Datagroup:          "acme_responses",
		DatagroupPartition: "Common",
		InsecureSkipVerify: true,
	})
}

func TestFailoverRole(t *testing.T) {
	device := &fakeDevice{failover: "Failover active for /Common/traffic-group-1"}
	client := newTestClient(t, device)

	role, err := client.FailoverRole(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lb.RoleActive, role)

	device.mu.Lock()
	device.failover = "Failover standby for /Common/traffic-group-1"
	device.mu.Unlock()
	role, err = client.FailoverRole(context.Background())
	require.NoError(t, err)
	assert.Equal(t, lb.RoleStandby, role)
}

func TestPublishAndRetractChallenge(t *testing.T) {
	device := &fakeDevice{records: []datagroupRecord{{Name: "other.example.com:keepme", Data: "x"}}}
	client := newTestClient(t, device)
	ctx := context.Background()

	err := client.PublishChallenge(ctx, "www.example.com", "/.well-known/acme-challenge/token123", "token123.thumbprint")
	require.NoError(t, err)
	assert.Equal(t, []datagroupRecord{
		{Name: "other.example.com:keepme", Data: "x"},
		{Name: "www.example.com:token123", Data: "token123.thumbprint"},
	}, device.records)

	// Publishing again replaces rather than duplicates.
	require.NoError(t, client.PublishChallenge(ctx, "www.example.com", "/.well-known/acme-challenge/token123", "token123.thumbprint"))
	assert.Len(t, device.records, 2)

	require.NoError(t, client.RetractChallenge(ctx, "www.example.com", "/.well-known/acme-challenge/token123"))
	assert.Equal(t, []datagroupRecord{{Name: "other.example.com:keepme", Data: "x"}}, device.records)
}

func TestFetchPendingCSR(t *testing.T) {
	device := &fakeDevice{csrText: "-----BEGIN CERTIFICATE REQUEST-----\n..."}
	client := newTestClient(t, device)

	csr, err := client.FetchPendingCSR(context.Background(), "Common", "www_example_com")
	require.NoError(t, err)
	assert.Equal(t, device.csrText, csr)
}

func TestFetchPendingCSRNotFound(t *testing.T) {
	client := newTestClient(t, &fakeDevice{})
	_, err := client.FetchPendingCSR(context.Background(), "Common", "missing")
	assert.ErrorIs(t, err, lb.ErrResourceNotFound)
}

func TestInstallCertificate(t *testing.T) {
	device := &fakeDevice{}
	client := newTestClient(t, device)

	err := client.InstallCertificate(context.Background(), "Partition", "www_example_com", "PEM BUNDLE")
	require.NoError(t, err)
	assert.Equal(t, "PEM BUNDLE", device.uploaded)
	assert.Equal(t, map[string]string{
		"command":         "install",
		"name":            "www_example_com",
		"partition":       "Partition",
		"from-local-file": "/var/config/rest/downloads/www_example_com.crt",
	}, device.installed)
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		msg    string
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, "bad credentials", lb.ErrAccessDenied},
		{"forbidden", http.StatusForbidden, "role does not permit this", lb.ErrAccessDenied},
		{"missing partition", http.StatusNotFound, `the requested folder (/NoSuchPartition) was not found`, lb.ErrPartitionNotFound},
		{"missing resource", http.StatusNotFound, "the requested CSR was not found", lb.ErrResourceNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyStatus(tt.status, tt.msg), tt.want)
		})
	}
	assert.NotErrorIs(t, classifyStatus(http.StatusInternalServerError, "boom"), lb.ErrAccessDenied)
}

func TestDoUnreachableDevice(t *testing.T) {
	client := New(Config{Host: "127.0.0.1:1", InsecureSkipVerify: true})
	_, err := client.FailoverRole(context.Background())
	assert.ErrorIs(t, err, lb.ErrDeviceUnreachable)
}
