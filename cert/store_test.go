package cert_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/lbcert/cert"
)

func newTestStore(t *testing.T) *cert.Store {
	t.Helper()
	store, err := cert.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return store
}

func TestStoreSaveAndGet(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "common-name", []string{"san1", "san2"})
	c, err := cert.New("Partition", "roundtrip", csr, "dns-01")
	require.NoError(t, err)
	now := time.Now()
	c.Cert = makeCert(t, now, now.AddDate(0, 0, 90))
	c.Chain = []string{makeCert(t, now, now.AddDate(0, 0, 90))}

	require.NoError(t, store.Put(c))
	loaded, err := store.Get("Partition", "roundtrip")
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}

func TestStoreGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get("Common", "does-not-exist")
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)
}

func TestStoreGetDefaultsValidationMethod(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "example.org", nil)
	c, err := cert.New("Common", "legacy", csr, "dns-01")
	require.NoError(t, err)
	require.NoError(t, store.Put(c))

	// Strip the field the way a record written by an older version
	// would miss it.
	path := filepath.Join(store.Dir(), "Common_legacy.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	delete(raw, "validation_method")
	data, err = json.Marshal(raw)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o640))

	loaded, err := store.Get("Common", "legacy")
	require.NoError(t, err)
	assert.Equal(t, "http-01", loaded.ValidationMethod)
}

func TestStorePutRecoversUnreplaceablePath(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "example.org", nil)
	c, err := cert.New("Common", "stuck", csr, "http-01")
	require.NoError(t, err)

	// Occupy the record path with something a rename cannot replace. Put
	// must delete it and retry rather than fail.
	require.NoError(t, os.Mkdir(filepath.Join(store.Dir(), "Common_stuck.json"), 0o750))

	require.NoError(t, store.Put(c))
	loaded, err := store.Get("Common", "stuck")
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
	assert.NoFileExists(t, filepath.Join(store.Dir(), "Common_stuck.json.tmp"))
}

func TestStoreDeleteIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "example.org", nil)
	c, err := cert.New("Common", "doomed", csr, "http-01")
	require.NoError(t, err)
	require.NoError(t, store.Put(c))

	require.NoError(t, store.Delete("Common", "doomed"))
	_, err = store.Get("Common", "doomed")
	assert.ErrorIs(t, err, cert.ErrCertificateNotFound)

	// Deleting an absent record is not an error.
	assert.NoError(t, store.Delete("Common", "doomed"))
}

func TestStoreMarkInstalled(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "example.org", nil)
	c, err := cert.New("Common", "installme", csr, "http-01")
	require.NoError(t, err)
	require.NoError(t, store.Put(c))

	require.NoError(t, store.MarkInstalled(c))
	assert.Equal(t, cert.StatusInstalled, c.Status)
	loaded, err := store.Get("Common", "installme")
	require.NoError(t, err)
	assert.Equal(t, cert.StatusInstalled, loaded.Status)
}

func TestStoreRenew(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "example.org", nil)
	c, err := cert.New("Common", "renewme", csr, "http-01")
	require.NoError(t, err)
	now := time.Now()
	oldCert := makeCert(t, now.AddDate(0, 0, -80), now.AddDate(0, 0, 10))
	oldChain := makeCert(t, now.AddDate(0, 0, -80), now.AddDate(0, 0, 10))
	c.Cert, c.Chain = oldCert, []string{oldChain}
	require.NoError(t, store.MarkInstalled(c))

	newCert := makeCert(t, now, now.AddDate(0, 0, 90))
	newChain := makeCert(t, now, now.AddDate(0, 0, 90))
	require.NoError(t, store.Renew(c, newCert, []string{newChain}))

	assert.Equal(t, cert.StatusToBeInstalled, c.Status)
	assert.Equal(t, newCert, c.Cert)

	backupPath := filepath.Join(store.Dir(), "backup", "Common_renewme.cer")
	backup, err := os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Contains(t, string(backup), oldCert)
	assert.Contains(t, string(backup), oldChain)

	// A second renewal overwrites the single backup slot.
	newerCert := makeCert(t, now, now.AddDate(0, 0, 90))
	require.NoError(t, store.Renew(c, newerCert, nil))
	backup, err = os.ReadFile(backupPath)
	require.NoError(t, err)
	assert.Contains(t, string(backup), newCert)
	assert.NotContains(t, string(backup), oldCert)
}

func TestStoreRenewWithoutPreviousCertificate(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "example.org", nil)
	c, err := cert.New("Common", "firstissue", csr, "http-01")
	require.NoError(t, err)
	now := time.Now()

	require.NoError(t, store.Renew(c, makeCert(t, now, now.AddDate(0, 0, 90)), nil))
	assert.Equal(t, cert.StatusToBeInstalled, c.Status)
	assert.NoFileExists(t, filepath.Join(store.Dir(), "backup", "Common_firstissue.cer"))
}

func TestStoreScan(t *testing.T) {
	store := newTestStore(t)
	csr := makeCSR(t, "example.org", nil)
	now := time.Now()

	put := func(name string, status cert.Status, notBefore, notAfter time.Time) {
		c, err := cert.New("Common", name, csr, "http-01")
		require.NoError(t, err)
		c.Cert = makeCert(t, notBefore, notAfter)
		c.Status = status
		require.NoError(t, store.Put(c))
	}

	// A: installed, expires in 50 days - needs nothing.
	put("a", cert.StatusInstalled, now.AddDate(0, 0, -40), now.AddDate(0, 0, 50))
	// B: installed, expires in 1 day - needs renewal.
	put("b", cert.StatusInstalled, now.AddDate(0, 0, -89), now.AddDate(0, 0, 1))
	// C: staged, issued 11.5 days ago - needs installation.
	put("c", cert.StatusToBeInstalled, now.Add(-276*time.Hour), now.AddDate(0, 0, 60))
	// Stray file in the store directory must not break the scan.
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "not_json.json"), []byte("this is not json"), 0o640))

	toRenew, toInstall, err := store.Scan(12, 4)
	require.NoError(t, err)

	require.Len(t, toRenew, 1)
	assert.Equal(t, "b", toRenew[0].Name)
	require.Len(t, toInstall, 1)
	assert.Equal(t, "c", toInstall[0].Name)
}

func TestStoreSweepExpiredBackups(t *testing.T) {
	store := newTestStore(t)
	now := time.Now()
	backupDir := filepath.Join(store.Dir(), "backup")

	valid := filepath.Join(backupDir, "Common_valid.cer")
	expired := filepath.Join(backupDir, "Common_expired.cer")
	garbage := filepath.Join(backupDir, "Common_garbage.cer")
	require.NoError(t, os.WriteFile(valid, []byte(makeCert(t, now.AddDate(0, 0, -30), now.AddDate(0, 0, 60))), 0o640))
	require.NoError(t, os.WriteFile(expired, []byte(makeCert(t, now.AddDate(0, 0, -90), now.Add(-time.Hour))), 0o640))
	require.NoError(t, os.WriteFile(garbage, []byte("this is not a cert"), 0o640))

	require.NoError(t, store.SweepExpiredBackups())

	assert.FileExists(t, valid)
	assert.NoFileExists(t, expired)
	assert.FileExists(t, garbage)

	// Running the sweep again changes nothing.
	require.NoError(t, store.SweepExpiredBackups())
	assert.FileExists(t, valid)
	assert.FileExists(t, garbage)
}
