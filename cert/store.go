package cert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
)

const backupDirName = "backup"

// Store persists certificate records as one JSON file per record under its
// directory, with superseded certificates kept in a backup subdirectory.
// Saves are whole-file atomic replacements; no reader ever observes a
// half-written record. The store assumes a single process instance.
type Store struct {
	dir       string
	backupDir string
	logger    *slog.Logger
}

// NewStore opens (creating if necessary) the record directory and its
// backup subdirectory.
func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	backupDir := filepath.Join(dir, backupDirName)
	if err := os.MkdirAll(backupDir, 0o750); err != nil {
		return nil, fmt.Errorf("cert: creating store directory: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{dir: dir, backupDir: backupDir, logger: logger}, nil
}

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) path(partition, name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.json", partition, name))
}

func (s *Store) backupPath(partition, name string) string {
	return filepath.Join(s.backupDir, fmt.Sprintf("%s_%s.cer", partition, name))
}

// decodeRecord is the single versioned decode step: it unmarshals a stored
// record and fills in defaults for fields absent from older schemas.
func decodeRecord(data []byte) (*Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.ValidationMethod == "" {
		c.ValidationMethod = DefaultValidationMethod
	}
	return &c, nil
}

// Get reads the record for the given key. Returns ErrCertificateNotFound
// when no record exists.
func (s *Store) Get(partition, name string) (*Certificate, error) {
	data, err := os.ReadFile(s.path(partition, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("cert: %s/%s: %w", partition, name, ErrCertificateNotFound)
		}
		return nil, fmt.Errorf("cert: reading record %s/%s: %w", partition, name, err)
	}
	c, err := decodeRecord(data)
	if err != nil {
		return nil, fmt.Errorf("cert: decoding record %s/%s: %w", partition, name, err)
	}
	return c, nil
}

// Put writes the record atomically: the full record is written to a
// temporary file which then replaces the target. If the replacement is
// refused (the existing file can be owned by a different principal than
// the current process, left over from an earlier run), the store deletes
// the target and retries once. That recovery is part of Put's contract.
func (s *Store) Put(c *Certificate) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("cert: encoding record %s/%s: %w", c.Partition, c.Name, err)
	}
	path := s.path(c.Partition, c.Name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("cert: writing record %s/%s: %w", c.Partition, c.Name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Warn("replacing record failed, deleting and recreating",
			"partition", c.Partition, "name", c.Name, "error", err)
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			_ = os.Remove(tmp)
			return fmt.Errorf("cert: removing stale record %s/%s: %w", c.Partition, c.Name, rmErr)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("cert: saving record %s/%s: %w", c.Partition, c.Name, err)
		}
	}
	return nil
}

// Delete removes the persisted record. Absence is not an error.
func (s *Store) Delete(partition, name string) error {
	if err := os.Remove(s.path(partition, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("cert: deleting record %s/%s: %w", partition, name, err)
	}
	return nil
}

// MarkInstalled advances the record to StatusInstalled and persists it.
func (s *Store) MarkInstalled(c *Certificate) error {
	c.Status = StatusInstalled
	return s.Put(c)
}

// Renew replaces the record's certificate material with freshly issued
// material. The previous leaf and chain, if any, are written to the
// record's backup slot first (one slot per record, overwritten on each
// renewal) so the last working certificate stays recoverable until it
// expires. The record moves to StatusToBeInstalled.
func (s *Store) Renew(c *Certificate, newCert string, newChain []string) error {
	if c.Cert != "" {
		backup := c.PEM(true)
		if err := os.WriteFile(s.backupPath(c.Partition, c.Name), []byte(backup), 0o640); err != nil {
			return fmt.Errorf("cert: backing up %s/%s: %w", c.Partition, c.Name, err)
		}
	}
	c.Cert = newCert
	c.Chain = newChain
	c.Status = StatusToBeInstalled
	return s.Put(c)
}

// Scan walks every record and partitions them by needed action: installed
// records whose certificate is within renewalDays of expiry need renewal,
// staged records at least installDelayDays old need installation. Files
// that do not parse as records are skipped, not fatal, so a scan completes
// over a directory containing stray files.
func (s *Store) Scan(renewalDays, installDelayDays int) (toRenew, toInstall []*Certificate, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: scanning store: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			s.logger.Warn("could not read record file, skipping", "file", entry.Name(), "error", err)
			continue
		}
		c, err := decodeRecord(data)
		if err != nil {
			s.logger.Warn("could not parse record file, skipping", "file", entry.Name(), "error", err)
			continue
		}
		switch c.Status {
		case StatusInstalled:
			expiring, err := c.AboutToExpire(renewalDays)
			if err != nil {
				s.logger.Warn("could not inspect certificate, skipping", "file", entry.Name(), "error", err)
				continue
			}
			if expiring {
				toRenew = append(toRenew, c)
			}
		case StatusToBeInstalled:
			old, err := c.OldEnough(installDelayDays)
			if err != nil {
				s.logger.Warn("could not inspect certificate, skipping", "file", entry.Name(), "error", err)
				continue
			}
			if old {
				toInstall = append(toInstall, c)
			}
		}
	}
	return toRenew, toInstall, nil
}

// SweepExpiredBackups deletes backup files whose embedded certificate has
// already expired. Files that do not parse as certificates are left
// untouched. The only signal is the backup's own expiry, so the sweep is
// idempotent and safe on every maintenance pass.
func (s *Store) SweepExpiredBackups() error {
	entries, err := os.ReadDir(s.backupDir)
	if err != nil {
		return fmt.Errorf("cert: reading backup directory: %w", err)
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(s.backupDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("could not read backup file", "file", entry.Name(), "error", err)
			continue
		}
		leaf, err := certcrypto.ParsePEMCertificate(data)
		if err != nil {
			s.logger.Warn("backup file is not a certificate, leaving it", "file", entry.Name())
			continue
		}
		if leaf.NotAfter.Before(now) {
			s.logger.Debug("deleting expired backup", "file", entry.Name(), "not_after", leaf.NotAfter)
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("cert: deleting expired backup %s: %w", entry.Name(), err)
			}
		}
	}
	return nil
}
