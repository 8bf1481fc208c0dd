package config

import (
	"fmt"
	"os"

	"github.com/go-acme/lego/v4/certcrypto"
)

// CreateAccountKey generates a 4096-bit RSA account key at the configured
// path. Refuses to overwrite an existing key with ErrKeyAlreadyExists:
// losing the key means losing the account.
func (c *Config) CreateAccountKey() error {
	if _, err := os.Stat(c.Common.AccountKey); err == nil {
		return ErrKeyAlreadyExists
	}
	key, err := certcrypto.GeneratePrivateKey(certcrypto.RSA4096)
	if err != nil {
		return fmt.Errorf("config: generating account key: %w", err)
	}
	pemKey := certcrypto.PEMEncode(key)
	if err := os.WriteFile(c.Common.AccountKey, pemKey, 0o440); err != nil {
		return fmt.Errorf("config: writing account key: %w", err)
	}
	return nil
}

// ReadAccountKey loads the PEM encoded account key.
func (c *Config) ReadAccountKey() ([]byte, error) {
	data, err := os.ReadFile(c.Common.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("config: reading account key: %w", err)
	}
	return data, nil
}

// DeleteAccountKey removes the account key, used to roll back a failed
// registration.
func (c *Config) DeleteAccountKey() error {
	if err := os.Remove(c.Common.AccountKey); err != nil {
		return fmt.Errorf("config: deleting account key: %w", err)
	}
	return nil
}
