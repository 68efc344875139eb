//go:build !darwin

package config

import (
	"os"
	"path/filepath"
)

// secretsFilePath is STMCP_SECRETS_FILE when set, secrets.yaml in the data
// dir otherwise.
func secretsFilePath() string {
	if p := os.Getenv("STMCP_SECRETS_FILE"); p != "" {
		return p
	}
	return filepath.Join(defaultDataDir(), "secrets.yaml")
}

func keychainGet(service, account string) ([]byte, error) {
	v, err := fileSecrets{path: secretsFilePath()}.Get(service, account)
	if err != nil {
		return nil, err
	}
	return []byte(v), nil
}

func keychainSet(service, account, value string) error {
	return fileSecrets{path: secretsFilePath()}.Set(service, account, value)
}
