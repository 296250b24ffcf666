// Package auth resolves the API credential used to authenticate document
// service requests. Credential issuance is owned by an external system; this
// package only locates an already-issued token.
package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

const (
	credentialDir  = ".docviewer"
	credentialFile = "token"
)

// GetToken retrieves the document service API token from available sources.
// Priority order:
//  1. DOCVIEWER_API_TOKEN environment variable
//  2. Plain token file at ~/.docviewer/token (owner-only permissions)
func GetToken() (string, error) {
	if token := os.Getenv("DOCVIEWER_API_TOKEN"); token != "" {
		log.Debug().Msg("Using API token from environment variable")
		return token, nil
	}

	token, err := getFromFile()
	if err == nil && token != "" {
		log.Debug().Msg("Using API token from token file")
		return token, nil
	}

	log.Error().Err(err).Msg("Failed to retrieve API token")
	return "", fmt.Errorf("API token not found. Set DOCVIEWER_API_TOKEN or create ~/.docviewer/token")
}

// getFromFile reads the token file, refusing files readable by group/other.
func getFromFile() (string, error) {
	path, err := getCredentialPath()
	if err != nil {
		return "", err
	}

	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("token file not found at %s", path)
	}
	if err != nil {
		return "", err
	}

	mode := fi.Mode().Perm()
	if mode&0o077 != 0 {
		return "", fmt.Errorf("token file %s has insecure permissions %04o (should be 0600)", path, mode)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	return strings.TrimSpace(string(data)), nil
}

// getCredentialPath returns the full path to the token file.
func getCredentialPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, credentialDir, credentialFile), nil
}
