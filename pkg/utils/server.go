package utils

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const serverIDFile = ".server_id"

// GetPersistentServerID names this node in relay envelopes, AMQP metadata
// and scheduler locks. The override wins, then a previously stored ID, then
// the hostname; otherwise a new ID is generated and stored.
func GetPersistentServerID(override, storagePath string) string {
	if id := strings.TrimSpace(override); id != "" {
		return id
	}

	idFile := filepath.Join(storagePath, serverIDFile)
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if host, err := os.Hostname(); err == nil && host != "localhost" {
		if clean := keySafe(host); clean != "" {
			return "azdispatch-" + clean
		}
	}

	id := "azdispatch-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
	if err := CreateFolder(storagePath); err == nil {
		if err := os.WriteFile(idFile, []byte(id), 0644); err != nil {
			logrus.WithError(err).Warn("[CONFIG] Could not persist server id")
		}
	}
	return id
}

// keySafe keeps the characters that are safe inside valkey keys and routing
// keys.
func keySafe(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return -1
	}, s)
}
