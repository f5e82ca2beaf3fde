package security

import (
	"encoding/json"
	"strings"

	"github.com/charlesng35/sessionguard/internal/fingerprint"
	"github.com/charlesng35/sessionguard/internal/models"
)

// SessionContext carries the identity and device signals of an incoming login
// or request, as supplied by the token issuer and the fingerprint engine.
type SessionContext struct {
	JTI         string
	UserID      string
	OrgID       *string
	IP          string
	UserAgent   string
	Fingerprint *fingerprint.DeviceFingerprint
}

// decodeDeviceInfo unpacks a session's stored device_info column. A missing or
// malformed payload yields nil, never an error: sessions written before
// fingerprinting was introduced must not break scoring or recognition.
func decodeDeviceInfo(s *models.Session) *fingerprint.DeviceFingerprint {
	if s == nil || len(s.DeviceInfo) == 0 {
		return nil
	}

	var fp fingerprint.DeviceFingerprint
	if err := json.Unmarshal(s.DeviceInfo, &fp); err != nil {
		return nil
	}
	if strings.TrimSpace(fp.StableFingerprint) == "" && strings.TrimSpace(fp.Fingerprint) == "" {
		return nil
	}
	return &fp
}

// encodeDeviceInfo serialises a fingerprint for storage on a session row.
func encodeDeviceInfo(fp *fingerprint.DeviceFingerprint) ([]byte, error) {
	if fp == nil {
		return nil, nil
	}
	return json.Marshal(fp)
}
