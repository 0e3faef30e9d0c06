package server

import (
	"time"

	"github.com/glinharesb/keyring-go/internal/audit"
	"github.com/glinharesb/keyring-go/internal/keyring"
	"github.com/glinharesb/keyring-go/internal/keystore"
	"github.com/glinharesb/keyring-go/internal/rotation"
)

type Empty struct{}

type KeyRequest struct {
	KeyID string `json:"key_id"`
}

type VersionRequest struct {
	KeyID   string `json:"key_id"`
	Version uint32 `json:"version"`
}

type RotateKeyRequest struct {
	KeyID  string `json:"key_id,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type ListKeysResponse struct {
	Keys []keyring.KeyInfo `json:"keys"`
}

type RotationStatusResponse struct {
	Statuses []keyring.RotationStatus `json:"statuses"`
}

type SetRotationIntervalRequest struct {
	KeyID       string `json:"key_id"`
	Days        uint32 `json:"days"`
	AutoRotate  *bool  `json:"auto_rotate,omitempty"`
	MaxVersions uint32 `json:"max_versions,omitempty"`
}

type PlanRotationRequest struct {
	KeyID         string `json:"key_id,omitempty"`
	TargetVersion uint32 `json:"target_version"`
	Execute       bool   `json:"execute,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

type PlanRotationResponse struct {
	Plan            keyring.RotationPlan        `json:"plan"`
	Valid           bool                        `json:"valid"`
	ValidationError string                      `json:"validation_error,omitempty"`
	Executed        []*rotation.RotationHistory `json:"executed,omitempty"`
}

type CleanupRequest struct {
	KeyID        string `json:"key_id"`
	KeepVersions uint32 `json:"keep_versions"`
}

type CleanupResponse struct {
	Removed int `json:"removed"`
}

type RecommendationResponse struct {
	Recommendation rotation.Recommendation   `json:"recommendation"`
	Expiration     rotation.ExpirationStatus `json:"expiration"`
	CanRotate      bool                      `json:"can_rotate"`
	Blocker        string                    `json:"blocker,omitempty"`
}

type BackupRequest struct {
	Dir string `json:"dir,omitempty"`
}

type BackupResponse struct {
	Path string `json:"path"`
}

type ListBackupsResponse struct {
	Backups []keystore.BackupInfo `json:"backups"`
}

// RotateMasterKeyRequest carries base64 master keys.
type RotateMasterKeyRequest struct {
	OldKey         string `json:"old_key"`
	NewKey         string `json:"new_key"`
	RewrapDataKeys bool   `json:"rewrap_data_keys,omitempty"`
}

type RotateMasterKeyResponse struct {
	Rewrapped     int    `json:"rewrapped"`
	MasterKeyHash string `json:"master_key_hash"`
}

type QueryAuditRequest struct {
	KeyID     string    `json:"key_id,omitempty"`
	Operation string    `json:"operation,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Since     time.Time `json:"since,omitempty"`
	Until     time.Time `json:"until,omitempty"`
	Limit     int       `json:"limit,omitempty"`
}

type QueryAuditResponse struct {
	Entries []audit.Entry `json:"entries"`
}

type HistoryRequest struct {
	KeyID string `json:"key_id,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

type HistoryResponse struct {
	Entries []rotation.RotationHistory `json:"entries"`
}

type WatchAuditRequest struct {
	KeyID string `json:"key_id,omitempty"`
}
