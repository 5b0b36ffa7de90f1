package artifact

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "memvault/internal/errors"
)

// MetadataFile is written next to the artifacts of every backup
const MetadataFile = "metadata.json"

const dirTimeFormat = "20060102T150405Z"

var errEncryptionNotConfigured = apperrors.NewConfigurationError("artifact is encrypted but encryption is not configured", nil)

// BackupDir is the directory of one backup:
// <backup_type>/backup_<YYYYMMDDTHHMMSSZ>_<backup_id>
func BackupDir(backupType, backupID string, createdAt time.Time) string {
	return path.Join(
		sanitizeSegment(backupType),
		fmt.Sprintf("backup_%s_%s", createdAt.UTC().Format(dirTimeFormat), sanitizeSegment(backupID)),
	)
}

// FileName is the artifact file name for one backend:
// <backend>.<format>[.<compression>][.enc]
func FileName(backend, format, compression string, encrypted bool) string {
	name := sanitizeSegment(backend) + "." + format
	if compression != CompressionNone {
		name += "." + compression
	}
	if encrypted {
		name += ".enc"
	}
	return name
}

// ArtifactMetadata is one backend's entry in metadata.json
type ArtifactMetadata struct {
	Backend   string `json:"backend"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
	ItemCount int64  `json:"item_count"`
}

// Metadata is the content of metadata.json. It duplicates the catalog entry
// so an artifact tree can be understood without the catalog.
type Metadata struct {
	BackupID           string             `json:"backup_id"`
	BackupType         string             `json:"backup_type"`
	Description        string             `json:"description,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	CompletedAt        time.Time          `json:"completed_at"`
	Status             string             `json:"status"`
	Compression        string             `json:"compression,omitempty"`
	Encrypted          bool               `json:"encrypted"`
	DatabasesRequested []string           `json:"databases_requested"`
	DatabasesBackedUp  []string           `json:"databases_backed_up"`
	TotalSizeBytes     int64              `json:"total_size_bytes"`
	Checksum           string             `json:"checksum"`
	Artifacts          []ArtifactMetadata `json:"artifacts"`
	Errors             map[string]string  `json:"errors,omitempty"`
}

// Marshal renders the metadata as indented JSON
func (m *Metadata) Marshal() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// UnmarshalMetadata parses metadata.json
func UnmarshalMetadata(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, apperrors.NewStorageError("failed to parse backup metadata", err)
	}
	return &m, nil
}

// sanitizeSegment keeps a single path segment from escaping its directory
func sanitizeSegment(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "..", "_")
	return s
}

// cleanKey normalizes a slash-separated key and rejects traversal
func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	cleaned := path.Clean("/" + key)[1:]
	if cleaned == "" || strings.HasPrefix(cleaned, "..") {
		return "", apperrors.NewInvalidArgument(fmt.Sprintf("invalid artifact key %q", key), nil)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return "", apperrors.NewInvalidArgument(fmt.Sprintf("invalid artifact key %q", key), nil)
		}
	}
	return cleaned, nil
}
