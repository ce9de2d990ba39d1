// Package integrity computes the checksums that seal JSON documents such as
// manifests and audit records.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/jvs-project/jvb/pkg/jsonutil"
	"github.com/jvs-project/jvb/pkg/model"
)

// DocumentChecksum hashes the canonical form of a serialized JSON object
// with the key holding the checksum itself removed. Keys unknown to the
// caller are included, so a document written by a newer build still
// verifies.
func DocumentChecksum(raw []byte, checksumKey string) (model.HashValue, error) {
	canon, err := jsonutil.Canonicalize(raw, checksumKey)
	if err != nil {
		return "", fmt.Errorf("canonicalize document: %w", err)
	}
	sum := sha256.Sum256(canon)
	return model.HashValue(hex.EncodeToString(sum[:])), nil
}
