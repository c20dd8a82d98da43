package controller

import (
	"crypto/sha256"
	"encoding/hex"
)

// deriveVolumeID returns the deterministic volume id for a CreateVolume
// request name: "pvc-" plus the first 16 hex characters of
// SHA-256(name). Deterministic derivation gives cross-restart stable
// identities: a retried CreateVolume with the same name always resolves
// to the same ArcaVolume record.
func deriveVolumeID(requestName string) string {
	return "pvc-" + shortHash(requestName)
}

// deriveSnapshotID returns the deterministic snapshot id for a
// CreateSnapshot request: the first 16 hex characters of
// SHA-256(sourceVolumeID + "/" + requestName), namespacing snapshot
// uniqueness by source volume.
func deriveSnapshotID(sourceVolumeID, requestName string) string {
	return shortHash(sourceVolumeID + "/" + requestName)
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
