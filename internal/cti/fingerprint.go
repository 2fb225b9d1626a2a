package cti

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// metaFields are stripped before fingerprinting. They carry provenance,
// volatile host state (pid, file times) or broker metadata, none of which
// is part of an object's identity.
var metaFields = map[string]struct{}{
	"id":           {},
	"pid":          {},
	"created":      {},
	"modified":     {},
	"valid_from":   {},
	"valid_until":  {},
	"revoked":      {},
	"spec_version": {},
	"tlp":          {},
	"risk":         {},
	"origin":       {},
	"history":      {},
	"mtime":        {},
	"ctime":        {},
	"atime":        {},
}

// Fingerprint returns the SHA-256 hex digest of the object's canonical
// content serialization: metadata keys removed, remaining keys sorted,
// compact JSON. Two submissions with identical content fingerprint the
// same regardless of id.
func Fingerprint(obj Object) (string, error) {
	stripped := make(map[string]any, len(obj))
	for k, v := range obj {
		if _, meta := metaFields[k]; !meta {
			stripped[k] = v
		}
	}
	// encoding/json sorts map keys at every level and emits no extra
	// whitespace, which is exactly the canonical form.
	canonical, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("canonicalize %s: %w", obj.ID(), err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
