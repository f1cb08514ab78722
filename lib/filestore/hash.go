// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// RefLength is the length of a file reference: a hex-encoded 32-byte
// digest.
const RefLength = 64

// jobFileDomainKey separates job-file digests from any other use of
// BLAKE3 over the same bytes. ASCII "printfarm.jobfile", zero-padded
// to 32 bytes. Changing it invalidates every stored reference.
var jobFileDomainKey = [32]byte{
	'p', 'r', 'i', 'n', 't', 'f', 'a', 'r', 'm', '.', 'j', 'o', 'b', 'f', 'i', 'l',
	'e', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashContent returns the reference for content.
func HashContent(content []byte) string {
	hasher, err := blake3.NewKeyed(jobFileDomainKey[:])
	if err != nil {
		panic("filestore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(content)
	return hex.EncodeToString(hasher.Sum(nil))
}

// ValidateRef reports whether ref is a well-formed file reference.
func ValidateRef(ref string) error {
	if len(ref) != RefLength {
		return fmt.Errorf("file reference %q is %d characters, want %d", ref, len(ref), RefLength)
	}
	if _, err := hex.DecodeString(ref); err != nil {
		return fmt.Errorf("file reference %q: %w", ref, err)
	}
	return nil
}
