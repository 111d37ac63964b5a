// SPDX-FileCopyrightText: Copyright (C) 2025 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package record

import (
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/katzenpost/nyquist"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/text/secure/precis"
)

// MinSecretLength is the minimum length in bytes of a configured shared
// secret.
const MinSecretLength = 8

var pskInfo = []byte("katzentunnel psk v1")

func newBLAKE2s() hash.Hash {
	h, err := blake2s.New256(nil)
	if err != nil {
		panic("record: BUG: blake2s.New256 failed: " + err.Error())
	}
	return h
}

// DerivePSK derives the Noise pre-shared key from the configured shared
// secret.  The secret is normalized with the PRECIS OpaqueString profile
// so that visually identical passphrases entered on different hosts
// produce the same key.
func DerivePSK(secret string) ([]byte, error) {
	norm, err := precis.OpaqueString.String(secret)
	if err != nil {
		return nil, fmt.Errorf("record: invalid shared secret: %w", err)
	}
	if len(norm) < MinSecretLength {
		return nil, errors.New("record: shared secret is too short")
	}

	psk := make([]byte, nyquist.PreSharedKeySize)
	kdf := hkdf.New(newBLAKE2s, []byte(norm), nil, pskInfo)
	if _, err := io.ReadFull(kdf, psk); err != nil {
		return nil, err
	}
	return psk, nil
}
