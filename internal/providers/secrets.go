// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package providers

import (
	"fmt"
	"os"

	"github.com/awnumar/memguard"
)

// Secret holds one `*_API_KEY` value out of normal process memory, locked
// against being paged to swap, for the lifetime of an adapter. The core
// never reads secrets itself — only adapters do, via Secret.
type Secret struct {
	enclave *memguard.Enclave
}

// LoadSecret reads an API key from the named environment variable and
// seals it in a memguard enclave. Returns a zero Secret (IsSet()==false) if
// the variable is unset or empty — callers decide whether that is fatal.
func LoadSecret(envVar string) Secret {
	v := os.Getenv(envVar)
	if v == "" {
		return Secret{}
	}
	// memguard.NewEnclave takes ownership of the byte slice and wipes the
	// original; we must not retain v in a closure afterward.
	b := []byte(v)
	enc := memguard.NewEnclave(b)
	return Secret{enclave: enc}
}

// IsSet reports whether a non-empty secret was loaded.
func (s Secret) IsSet() bool {
	return s.enclave != nil
}

// Use decrypts the enclave for the duration of fn and destroys the
// decrypted buffer immediately afterward. apiKey shares that buffer's
// memory and is invalid once fn returns, so fn copies it if the value is
// needed after the call.
func (s Secret) Use(fn func(apiKey string) error) error {
	if s.enclave == nil {
		return fmt.Errorf("secret not configured")
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening secret enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}
