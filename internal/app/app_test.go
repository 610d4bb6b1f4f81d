// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRegistryFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	content := `
engines:
  L1:
    provider_family: llamacpp
    endpoint: http://localhost:8080
    model: qwen2.5-7b
    priority: 10
    tags: [local]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestBootstrapWithRegistryDescriptor(t *testing.T) {
	path := writeRegistryFixture(t)
	a, err := Bootstrap(BootstrapOptions{RegistryDescriptorPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, 1, a.Registry.Len())
	summary := a.Health(context.Background())
	assert.NotEmpty(t, summary.RegistryHash)
	assert.Len(t, summary.Engines, 1)
}

func TestBootstrapWithEmptyRegistry(t *testing.T) {
	a, err := Bootstrap(BootstrapOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	assert.Equal(t, 0, a.Registry.Len())
	assert.Nil(t, a.Gateway)
}
