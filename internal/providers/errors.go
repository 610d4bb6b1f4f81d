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
	"strings"

	"github.com/iNandix/denis/internal/registry"
)

// errHTTPStatus formats the `<family>_http_<status>` error class.
func errHTTPStatus(family registry.ProviderFamily, status int) string {
	return fmt.Sprintf("%s_http_%d", family, status)
}

// errEmptyResponse formats the `<family>_empty_response` error class.
func errEmptyResponse(family registry.ProviderFamily) string {
	return fmt.Sprintf("%s_empty_response", family)
}

// errTimeout formats the `<family>_timeout` error class.
func errTimeout(family registry.ProviderFamily) string {
	return fmt.Sprintf("%s_timeout", family)
}

// errException formats the `exception:<first line>` error class, truncating
// multi-line error text so a stack trace never leaks into the trace store.
func errException(err error) string {
	first := err.Error()
	if idx := strings.IndexByte(first, '\n'); idx >= 0 {
		first = first[:idx]
	}
	return "exception:" + first
}
