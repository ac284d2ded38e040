// Copyright 2022 Gustavo C. Viegas. All rights reserved.

package vk

import (
	"errors"
)

// Helpers for testing.

// isError checks multiple errors for equality.
func isError(e error, targets ...error) bool {
	for _, x := range targets {
		if errors.Is(e, x) {
			return true
		}
	}
	return false
}
