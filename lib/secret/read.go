// Copyright 2026 The Fleetsync Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"fmt"
	"os"
)

// ReadFromPath reads a secret from a file into an mmap-backed buffer.
// Leading and trailing whitespace is trimmed before storing (key files
// commonly end with a newline). Returns an error if the file is empty
// after trimming. The caller must close the returned buffer.
func ReadFromPath(path string) (*Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		Zero(data)
		return nil, fmt.Errorf("secret file %s is empty", path)
	}

	// NewFromBytes zeros trimmed; zero the rest of the heap copy
	// (any whitespace prefix/suffix) as well.
	buffer, err := NewFromBytes(trimmed)
	Zero(data)
	if err != nil {
		return nil, err
	}
	return buffer, nil
}
