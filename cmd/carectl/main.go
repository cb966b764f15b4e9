// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command carectl runs and inspects the care conversation engine.
//
// # Usage
//
//	carectl serve --config care.yaml
//	carectl classify "I can't sleep and everything feels pointless"
//	echo "..." | carectl classify --json --fail-at high
//	carectl rules verify --expect-fingerprint 3f1c...
//	carectl tools run --fixtures subjects.yaml --subject s-1 get_sleep_patterns
//
// # Exit Codes
//
//	0 = success
//	1 = check failed (risk at or above --fail-at, fingerprint mismatch,
//	    tool error)
//	2 = error
package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var exit *exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		os.Exit(2)
	}
}

// exitError is a failed check, as opposed to a failure to run it.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
