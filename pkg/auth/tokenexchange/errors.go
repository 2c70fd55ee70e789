// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenexchange

import "errors"

// Sentinel errors classifying token exchange failures. Callers decide retry
// behavior based on which of these an error wraps.
var (
	// ErrExchangeRejected indicates the authorization provider rejected the
	// exchange request (HTTP 4xx). The request will not succeed on retry.
	ErrExchangeRejected = errors.New("token exchange rejected by provider")

	// ErrExchangeUnreachable indicates the provider could not be reached or
	// returned a server error (network failure, timeout, HTTP 5xx). The
	// request may succeed on retry.
	ErrExchangeUnreachable = errors.New("token exchange provider unreachable")

	// ErrExchangeResponseInvalid indicates the provider returned a 2xx
	// response that could not be parsed into a usable token.
	ErrExchangeResponseInvalid = errors.New("token exchange response invalid")
)
