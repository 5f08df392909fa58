// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a structured error for non-2xx coordinator responses.
type APIError struct {
	// Status is the HTTP status code.
	Status int

	// Code is the coordinator error code, extracted from a top-level
	// "code" field or a nested "error.code". Empty when absent.
	Code string

	// Body is the decoded response body: parsed JSON, or
	// map{"raw": <text>} when the body is not JSON.
	Body any
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("coordinator returned %d (code %s)", e.Status, e.Code)
	}
	return fmt.Sprintf("coordinator returned %d", e.Status)
}

// IsConflict reports whether err is a 409 response. A 409 on claim means
// another runner got the task first and is not a failure.
func IsConflict(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict
}

// IsAuth reports whether err is a 401 or 403 response.
func IsAuth(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden
}

// IsTransient reports whether err looks retryable: a 5xx, a 429, or a
// transport-level failure that never produced a response.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500 || apiErr.Status == http.StatusTooManyRequests
	}
	// No structured status means the request never completed.
	return err != nil
}
