// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

// Package validation provides struct validation using go-playground/validator v10.
//
// This package wraps the go-playground/validator library to provide a
// thread-safe singleton validator instance with custom validators and
// user-friendly error messages. It integrates with the application's API
// error format for consistent error responses.
//
// # Overview
//
// The package provides:
//   - Thread-safe singleton validator (initialized once, cached struct info)
//   - The custom "optype" validator for operation type fields
//   - Error translation to human-readable messages
//   - APIError conversion matching the application's error format
//
// # Quick Start
//
//	type EnqueueRequest struct {
//	    Type     string          `validate:"required,optype"`
//	    Data     json.RawMessage `validate:"required"`
//	    Account  string          `validate:"omitempty,uuid"`
//	}
//
//	func handler(w http.ResponseWriter, r *http.Request) {
//	    var req EnqueueRequest
//	    if err := json.Decode(r.Body, &req); err != nil {
//	        // handle decode error
//	    }
//
//	    if verr := validation.ValidateStruct(&req); verr != nil {
//	        apiErr := verr.ToAPIError()
//	        respondError(w, http.StatusBadRequest, apiErr.Code, apiErr.Message, nil)
//	        return
//	    }
//
//	    // proceed with valid request
//	}
//
// # Common Validation Tags
//
// String validations:
//   - required: Field must not be empty
//   - min=n: Minimum length n characters
//   - max=n: Maximum length n characters
//   - uuid: Valid UUID format
//   - optype: Member of the queueable operation type set
//
// Numeric validations:
//   - gte=n / lte=n / gt=n / lt=n: Range bounds
//
// Enum validations:
//   - oneof=a b c: Must be one of the specified values
//
// # API Error Integration
//
// The ToAPIError method produces errors matching the application format:
//
//	// Single field error
//	{
//	    "code": "VALIDATION_ERROR",
//	    "message": "Type must be a known operation type",
//	    "details": {"field": "Type", "tag": "optype", "value": "FROB_ITEM"}
//	}
//
//	// Multiple field errors
//	{
//	    "code": "VALIDATION_ERROR",
//	    "message": "Type: required; Data: required",
//	    "details": {
//	        "fields": [
//	            {"field": "Type", "tag": "required", "message": "..."},
//	            {"field": "Data", "tag": "required", "message": "..."}
//	        ]
//	    }
//	}
//
// # Thread Safety
//
// The singleton validator is initialized once and safe for concurrent use:
//
//	validate := validation.GetValidator()  // Thread-safe
//	err := validation.ValidateStruct(&req) // Thread-safe
//
// # See Also
//
//   - internal/api: Request handlers using validation
//   - github.com/go-playground/validator/v10: Underlying library
package validation
