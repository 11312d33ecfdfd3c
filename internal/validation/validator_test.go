// Quartermaster - Offline-First Inventory and Project Ledger
// Copyright 2026 Quartermaster Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/quartermaster-app/quartermaster

package validation

import (
	"strings"
	"testing"
)

func TestGetValidator_Singleton(t *testing.T) {
	v1 := GetValidator()
	v2 := GetValidator()

	if v1 == nil {
		t.Fatal("GetValidator() returned nil")
	}
	if v1 != v2 {
		t.Error("GetValidator() must return the same instance")
	}
}

// enqueueBody mirrors the shape of the API's enqueue request.
type enqueueBody struct {
	Type      string `validate:"required,optype"`
	Data      string `validate:"required"`
	AccountID string `validate:"omitempty,uuid"`
	Version   int64  `validate:"gte=0"`
}

func TestValidateStruct_EnqueueBody(t *testing.T) {
	tests := []struct {
		name      string
		body      enqueueBody
		wantErr   bool
		wantField string
		wantTag   string
	}{
		{
			name: "valid",
			body: enqueueBody{Type: "UPDATE_ITEM", Data: `{"itemId":"i1"}`},
		},
		{
			name: "valid with account",
			body: enqueueBody{
				Type:      "DELETE_PROJECT",
				Data:      `{"projectId":"p1"}`,
				AccountID: "7b0c1c2e-8f4a-4d2b-9b3e-1a2b3c4d5e6f",
			},
		},
		{
			name:      "missing type",
			body:      enqueueBody{Data: `{}`},
			wantErr:   true,
			wantField: "Type",
			wantTag:   "required",
		},
		{
			name:      "unknown operation type",
			body:      enqueueBody{Type: "REPAINT_ITEM", Data: `{}`},
			wantErr:   true,
			wantField: "Type",
			wantTag:   "optype",
		},
		{
			name:      "lowercase operation type rejected",
			body:      enqueueBody{Type: "update_item", Data: `{}`},
			wantErr:   true,
			wantField: "Type",
			wantTag:   "optype",
		},
		{
			name:      "malformed account id",
			body:      enqueueBody{Type: "UPDATE_ITEM", Data: `{}`, AccountID: "not-a-uuid"},
			wantErr:   true,
			wantField: "AccountID",
			wantTag:   "uuid",
		},
		{
			name:      "negative version",
			body:      enqueueBody{Type: "UPDATE_ITEM", Data: `{}`, Version: -1},
			wantErr:   true,
			wantField: "Version",
			wantTag:   "gte",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStruct(&tt.body)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("ValidateStruct() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("ValidateStruct() = nil, want error")
			}
			errs := err.Errors()
			if len(errs) != 1 {
				t.Fatalf("want 1 field error, got %d: %v", len(errs), err)
			}
			if errs[0].Field() != tt.wantField || errs[0].Tag() != tt.wantTag {
				t.Errorf("field/tag = %s/%s, want %s/%s", errs[0].Field(), errs[0].Tag(), tt.wantField, tt.wantTag)
			}
		})
	}
}

func TestOptypeValidator_AcceptsAllQueueableKinds(t *testing.T) {
	kinds := []string{
		"CREATE_ITEM", "UPDATE_ITEM", "DELETE_ITEM",
		"CREATE_TRANSACTION", "UPDATE_TRANSACTION", "DELETE_TRANSACTION",
		"CREATE_PROJECT", "UPDATE_PROJECT", "DELETE_PROJECT",
		"ALLOCATE_ITEM_TO_PROJECT", "SELL_ITEM_TO_PROJECT",
		"DEALLOCATE_ITEM_TO_BUSINESS_INVENTORY",
	}
	for _, kind := range kinds {
		body := enqueueBody{Type: kind, Data: `{}`}
		if err := ValidateStruct(&body); err != nil {
			t.Errorf("%s rejected: %v", kind, err)
		}
	}
}

func TestValidateStruct_MultipleErrors(t *testing.T) {
	body := enqueueBody{AccountID: "nope", Version: -2}
	err := ValidateStruct(&body)
	if err == nil {
		t.Fatal("want validation errors")
	}
	if len(err.Errors()) < 3 {
		t.Errorf("want errors for Type, Data, AccountID and Version, got %v", err)
	}
	// The combined message names every failed field.
	for _, field := range []string{"Type", "Data", "AccountID", "Version"} {
		if !strings.Contains(err.Error(), field) {
			t.Errorf("combined message missing %s: %s", field, err.Error())
		}
	}
}

func TestToAPIError_SingleFailure(t *testing.T) {
	body := enqueueBody{Type: "REPAINT_ITEM", Data: `{}`}
	verr := ValidateStruct(&body)
	if verr == nil {
		t.Fatal("want a validation error")
	}

	apiErr := verr.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("code %q", apiErr.Code)
	}
	if !strings.Contains(apiErr.Message, "operation type") {
		t.Errorf("message %q must use the optype template", apiErr.Message)
	}
	if apiErr.Details["field"] != "Type" || apiErr.Details["tag"] != "optype" {
		t.Errorf("details %+v", apiErr.Details)
	}
}

func TestToAPIError_MultipleFailures(t *testing.T) {
	body := enqueueBody{Version: -1}
	verr := ValidateStruct(&body)
	if verr == nil {
		t.Fatal("want validation errors")
	}

	apiErr := verr.ToAPIError()
	if apiErr.Code != "VALIDATION_ERROR" {
		t.Errorf("code %q", apiErr.Code)
	}
	fields, ok := apiErr.Details["fields"].([]map[string]interface{})
	if !ok {
		t.Fatalf("details must carry the per-field list, got %+v", apiErr.Details)
	}
	if len(fields) != 3 {
		t.Errorf("want 3 field entries (Type, Data, Version), got %d", len(fields))
	}
}

func TestValidateStruct_NoConstraints(t *testing.T) {
	plain := struct {
		Anything string
	}{}
	if err := ValidateStruct(&plain); err != nil {
		t.Errorf("struct without constraints must pass, got %v", err)
	}
}
