package openerr

import (
	"encoding/json"
	"testing"
)

func TestRetryable(t *testing.T) {
	migrated := New(ClassRuntime, CodePartitionMigrated, "partition 4 moved")
	if !migrated.Retryable() {
		t.Error("partition_migrated should be retryable")
	}

	general := New(ClassInsert, CodeGeneralError, "missing id")
	if general.Retryable() {
		t.Error("general_error should not be retryable")
	}
}

func TestMarshalJSON(t *testing.T) {
	err := New(ClassParse, CodeSyntaxError, "unexpected token", "line 4")

	data, marshalErr := json.Marshal(err)
	if marshalErr != nil {
		t.Fatalf("marshal failed: %v", marshalErr)
	}

	var out map[string]map[string]string
	if unmarshalErr := json.Unmarshal(data, &out); unmarshalErr != nil {
		t.Fatalf("unmarshal failed: %v", unmarshalErr)
	}

	if out["error"]["class"] != string(ClassParse) {
		t.Errorf("expected class %q, got %q", ClassParse, out["error"]["class"])
	}
	if out["error"]["additional"] != "line 4" {
		t.Errorf("expected additional 'line 4', got %q", out["error"]["additional"])
	}
}

func TestAs(t *testing.T) {
	var err error = New(ClassQuery, CodeItemNotFound, "no such row")
	oe, ok := As(err)
	if !ok || oe.Code != CodeItemNotFound {
		t.Error("As should recover the *Error")
	}
}
