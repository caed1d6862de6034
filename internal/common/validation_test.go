package common

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestValidateAndReturnError(t *testing.T) {
	tests := []struct {
		name  string
		value string
		code  codes.Code
	}{
		{"valid", uuid.NewString(), codes.OK},
		{"empty", "", codes.InvalidArgument},
		{"not a uuid", "abc", codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator().Field("image_id", tt.value, Required, UUID)
			err := ValidateAndReturnError(v)
			if got := status.Code(err); got != tt.code {
				t.Fatalf("code = %v, want %v (err %v)", got, tt.code, err)
			}
		})
	}
}

func TestPositiveRejectsNonIntegers(t *testing.T) {
	v := NewValidator().
		Field("a", 3, Positive).
		Field("b", int64(0), Positive).
		Field("c", "3", Positive)
	if !v.HasErrors() {
		t.Fatal("expected errors")
	}
	msg := v.ErrorMessage()
	for _, want := range []string{"'b'", "'c'"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %s", msg, want)
		}
	}
	if strings.Contains(msg, "'a'") {
		t.Errorf("message %q should not mention a", msg)
	}
}
