package firestore

import (
	"errors"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/agentcommerce/gateway/internal/repositories"
)

func TestTranslateMapsStatusCodes(t *testing.T) {
	cases := map[codes.Code]error{
		codes.NotFound:      repositories.ErrNotFound,
		codes.AlreadyExists: repositories.ErrConflict,
		codes.Aborted:       repositories.ErrConflict,
		codes.Unavailable:   repositories.ErrUnavailable,
	}
	for code, want := range cases {
		err := translate("op", status.Error(code, "boom"))
		if !errors.Is(err, want) {
			t.Fatalf("code %s: expected %v, got %v", code, want, err)
		}
	}
	if translate("op", nil) != nil {
		t.Fatalf("expected nil passthrough")
	}
}
