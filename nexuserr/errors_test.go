package nexuserr

import (
	"errors"
	"fmt"
	"testing"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "error without underlying error",
			err:  New(KindNotReady, ErrCodeNotReady, "test message"),
			want: "[LIFE_7001] test message",
		},
		{
			name: "error with underlying error",
			err:  Wrap(KindNetwork, ErrCodeNetwork, "test message", errors.New("underlying")),
			want: "[SVC_5001] test message: underlying",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	underlying := errors.New("underlying error")
	err := Wrap(KindUnknown, ErrCodeUnknown, "test", underlying)

	if got := err.Unwrap(); got != underlying {
		t.Errorf("Unwrap() = %v, want %v", got, underlying)
	}
	if !errors.Is(err, underlying) {
		t.Error("errors.Is should find the underlying error")
	}
}

func TestError_OpContext(t *testing.T) {
	err := Network("save_remote", errors.New("refused")).
		WithOp("save", "users").
		WithKey("u1").
		WithAttempt(2)

	if err.Op != "save" || err.Entity != "users" {
		t.Errorf("op context = %s/%s, want save/users", err.Op, err.Entity)
	}
	if err.Key != "u1" {
		t.Errorf("Key = %s, want u1", err.Key)
	}
	if err.Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", err.Attempt)
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{NotFound("users", "u1"), KindNotFound},
		{Network("get", errors.New("x")), KindNetwork},
		{Timeout("get"), KindTimeout},
		{Validation("name", "empty"), KindValidation},
		{Conflict("version mismatch"), KindConflict},
		{Unauthenticated("no token"), KindAuthentication},
		{Forbidden("not owner"), KindAuthorization},
		{DecryptionFailed(errors.New("bad tag")), KindDecryption},
		{NotReady("created"), KindNotReady},
		{errors.New("plain"), KindUnknown},
		{fmt.Errorf("wrapped: %w", Timeout("sync")), KindTimeout},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(Network("get", errors.New("x"))) {
		t.Error("network should be retryable by default")
	}
	if !IsRetryable(Timeout("get")) {
		t.Error("timeout should be retryable by default")
	}
	if IsRetryable(Validation("f", "r")) {
		t.Error("validation must not be retryable")
	}
	if IsRetryable(Unauthenticated("no token")) {
		t.Error("authentication must not be retryable")
	}
	if IsRetryable(Conflict("v")) {
		t.Error("conflict routes to resolution, not retry")
	}

	// Custom retryable set.
	if IsRetryable(Network("get", errors.New("x")), KindTimeout) {
		t.Error("network not in custom set")
	}
	if !IsRetryable(Conflict("v"), KindConflict) {
		t.Error("conflict in custom set should be retryable")
	}
}
