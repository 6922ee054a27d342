package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestOfflineError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpPut,
			component: "store",
			code:      ErrCodeStaleWrite,
			err:       fmt.Errorf("version 3 < 4"),
			want:      "put operation failed in store component [STALE_WRITE_REJECTED]: version 3 < 4",
		},
		{
			name:      "with component no code",
			op:        OpDrain,
			component: "syncer",
			err:       fmt.Errorf("closed"),
			want:      "drain operation failed in syncer component: closed",
		},
		{
			name: "without component with code",
			op:   OpSend,
			code: ErrCodeTransientNetwork,
			err:  fmt.Errorf("connection reset"),
			want: "send operation failed [TRANSIENT_NETWORK_FAILURE]: connection reset",
		},
		{
			name: "without cause",
			op:   OpFetch,
			code: ErrCodeConnectivityRequired,
			want: "fetch operation failed [CONNECTIVITY_REQUIRED]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &OfflineError{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("OfflineError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOfflineError_IsSentinel(t *testing.T) {
	err := fmt.Errorf("drain: %w", NewConflictError(OpResolve, errors.New("server newer")))

	if !errors.Is(err, ErrSyncConflict) {
		t.Fatalf("expected conflict sentinel to match")
	}
	if errors.Is(err, ErrValidation) {
		t.Fatalf("validation sentinel must not match a conflict")
	}
	if !HasCode(err, ErrCodeSyncConflict) {
		t.Fatalf("HasCode should find the conflict code")
	}
	if CodeOf(err) != ErrCodeSyncConflict {
		t.Fatalf("CodeOf = %s", CodeOf(err))
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(NewNetworkError(OpSend, errors.New("timeout"))) {
		t.Error("network errors should be retryable")
	}
	if IsRetryable(NewValidationError(OpSend, errors.New("bad field"))) {
		t.Error("validation errors should not be retryable")
	}
	if IsRetryable(errors.New("plain")) {
		t.Error("plain errors should not be retryable")
	}
	wrapped := WrapOpComponent(NewNetworkError(OpSend, errors.New("reset")), "syncer.attempt", "syncer")
	if !IsRetryable(wrapped) {
		t.Error("wrapping should keep retryability")
	}
	if CodeOf(wrapped) != ErrCodeTransientNetwork {
		t.Errorf("wrapping should keep the code, got %s", CodeOf(wrapped))
	}
}

func TestIsTerminal(t *testing.T) {
	cases := map[error]bool{
		NewValidationError(OpSend, nil):       true,
		NewQuotaError(OpPut, nil):             true,
		NewConnectivityRequired(OpFetch, nil): true,
		NewNetworkError(OpSend, nil):          false,
		NewStaleWrite(OpPut, nil):             false,
		fmt.Errorf("plain"):                   false,
	}
	for err, want := range cases {
		if got := IsTerminal(err); got != want {
			t.Errorf("IsTerminal(%v) = %v, want %v", err, got, want)
		}
	}
}

func TestMetadataOf(t *testing.T) {
	inner := NewValidationError(OpSend, errors.New("bad")).WithMetadata("detail", "title is required")
	outer := WrapOpComponent(inner, "syncer.attempt", "syncer")

	v, ok := MetadataOf(outer, "detail")
	if !ok || v != "title is required" {
		t.Fatalf("expected detail metadata, got %v %v", v, ok)
	}
	if _, ok := MetadataOf(outer, "missing"); ok {
		t.Fatalf("unexpected metadata hit")
	}
}

func TestWrapOpComponent_Nil(t *testing.T) {
	if WrapOpComponent(nil, "op", "c") != nil {
		t.Fatal("nil in, nil out")
	}
	if WrapOpComponentCode(nil, "op", "c", ErrCodeStorageFailure) != nil {
		t.Fatal("nil in, nil out")
	}
}
