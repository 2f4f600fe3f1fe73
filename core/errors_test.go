package core

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestRedactErrorKeepsSentinelDropsDetail(t *testing.T) {
	err := fmt.Errorf("dial tcp 10.0.3.7:6379: connect refused: %w", ErrTransient)
	got := RedactError(err)
	if got != ErrTransient.Error() {
		t.Errorf("RedactError = %q, want %q", got, ErrTransient.Error())
	}
	if strings.Contains(got, "10.0.3.7") {
		t.Errorf("RedactError leaked address: %q", got)
	}
}

func TestRedactErrorPlatformErrorUsesOp(t *testing.T) {
	err := NewPlatformError("queue.Publish", "queue", errors.New("redis: WRONGTYPE at loom:activities"))
	got := RedactError(err)
	if got != "queue.Publish failed" {
		t.Errorf("RedactError = %q, want %q", got, "queue.Publish failed")
	}

	err = NewPlatformError("lease.Renew", "lease", ErrLeaseExpired)
	got = RedactError(err)
	if got != "lease.Renew: "+ErrLeaseExpired.Error() {
		t.Errorf("RedactError = %q, want op plus sentinel", got)
	}
}

func TestRedactErrorUnknownErrorIsGeneric(t *testing.T) {
	got := RedactError(errors.New("pq: password authentication failed for user admin"))
	if got != "internal error" {
		t.Errorf("RedactError = %q, want %q", got, "internal error")
	}
	if RedactError(nil) != "" {
		t.Errorf("RedactError(nil) = %q, want empty", RedactError(nil))
	}
}
