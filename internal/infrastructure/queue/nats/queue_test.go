package nats

import (
	"fmt"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/kirillkom/pathology-assistant/internal/core/domain"
)

func TestJobRoundTrip(t *testing.T) {
	payload, err := encodeJob("case_abc")
	if err != nil {
		t.Fatalf("encodeJob() error = %v", err)
	}
	got, err := decodeJob(payload)
	if err != nil || got != "case_abc" {
		t.Fatalf("decodeJob() = %q, %v", got, err)
	}
}

func TestDecodeJobAcceptsBareID(t *testing.T) {
	got, err := decodeJob([]byte(" case_abc \n"))
	if err != nil || got != "case_abc" {
		t.Fatalf("decodeJob() = %q, %v", got, err)
	}
}

func TestDecodeJobRejectsEmpty(t *testing.T) {
	for _, raw := range []string{"", "{}", "{broken"} {
		if _, err := decodeJob([]byte(raw)); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestDisconnectedPublishIsTemporary(t *testing.T) {
	err := wrapTemporaryIfNeeded(fmt.Errorf("nats publish: %w", nats.ErrConnectionClosed))
	if !domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("expected ErrTemporary, got %v", err)
	}
	err = wrapTemporaryIfNeeded(fmt.Errorf("nats publish: %w", nats.ErrBadSubject))
	if domain.IsKind(err, domain.ErrTemporary) {
		t.Fatalf("bad subject must not be temporary")
	}
}
