package httpapi

import (
	"testing"
	"time"
)

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	defer SetMaxBodyBytes(0)
	SetMaxBodyBytes(-1)
	if maxBodyBytes != defaultMaxBodyBytes {
		t.Fatalf("expected default, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(1234)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetRequestTimeout_NormalizesNegativeToZero(t *testing.T) {
	defer SetRequestTimeout(0)
	SetRequestTimeout(-5 * time.Second)
	if requestTimeout != 0 {
		t.Fatalf("expected 0, got %v", requestTimeout)
	}
	SetRequestTimeout(3 * time.Second)
	if requestTimeout != 3*time.Second {
		t.Fatalf("expected 3s, got %v", requestTimeout)
	}
}
