package plugin

import (
	"context"
	"testing"
)

func TestLoadRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	h, err := NewHost(ctx, 0, 0)
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}
	defer h.Close(ctx)

	if _, err := h.Load(ctx, "/plugins", "../../etc/passwd"); err == nil {
		t.Fatal("expected traversal attempt to be rejected")
	}
}

func TestPluginAutoDisablesAfterRepeatedFailures(t *testing.T) {
	p := &Plugin{name: "flaky"}
	for i := 0; i < disableThreshold; i++ {
		p.recordFailure()
	}
	if p.disabledByRate() {
		t.Fatal("should not disable at exactly the threshold")
	}
	p.recordFailure()
	if !p.disabledByRate() {
		t.Fatal("expected plugin to auto-disable once failures exceed the threshold")
	}
	if !p.isDisabled() {
		t.Fatal("expected isDisabled to reflect the auto-disable")
	}
}
