package telemetry_test

import (
	"context"
	"testing"

	"github.com/mobility-trailblazers/offline-edge/internal/telemetry"
)

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := telemetry.Setup(context.Background(), "  ", telemetry.ServiceName)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	// 192.0.2.0/24 不可路由，不会真正导出。
	shutdown, err := telemetry.Setup(context.Background(), "http://192.0.2.1:4318", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}
