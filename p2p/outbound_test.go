package p2p

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeliverFailsFastOnClosedQueue(t *testing.T) {
	keysA := newTestKeys(t)
	keysB := newTestKeys(t)
	upA, _ := newTestUpgrader(t, keysA, "/memory/peer-a")
	upB, _ := newTestUpgrader(t, keysB, "/memory/peer-b")
	pcA, _ := upgradePipe(t, upA, upB)
	pcA.Close()

	cfg := testConfig()
	cfg.SendRetries = 5
	cfg.SendRetryDelay = time.Second
	router := NewOutboundRouter(cfg, nil, keysA, nil, testLogger())

	start := time.Now()
	err := router.deliver(context.Background(), pcA, []byte("frame"))
	if !errors.Is(err, ErrSendQueueClosed) {
		t.Fatalf("expected ErrSendQueueClosed, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("closed queue was retried instead of failing fast")
	}
}
