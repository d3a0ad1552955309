// ABOUTME: Tests for the clock provider/consumer pair
// ABOUTME: Offset math, smoothing and a loopback convergence check
package clock

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestOffsetCalculation(t *testing.T) {
	c := NewConsumer("127.0.0.1", 1, zerolog.Nop())

	// Client a constant 250µs ahead of the provider, 4.5ms round trip.
	t1 := int64(1_000_000_000)
	t2 := int64(1_002_000_000)
	t3 := int64(1_002_500_000)
	t4 := int64(1_005_000_000)

	c.processSample(t1, t2, t3, t4)

	offset, rtt := c.Stats()
	if rtt != 4_500_000*time.Nanosecond {
		t.Errorf("expected rtt 4.5ms, got %v", rtt)
	}
	// Offset = ((t2-t1) + (t3-t4)) / 2 = (2ms - 2.5ms) / 2 = -250µs
	if offset != -250*time.Microsecond {
		t.Errorf("expected offset -250µs, got %v", offset)
	}
}

func TestOffsetSmoothing(t *testing.T) {
	c := NewConsumer("127.0.0.1", 1, zerolog.Nop())

	// First raw offset: -500µs.
	c.processSample(1_000_000_000, 1_002_000_000, 1_003_000_000, 1_006_000_000)
	// Second raw offset: -250µs; smoothed = -500*0.9 + -250*0.1 = -475µs.
	c.processSample(2_000_000_000, 2_003_000_000, 2_003_500_000, 2_007_000_000)

	offset, _ := c.Stats()
	if offset != -475*time.Microsecond {
		t.Errorf("expected smoothed offset -475µs, got %v", offset)
	}
}

func TestCongestedSampleDiscarded(t *testing.T) {
	c := NewConsumer("127.0.0.1", 1, zerolog.Nop())

	c.processSample(0, 0, 0, int64(200*time.Millisecond))

	offset, rtt := c.Stats()
	if offset != 0 || rtt != 0 {
		t.Errorf("congested sample should be discarded, got offset=%v rtt=%v", offset, rtt)
	}
	if c.Synchronised() {
		t.Error("discarded samples must not count towards sync")
	}
}

func TestSyncDeclaredAfterMinSamples(t *testing.T) {
	c := NewConsumer("127.0.0.1", 1, zerolog.Nop())

	for i := 0; i < minSamples; i++ {
		base := int64(i) * 1_000_000_000
		c.processSample(base, base+1_000_000, base+1_100_000, base+2_000_000)
	}

	if !c.Synchronised() {
		t.Errorf("expected sync after %d samples", minSamples)
	}
	if err := c.WaitForSync(time.Second); err != nil {
		t.Errorf("WaitForSync should return immediately once synced: %v", err)
	}
}

func TestProviderConsumerLoopback(t *testing.T) {
	provider := NewProvider("127.0.0.1", 0, zerolog.Nop())
	if err := provider.Start(); err != nil {
		t.Fatalf("failed to start provider: %v", err)
	}
	defer provider.Stop()

	if provider.Port() == 0 {
		t.Fatal("provider did not report a resolved port")
	}

	consumer := NewConsumer("127.0.0.1", uint16(provider.Port()), zerolog.Nop())
	if err := consumer.Start(); err != nil {
		t.Fatalf("failed to start consumer: %v", err)
	}
	defer consumer.Stop()

	if err := consumer.WaitForSync(5 * time.Second); err != nil {
		t.Fatalf("consumer did not synchronise: %v", err)
	}

	// On loopback the two clocks must agree to within a few milliseconds.
	diff := int64(consumer.Now()) - int64(provider.Now())
	if diff < 0 {
		diff = -diff
	}
	if diff > int64(5*time.Millisecond) {
		t.Errorf("clock skew too large on loopback: %v", time.Duration(diff))
	}
}

func TestWaitForSyncTimeout(t *testing.T) {
	c := NewConsumer("127.0.0.1", 1, zerolog.Nop())

	if err := c.WaitForSync(10 * time.Millisecond); err != ErrSyncTimeout {
		t.Errorf("expected ErrSyncTimeout, got %v", err)
	}
}
