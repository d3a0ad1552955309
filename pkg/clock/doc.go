// ABOUTME: Shared reference-clock package
// ABOUTME: UDP provider/consumer pair giving every device the same Now
// Package clock establishes a shared monotonic time reference between the
// coordinator and its clients.
//
// The server runs a Provider; every client runs a Consumer pointed at the
// address and port published in the SyncInfo document. Consumers measure
// NTP-style round trips, discard congested samples and exponentially
// smooth the offset, then expose the provider's timeline through Now.
//
// Example:
//
//	consumer := clock.NewConsumer("192.0.2.10", 35421, logger)
//	consumer.Start()
//	if err := consumer.WaitForSync(10 * time.Second); err != nil {
//		// no usable clock yet
//	}
//	now := consumer.Now()
package clock
