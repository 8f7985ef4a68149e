// Package datasink implements the subscription lifecycle engine of the
// connected vehicle data sink.
//
// Requesters send data subscription records (dialog 155). An add request
// (sequence 8) is validated, assigned a subscriber identity, persisted and
// acknowledged. A cancel request (sequence 10) removes the matching
// subscription and frees its identity. Anything else is answered with a
// diagnostic error code when the record names somewhere to send it.
//
// # Quick Start
//
//	cfg := datasink.DefaultConfig()
//	cfg.Region = &datasink.BoundingBox{
//	    NW: datasink.Position{Lat: 43, Lon: -85},
//	    SE: datasink.Position{Lat: 41, Lon: -82},
//	}
//
//	tr, _ := transport.NewUDPSender()
//	p, err := datasink.NewProcessor(&cfg, store.NewMemory(), datasink.WithTransport(tr))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := p.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer p.Stop(context.Background())
//
//	_ = p.Handle(ctx, record)
//
// # Components
//
// The Processor owns four collaborators:
//
//   - Identity pool: hands out identities from [IdentityMin, IdentityMax],
//     reconciling against the store whenever it wraps
//   - Validator: classifies records and checks fields in a fixed order, so
//     the reported error code is deterministic
//   - Response dispatcher: an unbounded FIFO drained by one goroutine that
//     encodes, optionally encrypts, and sends each outcome
//   - Expiration sweeper: retires expired and orphaned subscriptions on the
//     leader replica only
//
// # Error Codes
//
// Every rejected request yields exactly one outcome carrying a
// types.ResponseCode, provided the record names a destination. Handle also
// returns the rejection as an error; types.CodeOf recovers its code.
//
// # Lifecycle
//
//	StateCreated → StateRunning → StateStopping → StateStopped
//
// Stop signals both background workers and joins them with
// Config.ShutdownTimeout. Outcomes queued before Stop are still delivered.
package datasink
