// Package interlock provides an embeddable external integration engine for
// multi-tenant SaaS applications.
//
// Interlock is a library — not a service. Import it into your application
// to accept webhooks from the user, payment, and communication services,
// apply them to your own state exactly once, and call those services back
// with circuit breaking and scheduled retries.
//
// Key features:
//   - Webhook intake with HMAC-SHA256 signature verification and JSON
//     Schema shape validation, normalized into one event envelope
//   - Durable idempotency: the dedupe key (source, event_id) is reserved
//     atomically, so aggressive sender redelivery never reapplies an event
//   - Per-service circuit breakers with escalating cooldown and single
//     half-open probes
//   - Full-jitter exponential backoff retries on a time-ordered queue;
//     deliveries deferred while a circuit is open spend no retry budget
//   - Derived per-service integration health, with optional active probing
//   - Composable store pattern with multiple backends (SQLite, Redis,
//     MongoDB, Memory)
//
// Quick start:
//
//	eng, err := interlock.New(
//	    interlock.WithStore(memoryStore),
//	    interlock.WithDataAccess(myDataAccess),
//	    interlock.WithService(event.SourcePayment, outbound.ServiceConfig{
//	        BaseURL:    "https://payments.internal",
//	        AuthScheme: outbound.AuthBearer,
//	        Credential: token,
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng.Start(ctx)
//	defer eng.Stop(ctx)
//
//	res, err := eng.Ingest(ctx, "payment-service", body, r.Header)
package interlock
