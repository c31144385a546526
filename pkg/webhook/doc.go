/*
Package webhook delivers task lifecycle events to an external receiver.

The dispatcher subscribes to the in-process event broker, filters for
task.* and payment_task.* events, and POSTs a signed JSON envelope to the
configured URL. Failures retry with exponential backoff; every delivery
chain, successful or not, lands in the 7-day delivery history.

# Architecture

	audit.Broker ──▶ Dispatcher ──filter──▶ POST {event, timestamp, data}
	                     │                   X-ACN-Signature: sha256=<hmac>
	                     │ retries: cfg.WebhookAttempts, backoff base
	                     ▼
	       Ephemeral.PutWebhookDelivery (7 d history)

# Usage

	d := webhook.NewDispatcher(cfg, broker, eph)
	d.Start()
	defer d.Stop()

Receivers authenticate deliveries with the shared secret:

	body, _ := io.ReadAll(r.Body)
	if !webhook.Verify(secret, body, r.Header.Get(webhook.SignatureHeader)) {
		// reject
	}

# Design Notes

Webhook failures are recovered locally: after the retry budget is spent the
delivery is recorded with its last error and the dispatcher moves on.
Nothing upstream blocks on a receiver outage.

The broker drops events for slow subscribers, so a wedged dispatcher can
lose notifications; the durable activity stream remains the source of truth
for what happened.

# See Also

  - pkg/audit for the broker and event names
*/
package webhook
