/**
 * @description
 * Consumer-side handlers for asynchronous payment gateway outcomes. The
 * gateway bridge publishes payment.status.succeeded / payment.status.failed
 * events keyed by bestowal ID; this handler resolves the pending bestowal
 * exactly as the synchronous confirm endpoint would.
 *
 * Delivery semantics: handlers return true to ack. Replayed events against a
 * terminal bestowal are acked and ignored; the first outcome wins. Transient
 * lookup failures nack so the broker re-queues the delivery.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/sow2grow/orchard-service/internal/domain"
	"github.com/sow2grow/orchard-service/internal/ledger"
	"github.com/sow2grow/orchard-service/internal/store"
)

// Routing keys for inbound gateway outcome events.
const (
	EventPaymentSucceeded = "payment.status.succeeded"
	EventPaymentFailed    = "payment.status.failed"
)

// PaymentStatusConsumer resolves pending bestowals from broker-delivered
// gateway outcomes.
type PaymentStatusConsumer struct {
	service *Service
	timeout time.Duration
}

func NewPaymentStatusConsumer(service *Service) *PaymentStatusConsumer {
	return &PaymentStatusConsumer{service: service, timeout: 30 * time.Second}
}

// Bindings maps routing keys to handlers, ready for
// Consumer.ConsumeWithBindings.
func (c *PaymentStatusConsumer) Bindings() map[string]func([]byte) bool {
	return map[string]func([]byte) bool{
		EventPaymentSucceeded: func(body []byte) bool { return c.handle(body, true) },
		EventPaymentFailed:    func(body []byte) bool { return c.handle(body, false) },
	}
}

func (c *PaymentStatusConsumer) handle(body []byte, succeeded bool) bool {
	var event domain.PaymentStatusEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=error component=payment_consumer msg=\"malformed payment status event; dropping\" err=%v", err)
		return true // poison message, do not re-queue
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	result := domain.PaymentResult{
		Succeeded:       succeeded,
		GatewayChargeID: event.GatewayChargeID,
	}
	if !succeeded && event.Reason != "" {
		reason := event.Reason
		result.DeclineReason = &reason
	}

	_, err := c.service.ConfirmPayment(ctx, event.BestowalID, result)
	if err != nil {
		if errors.Is(err, store.ErrBestowalNotFound) {
			log.Printf("level=warn component=payment_consumer msg=\"event for unknown bestowal; dropping\" bestowal_id=%s", event.BestowalID)
			return true
		}
		if errors.Is(err, ledger.ErrReservationExpired) {
			// The bestowal was already resolved as expired; nothing to retry.
			log.Printf("level=warn component=payment_consumer msg=\"outcome arrived after reservation expiry\" bestowal_id=%s", event.BestowalID)
			return true
		}
		log.Printf("level=warn component=payment_consumer msg=\"transient failure applying payment outcome; re-queuing\" bestowal_id=%s succeeded=%t err=%v",
			event.BestowalID, succeeded, err)
		return false
	}

	log.Printf("level=info component=payment_consumer msg=\"payment outcome applied\" bestowal_id=%s succeeded=%t", event.BestowalID, succeeded)
	return true
}
