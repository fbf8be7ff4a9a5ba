/**
 * @description
 * This file implements the AMQP consumer for ad-hoc airdrop requests. Sibling
 * services publish `airdrop.request.created` messages when an engagement
 * campaign wants an immediate settlement outside the daily run; this consumer
 * decodes the message and drives it through the same pipeline façade the HTTP
 * surface uses.
 *
 * @notes
 * - Amounts arrive as decimal strings already denominated in base units.
 * - A malformed message is acked and dropped: re-queuing it would poison the
 *   queue. A pipeline fault acks too, because replaying a settlement that
 *   already reached the ledger risks double-paying; the published failure event
 *   is the signal for operators.
 */

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/google/uuid"

	"github.com/kudoshq/airdrop-service/internal/domain"
	"github.com/kudoshq/airdrop-service/pkg/rabbitmq"
)

const (
	// RouteRequestCreated is the routing key sibling services publish ad-hoc
	// airdrop requests on.
	RouteRequestCreated = "airdrop.request.created"
	// requestQueue is the durable queue this service consumes from.
	requestQueue = "airdrop-service.requests"
	// requestTimeout bounds how long a consumed request may occupy the pipeline.
	requestTimeout = 10 * time.Minute
)

// airdropRequestMessage is the wire shape of an ad-hoc request.
type airdropRequestMessage struct {
	RequestID   string            `json:"request_id"`
	TokenSymbol string            `json:"token_symbol"`
	Transfers   []transferMessage `json:"transfers"`
	CreditIDs   []string          `json:"credit_ids,omitempty"`
}

type transferMessage struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

// AirdropRequestConsumer binds the request queue to the settlement service.
type AirdropRequestConsumer struct {
	consumer *rabbitmq.Consumer
	service  *Service
}

// NewAirdropRequestConsumer creates a consumer bound to the given service.
func NewAirdropRequestConsumer(consumer *rabbitmq.Consumer, service *Service) *AirdropRequestConsumer {
	return &AirdropRequestConsumer{consumer: consumer, service: service}
}

// Start declares the queue bindings and begins consuming. It returns once the
// subscription is established; delivery handling runs on the consumer's
// goroutine.
func (c *AirdropRequestConsumer) Start() error {
	bindings := map[string]func([]byte) bool{
		RouteRequestCreated: c.handleRequestCreated,
	}
	return c.consumer.ConsumeWithBindings(rabbitmq.EventsExchange, requestQueue, bindings)
}

func (c *AirdropRequestConsumer) handleRequestCreated(body []byte) bool {
	var msg airdropRequestMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		log.Printf("level=warn component=request_consumer msg=\"dropping malformed request message\" err=%v", err)
		return true
	}

	pairs, creditIDs, err := decodeRequest(&msg)
	if err != nil {
		log.Printf("level=warn component=request_consumer msg=\"dropping invalid request message\" request_id=%s err=%v", msg.RequestID, err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	response, err := c.service.SubmitAirdropRequest(ctx, msg.TokenSymbol, pairs, creditIDs)
	if err != nil {
		log.Printf("level=error component=request_consumer msg=\"airdrop request failed\" request_id=%s code=%s err=%v",
			msg.RequestID, domain.FaultCodeOf(err), err)
		return true
	}

	log.Printf("level=info component=request_consumer msg=\"airdrop request settled\" request_id=%s hash=%s total_moved=%s",
		msg.RequestID, response.Transaction.Hash, response.TotalMoved.String())
	return true
}

func decodeRequest(msg *airdropRequestMessage) ([]domain.TransferPair, []uuid.UUID, error) {
	pairs := make([]domain.TransferPair, 0, len(msg.Transfers))
	for _, transfer := range msg.Transfers {
		amount, ok := new(big.Int).SetString(transfer.Amount, 10)
		if !ok {
			return nil, nil, domain.NewFault(domain.FaultInvalidRequest, "decode request",
				fmt.Errorf("amount %q is not a base-10 integer", transfer.Amount))
		}
		pairs = append(pairs, domain.TransferPair{Recipient: transfer.Recipient, Amount: amount})
	}

	creditIDs := make([]uuid.UUID, 0, len(msg.CreditIDs))
	for _, raw := range msg.CreditIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, nil, domain.NewFault(domain.FaultInvalidRequest, "decode request", err)
		}
		creditIDs = append(creditIDs, id)
	}
	return pairs, creditIDs, nil
}
