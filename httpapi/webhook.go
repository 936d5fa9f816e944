package httpapi

import (
	"bytes"
	"crypto/subtle"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/shopspring/decimal"

	"jobmarket/commission"
	"jobmarket/logger"
)

const (
	webhookSecretHeader = "X-Webhook-Secret"
	maxWebhookBody      = 64 << 10
	paymentSchemaURL    = "payment_webhook.json"
)

//go:embed schema/payment_webhook.json
var paymentSchemaJSON []byte

func compilePaymentSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(paymentSchemaURL, bytes.NewReader(paymentSchemaJSON)); err != nil {
		return nil, fmt.Errorf("httpapi: add payment schema: %w", err)
	}
	schema, err := compiler.Compile(paymentSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("httpapi: compile payment schema: %w", err)
	}
	return schema, nil
}

type paymentEvent struct {
	EventID          string `json:"event_id"`
	CommissionID     string `json:"commission_id"`
	PaymentReference string `json:"payment_reference"`
	Status           string `json:"status"`
	PaidAt           string `json:"paid_at"`
	Amount           string `json:"amount"`
}

// paymentWebhook applies a gateway settlement to a commission record. The
// settled amount must equal the record's total due. Deliveries are retried by
// the gateway, so a repeated payment reference is answered with the current
// record.
func (s *Server) paymentWebhook(c *gin.Context) {
	if s.webhookSecret == "" {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "payment webhook is not configured"})
		return
	}
	got := c.GetHeader(webhookSecretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.webhookSecret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook secret"})
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "unreadable request body")
		return
	}
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		badRequest(c, "body is not valid JSON")
		return
	}
	if err := s.paymentSchema.Validate(doc); err != nil {
		badRequest(c, fmt.Sprintf("payload does not match schema: %v", err))
		return
	}
	var ev paymentEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		badRequest(c, "malformed payment event")
		return
	}

	log := logger.WithContext(c.Request.Context(), s.log).With(
		"commission_id", ev.CommissionID, "payment_ref", ev.PaymentReference, "event_id", ev.EventID)
	if ev.Status != "succeeded" {
		log.Info("payment webhook: non-settling event ignored", "status", ev.Status)
		c.JSON(http.StatusAccepted, gin.H{"status": "ignored"})
		return
	}

	var paidAt time.Time
	if ev.PaidAt != "" {
		paidAt, err = time.Parse(time.RFC3339, ev.PaidAt)
		if err != nil {
			badRequest(c, "paid_at must be an RFC 3339 timestamp")
			return
		}
	}

	amount, err := decimal.NewFromString(ev.Amount)
	if err != nil {
		badRequest(c, "amount must be a decimal string")
		return
	}

	rec, err := s.commissions.MarkPaid(c.Request.Context(), commission.Payment{
		CommissionID: ev.CommissionID,
		Reference:    ev.PaymentReference,
		Amount:       amount,
		PaidAt:       paidAt,
	})
	if err != nil {
		log.Warn("payment webhook: rejected", "err", err)
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toCommissionResponse(rec))
}
