package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/billsync/internal/billing/webhook"
)

// maxWebhookBody matches the payload ceiling Stripe documents for event deliveries.
const maxWebhookBody = 512 << 10

const signatureHeader = "Stripe-Signature"

type webhookResponse struct {
	Received bool   `json:"received"`
	Status   string `json:"status"`
}

func (s *Server) HandleProviderWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if len(payload) == 0 || len(payload) > maxWebhookBody {
		AbortWithError(c, newValidationError("payload", "invalid_payload", "invalid payload"))
		return
	}

	result, err := s.webhooks.IngestWebhook(c.Request.Context(), webhook.IngestRequest{
		Provider:        provider,
		Payload:         payload,
		SignatureHeader: c.GetHeader(signatureHeader),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, webhookResponse{Received: true, Status: result.Status})
}
