package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/ayoubbenmbarek/maritime-reservation-backend/controllers/payment_webhook_controller"
)

// RegisterWebhookRoutes mounts the gateway callback endpoint. Webhooks carry
// their own signature verification, so no auth middleware and no rate limit;
// throttling a gateway's redelivery storm only prolongs it.
func RegisterWebhookRoutes(router *gin.Engine, webhookController *payment_webhook_controller.WebhookController) {
	router.POST("/webhooks/:gateway", webhookController.Handle)
}
