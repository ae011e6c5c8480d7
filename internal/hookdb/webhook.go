package hookdb

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
)

// WebhookStatusUnhandled is logged when handling fails before any response
// status was chosen. It is kept apart from a deliberate 500.
const WebhookStatusUnhandled = 0

const noIntegrationMessage = "No integration with that id"

// HandleWebhook verifies an inbound delivery and queues it for processing.
// Every call writes exactly one webhook log entry, even when it returns an
// error or panics. A returned error means no response status was chosen;
// the log records WebhookStatusUnhandled.
func (e *Engine) HandleWebhook(ctx context.Context, opaqueID string, req WebhookRequest) (WebhookResponse, error) {
	var sint *ServiceIntegration
	status := WebhookStatusUnhandled
	defer func() {
		e.logWebhook(context.WithoutCancel(ctx), opaqueID, sint, req, status)
	}()

	found, err := e.store.IntegrationByOpaqueID(ctx, opaqueID)
	if isNotFound(err) || (err == nil && found.Deleted()) {
		status = http.StatusBadRequest
		return WebhookResponse{
			Status:  status,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"error":{"message":"` + noIntegrationMessage + `"}}`,
		}, nil
	}
	if err != nil {
		return WebhookResponse{}, err
	}
	sint = found

	b, err := e.Bind(ctx, sint)
	if err != nil {
		return WebhookResponse{}, err
	}
	resp := b.Replicator.VerifyWebhook(req)
	if !resp.OK() {
		b.Env.Log().Warn("rejected_webhook", "status", resp.Status, "webhook_headers", flattenHeaders(req.Headers))
		status = resp.Status
		return resp, nil
	}
	if !json.Valid(req.Body) {
		status = http.StatusBadRequest
		return WebhookResponse{
			Status:  status,
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"error":{"message":"request body must be JSON"}}`,
		}, nil
	}
	job := Job{
		Kind:          JobWebhook,
		IntegrationID: sint.ID,
		Body:          json.RawMessage(append([]byte(nil), req.Body...)),
		Headers:       flattenHeaders(req.Headers),
	}
	if err := e.EnqueueJob(ctx, job); err != nil {
		return WebhookResponse{}, err
	}
	status = resp.Status
	return resp, nil
}

func (e *Engine) logWebhook(ctx context.Context, opaqueID string, sint *ServiceIntegration, req WebhookRequest, status int) {
	entry := &WebhookLogEntry{
		OpaqueID:       opaqueID,
		RequestBody:    string(req.Body),
		RequestHeaders: flattenHeaders(req.Headers),
		RequestMethod:  req.Method,
		RequestPath:    req.Path,
		ResponseStatus: status,
		InsertedAt:     e.now().UTC(),
	}
	if sint != nil {
		orgID := sint.OrganizationID
		entry.OrganizationID = &orgID
	}
	if err := e.store.InsertWebhookLog(ctx, entry); err != nil {
		e.logger.Error("webhook log write failed", "opaque_id", opaqueID, "status", status, "error", err)
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, values := range h {
		out[k] = strings.Join(values, ", ")
	}
	return out
}
