package flow

import (
	"context"

	"github.com/google/uuid"

	otlpaudit "github.com/openkcm/common-sdk/pkg/otlp/audit"
	slogctx "github.com/veqryn/slog-context"

	"github.com/openkcm/acr-manager/internal/session"
)

const auditComponent = "acr manager"

func (c *Controller) auditSuccess(ctx context.Context, s session.Session) {
	if c.audit == nil {
		slogctx.Debug(ctx, "audit logger is nil; skipping user login success event")
		return
	}

	objectID := s.ID
	if s.Account != nil && s.Account.Username != "" {
		objectID = s.Account.Username
	}

	metadata, err := otlpaudit.NewEventMetadata(auditComponent, objectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginSuccessEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.MFATYPE_NONE, otlpaudit.USERTYPE_BUSINESS, objectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := c.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login success", "error", err)
		return
	}
	slogctx.Debug(ctx, "sent audit log for user login success")
}

// auditFailure emits a user-login-failure event. Errors are logged and not
// returned to the caller.
func (c *Controller) auditFailure(ctx context.Context, sessionID, reason string) {
	if c.audit == nil {
		slogctx.Debug(ctx, "audit logger is nil; skipping user login failure event")
		return
	}

	objectID := sessionID
	if objectID == "" {
		objectID = "anonymous"
	}

	metadata, err := otlpaudit.NewEventMetadata(auditComponent, objectID, uuid.NewString())
	if err != nil {
		slogctx.Error(ctx, "creating audit metadata", "error", err)
		return
	}

	event, err := otlpaudit.NewUserLoginFailureEvent(metadata, objectID, otlpaudit.LOGINMETHOD_OPENIDCONNECT, otlpaudit.FailReason(reason), objectID)
	if err != nil {
		slogctx.Error(ctx, "creating audit log", "error", err)
		return
	}

	if err := c.audit.SendEvent(ctx, event); err != nil {
		slogctx.Error(ctx, "Failed to send audit log for user login failure", "error", err)
		return
	}
	slogctx.Debug(ctx, "sent audit log for user login failure")
}
