package interaction

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-engine/device"
	"github.com/giantswarm/oidc-engine/instrumentation"
	"github.com/giantswarm/oidc-engine/security"
	"github.com/giantswarm/oidc-engine/storage"
)

// DeviceFlowAuthorizationRequest is the device authorization shown on the verification
// page
type DeviceFlowAuthorizationRequest struct {
	UserCode   string
	ClientID   string
	ClientName string
	Scopes     []string
	ExpiresAt  time.Time
}

// DeviceFlowInteractionResult is the outcome of HandleDeviceRequest
type DeviceFlowInteractionResult struct {
	IsError          bool
	ErrorDescription string

	// IsAccessDenied is set when the user refused the request
	IsAccessDenied bool
}

func deviceFailure(description string) *DeviceFlowInteractionResult {
	return &DeviceFlowInteractionResult{IsError: true, ErrorDescription: description}
}

// GetDeviceAuthorizationContext returns the pending device authorization for the code
// the user typed. Unknown, expired and completed codes return an error satisfying
// storage.IsNotFound.
func (s *Service) GetDeviceAuthorizationContext(ctx context.Context, userCode string) (*DeviceFlowAuthorizationRequest, error) {
	auth, err := s.devices.Lookup(ctx, userCode)
	if err != nil {
		return nil, err
	}

	req := &DeviceFlowAuthorizationRequest{
		UserCode:  auth.UserCode,
		ClientID:  auth.ClientID,
		Scopes:    auth.Scopes,
		ExpiresAt: auth.ExpiresAt,
	}

	client, err := s.store.GetClient(ctx, auth.ClientID)
	switch {
	case err == nil:
		req.ClientName = client.ClientName
	case storage.IsNotFound(err):
	default:
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	return req, nil
}

// HandleDeviceRequest records the user's decision for a device authorization. A granted
// consent approves the device for the consented scopes; a denied one (or one carrying
// an Error) denies it. Problems the user can act on are reported in the result; Go
// errors are reserved for store failures.
func (s *Service) HandleDeviceRequest(ctx context.Context, userCode string, consent *ConsentResponse, subject Subject) (*DeviceFlowInteractionResult, error) {
	if consent == nil {
		return nil, fmt.Errorf("consent response is required")
	}

	ctx, span := s.tracer.Start(ctx, "interaction.handle_device_request")
	defer span.End()

	auth, err := s.devices.Lookup(ctx, userCode)
	if err != nil {
		if storage.IsNotFound(err) {
			s.logger.Info("Device authorization failure: user code is invalid")
			return deviceFailure("Invalid user code"), nil
		}
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrClientID, auth.ClientID))

	client, err := s.store.GetClient(ctx, auth.ClientID)
	if err != nil {
		if storage.IsNotFound(err) {
			s.logger.Warn("Device authorization failure: client is unknown", "client_id", auth.ClientID)
			return deviceFailure("Invalid client"), nil
		}
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to load client: %w", err)
	}
	if client.Disabled {
		return deviceFailure("Invalid client"), nil
	}

	if !consent.Granted() {
		reason := consent.ErrorDescription
		if reason == "" {
			reason = "the user denied the request"
		}
		if _, err := s.devices.Deny(ctx, auth.UserCode, reason); err != nil {
			return completionFailure(span, err)
		}
		s.auditor.LogConsent(ctx, security.EventConsentDenied, subject.ID, auth.ClientID, auth.Scopes)
		instrumentation.SetSpanSuccess(span)
		return &DeviceFlowInteractionResult{IsError: true, IsAccessDenied: true, ErrorDescription: reason}, nil
	}

	if subject.ID == "" {
		return deviceFailure("No user present in device flow request"), nil
	}
	for _, sc := range consent.ScopesValuesConsented {
		if !slices.Contains(auth.Scopes, sc) {
			return deviceFailure("Consented scopes were not requested"), nil
		}
	}

	completed, err := s.devices.Approve(ctx, auth.UserCode, device.Approval{
		Subject:              subject.ID,
		SessionID:            subject.SessionID,
		AuthenticationMethod: subject.AuthenticationMethod,
		AuthTime:             subject.AuthTime,
		Scopes:               consent.ScopesValuesConsented,
	})
	if err != nil {
		return completionFailure(span, err)
	}

	if consent.RememberConsent {
		if err := s.rememberConsent(ctx, auth.ClientID, completed.AuthorizedScopes, subject); err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
	}

	s.auditor.LogConsent(ctx, security.EventConsentGranted, subject.ID, auth.ClientID, completed.AuthorizedScopes)
	instrumentation.SetSpanSuccess(span)
	return &DeviceFlowInteractionResult{}, nil
}

// completionFailure maps a failed approve or deny. Losing the race against another
// completion or against expiry is a user-facing failure, anything else is fatal.
func completionFailure(span trace.Span, err error) (*DeviceFlowInteractionResult, error) {
	if errors.Is(err, storage.ErrInvalidTransition) || storage.IsNotFound(err) {
		return deviceFailure("Device authorization is no longer pending"), nil
	}
	instrumentation.RecordError(span, err)
	return nil, err
}
