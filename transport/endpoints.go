package transport

import (
	"context"
	"net/url"

	apperrors "github.com/CreoLive-Network/coordination_layer/errors"
	"github.com/CreoLive-Network/coordination_layer/lifecycle"
)

// Request and response bodies as the coordination backend speaks them.

type coHostRequestBody struct {
	StreamID string `json:"streamId"`
}

type coHostRespondBody struct {
	RequestID string `json:"requestId"`
}

type coHostRemoveBody struct {
	CoHostID string `json:"coHostId"`
	StreamID string `json:"streamId"`
}

type callRequestBody struct {
	TargetID    string                `json:"targetId"`
	ServiceType lifecycle.ServiceType `json:"serviceType"`
	PriceQuoted int64                 `json:"priceQuoted"`
}

type createdResponse struct {
	RequestID string `json:"requestId"`
}

type coHostsResponse struct {
	CoHosts []*lifecycle.CoHostMembership `json:"coHosts"`
}

type coHostRequestsResponse struct {
	Requests []*lifecycle.CoHostRequest `json:"requests"`
}

type callRequestsResponse struct {
	Requests []*lifecycle.CallRequest `json:"requests"`
}

// RequestCoHost submits a co-host request for the stream and returns the
// server-issued request ID.
func (c *Client) RequestCoHost(ctx context.Context, streamID string) (string, error) {
	resp, err := c.Post(ctx, "/co-host-request", coHostRequestBody{StreamID: streamID})
	if err != nil {
		return "", apperrors.Wrap("transport", "RequestCoHost", err)
	}
	var out createdResponse
	if err := DecodeResponse(resp, &out); err != nil {
		return "", apperrors.Wrap("transport", "RequestCoHost", err)
	}
	return out.RequestID, nil
}

// AcceptCoHost accepts a pending co-host request.
func (c *Client) AcceptCoHost(ctx context.Context, requestID string) error {
	resp, err := c.Post(ctx, "/co-host-accept", coHostRespondBody{RequestID: requestID})
	if err != nil {
		return apperrors.Wrap("transport", "AcceptCoHost", err)
	}
	return apperrors.Wrap("transport", "AcceptCoHost", DecodeResponse(resp, nil))
}

// RejectCoHost rejects a pending co-host request.
func (c *Client) RejectCoHost(ctx context.Context, requestID string) error {
	resp, err := c.Post(ctx, "/co-host-reject", coHostRespondBody{RequestID: requestID})
	if err != nil {
		return apperrors.Wrap("transport", "RejectCoHost", err)
	}
	return apperrors.Wrap("transport", "RejectCoHost", DecodeResponse(resp, nil))
}

// RemoveCoHost removes an active co-host from the stream.
func (c *Client) RemoveCoHost(ctx context.Context, coHostID, streamID string) error {
	resp, err := c.Post(ctx, "/co-host-remove", coHostRemoveBody{CoHostID: coHostID, StreamID: streamID})
	if err != nil {
		return apperrors.Wrap("transport", "RemoveCoHost", err)
	}
	return apperrors.Wrap("transport", "RemoveCoHost", DecodeResponse(resp, nil))
}

// ListCoHosts fetches the active co-hosts of a stream.
func (c *Client) ListCoHosts(ctx context.Context, streamID string) ([]*lifecycle.CoHostMembership, error) {
	resp, err := c.Get(ctx, "/co-hosts/"+url.PathEscape(streamID))
	if err != nil {
		return nil, apperrors.Wrap("transport", "ListCoHosts", err)
	}
	var out coHostsResponse
	if err := DecodeResponse(resp, &out); err != nil {
		return nil, apperrors.Wrap("transport", "ListCoHosts", err)
	}
	return out.CoHosts, nil
}

// ListCoHostRequests fetches the caller's visible co-host requests.
func (c *Client) ListCoHostRequests(ctx context.Context) ([]*lifecycle.CoHostRequest, error) {
	resp, err := c.Get(ctx, "/co-host-requests")
	if err != nil {
		return nil, apperrors.Wrap("transport", "ListCoHostRequests", err)
	}
	var out coHostRequestsResponse
	if err := DecodeResponse(resp, &out); err != nil {
		return nil, apperrors.Wrap("transport", "ListCoHostRequests", err)
	}
	return out.Requests, nil
}

// CreateCallRequest submits a paid session request and returns the
// server-issued request ID.
func (c *Client) CreateCallRequest(ctx context.Context, targetID string, serviceType lifecycle.ServiceType, priceQuoted int64) (string, error) {
	body := callRequestBody{TargetID: targetID, ServiceType: serviceType, PriceQuoted: priceQuoted}
	resp, err := c.Post(ctx, "/sessions/requests", body)
	if err != nil {
		return "", apperrors.Wrap("transport", "CreateCallRequest", err)
	}
	var out createdResponse
	if err := DecodeResponse(resp, &out); err != nil {
		return "", apperrors.Wrap("transport", "CreateCallRequest", err)
	}
	return out.RequestID, nil
}

// AcceptCallRequest accepts a pending call request.
func (c *Client) AcceptCallRequest(ctx context.Context, requestID string) error {
	resp, err := c.Post(ctx, "/sessions/requests/"+url.PathEscape(requestID)+"/accept", nil)
	if err != nil {
		return apperrors.Wrap("transport", "AcceptCallRequest", err)
	}
	return apperrors.Wrap("transport", "AcceptCallRequest", DecodeResponse(resp, nil))
}

// DeclineCallRequest declines a pending call request.
func (c *Client) DeclineCallRequest(ctx context.Context, requestID string) error {
	resp, err := c.Post(ctx, "/sessions/requests/"+url.PathEscape(requestID)+"/decline", nil)
	if err != nil {
		return apperrors.Wrap("transport", "DeclineCallRequest", err)
	}
	return apperrors.Wrap("transport", "DeclineCallRequest", DecodeResponse(resp, nil))
}

// ListCallRequests fetches call requests, optionally filtered by status
// (pending, accepted, declined, completed).
func (c *Client) ListCallRequests(ctx context.Context, status string) ([]*lifecycle.CallRequest, error) {
	path := "/sessions/requests"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	resp, err := c.Get(ctx, path)
	if err != nil {
		return nil, apperrors.Wrap("transport", "ListCallRequests", err)
	}
	var out callRequestsResponse
	if err := DecodeResponse(resp, &out); err != nil {
		return nil, apperrors.Wrap("transport", "ListCallRequests", err)
	}
	return out.Requests, nil
}
