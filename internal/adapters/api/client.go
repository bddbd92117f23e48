// Package api talks to the web application's HTTP API: guest session
// verification, exit events and member management.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dkeye/Plaza/internal/domain"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

const sessionCookie = "next-auth.session-token"

// Client is safe for concurrent use.
type Client struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Timeout: timeout,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type apiError struct {
	Error string `json:"error"`
}

type request struct {
	method string
	path   string
	body   any
	header http.Header
}

// do sends req and decodes a 2xx body into out when out is non-nil.
// Non-2xx responses become external domain errors carrying the API message.
func (c *Client) do(ctx context.Context, req request, out any, fallback string) error {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	var body io.Reader
	if req.body != nil {
		raw, err := json.Marshal(req.body)
		if err != nil {
			return fmt.Errorf("encode %s body: %w", req.path, err)
		}
		body = bytes.NewReader(raw)
	}
	hr, err := http.NewRequestWithContext(ctx, req.method, c.BaseURL+req.path, body)
	if err != nil {
		return fmt.Errorf("build %s request: %w", req.path, err)
	}
	hr.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		hr.Header.Set("x-api-key", c.APIKey)
	}
	for k, vs := range req.header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}

	resp, err := c.HTTP.Do(hr)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.WrapError(domain.CodeExternalTimeout, domain.KindExternal, fallback, err)
		}
		return domain.WrapError(domain.CodeVerifyAPIFailed, domain.KindExternal, fallback, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&ae)
		msg := fallback
		if ae.Error != "" {
			msg = ae.Error
		}
		return domain.WrapError(domain.CodeVerifyAPIFailed, domain.KindExternal, msg,
			fmt.Errorf("%s %s: status %d", req.method, req.path, resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.WrapError(domain.CodeVerifyAPIFailed, domain.KindExternal, fallback,
			fmt.Errorf("decode %s response: %w", req.path, err))
	}
	return nil
}

type verifyRequest struct {
	SessionToken string `json:"sessionToken"`
	SpaceID      string `json:"spaceId"`
}

type verifyResponse struct {
	ParticipantID string `json:"participantId"`
	Nickname      string `json:"nickname"`
	Avatar        string `json:"avatar"`
	Error         string `json:"error"`
}

// VerifyGuest asks the API whether token is a live guest session for space.
func (c *Client) VerifyGuest(ctx context.Context, token string, space domain.SpaceID) (domain.GuestProfile, error) {
	var out verifyResponse
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   "/api/guest/verify",
		body:   verifyRequest{SessionToken: token, SpaceID: string(space)},
	}, &out, "Session verification failed.")
	if err != nil {
		return domain.GuestProfile{}, err
	}
	if out.Error != "" || out.ParticipantID == "" {
		return domain.GuestProfile{}, domain.NewError(domain.CodeSessionInvalid, domain.KindAdmission, "Invalid session.")
	}
	return domain.GuestProfile{
		ParticipantID: domain.ParticipantID(out.ParticipantID),
		Nickname:      out.Nickname,
		Avatar:        domain.AvatarColor(out.Avatar),
	}, nil
}

type guestEvent struct {
	SessionToken string         `json:"sessionToken"`
	SpaceID      string         `json:"spaceId"`
	EventType    string         `json:"eventType"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// LogExit records that the holder of token left space. Dev and empty
// tokens are ignored.
func (c *Client) LogExit(ctx context.Context, token string, space domain.SpaceID, reason string) error {
	l := log.With().Str("module", "adapters.api").Str("space", string(space)).Logger()
	kind, rest := domain.ClassifyToken(token)
	switch kind {
	case domain.TokenAuth:
		user, err := subjectOf(rest)
		if err != nil {
			return domain.WrapError(domain.CodeEventLogFailed, domain.KindExternal, "Exit log failed.", err)
		}
		err = c.do(ctx, request{
			method: http.MethodDelete,
			path:   "/api/spaces/" + url.PathEscape(string(space)) + "/visit",
			header: http.Header{"x-user-id": []string{user}},
		}, nil, "Exit log failed.")
		if err != nil {
			return withCode(err, domain.CodeEventLogFailed)
		}
		l.Debug().Str("user", user).Msg("auth exit logged")
		return nil

	case domain.TokenGuest:
		var out struct {
			Logged bool `json:"logged"`
		}
		err := c.do(ctx, request{
			method: http.MethodPost,
			path:   "/api/guest/event",
			body: guestEvent{
				SessionToken: token,
				SpaceID:      string(space),
				EventType:    "EXIT",
				Payload:      map[string]any{"reason": reason},
			},
		}, &out, "Exit log failed.")
		if err != nil {
			return withCode(err, domain.CodeEventLogFailed)
		}
		l.Debug().Bool("logged", out.Logged).Msg("guest exit logged")
		return nil
	}
	return nil
}

// subjectOf reads the user id out of an auth token. The gateway already
// verified the signature on join.
func subjectOf(raw string) (string, error) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return "", fmt.Errorf("parse auth token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("auth token has no subject")
	}
	return claims.Subject, nil
}

func withCode(err error, code domain.Code) error {
	var de *domain.Error
	if errors.As(err, &de) && de.Code == domain.CodeVerifyAPIFailed {
		return domain.WrapError(code, de.Kind, de.Message, de.Err)
	}
	return err
}

func (c *Client) memberPath(space domain.SpaceID, memberID, action string) string {
	return "/api/spaces/" + url.PathEscape(string(space)) + "/members/" + url.PathEscape(memberID) + "/" + action
}

func sessionHeader(token string) http.Header {
	return http.Header{"Cookie": []string{sessionCookie + "=" + strings.TrimPrefix(token, "auth-")}}
}

type muteRequest struct {
	Duration *int   `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Mute returns the RFC 3339 expiry reported by the API, or "" for an
// indefinite mute.
func (c *Client) Mute(ctx context.Context, space domain.SpaceID, memberID, token string, duration *int, reason string) (string, error) {
	var out struct {
		MutedUntil string `json:"mutedUntil"`
	}
	err := c.do(ctx, request{
		method: http.MethodPost,
		path:   c.memberPath(space, memberID, "mute"),
		body:   muteRequest{Duration: duration, Reason: reason},
		header: sessionHeader(token),
	}, &out, "Mute failed.")
	if err != nil {
		return "", err
	}
	return out.MutedUntil, nil
}

func (c *Client) Unmute(ctx context.Context, space domain.SpaceID, memberID, token string) error {
	return c.do(ctx, request{
		method: http.MethodDelete,
		path:   c.memberPath(space, memberID, "mute"),
		header: sessionHeader(token),
	}, nil, "Unmute failed.")
}

type kickRequest struct {
	Reason string `json:"reason,omitempty"`
	Ban    bool   `json:"ban"`
}

func (c *Client) Kick(ctx context.Context, space domain.SpaceID, memberID, token, reason string, ban bool) error {
	return c.do(ctx, request{
		method: http.MethodPost,
		path:   c.memberPath(space, memberID, "kick"),
		body:   kickRequest{Reason: reason, Ban: ban},
		header: sessionHeader(token),
	}, nil, "Kick failed.")
}
