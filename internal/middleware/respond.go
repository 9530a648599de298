package middleware

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"

	"github.com/darktower/conference-control/internal/apperr"
)

// errorBody is the wire shape of every error response.
type errorBody struct {
	Code              string   `json:"code"`
	Message           string   `json:"message"`
	RequiredScope     string   `json:"required_scope,omitempty"`
	ProvidedScopes    []string `json:"provided_scopes,omitempty"`
	RetryAfterSeconds int      `json:"retry_after_seconds,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

var respondLogger = log.New(log.Writer(), "[HTTP] ", log.LstdFlags)

// WriteJSON writes a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			respondLogger.Printf("warn: response encode failed: %v", err)
		}
	}
}

// WriteError renders err as the standard envelope. Internal causes are
// logged here and never reach the client. realm feeds WWW-Authenticate on
// 401/403.
func WriteError(w http.ResponseWriter, realm string, err error) {
	ae := apperr.AsError(err)
	status := ae.Kind.HTTPStatus()

	if ae.Cause != nil || status >= 500 {
		// The hash lets an operator grep for repeats of the same cause
		// without the cause ever reaching the client.
		respondLogger.Printf("request failed [%s]: %v", correlationHash(ae), ae)
	}

	switch status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm))
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope", error_description="Requires scope: %s"`,
				realm, ae.RequiredScope))
	case http.StatusTooManyRequests:
		retry := ae.RetryAfterSeconds
		if retry < 1 {
			retry = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}

	WriteJSON(w, status, errorEnvelope{Error: errorBody{
		Code:              string(ae.Kind),
		Message:           ae.Message,
		RequiredScope:     ae.RequiredScope,
		ProvidedScopes:    ae.ProvidedScopes,
		RetryAfterSeconds: ae.RetryAfterSeconds,
	}})
}

// correlationHash is the first 8 hex chars of the SHA-256 of the full
// error chain.
func correlationHash(err error) string {
	sum := sha256.Sum256([]byte(err.Error()))
	return hex.EncodeToString(sum[:4])
}
