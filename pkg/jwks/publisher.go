// Package jwks publishes this cell's verification key and fetches the key
// sets of other cells.
//
// [Publisher] is an unauthenticated http.Handler that returns a single-key
// JSON Web Key Set for any request. [RemoteKeySource] caches parsed key
// sets per URI and supports a forced refresh so a verifier can tolerate a
// peer restarting with a new key.
package jwks

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-jose/go-jose/v4"

	"github.com/StricklySoft/cell-sts/pkg/keys"
)

// Algorithm is the only signing algorithm Cell STS issues and accepts.
const Algorithm = "RS256"

// Publisher serves the public half of a cell's key material.
type Publisher struct {
	keys   keys.Provider
	logger *slog.Logger
}

// NewPublisher returns a Publisher for provider. A nil logger uses
// slog.Default.
func NewPublisher(provider keys.Provider, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{keys: provider, logger: logger}
}

// KeySet builds the published document.
func (p *Publisher) KeySet() (jose.JSONWebKeySet, error) {
	m, err := p.keys.Material()
	if err != nil {
		return jose.JSONWebKeySet{}, err
	}
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
		Key:       m.PublicKey,
		KeyID:     m.Thumbprint(),
		Algorithm: Algorithm,
		Use:       "sig",
	}}}, nil
}

// ServeHTTP answers every path and method with the key set.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	set, err := p.KeySet()
	if err != nil {
		p.logger.Error("jwks: key material unavailable", "error", err)
		http.Error(w, "key material unavailable", http.StatusInternalServerError)
		return
	}
	body, err := json.Marshal(set)
	if err != nil {
		p.logger.Error("jwks: failed to encode key set", "error", err)
		http.Error(w, "failed to encode key set", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
