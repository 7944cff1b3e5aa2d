package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/StricklySoft/cell-sts/internal/httpx"
	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

// MintRequest describes a token to mint. Empty fields take the minter's
// defaults.
type MintRequest struct {
	Subject  string
	Issuer   string
	Audience []string
	Scope    []string
}

// Minter produces signed tokens.
type Minter interface {
	Mint(ctx context.Context, req MintRequest) (string, error)
}

// LocalMinter signs with the local [Issuer] under a fixed issuer name,
// normally this cell's "<cell>--sts-service".
type LocalMinter struct {
	Issuer     *Issuer
	IssuerName string
}

// Mint implements [Minter]. req.Issuer is ignored.
func (m *LocalMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	req.Issuer = m.IssuerName
	return m.Issuer.Mint(ctx, req)
}

// RemoteMinter asks another STS token endpoint to mint. The request is a
// form POST with subject, scope and audience fields; the answer is
// {"token": "<jwt>"}.
type RemoteMinter struct {
	endpoint string
	username string
	password string
	client   *httpx.Client
}

// NewRemoteMinter returns a RemoteMinter for endpoint. Basic auth is sent
// when username is non-empty.
func NewRemoteMinter(endpoint, username, password string, client *httpx.Client) *RemoteMinter {
	if client == nil {
		client = httpx.New(nil)
	}
	return &RemoteMinter{endpoint: endpoint, username: username, password: password, client: client}
}

type mintResponse struct {
	Token string `json:"token"`
}

// Mint implements [Minter]. Any transport failure, non-200 status or
// response without a token fails with [sserr.CodeUnavailableMint].
func (m *RemoteMinter) Mint(ctx context.Context, req MintRequest) (string, error) {
	form := url.Values{}
	form.Set("subject", req.Subject)
	if len(req.Scope) > 0 {
		form.Set("scope", strings.Join(req.Scope, " "))
	}
	for _, a := range req.Audience {
		form.Add("audience", a)
	}

	hreq := httpx.Request{
		Method:      http.MethodPost,
		URL:         m.endpoint,
		Body:        []byte(form.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}
	if m.username != "" {
		hreq.Username, hreq.Password = m.username, m.password
	}

	resp, err := m.client.Do(ctx, hreq)
	if err != nil {
		return "", sserr.Wrap(err, sserr.CodeUnavailableMint, "token: remote mint request failed")
	}
	if resp.StatusCode != http.StatusOK {
		return "", sserr.Newf(sserr.CodeUnavailableMint, "token: remote mint returned status %d", resp.StatusCode)
	}
	var out mintResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", sserr.Wrap(err, sserr.CodeUnavailableMint, "token: remote mint returned invalid JSON")
	}
	if out.Token == "" {
		return "", sserr.New(sserr.CodeUnavailableMint, "token: remote mint returned no token")
	}
	return out.Token, nil
}
