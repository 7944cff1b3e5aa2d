package token

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	sserr "github.com/StricklySoft/cell-sts/pkg/errors"
)

// EndpointHandler serves the token endpoint consumed by [RemoteMinter]:
// POST a form with subject, optional scope (space separated) and audience
// (repeated or comma separated); receive {"token": "<jwt>"}.
type EndpointHandler struct {
	minter   Minter
	username string
	password string
	logger   *slog.Logger
}

// NewEndpointHandler returns a handler minting through minter for callers
// presenting username and password as basic auth. With an empty username
// no caller is authorized and every request is refused.
func NewEndpointHandler(minter Minter, username, password string, logger *slog.Logger) *EndpointHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointHandler{minter: minter, username: username, password: password, logger: logger}
}

func (h *EndpointHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, sserr.New(sserr.CodeValidation, "token: method not allowed"), http.StatusMethodNotAllowed)
		return
	}
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="cell-sts"`)
		writeError(w, sserr.Unauthorized("token: invalid credentials"), 0)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := r.ParseForm(); err != nil {
		writeError(w, sserr.Wrap(err, sserr.CodeValidationFormat, "token: malformed form"), 0)
		return
	}
	subject := strings.TrimSpace(r.PostForm.Get("subject"))
	if subject == "" {
		writeError(w, sserr.New(sserr.CodeValidationRequired, "token: subject is required"), 0)
		return
	}

	var audience []string
	for _, v := range r.PostForm["audience"] {
		audience = append(audience, strings.Split(v, ",")...)
	}

	signed, err := h.minter.Mint(r.Context(), MintRequest{
		Subject:  subject,
		Audience: audience,
		Scope:    strings.Fields(r.PostForm.Get("scope")),
	})
	if err != nil {
		h.logger.Error("token: mint failed", "subject", subject, "error", err)
		writeError(w, sserr.FromError(err), 0)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(mintResponse{Token: signed})
}

func (h *EndpointHandler) authorized(r *http.Request) bool {
	if h.username == "" {
		return false
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(h.username)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(h.password)) == 1
	return userOK && passOK
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err *sserr.Error, status int) {
	if status == 0 {
		status = err.HTTPStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Code: err.Code.String(), Message: err.Message})
}
