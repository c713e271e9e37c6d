package gateway

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/spacebroker/internal/artifacts"
	"github.com/haasonsaas/spacebroker/internal/auth"
)

// handleUploadResult accepts a proxied artifact upload from a worker. The
// caller proves itself with a configured API key or with the signed upload
// token of the request the artifact belongs to.
func (s *Server) handleUploadResult(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		s.writeError(w, r, errBadRequest("invalid multipart body"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	owner, requestID, tok, err := s.uploadOwner(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, r, errBadRequest("file is required"))
		return
	}
	defer file.Close()

	// The token is spent only by an upload that lands; a rejected or failed
	// attempt hands it back for the retry.
	if tok != nil {
		if _, err := s.uploads.Tokens().Redeem(tok.Raw); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	url, err := s.uploads.AcceptUpload(r.Context(), artifacts.Upload{
		Owner:       owner,
		Folder:      r.FormValue("folder"),
		Filename:    header.Filename,
		ContentType: contentType,
		Body:        file,
	})
	if err != nil {
		if tok != nil {
			s.uploads.Tokens().Release(tok.UploadClaims)
		}
		s.writeError(w, r, err)
		return
	}
	s.logger.InfoContext(r.Context(), "artifact uploaded", "user_id", owner, "request_id", requestID, "size", header.Size)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "url": url})
}

// uploadToken is a verified but not yet redeemed upload token.
type uploadToken struct {
	*artifacts.UploadClaims
	Raw string
}

// uploadOwner resolves whose namespace an upload lands in. An upload token
// names its requester; an admin API key may name any user through the
// username field. A token is only verified here, not consumed.
func (s *Server) uploadOwner(r *http.Request) (string, string, *uploadToken, error) {
	token := strings.TrimSpace(r.Header.Get("X-Upload-Token"))
	if token == "" {
		token = strings.TrimSpace(r.FormValue("upload_token"))
	}
	if token != "" {
		tokens := s.uploads.Tokens()
		if tokens == nil {
			return "", "", nil, &unauthorized{msg: "upload tokens are not enabled"}
		}
		claims, err := tokens.Verify(token)
		if err != nil {
			return "", "", nil, err
		}
		if rid := r.FormValue("request_id"); rid != "" && rid != claims.RequestID {
			return "", "", nil, &unauthorized{msg: "upload token does not match request_id"}
		}
		return claims.Subject, claims.RequestID, &uploadToken{UploadClaims: claims, Raw: token}, nil
	}

	credential := auth.Credential(r)
	if credential == "" || !s.auth.Enabled() {
		return "", "", nil, &unauthorized{msg: "upload token or API key required"}
	}
	id, err := s.auth.Authenticate(credential)
	if err != nil {
		return "", "", nil, &unauthorized{msg: "invalid credentials"}
	}
	owner := id.UserID
	if username := strings.TrimSpace(r.FormValue("username")); username != "" && id.Admin {
		owner = username
	}
	return owner, r.FormValue("request_id"), nil, nil
}
