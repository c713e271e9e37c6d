package gateway

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/spacebroker/internal/auth"
	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/internal/observability"
	"github.com/haasonsaas/spacebroker/internal/ratelimit"
	"github.com/haasonsaas/spacebroker/internal/usage"
)

const maxSubmitBodyBytes = 1 << 20

// handleSubmit admits a job for the worker bound to the channel.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	ch, ok := s.channelByID(channelID)
	if !ok || ch.Kind != broker.KindPush {
		writeJSON(w, http.StatusNotFound, errorBody("unknown channel"))
		return
	}
	ctx := observability.AddChannel(r.Context(), ch.ID)
	id := identity(r)

	payload, err := readSubmitPayload(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := validatePushPayload(payload); err != nil {
		s.writeError(w, r, err)
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	handle, err := s.admission.Submit(ctx, s.push, broker.JobRequest{
		ChannelID:   ch.ID,
		RequesterID: id.UserID,
		Tier:        id.Tier,
		Payload:     raw,
	}, ch.Policy)
	if err != nil {
		s.writeError(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"request_id": handle.ID,
	})
}

func (s *Server) handleRequestStatus(w http.ResponseWriter, r *http.Request) {
	requestID := strings.TrimSpace(r.URL.Query().Get("request_id"))
	if requestID == "" {
		s.writeError(w, r, errBadRequest("request_id is required"))
		return
	}
	st, err := s.push.Status(r.Context(), requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request_id": st.ID,
		"status":     st.Status,
		"result":     st.Result,
		"created_at": st.CreatedAt,
		"updated_at": st.UpdatedAt,
	})
}

func (s *Server) handleChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"channels": s.broker.Channels(),
		"records":  s.broker.Records(),
	})
}

// cooldownView is the requester-facing cooldown state of one channel.
type cooldownView struct {
	AllowedNow bool `json:"allowed_now"`
	RetryAfter int  `json:"retry_after"`
}

type usageResponse struct {
	usage.Snapshot
	Cooldowns map[string]cooldownView `json:"cooldowns"`
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	snap, err := s.quota.Snapshot(r.Context(), id.UserID, id.Tier)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := usageResponse{Snapshot: snap, Cooldowns: map[string]cooldownView{}}
	if s.admission != nil {
		for chID := range s.channels.Load().byID {
			st := s.admission.Cooldown(id.UserID, chID)
			view := cooldownView{AllowedNow: st.AllowedNow}
			if !st.AllowedNow {
				view.RetryAfter = ratelimit.RetryAfterSeconds(st.RetryAfter)
			}
			resp.Cooldowns[chID] = view
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func identity(r *http.Request) auth.Identity {
	if id, ok := auth.IdentityFromContext(r.Context()); ok {
		return id
	}
	return auth.Anonymous
}

// readSubmitPayload accepts a JSON object or form fields. Every field is
// forwarded to the worker as-is.
func readSubmitPayload(r *http.Request) (map[string]any, error) {
	r.Body = http.MaxBytesReader(nil, r.Body, maxSubmitBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	payload := map[string]any{}
	switch mediaType {
	case "application/json", "":
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			return nil, errBadRequest(fmt.Sprintf("invalid JSON body: %v", err))
		}
	case "multipart/form-data":
		if err := r.ParseMultipartForm(maxSubmitBodyBytes); err != nil {
			return nil, errBadRequest("invalid form body")
		}
		for key, values := range r.MultipartForm.Value {
			if len(values) > 0 {
				payload[key] = values[0]
			}
		}
	default:
		if err := r.ParseForm(); err != nil {
			return nil, errBadRequest("invalid form body")
		}
		for key, values := range r.PostForm {
			if len(values) > 0 {
				payload[key] = values[0]
			}
		}
	}
	return payload, nil
}

func validatePushPayload(payload map[string]any) error {
	if stringField(payload, "prompt") == "" {
		return errBadRequest("prompt is required")
	}
	if stringField(payload, "audio_url") == "" && stringField(payload, "audio") == "" {
		return errBadRequest("audio_url is required")
	}
	return nil
}

func stringField(payload map[string]any, key string) string {
	v, _ := payload[key].(string)
	return strings.TrimSpace(v)
}
