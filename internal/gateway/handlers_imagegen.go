package gateway

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/haasonsaas/spacebroker/internal/broker"
	"github.com/haasonsaas/spacebroker/internal/observability"
	"github.com/haasonsaas/spacebroker/internal/polljobs"
)

func (s *Server) pollChannel(w http.ResponseWriter, r *http.Request) (Channel, bool) {
	ch, ok := s.channelByID(chi.URLParam(r, "channelID"))
	if !ok || ch.Kind != broker.KindPoll {
		writeJSON(w, http.StatusNotFound, errorBody("unknown channel"))
		return Channel{}, false
	}
	return ch, true
}

func (s *Server) handleImageSubmit(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.pollChannel(w, r)
	if !ok {
		return
	}
	ctx := observability.AddChannel(r.Context(), ch.ID)
	id := identity(r)

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxSubmitBodyBytes))
	if err != nil {
		s.writeError(w, r, errBadRequest("invalid request body"))
		return
	}
	var payload polljobs.SubmitPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			s.writeError(w, r, errBadRequest("invalid JSON body"))
			return
		}
	}

	handle, err := s.admission.Submit(ctx, s.poll, broker.JobRequest{
		ChannelID:   ch.ID,
		RequesterID: id.UserID,
		Tier:        id.Tier,
		Payload:     raw,
	}, ch.Policy)
	if err != nil {
		s.writeError(w, r.WithContext(ctx), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "task_id": handle.ID})
}

// handleImageStatus reports the requester's job slot, polling the provider
// while the job is still processing.
func (s *Server) handleImageStatus(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.pollChannel(w, r)
	if !ok {
		return
	}
	id := identity(r)
	key := polljobs.Key{RequesterID: id.UserID, ChannelID: ch.ID}
	manager := s.poll.Manager()
	timeout := s.poll.Settings(ch.ID).Timeout

	job, found := manager.Poll(r.Context(), key)
	decision := manager.CanStart(key, timeout)
	if !found {
		writeJSON(w, http.StatusOK, map[string]any{
			"success":      true,
			"can_submit":   decision.Allowed,
			"status":       "idle",
			"wait_seconds": 0,
			"result_url":   "",
		})
		return
	}

	body := map[string]any{
		"success":      true,
		"can_submit":   decision.Allowed,
		"status":       job.Status,
		"wait_seconds": decision.WaitSeconds,
		"result_url":   job.ResultURL,
		"task_id":      job.TaskID,
		"model":        job.Model,
		"resolution":   job.Resolution.ID,
	}
	if id.Admin && job.ElapsedSeconds != nil {
		body["elapsed_seconds"] = *job.ElapsedSeconds
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleImageClear(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.pollChannel(w, r)
	if !ok {
		return
	}
	id := identity(r)
	s.poll.Manager().Clear(polljobs.Key{RequesterID: id.UserID, ChannelID: ch.ID})
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleImageModels lists the model catalog and the resolutions a channel
// enables (all presets without a channel_id).
func (s *Server) handleImageModels(w http.ResponseWriter, r *http.Request) {
	resolutions := polljobs.Resolutions
	if channelID := r.URL.Query().Get("channel_id"); channelID != "" {
		if ch, ok := s.channelByID(channelID); ok && ch.Kind == broker.KindPoll {
			resolutions = enabledResolutions(s.poll.Settings(ch.ID).EnabledResolutions)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"models":      polljobs.Models,
		"resolutions": resolutions,
	})
}

// jobView is an admin listing entry; it adds the owner that Job keeps out of
// requester responses.
type jobView struct {
	RequesterID string `json:"requester_id"`
	ChannelID   string `json:"channel_id"`
	polljobs.Job
}

func (s *Server) handleImageJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := s.poll.Manager().Jobs()
	out := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobView{RequesterID: job.Key.RequesterID, ChannelID: job.Key.ChannelID, Job: job})
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "jobs": out})
}

func enabledResolutions(ids []string) []polljobs.Resolution {
	ids = polljobs.EnabledResolutions(ids)
	out := make([]polljobs.Resolution, 0, len(ids))
	for _, id := range ids {
		if res, ok := polljobs.ResolutionByID(id); ok {
			out = append(out, res)
		}
	}
	return out
}
