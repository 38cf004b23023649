package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	apperrors "github.com/citation-checker/internal/errors"
	"github.com/citation-checker/internal/models"
	"github.com/citation-checker/internal/service"
	"github.com/citation-checker/internal/types"
)

// ValidateRequest is the request body of both validation endpoints
type ValidateRequest struct {
	Citations string `json:"citations"`
	Style     string `json:"style"`
}

// AsyncAccepted is returned by POST /validate/async
type AsyncAccepted struct {
	JobID  string          `json:"job_id"`
	Status types.JobStatus `json:"status"`
}

// JobView is a job snapshot plus the counters clients poll for
type JobView struct {
	*models.Job
	Partial            bool `json:"partial"`
	CitationsChecked   int  `json:"citations_checked"`
	CitationsRemaining int  `json:"citations_remaining"`
}

// handleValidate handles POST /validate
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, err := s.readValidateRequest(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	resp, err := s.validation.ValidateSync(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, resp)
}

// handleValidateAsync handles POST /validate/async
func (s *Server) handleValidateAsync(w http.ResponseWriter, r *http.Request) {
	req, err := s.readValidateRequest(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	job, err := s.validation.SubmitAsync(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Location", "/jobs/"+job.JobID)
	respondJSON(w, http.StatusAccepted, AsyncAccepted{JobID: job.JobID, Status: job.Status})
}

// handleGetJob handles GET /jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	if strings.TrimSpace(jobID) == "" {
		respondServiceError(w, r, apperrors.NewInvalidInputError("job_id", "required"))
		return
	}

	job, err := s.validation.GetJob(r.Context(), jobID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, JobView{
		Job:                job,
		Partial:            job.Partial(),
		CitationsChecked:   job.CitationsChecked(),
		CitationsRemaining: job.CitationsRemaining(),
	})
}

// readValidateRequest decodes the body and the routing headers
func (s *Server) readValidateRequest(r *http.Request) (*service.Request, error) {
	var body ValidateRequest
	if err := parseJSONBody(r, &body); err != nil {
		return nil, apperrors.NewInvalidInputError("body", err.Error())
	}
	if strings.TrimSpace(body.Citations) == "" {
		return nil, apperrors.NewInvalidInputError("citations", "required")
	}

	var preference types.Provider
	if raw := strings.TrimSpace(r.Header.Get(HeaderProviderPreference)); raw != "" {
		p, ok := types.ParseProvider(strings.ToLower(raw))
		if !ok {
			return nil, apperrors.NewInvalidInputError(HeaderProviderPreference, "must be provider_a or provider_b")
		}
		preference = p
	}

	return &service.Request{
		AccountToken:       strings.TrimSpace(r.Header.Get(HeaderAccountToken)),
		ClientID:           clientID(r),
		ProviderPreference: preference,
		Citations:          body.Citations,
		Style:              strings.TrimSpace(body.Style),
	}, nil
}

// clientID identifies a free-tier client: the X-Free-User-Id header, else the remote host
func clientID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(HeaderFreeUserID)); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
