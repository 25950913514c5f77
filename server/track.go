package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/mail"
	"regexp"
	"strings"

	"profile-notifier/track"
)

const maxBodyBytes = 4 << 10

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

type trackRequest struct {
	Identity  string `json:"identity"`
	Target    string `json:"target"`
	CreatedBy string `json:"created_by"`
}

type trackResponse struct {
	Status   string `json:"status"`
	Identity string `json:"identity"`
}

func isValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	// Use mail.ParseAddress for robust validation
	_, err := mail.ParseAddress(email)
	return err == nil && emailRegex.MatchString(email)
}

// decodeTrackRequest applies the checks shared by /track and /untrack.
// It writes the error response itself and returns false on failure.
func (s *Server) decodeTrackRequest(w http.ResponseWriter, r *http.Request) (*trackRequest, bool) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return nil, false
	}

	ip := clientIP(r)
	if !s.limiter.allow(ip) {
		s.logger.Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		http.Error(w, "Too many requests. Please try again later.", http.StatusTooManyRequests)
		return nil, false
	}

	var req trackRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON body", http.StatusBadRequest)
		return nil, false
	}
	req.Target = strings.ToLower(strings.TrimSpace(req.Target))
	if !isValidEmail(req.Target) {
		http.Error(w, "Invalid email address", http.StatusBadRequest)
		return nil, false
	}
	if req.CreatedBy == "" {
		req.CreatedBy = ip
	}
	return &req, true
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrackRequest(w, r)
	if !ok {
		return
	}

	id, err := s.tracker.Add(r.Context(), req.Identity, req.Target, req.CreatedBy)
	switch {
	case errors.Is(err, track.ErrInvalidIdentity):
		http.Error(w, "Invalid identity", http.StatusBadRequest)
	case errors.Is(err, track.ErrAlreadyTracked):
		s.writeJSON(w, http.StatusOK, trackResponse{Status: "already_tracked", Identity: id})
	case err != nil:
		s.logger.Error("Failed to add subscription", "identity", req.Identity, "error", err)
		http.Error(w, "Failed to create subscription", http.StatusInternalServerError)
	default:
		s.logger.Info("Tracking request accepted", "identity", id, "ip", clientIP(r))
		s.writeJSON(w, http.StatusCreated, trackResponse{Status: "tracked", Identity: id})
	}
}

func (s *Server) handleUntrack(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeTrackRequest(w, r)
	if !ok {
		return
	}

	id, err := s.tracker.Remove(r.Context(), req.Identity, req.Target)
	switch {
	case errors.Is(err, track.ErrInvalidIdentity):
		http.Error(w, "Invalid identity", http.StatusBadRequest)
	case errors.Is(err, track.ErrNotTracked):
		http.Error(w, "Subscription not found", http.StatusNotFound)
	case err != nil:
		s.logger.Error("Failed to remove subscription", "identity", req.Identity, "error", err)
		http.Error(w, "Failed to remove subscription", http.StatusInternalServerError)
	default:
		s.writeJSON(w, http.StatusOK, trackResponse{Status: "untracked", Identity: id})
	}
}
