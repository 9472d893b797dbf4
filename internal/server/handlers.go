package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"deployhook/internal/deployment"
	"deployhook/internal/event"

	"github.com/google/go-github/v57/github"
)

const (
	DefaultMaxPayloadBytes = 1_000_000 // 1 MB
)

// HandleWebhook handles GitHub webhook requests.
//
// Order matters: the body is size-limited, then authenticated, and only
// then parsed. Every accepted request gets a plain "OK"; deployments run
// after the response on the dispatcher.
func (s *Server) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := github.WebHookType(r)
	deliveryID := github.DeliveryID(r)
	logger := s.Logger.With("event", eventType, "delivery_id", deliveryID)

	limit := s.MaxPayloadBytes
	if limit <= 0 {
		limit = DefaultMaxPayloadBytes
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			logger.Warn("Payload too large", "limit", limit)
			s.respondText(w, http.StatusRequestEntityTooLarge, "Payload too large")
			return
		}
		logger.Error("Failed to read request body", "error", err)
		s.respondText(w, http.StatusInternalServerError, "Failed to read payload")
		return
	}

	// Verify signature
	if !VerifySignature(body, r.Header.Get(github.SHA256SignatureHeader), s.Secret) {
		logger.Warn("Invalid signature", "remote_addr", r.RemoteAddr)
		s.respondText(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	classification, err := event.Classify(eventType, body)
	if err != nil {
		logger.Error("Malformed push payload", "error", err)
		s.respondText(w, http.StatusInternalServerError, "Malformed payload")
		return
	}

	switch classification.Kind {
	case event.KindPing:
		logger.Info("Ping received")

	case event.KindIgnored:
		logger.Info("Ignoring event")

	case event.KindPush:
		push := classification.Push
		logger = logger.With("repo", push.RepositoryName, "branch", push.Branch, "commit", push.Commit)

		rule, ok := s.Rules.Match(push.RepositoryName, push.Branch)
		if !ok {
			logger.Info("No deployment rule matched")
			break
		}

		job := deployment.NewJob(rule, push, deliveryID)
		logger.Info("Deployment queued", "job_id", job.ID, "target", job.Rule.Target, "app", job.Rule.AppName)
		s.Dispatcher.Submit(job)
	}

	s.respondText(w, http.StatusOK, "OK")
}

// HandleHealth reports the loaded rules and the number of unfinished jobs.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	set := s.Rules.Current()

	var inFlight int64
	if s.Dispatcher != nil {
		inFlight = s.Dispatcher.InFlight()
	}

	response := map[string]interface{}{
		"status":            "ok",
		"rule_count":        set.Len(),
		"rules_fingerprint": set.Fingerprint(),
		"in_flight":         inFlight,
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.respondText(w, http.StatusNotFound, "Not found")
}

// respondText sends a plain-text response
func (s *Server) respondText(w http.ResponseWriter, statusCode int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(statusCode)
	if _, err := io.WriteString(w, msg); err != nil {
		s.Logger.Error("Failed to write response", "error", err)
	}
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
