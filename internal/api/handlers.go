package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/sports-provider-crawler/internal/crawler"
	"github.com/JakeFAU/sports-provider-crawler/internal/frontier"
	"github.com/JakeFAU/sports-provider-crawler/internal/identity"
	"github.com/JakeFAU/sports-provider-crawler/internal/saga"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

func (s *Server) createResourceIndex(w http.ResponseWriter, r *http.Request) {
	var reg frontier.Registration
	if err := decodeJSON(r, &reg); err != nil {
		s.fail(w, r, "register resource index", err)
		return
	}
	row, err := s.deps.Frontier.Register(r.Context(), reg)
	if err != nil {
		s.fail(w, r, "register resource index", err)
		return
	}
	writeJSON(w, http.StatusCreated, row)
}

func (s *Server) getResourceIndex(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Frontier.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "get resource index", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

func (s *Server) disableResourceIndex(w http.ResponseWriter, r *http.Request) {
	row, err := s.deps.Frontier.Disable(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, "disable resource index", err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

type seedRequest struct {
	URI                        string   `json:"uri"`
	Sport                      string   `json:"sport"`
	DocumentType               string   `json:"document_type"`
	Provider                   string   `json:"source_data_provider"`
	SeasonYear                 *int     `json:"season_year,omitempty"`
	Shape                      string   `json:"shape,omitempty"`
	CorrelationID              string   `json:"correlation_id,omitempty"`
	IncludeLinkedDocumentTypes []string `json:"include_linked_document_types,omitempty"`
	NotifyOnCompletion         bool     `json:"notify_on_completion,omitempty"`
}

func (s *Server) seedDocument(w http.ResponseWriter, r *http.Request) {
	var body seedRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, "seed document", err)
		return
	}
	req, err := s.toDocumentRequested(body)
	if err != nil {
		s.fail(w, r, "seed document", err)
		return
	}
	if err := s.deps.Publisher.Publish(r.Context(), req); err != nil {
		s.fail(w, r, "seed document", err)
		return
	}
	s.logger.Info("document seeded",
		zap.String("url", req.URI),
		zap.String("url_hash", req.ID),
		zap.String("document_type", string(req.DocumentType)),
		zap.String("correlation_id", req.CorrelationID),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":             req.ID,
		"correlation_id": req.CorrelationID,
	})
}

func (s *Server) toDocumentRequested(body seedRequest) (crawler.DocumentRequested, error) {
	ref, err := identity.Generate(body.URI)
	if err != nil {
		return crawler.DocumentRequested{}, fmt.Errorf("%w: %v", crawler.ErrInvalidValue, err)
	}
	sport, err := crawler.ParseSport(body.Sport)
	if err != nil {
		return crawler.DocumentRequested{}, err
	}
	documentType, err := crawler.ParseDocumentType(body.DocumentType)
	if err != nil {
		return crawler.DocumentRequested{}, err
	}
	provider, err := crawler.ParseProvider(body.Provider)
	if err != nil {
		return crawler.DocumentRequested{}, err
	}
	shape, err := crawler.ParseShape(body.Shape)
	if err != nil {
		return crawler.DocumentRequested{}, err
	}
	var linked []crawler.DocumentType
	for _, raw := range body.IncludeLinkedDocumentTypes {
		dt, err := crawler.ParseDocumentType(raw)
		if err != nil {
			return crawler.DocumentRequested{}, err
		}
		linked = append(linked, dt)
	}
	correlationID := body.CorrelationID
	if correlationID == "" {
		if correlationID, err = s.deps.IDs.NewID(); err != nil {
			return crawler.DocumentRequested{}, fmt.Errorf("generate correlation id: %w", err)
		}
	}
	return crawler.DocumentRequested{
		ID:                         ref.URLHash,
		URI:                        body.URI,
		Sport:                      sport,
		SeasonYear:                 body.SeasonYear,
		DocumentType:               documentType,
		SourceDataProvider:         provider,
		CorrelationID:              correlationID,
		CausationID:                ref.URLHash,
		IncludeLinkedDocumentTypes: linked,
		Shape:                      shape,
		NotifyOnCompletion:         body.NotifyOnCompletion,
	}, nil
}

type historicalRunRequest struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	saga.Plan
}

func (s *Server) startHistoricalRun(w http.ResponseWriter, r *http.Request) {
	var body historicalRunRequest
	if err := decodeJSON(r, &body); err != nil {
		s.fail(w, r, "start historical run", err)
		return
	}
	run, err := body.Plan.StartRun(body.CorrelationID, 0)
	if err != nil {
		s.fail(w, r, "start historical run", err)
		return
	}
	state, err := s.deps.Runs.Start(r.Context(), run)
	if err != nil {
		s.fail(w, r, "start historical run", err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"correlation_id": state.CorrelationID,
		"status":         state.Status,
		"tiers":          len(state.Tiers),
	})
}

func (s *Server) getHistoricalRun(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Sagas.GetSaga(r.Context(), chi.URLParam(r, "correlation_id"))
	if err != nil {
		s.fail(w, r, "get historical run", err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	if s.deps.DeadLetters == nil {
		writeError(w, http.StatusServiceUnavailable, "dead letter store unavailable")
		return
	}
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		s.fail(w, r, "list dead letters", err)
		return
	}
	letters, err := s.deps.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		s.fail(w, r, "list dead letters", err)
		return
	}
	if letters == nil {
		letters = []crawler.DocumentDeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": letters})
}

func parseLimit(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultDeadLetterLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: limit must be a positive integer", crawler.ErrInvalidValue)
	}
	return min(limit, maxDeadLetterLimit), nil
}
