package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mlevasseur/digicrawl/internal/auth"
	"github.com/mlevasseur/digicrawl/internal/fetch"
)

type runStatusResponse struct {
	RunID      string  `json:"run_id"`
	Processed  int     `json:"processed"`
	Total      int     `json:"total"`
	OK         int     `json:"ok"`
	Failed     int     `json:"failed"`
	NotFound   int     `json:"not_found"`
	GatePassed int     `json:"gate_passed"`
	GateFailed int     `json:"gate_failed"`
	Err403     int     `json:"error_403"`
	Err429     int     `json:"error_429"`
	RPS        float64 `json:"rps"`
	ETASeconds float64 `json:"eta_seconds"`
}

func (s *Server) activeRun(w http.ResponseWriter, _ *http.Request) {
	if s.status == nil {
		writeError(w, http.StatusNotFound, "no active run")
		return
	}
	snap := s.status.State().Snapshot()
	writeJSON(w, http.StatusOK, runStatusResponse{
		RunID:      s.status.RunID(),
		Processed:  snap.Processed,
		Total:      snap.Total,
		OK:         snap.OK,
		Failed:     snap.Failed,
		NotFound:   snap.NotFound,
		GatePassed: snap.GatePassed,
		GateFailed: snap.GateFailed,
		Err403:     snap.Err403,
		Err429:     snap.Err429,
		RPS:        snap.RPS(),
		ETASeconds: snap.ETA(),
	})
}

func (s *Server) progressStats(w http.ResponseWriter, r *http.Request) {
	if s.progress == nil {
		writeError(w, http.StatusNotFound, "progress store unavailable")
		return
	}
	stats, err := s.progress.Stats(r.Context())
	if err != nil {
		s.logger.Error("progress stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "progress stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) scrapeOne(w http.ResponseWriter, r *http.Request) {
	if s.scraper == nil {
		writeError(w, http.StatusNotFound, "scraper unavailable")
		return
	}
	nr, err := strconv.Atoi(chi.URLParam(r, "nr"))
	if err != nil || nr < 0 {
		writeError(w, http.StatusBadRequest, "nr must be a non-negative integer")
		return
	}
	rec, err := s.scraper.ScrapeOne(r.Context(), nr)
	if err != nil {
		switch {
		case errors.Is(err, fetch.ErrNotFound):
			writeError(w, http.StatusNotFound, "record not found")
		case errors.Is(err, auth.ErrAuthFatal):
			writeError(w, http.StatusBadGateway, "backend authentication failed")
		default:
			s.logger.Warn("on-demand scrape failed", zap.Int("nr", nr), zap.Error(err))
			writeError(w, http.StatusBadGateway, "scrape failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
