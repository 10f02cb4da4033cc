package server

import (
	"encoding/json"
	"net/http"

	"github.com/jonathan/brandpulse/internal/brand"
)

// handleGetConfig returns all brands from the YAML repository.
func (s *Server) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	brands, err := s.brands.Load()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to load brand repo: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"brands": brands})
}

// handlePutConfig updates or creates one brand in the YAML repository.
// Requires admin authentication.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var b brand.Brand
	if err := json.NewDecoder(r.Body).Decode(&b); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(b); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "id and display_name are required")
		return
	}

	if err := s.brands.Save(b); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to save brand: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, b)
}
