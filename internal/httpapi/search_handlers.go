package httpapi

import (
	"net/http"

	"github.com/numhive/platform/internal/errors"
	"github.com/numhive/platform/internal/search"
)

func (s *Server) handleSearchServices(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeError(w, errors.Internal("search is not configured", nil).WithStatus(http.StatusNotImplemented))
		return
	}
	q := r.URL.Query()
	page, limit := pageParams(r)
	rows, total, err := s.market.Services(r.Context(), q.Get("q"), search.Page{Page: page, PerPage: limit}, q.Get("sort"))
	if err != nil {
		writeError(w, err)
		return
	}
	items := make([]serviceAggregateView, 0, len(rows))
	for _, a := range rows {
		items = append(items, newServiceAggregateView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": total,
		"page":  page,
		"limit": limit,
	})
}

func (s *Server) handleSearchCountries(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeError(w, errors.Internal("search is not configured", nil).WithStatus(http.StatusNotImplemented))
		return
	}
	q := r.URL.Query()
	service := q.Get("service")
	if service == "" {
		writeError(w, errors.MissingField("service"))
		return
	}
	rows, err := s.market.Countries(r.Context(), service, q.Get("q"))
	if err != nil {
		writeError(w, err)
		return
	}
	countries := make([]countryAggregateView, 0, len(rows))
	for _, a := range rows {
		countries = append(countries, newCountryAggregateView(a))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"countries": countries,
		"total":     len(countries),
	})
}

func (s *Server) handleSearchProviders(w http.ResponseWriter, r *http.Request) {
	if s.market == nil {
		writeError(w, errors.Internal("search is not configured", nil).WithStatus(http.StatusNotImplemented))
		return
	}
	q := r.URL.Query()
	service, country := q.Get("service"), q.Get("country")
	if service == "" {
		writeError(w, errors.MissingField("service"))
		return
	}
	if country == "" {
		writeError(w, errors.MissingField("country"))
		return
	}
	rows, err := s.market.Providers(r.Context(), service, country)
	if err != nil {
		writeError(w, err)
		return
	}
	providers := make([]offerView, 0, len(rows))
	for _, o := range rows {
		providers = append(providers, newOfferView(o))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": providers,
		"total":     len(providers),
	})
}
