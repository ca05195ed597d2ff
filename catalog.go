/*
Copyright © 2026 The matchroom authors
*/

// Catalog collaborator
//
// Rooms never talk to the catalog themselves; they only carry selection
// criteria. These handlers sit next to the websocket gateway and let
// clients browse a Plex-style media server: list its libraries, fetch
// filtered items, or count how many items a set of criteria yields. The
// caller supplies the server URL and access token per request.

package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
)

type Catalog struct {
	client *http.Client
}

func newCatalog() *Catalog {
	return &Catalog{
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type Library struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

type libraryResponse struct {
	MediaContainer struct {
		Directory []struct {
			Key   string `json:"key"`
			Title string `json:"title"`
			Type  string `json:"type"`
		} `json:"Directory"`
	} `json:"MediaContainer"`
}

type itemResponse struct {
	MediaContainer struct {
		Metadata []struct {
			RatingKey     string  `json:"ratingKey"`
			Title         string  `json:"title"`
			Year          int     `json:"year"`
			Summary       string  `json:"summary"`
			Thumb         string  `json:"thumb"`
			Tagline       string  `json:"tagline"`
			Duration      int     `json:"duration"`
			ContentRating string  `json:"contentRating"`
			Rating        float64 `json:"rating"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

func (c *Catalog) get(baseURL, token, path string, params url.Values, out any) error {
	req, err := http.NewRequest(http.MethodGet, baseURL+path, nil)
	if err != nil {
		return err
	}
	req.URL.RawQuery = params.Encode()
	req.Header.Set("X-Plex-Token", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("catalog returned %s for %s", resp.Status, path)
	}

	return json.NewDecoder(resp.Body).Decode(out)
}

// Libraries lists the sections of the catalog server.
func (c *Catalog) Libraries(baseURL, token string) ([]Library, error) {
	var parsed libraryResponse
	if err := c.get(baseURL, token, "/library/sections", nil, &parsed); err != nil {
		return nil, err
	}

	libraries := make([]Library, 0, len(parsed.MediaContainer.Directory))
	for _, dir := range parsed.MediaContainer.Directory {
		libraries = append(libraries, Library{
			Key:   dir.Key,
			Title: dir.Title,
			Type:  dir.Type,
		})
	}

	return libraries, nil
}

// filterParams translates selection criteria into catalog query filters.
// The criteria themselves stay opaque to the room layer; only this edge
// knows the catalog's parameter names.
func filterParams(criteria SelectionCriteria) url.Values {
	params := url.Values{}
	for _, genre := range criteria.Genres {
		params.Add("genre", genre)
	}
	if criteria.YearMin > 0 {
		params.Set("year>", strconv.Itoa(criteria.YearMin-1))
	}
	if criteria.YearMax > 0 {
		params.Set("year<", strconv.Itoa(criteria.YearMax+1))
	}
	for _, rating := range criteria.ContentRatings {
		params.Add("contentRating", rating)
	}
	if criteria.SortOrder != "" {
		params.Set("sort", criteria.SortOrder)
	}
	return params
}

// Items fetches every item in one library matching the criteria.
func (c *Catalog) Items(baseURL, token, libraryKey string, criteria SelectionCriteria) ([]Item, error) {
	var parsed itemResponse
	path := "/library/sections/" + libraryKey + "/all"
	if err := c.get(baseURL, token, path, filterParams(criteria), &parsed); err != nil {
		return nil, err
	}

	items := make([]Item, 0, len(parsed.MediaContainer.Metadata))
	for _, meta := range parsed.MediaContainer.Metadata {
		items = append(items, Item{
			Key:           meta.RatingKey,
			Title:         meta.Title,
			Year:          meta.Year,
			Summary:       meta.Summary,
			PosterURL:     meta.Thumb,
			Tagline:       meta.Tagline,
			Duration:      meta.Duration,
			ContentRating: meta.ContentRating,
			Rating:        meta.Rating,
		})
	}

	return items, nil
}

// Count sums matching items across the selected libraries.
func (c *Catalog) Count(baseURL, token string, criteria SelectionCriteria) (int, error) {
	total := 0
	for _, library := range criteria.Libraries {
		items, err := c.Items(baseURL, token, library.Key, criteria)
		if err != nil {
			return 0, err
		}
		total += len(items)
	}
	return total, nil
}

func catalogParams(r *http.Request) (string, string, error) {
	baseURL := r.URL.Query().Get("catalogUrl")
	token := r.URL.Query().Get("catalogToken")
	if baseURL == "" || token == "" {
		return "", "", fmt.Errorf("catalogUrl and catalogToken are required")
	}
	return baseURL, token, nil
}

func criteriaFromQuery(q url.Values) SelectionCriteria {
	criteria := SelectionCriteria{
		Genres:         q["genre"],
		ContentRatings: q["contentRating"],
		SortOrder:      q.Get("sort"),
	}
	criteria.YearMin, _ = strconv.Atoi(q.Get("yearMin"))
	criteria.YearMax, _ = strconv.Atoi(q.Get("yearMax"))
	for _, key := range q["library"] {
		criteria.Libraries = append(criteria.Libraries, SelectedLibrary{Key: key})
	}
	return criteria
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func serveCatalogLibraries(cfg *Config, catalog *Catalog) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		baseURL, token, err := catalogParams(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		libraries, err := catalog.Libraries(baseURL, token)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to list catalog libraries"})
			return
		}

		writeJSON(w, http.StatusOK, libraries)

		logf(cfg, "SERVE: Catalog libraries to %s in %s",
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveCatalogItems(cfg *Config, catalog *Catalog) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		startTime := time.Now()

		baseURL, token, err := catalogParams(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		items, err := catalog.Items(baseURL, token, p.ByName("library"), criteriaFromQuery(r.URL.Query()))
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to fetch catalog items"})
			return
		}

		writeJSON(w, http.StatusOK, items)

		logf(cfg, "SERVE: Catalog items (%d) to %s in %s",
			len(items),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

func serveCatalogCount(cfg *Config, catalog *Catalog) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		baseURL, token, err := catalogParams(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		count, err := catalog.Count(baseURL, token, criteriaFromQuery(r.URL.Query()))
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]string{"error": "failed to count catalog items"})
			return
		}

		writeJSON(w, http.StatusOK, map[string]int{"count": count})
	}
}

func registerCatalogHandlers(cfg *Config, catalog *Catalog, mux *httprouter.Router) {
	mux.GET(cfg.prefix+"/api/catalog/libraries", serveCatalogLibraries(cfg, catalog))
	mux.GET(cfg.prefix+"/api/catalog/items/:library", serveCatalogItems(cfg, catalog))
	mux.GET(cfg.prefix+"/api/catalog/count", serveCatalogCount(cfg, catalog))
}
