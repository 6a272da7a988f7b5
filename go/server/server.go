// Package server exposes the tile contract over HTTP so a thin client can
// be served by a remote process. The payload on the wire is exactly what
// the embedded path produces; cross-origin requests are allowed because
// the expected client is browser-hosted.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/profviz/tileserv/go/log"
	"github.com/profviz/tileserv/go/source"
	"github.com/profviz/tileserv/go/tiles"
)

// Info is the dataset summary served at /info: everything a thin client
// needs to size its viewport before requesting tiles.
type Info struct {
	Lanes  []tiles.LaneID `json:"lanes"`
	Span   tiles.Span     `json:"span"`
	Levels int32          `json:"levels"`
}

// Server handles tile requests against one data source, normally the
// embedded store.
type Server struct {
	src  source.DataSource
	info Info
}

// New returns a Server for the given source and dataset summary.
func New(src source.DataSource, info Info) *Server {
	return &Server{
		src:  src,
		info: info,
	}
}

// Handler returns the full HTTP handler: routes plus permissive CORS.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/tile/{level}/{lane}/{bucket}", s.tileHandler)
	r.Get("/info", s.infoHandler)
	r.Get("/healthz", healthzHandler)
	r.Handle("/metrics", promhttp.Handler())
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
	}).Handler(r)
}

// tileHandler serves the compressed payload for one tile, 404 when the
// bucket holds no data.
func (s *Server) tileHandler(w http.ResponseWriter, r *http.Request) {
	key, err := keyFromURL(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	payload, err := s.src.FetchTile(r.Context(), key)
	if err != nil {
		if source.IsNotFound(err) {
			http.NotFound(w, r)
			return
		}
		log.Errorf("fetching tile %s: %s", key, err)
		if source.IsTimeout(err) {
			http.Error(w, "tile fetch timed out", http.StatusGatewayTimeout)
			return
		}
		http.Error(w, "tile fetch failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := w.Write(payload); err != nil {
		log.Warningf("writing tile %s: %s", key, err)
	}
}

func (s *Server) infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.info); err != nil {
		log.Warningf("writing info: %s", err)
	}
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func keyFromURL(r *http.Request) (tiles.TileKey, error) {
	level, err := strconv.ParseInt(chi.URLParam(r, "level"), 10, 32)
	if err != nil {
		return tiles.TileKey{}, err
	}
	lane, err := strconv.ParseInt(chi.URLParam(r, "lane"), 10, 32)
	if err != nil {
		return tiles.TileKey{}, err
	}
	bucket, err := strconv.ParseInt(chi.URLParam(r, "bucket"), 10, 64)
	if err != nil {
		return tiles.TileKey{}, err
	}
	return tiles.TileKey{
		Level:  int32(level),
		Lane:   tiles.LaneID(lane),
		Bucket: bucket,
	}, nil
}
