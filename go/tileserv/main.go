// tileserv serves a converted profile dataset over HTTP for browser-hosted
// viewers.
package main

import (
	"flag"
	"net/http"

	"github.com/profviz/tileserv/go/columnar"
	"github.com/profviz/tileserv/go/config"
	"github.com/profviz/tileserv/go/log"
	"github.com/profviz/tileserv/go/server"
	"github.com/profviz/tileserv/go/source"
)

// flags
var (
	configFile = flag.String("config", "", "Path to the instance config file. Optional; defaults plus --store apply without one.")
	storePath  = flag.String("store", "", "Path to the converted dataset directory. Overrides store_path from the config file.")
	port       = flag.String("port", ":8000", "HTTP service address.")
	logLevel   = flag.String("log_level", "info", "Logging level: debug, info, warn or error.")
)

func main() {
	flag.Parse()
	log.SetLevel(*logLevel)

	cfg := config.New()
	if *configFile != "" {
		var err error
		cfg, err = config.Load(*configFile)
		if err != nil {
			log.Fatalf("Failed to load config: %s", err)
		}
	}
	if *storePath != "" {
		cfg.StorePath = *storePath
	}
	if cfg.StorePath == "" {
		log.Fatal("tileserv serves an embedded store; --store or store_path is required.")
	}
	if cfg.RemoteURL != "" {
		log.Fatal("remote_url has no meaning for the server; it is a client setting.")
	}

	store, err := columnar.Open(cfg.StorePath)
	if err != nil {
		log.Fatalf("Failed to open store: %s", err)
	}

	srv := server.New(source.NewEmbedded(store, cfg.Grid()), server.Info{
		Lanes:  store.Lanes(),
		Span:   store.Bounds(),
		Levels: cfg.MaxLevels,
	})

	log.Infof("Serving %d lanes over %v on %s", len(store.Lanes()), store.Bounds(), *port)
	log.Fatal(http.ListenAndServe(*port, srv.Handler()))
}
