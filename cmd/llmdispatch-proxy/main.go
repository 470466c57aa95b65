// Command llmdispatch-proxy runs the dispatch core's Inspection Proxy as
// a standalone HTTP server (§4.5), loading profiles from a YAML config
// file and starting the listener operators point their provider base
// URLs at when they want to record and replay traffic.
package main

import (
	"log"
	"net/http"
	"os"

	"github.com/joho/godotenv"

	"github.com/taipm/llmdispatch/dispatch/config"
	"github.com/taipm/llmdispatch/dispatch/proxy"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: no .env file loaded: %v", err)
	}

	configPath := os.Getenv("LLMDISPATCH_CONFIG")
	if configPath == "" {
		configPath = "llmdispatch.yaml"
	}

	store, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config %s: %v", configPath, err)
	}

	proxyCfg := store.ProxyConfig()
	if !proxyCfg.Enabled {
		log.Fatalf("inspection proxy is disabled in %s; set proxy.enabled: true", configPath)
	}
	if proxyCfg.TargetURL == "" {
		log.Fatalf("proxy.targetUrl is required in %s (the upstream provider base URL to record traffic for)", configPath)
	}

	p := proxy.New(proxy.Config{
		TargetURL:       proxyCfg.TargetURL,
		HeaderOverrides: proxyCfg.EnabledHeaderOverrides(),
		RingSize:        proxyCfg.BufferSize,
	})

	log.Printf("inspection proxy listening on %s, forwarding to %s", proxyCfg.ListenAddr, proxyCfg.TargetURL)
	if err := http.ListenAndServe(proxyCfg.ListenAddr, p); err != nil {
		log.Fatalf("inspection proxy server: %v", err)
	}
}
