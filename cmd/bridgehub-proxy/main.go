// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command bridgehub-proxy relays Matrix client-server API traffic to a
// homeserver while adding the CORS headers browser frontends need. It holds
// no session or bridge state; every request passes straight through.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type proxyConfig struct {
	listen      string
	homeserver  string
	allowOrigin string
	timeout     time.Duration
}

func main() {
	cfg := proxyConfig{}
	flag.StringVar(&cfg.listen, "listen", ":5000", "address to listen on")
	flag.StringVar(&cfg.homeserver, "homeserver", "https://matrix.org", "homeserver base URL to proxy to")
	flag.StringVar(&cfg.allowOrigin, "allow-origin", "http://localhost:3000", "origin allowed by CORS")
	flag.DurationVar(&cfg.timeout, "timeout", 60*time.Second, "upstream request timeout")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		With().Timestamp().Str("component", "proxy").Logger()

	target, err := url.Parse(cfg.homeserver)
	if err != nil {
		log.Fatal().Err(err).Str("homeserver", cfg.homeserver).Msg("Invalid homeserver URL")
	}

	handler, err := newProxyHandler(target, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build proxy")
	}

	log.Info().Str("listen", cfg.listen).Str("homeserver", target.String()).Msg("Matrix proxy running")
	server := &http.Server{
		Addr:    cfg.listen,
		Handler: handler,
	}
	if err := server.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("Server exited")
	}
}

func newProxyHandler(target *url.URL, cfg proxyConfig, log zerolog.Logger) (http.Handler, error) {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(r *httputil.ProxyRequest) {
			r.SetURL(target)
			// changeOrigin: the homeserver routes on its own Host.
			r.Out.Host = target.Host
		},
		Transport: &http.Transport{
			ResponseHeaderTimeout: cfg.timeout,
		},
		ModifyResponse: func(resp *http.Response) error {
			setCORS(resp.Header, cfg.allowOrigin)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			log.Error().Err(err).Str("path", r.URL.Path).Msg("Proxy error")
			setCORS(w.Header(), cfg.allowOrigin)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error":   "proxy error occurred",
				"details": err.Error(),
			})
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/_matrix/", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			setCORS(w.Header(), cfg.allowOrigin)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("Forwarding request")
		proxy.ServeHTTP(w, r)
	}))
	return mux, nil
}

func setCORS(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
