// Copyright (C) 2025 The akiwatch authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metrics

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewServer builds the gin router exposing /metrics (Prometheus
// exposition format) and /health, matching the teacher's gin.New() +
// gin.Recovery() bootstrap, with gin.Logger() gated on debug.
func (r *Registry) NewServer(debug bool) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if debug {
		router.Use(gin.Logger())
	}

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "akiwatch"})
	})

	handler := promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
	router.GET("/metrics", gin.WrapH(handler))

	return router
}
