// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/glassscore/services/evaluator/engine"
	"github.com/AleutianAI/glassscore/services/evaluator/handlers"
	"github.com/AleutianAI/glassscore/services/evaluator/middleware"
	"github.com/AleutianAI/glassscore/services/evaluator/observability"
)

// Options configures SetupRoutes.
//
//   - Metrics: Recorder for stream metrics. May be nil.
//   - Gatherer: Source for /metrics. Nil uses prometheus.DefaultGatherer.
//   - Auth: Provider guarding /api. Nil leaves /api open.
//   - KeepAlive: Stream keepalive interval. Zero uses the default.
type Options struct {
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Auth      middleware.AuthProvider
	KeepAlive time.Duration
}

func SetupRoutes(router *gin.Engine, eng *engine.Engine, opts Options) {
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router.GET("/", handlers.HealthCheck("glassscore"))
	router.GET("/healthz", handlers.HealthCheck("glassscore"))
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	if opts.Auth != nil {
		api.Use(middleware.AuthMiddleware(opts.Auth))
	}

	sessions := api.Group("/session")
	{
		sessions.POST("/create", handlers.CreateSession(eng))
		sessions.GET("/get", handlers.GetSession(eng))
		sessions.POST("/profile", handlers.UpdateProfile(eng))
		sessions.POST("/attach", handlers.AttachContent(eng))
		sessions.POST("/evidence", handlers.UpdateEvidence(eng))
		sessions.GET("/archive", handlers.GetArchivedSession(eng))
		sessions.DELETE("/:session_id", handlers.DeleteSession(eng))
	}

	eval := handlers.NewEvaluateHandler(eng, opts.Metrics, opts.KeepAlive)
	evaluate := api.Group("/evaluate")
	{
		evaluate.POST("/start", eval.StartEvaluation)
		evaluate.GET("/stream", eval.StreamEvaluation)
		evaluate.POST("/stream", eval.StreamEvaluation)
		evaluate.GET("/ws", eval.StreamWebSocket)
	}
}
