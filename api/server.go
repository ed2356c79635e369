// Package api is the HTTP question-intake surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/fabfab/docqa/logging"
	"github.com/fabfab/docqa/retriever"
	"github.com/fabfab/docqa/vectorstore"
)

// Asker answers one question; retriever.Service implements it.
type Asker interface {
	Ask(ctx context.Context, req retriever.Request) retriever.Response
}

type Server struct {
	asker  Asker
	store  vectorstore.Store
	logger logrus.FieldLogger
	engine *gin.Engine
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type collectionResponse struct {
	Name           string `json:"name"`
	Count          int    `json:"count"`
	EmbeddingModel string `json:"embedding_model"`
	Dimension      int    `json:"dimension"`
}

func New(asker Asker, store vectorstore.Store, logger logrus.FieldLogger) *Server {
	s := &Server{asker: asker, store: store, logger: logging.OrDefault(logger)}
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestLogger())

	engine.GET("/healthz", s.handleHealth)
	v1 := engine.Group("/v1")
	{
		v1.POST("/ask", s.handleAsk)
		v1.GET("/collections/:name", s.handleCollection)
	}
	return engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("http request")
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, messageResponse{Message: "ok"})
}

// handleAsk always answers 200 with the intake body once the request is
// well-formed; failures are reported through success=false.
func (s *Server) handleAsk(c *gin.Context) {
	var req retriever.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	c.JSON(http.StatusOK, s.asker.Ask(c.Request.Context(), req))
}

func (s *Server) handleCollection(c *gin.Context) {
	name := c.Param("name")
	desc, err := s.store.Describe(c.Request.Context(), name)
	if errors.Is(err, vectorstore.ErrCollectionNotFound) {
		c.JSON(http.StatusNotFound, errorResponse{Error: "collection not found"})
		return
	}
	if err != nil {
		s.logger.WithError(err).WithField("collection", name).Error("describe collection failed")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "vector store unavailable"})
		return
	}
	count, err := s.store.Count(c.Request.Context(), name)
	if err != nil {
		s.logger.WithError(err).WithField("collection", name).Error("count collection failed")
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "vector store unavailable"})
		return
	}
	c.JSON(http.StatusOK, collectionResponse{
		Name:           desc.Name,
		Count:          count,
		EmbeddingModel: desc.EmbeddingModel,
		Dimension:      desc.Dimension,
	})
}
