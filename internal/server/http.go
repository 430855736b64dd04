// HTTP gateway exposing the find service as JSON over REST
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// NewHTTPHandler routes the find service under /api/v1. Request and response
// bodies are the documents the gRPC service carries.
func NewHTTPHandler(s *Server) http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.accessLog())

	api := router.Group("/api/v1")
	{
		api.GET("/graphs", route(s.listGraphs, annotationQuery))
		api.GET("/graphs/:graph/annotations", route(s.annotations, nil))
		api.PUT("/graphs/:graph/annotations", route(s.annotateGraph, nil))

		api.POST("/graphs/:graph/quick", route(s.quickQuery, nil))
		api.POST("/graphs/:graph/advanced", route(s.advancedQuery, nil))
		api.POST("/graphs/:graph/select", route(s.selectResults, nil))
		api.PUT("/graphs/:graph/state", route(s.saveState, nil))
		api.GET("/graphs/:graph/state", route(s.loadState, nil))
		api.DELETE("/graphs/:graph/state", route(s.deleteState, nil))
		api.GET("/states", route(s.savedStates, nil))

		api.GET("/searches", route(s.listSearches, nil))
		api.POST("/searches", route(s.saveSearch, nil))
		api.GET("/searches/:name", route(s.getSearch, searchQuery))
	}

	return router
}

// graphScoped requests take their graph id from the URL
type graphScoped interface {
	setGraph(id string)
}

func (r *QuickQueryRequest) setGraph(id string)    { r.Graph = id }
func (r *AdvancedQueryRequest) setGraph(id string) { r.Graph = id }
func (r *SelectRequest) setGraph(id string)        { r.Graph = id }
func (r *SaveStateRequest) setGraph(id string)     { r.Graph = id }
func (r *LoadStateRequest) setGraph(id string)     { r.Graph = id }
func (r *DeleteStateRequest) setGraph(id string)   { r.Graph = id }
func (r *AnnotateGraphRequest) setGraph(id string) { r.Graph = id }
func (r *AnnotationsRequest) setGraph(id string)   { r.Graph = id }

// route binds the JSON body (if any) into Req, applies URL parameters and runs fn
func route[Req any](fn func(context.Context, *Req) (any, error), prepare func(*gin.Context, *Req) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		req := new(Req)
		if c.Request.ContentLength != 0 && c.Request.Method != http.MethodGet {
			if err := c.ShouldBindJSON(req); err != nil {
				writeError(c, fmt.Errorf("%w: %v", errBadRequest, err))
				return
			}
		}
		if gs, ok := any(req).(graphScoped); ok {
			gs.setGraph(c.Param("graph"))
		}
		if prepare != nil {
			if err := prepare(c, req); err != nil {
				writeError(c, err)
				return
			}
		}

		resp, err := fn(c.Request.Context(), req)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// annotationQuery reads ?annotation=key=value, repeatable
func annotationQuery(c *gin.Context, req *ListGraphsRequest) error {
	for _, pair := range c.QueryArray("annotation") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return fmt.Errorf("%w: annotation %q: want key=value", errBadRequest, pair)
		}
		if req.Annotations == nil {
			req.Annotations = make(map[string]string)
		}
		req.Annotations[key] = value
	}
	return nil
}

// searchQuery reads ?version=, ?tag= and ?as_of= (RFC 3339)
func searchQuery(c *gin.Context, req *GetSearchRequest) error {
	req.Name = c.Param("name")
	req.VersionID = c.Query("version")
	req.Tag = c.Query("tag")
	if v := c.Query("as_of"); v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return fmt.Errorf("%w: as_of: %v", errBadRequest, err)
		}
		req.AsOf = &at
	}
	return nil
}

func writeError(c *gin.Context, err error) {
	st, _ := status.FromError(toStatus(err))
	c.AbortWithStatusJSON(httpStatus(st.Code()), gin.H{
		"error": st.Message(),
		"code":  st.Code().String(),
	})
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.OK:
		return http.StatusOK
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.NotFound:
		return http.StatusNotFound
	case codes.DeadlineExceeded:
		return http.StatusGatewayTimeout
	case codes.Canceled:
		return 499 // client closed request
	}
	return http.StatusInternalServerError
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start)
		code := c.Writer.Status()
		s.metrics.RecordHTTPRequest(path, code, duration)

		event := s.log.Debug("HTTP request")
		if code >= http.StatusInternalServerError {
			event = s.log.Error("HTTP request failed")
		}
		event.
			Str("method", c.Request.Method).
			Str("route", path).
			Int("status", code).
			Dur("duration_ms", duration).
			Send()
	}
}
