package http

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/aescanero/conductor/internal/application/endpoints"
	"github.com/aescanero/conductor/pkg/domain"
	"github.com/aescanero/conductor/pkg/ports"
	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

func (s *Server) handleCreateEndpoint(c *gin.Context) {
	var req endpoints.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	endpoint, err := s.endpoints.CreateEndpoint(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"endpoint": endpoint})
}

func (s *Server) handleListEndpoints(c *gin.Context) {
	list, err := s.endpoints.ListEndpoints(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"endpoints": list,
		"total":     len(list),
	})
}

func (s *Server) handleGetEndpoint(c *gin.Context) {
	endpoint, err := s.endpoints.GetEndpoint(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"endpoint": endpoint})
}

func (s *Server) handleUpdateEndpoint(c *gin.Context) {
	var update ports.EndpointUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	endpoint, err := s.endpoints.UpdateEndpoint(c.Request.Context(), c.Param("id"), update)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"endpoint": endpoint})
}

func (s *Server) handleDeleteEndpoint(c *gin.Context) {
	if err := s.endpoints.DeleteEndpoint(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleEndpointInstances(c *gin.Context) {
	q, err := endpointQuery(c)
	if err != nil {
		s.writeBadRequest(c, err)
		return
	}

	instances, err := s.endpoints.GetEndpointInstances(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

func (s *Server) handleEndpointInstance(c *gin.Context) {
	q, err := endpointQuery(c)
	if err != nil {
		s.writeBadRequest(c, err)
		return
	}
	q.InstanceName = c.Param("name")

	instance, err := s.endpoints.GetEndpointInstance(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"instance": instance})
}

func (s *Server) handleSourceOptions(c *gin.Context) {
	s.listOptions(c, s.endpoints.GetEndpointSourceOptions)
}

func (s *Server) handleDestinationOptions(c *gin.Context) {
	s.listOptions(c, s.endpoints.GetEndpointDestinationOptions)
}

func (s *Server) listOptions(c *gin.Context, get func(ctx context.Context, endpointID string, q ports.EndpointQuery) ([]map[string]any, error)) {
	q, err := endpointQuery(c)
	if err != nil {
		s.writeBadRequest(c, err)
		return
	}

	options, err := get(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"options": options})
}

func (s *Server) handleEndpointNetworks(c *gin.Context) {
	q, err := endpointQuery(c)
	if err != nil {
		s.writeBadRequest(c, err)
		return
	}

	networks, err := s.endpoints.GetEndpointNetworks(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"networks": networks})
}

func (s *Server) handleEndpointStorage(c *gin.Context) {
	q, err := endpointQuery(c)
	if err != nil {
		s.writeBadRequest(c, err)
		return
	}

	storage, err := s.endpoints.GetEndpointStorage(c.Request.Context(), c.Param("id"), q)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"storage": storage})
}

func (s *Server) handleValidateConnection(c *gin.Context) {
	if err := s.endpoints.ValidateEndpointConnection(c.Request.Context(), c.Param("id")); err != nil {
		s.writeValidation(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

func (s *Server) handleValidateEnvironment(c *gin.Context) {
	var env map[string]any
	if err := c.ShouldBindJSON(&env); err != nil {
		s.writeBadRequest(c, err)
		return
	}

	if err := s.endpoints.ValidateEndpointEnvironment(c.Request.Context(), c.Param("id"), env); err != nil {
		s.writeValidation(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// writeValidation reports a rejected connection or environment as a
// negative result rather than a request failure
func (s *Server) writeValidation(c *gin.Context, err error) {
	if errors.Is(err, domain.ErrInvalidInput) {
		c.JSON(http.StatusOK, gin.H{"valid": false, "message": err.Error()})
		return
	}
	s.writeError(c, err)
}

func (s *Server) handleAvailableProviders(c *gin.Context) {
	providers, err := s.endpoints.GetAvailableProviders(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"providers": providers})
}

func (s *Server) handleProviderSchemas(c *gin.Context) {
	schemas, err := s.endpoints.GetProviderSchemas(c.Request.Context(),
		c.Param("platform"), domain.ProviderType(c.Param("type")))
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"schemas": schemas})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	diagnostics, err := s.endpoints.GetDiagnostics(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"diagnostics": diagnostics})
}

// endpointQuery reads the discovery parameters shared by endpoint calls.
// env carries a JSON encoded environment.
func endpointQuery(c *gin.Context) (ports.EndpointQuery, error) {
	q := ports.EndpointQuery{
		Marker:      c.Query("marker"),
		NamePattern: c.Query("name"),
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return q, errors.Newf("invalid limit %q", limit)
		}
		q.Limit = n
	}

	if names := c.Query("option_names"); names != "" {
		for _, name := range strings.Split(names, ",") {
			q.OptionNames = append(q.OptionNames, strings.TrimSpace(name))
		}
	}

	if env := c.Query("env"); env != "" {
		if err := json.Unmarshal([]byte(env), &q.Environment); err != nil {
			return q, errors.Wrap(err, "invalid env")
		}
	}

	return q, nil
}
