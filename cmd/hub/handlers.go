package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/halcyon-iot/halcyon/internal/firmware"
	"github.com/halcyon-iot/halcyon/internal/ota"
	"github.com/halcyon-iot/halcyon/internal/registry"
	"github.com/halcyon-iot/halcyon/pkg/config"
	"github.com/halcyon-iot/halcyon/pkg/types"
	"github.com/rs/zerolog/log"
)

// statusReader reads cached status snapshots the orchestrator leaves behind
// for sessions that are no longer in memory. Satisfied by common.Cache.
type statusReader interface {
	Get(ctx context.Context, key string, dest interface{}) error
}

// Server wires the management API to the hub services
type Server struct {
	cfg      *config.Config
	store    *firmware.Store
	devices  *registry.Service
	updates  *ota.Orchestrator
	history  *ota.DatabaseHistory
	statuses statusReader
}

func newServer(cfg *config.Config, store *firmware.Store, devices *registry.Service, updates *ota.Orchestrator, history *ota.DatabaseHistory, statuses statusReader) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		devices:  devices,
		updates:  updates,
		history:  history,
		statuses: statuses,
	}
}

func (s *Server) setupRouter() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": "halcyon-hub"})
	})

	api := router.Group("/api/v1")
	api.Use(authMiddleware(&s.cfg.Auth))
	{
		api.POST("/firmware", s.uploadFirmware)
		api.GET("/firmware", s.listFirmware)
		api.GET("/firmware/:id", s.getFirmware)
		api.DELETE("/firmware/:id", s.removeFirmware)
		api.GET("/firmware/:id/chunks/:seq", s.readChunk)

		api.POST("/devices", s.registerDevice)
		api.GET("/devices", s.listDevices)
		api.GET("/devices/:node", s.getDevice)
		api.POST("/devices/:node/heartbeat", s.heartbeat)

		api.POST("/updates/:node", s.startUpdate)
		api.GET("/updates/:node", s.updateStatus)
		api.DELETE("/updates/:node", s.abortUpdate)

		api.GET("/transfers", s.listTransfers)
	}

	return router
}

func (s *Server) uploadFirmware(c *gin.Context) {
	version := c.PostForm("version")
	deviceType := c.PostForm("device_type")

	fileHeader, err := c.FormFile("firmware")
	if err != nil {
		respondError(c, http.StatusBadRequest, "firmware file is required")
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to open uploaded file")
		return
	}
	defer file.Close()

	img, err := s.store.Add(c.Request.Context(), file, version, deviceType)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusCreated, types.APIResponse{Success: true, Data: img})
}

// listFirmware lists stored images; ?device_type= filters, adding
// &latest=true narrows to the highest semver for that type.
func (s *Server) listFirmware(c *gin.Context) {
	deviceType := c.Query("device_type")

	if c.Query("latest") == "true" {
		if deviceType == "" {
			respondError(c, http.StatusBadRequest, "latest=true requires device_type")
			return
		}
		img, err := s.store.LatestFor(c.Request.Context(), deviceType)
		if err != nil {
			respondServiceError(c, err)
			return
		}
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: img})
		return
	}

	images := s.store.List(c.Request.Context())
	if deviceType != "" {
		filtered := images[:0]
		for _, img := range images {
			if img.DeviceType == deviceType {
				filtered = append(filtered, img)
			}
		}
		images = filtered
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: images})
}

func (s *Server) getFirmware(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid firmware id")
		return
	}

	img, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: img})
}

func (s *Server) removeFirmware(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid firmware id")
		return
	}

	if err := s.store.Remove(c.Request.Context(), id); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "firmware removed"})
}

func (s *Server) readChunk(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid firmware id")
		return
	}
	seq, err := strconv.Atoi(c.Param("seq"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid chunk sequence")
		return
	}

	chunkSize := s.cfg.OTA.DefaultChunkSize
	if raw := c.Query("chunk_size"); raw != "" {
		chunkSize, err = strconv.Atoi(raw)
		if err != nil || chunkSize <= 0 {
			respondError(c, http.StatusBadRequest, "invalid chunk size")
			return
		}
	}

	data, err := s.store.ReadChunk(c.Request.Context(), id, seq, chunkSize)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", data)
}

type registerDeviceRequest struct {
	NodeID     string `json:"node_id" binding:"required"`
	DeviceType string `json:"device_type" binding:"required"`
}

func (s *Server) registerDevice(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "node_id and device_type are required")
		return
	}

	device, err := s.devices.Register(c.Request.Context(), req.NodeID, req.DeviceType)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, types.APIResponse{Success: true, Data: device})
}

func (s *Server) listDevices(c *gin.Context) {
	devices, err := s.devices.List(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: devices})
}

func (s *Server) getDevice(c *gin.Context) {
	node := c.Param("node")

	device, err := s.devices.Get(c.Request.Context(), node)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	online, err := s.devices.IsOnline(c.Request.Context(), node)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	lastHeartbeat, err := s.devices.LastHeartbeat(c.Request.Context(), node)
	if err != nil {
		respondServiceError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: gin.H{
		"device":         device,
		"online":         online,
		"last_heartbeat": lastHeartbeat,
	}})
}

type heartbeatRequest struct {
	FirmwareVersion string `json:"firmware_version"`
}

func (s *Server) heartbeat(c *gin.Context) {
	var req heartbeatRequest
	_ = c.ShouldBindJSON(&req)

	if err := s.devices.Heartbeat(c.Request.Context(), c.Param("node"), req.FirmwareVersion); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true})
}

type startUpdateRequest struct {
	FirmwareID uuid.UUID `json:"firmware_id" binding:"required"`
	ChunkSize  int       `json:"chunk_size"`
}

func (s *Server) startUpdate(c *gin.Context) {
	var req startUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "firmware_id is required")
		return
	}

	sessionID, err := s.updates.StartUpdate(c.Request.Context(), c.Param("node"), req.FirmwareID, req.ChunkSize)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, types.APIResponse{Success: true, Data: gin.H{"session_id": sessionID}})
}

// updateStatus serves the live session snapshot, falling back to the cached
// one for sessions already dropped from memory.
func (s *Server) updateStatus(c *gin.Context) {
	node := c.Param("node")

	status, err := s.updates.Status(c.Request.Context(), node)
	if err == nil {
		c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: status})
		return
	}

	if errors.Is(err, ota.ErrNoSession) && s.statuses != nil {
		var cached types.UpdateStatus
		if cacheErr := s.statuses.Get(c.Request.Context(), ota.StatusKey(node), &cached); cacheErr == nil {
			c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: cached})
			return
		}
	}

	respondServiceError(c, err)
}

func (s *Server) abortUpdate(c *gin.Context) {
	reason := c.DefaultQuery("reason", "operator_abort")
	if err := s.updates.Abort(c.Request.Context(), c.Param("node"), reason); err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Message: "update aborted"})
}

func (s *Server) listTransfers(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := s.history.Recent(c.Request.Context(), limit)
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, types.APIResponse{Success: true, Data: records})
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, types.APIResponse{Success: false, Error: message})
}

// respondServiceError maps service-layer sentinel errors onto HTTP statuses
func respondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, firmware.ErrNotFound),
		errors.Is(err, registry.ErrUnknownNode),
		errors.Is(err, ota.ErrNodeUnknown),
		errors.Is(err, ota.ErrNoSession):
		respondError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, firmware.ErrDuplicate),
		errors.Is(err, firmware.ErrConflict),
		errors.Is(err, ota.ErrAlreadyActive):
		respondError(c, http.StatusConflict, err.Error())
	case errors.Is(err, firmware.ErrOutOfRange):
		respondError(c, http.StatusRequestedRangeNotSatisfiable, err.Error())
	case errors.Is(err, firmware.ErrBadVersion):
		respondError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ota.ErrTransport):
		respondError(c, http.StatusBadGateway, err.Error())
	default:
		log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		respondError(c, http.StatusInternalServerError, "internal error")
	}
}
