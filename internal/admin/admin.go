// Package admin exposes a local-only HTTP introspection surface over the
// running daemon: health, the live device table, and basic process
// metrics. It is not part of the usbmux wire protocol — it exists purely
// for operators and monitoring tools.
package admin

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"

	"usbmuxd/internal/registry"
)

// Server wraps a gin engine reporting on a shared registry.
type Server struct {
	registry  *registry.Registry
	startTime time.Time
	router    *gin.Engine
}

// New builds an admin Server bound to reg. Call Handler to get the
// http.Handler to serve.
func New(reg *registry.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{registry: reg, startTime: time.Now(), router: router}

	api := router.Group("/")
	{
		api.GET("/healthz", s.handleHealth)
		api.GET("/devices", s.handleDevices)
		api.GET("/metrics", s.handleMetrics)
	}
	return s
}

// Handler returns the http.Handler to pass to an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

type healthResponse struct {
	Status      string  `json:"status"`
	DeviceCount int     `json:"device_count"`
	Uptime      string  `json:"uptime"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	GoVersion   string  `json:"go_version"`
}

func (s *Server) handleHealth(c *gin.Context) {
	cpuPercent, _ := psutilcpu.Percent(0, false)
	memInfo, _ := psutilmem.VirtualMemory()

	var cpu, mem float64
	if len(cpuPercent) > 0 {
		cpu = cpuPercent[0]
	}
	if memInfo != nil {
		mem = memInfo.UsedPercent
	}

	c.JSON(http.StatusOK, healthResponse{
		Status:      "healthy",
		DeviceCount: len(s.registry.List()),
		Uptime:      time.Since(s.startTime).String(),
		CPUPercent:  cpu,
		MemPercent:  mem,
		GoVersion:   runtime.Version(),
	})
}

type deviceEntry struct {
	DeviceID      uint32 `json:"device_id"`
	Serial        string `json:"serial"`
	Speed         uint32 `json:"speed"`
	ProductID     uint16 `json:"product_id"`
	DeviceAddress uint8  `json:"device_address"`
}

func (s *Server) handleDevices(c *gin.Context) {
	records := s.registry.List()
	entries := make([]deviceEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, deviceEntry{
			DeviceID:      rec.ID,
			Serial:        rec.Info.Serial,
			Speed:         rec.Info.Speed,
			ProductID:     rec.Info.ProductID,
			DeviceAddress: rec.Info.DeviceAddress,
		})
	}
	c.JSON(http.StatusOK, gin.H{"devices": entries})
}

type metricsResponse struct {
	DeviceCount   int   `json:"device_count"`
	ListenerCount int   `json:"listener_count"`
	UptimeSeconds int64 `json:"uptime_seconds"`
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, metricsResponse{
		DeviceCount:   len(s.registry.List()),
		ListenerCount: s.registry.SubscriberCount(),
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
	})
}
