package webui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strings"

	opcua "device-opcua/driver/opcua"
	"device-opcua/logic"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Device is one configured device with its sampling state.
type Device struct {
	Name             string `json:"name"`
	Endpoint         string `json:"endpoint"`
	SamplingInterval string `json:"samplingInterval"`
	PublishPolicy    string `json:"publishPolicy"`
	State            string `json:"state"`
}

type commandRequest struct {
	Operation string          `json:"operation"`
	Value     json.RawMessage `json:"value"`
}

// value returns a string value as is and any other JSON value as its text.
func (r commandRequest) value() string {
	var s string
	if err := json.Unmarshal(r.Value, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(r.Value))
}

// commandStatus maps a command error to its HTTP status.
func commandStatus(err error) int {
	switch {
	case errors.Is(err, logic.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, logic.ErrNoOperation),
		errors.Is(err, opcua.ErrUnsupportedOperation),
		errors.Is(err, opcua.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, opcua.ErrProtocolTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) runCommand(c *gin.Context, operation, value string) {
	device, object := c.Param("device"), c.Param("object")

	result, err := s.deps.Commands.Execute(c.Request.Context(), device, object, operation, value)
	if err != nil {
		logrus.Warnf("WEBUI: %s %s/%s: %v", operation, device, object, err)
		body := gin.H{"error": err.Error(), "status": opcua.StatusFor(err).String()}
		if result != nil {
			body["result"] = result
		}
		c.JSON(commandStatus(err), body)
		return
	}
	c.JSON(http.StatusOK, result)
}

// getDeviceObject reads an object. The operation defaults to get.
//
//	curl http://localhost:8080/api/v1/device/boiler/temperature
func (s *Server) getDeviceObject(c *gin.Context) {
	s.runCommand(c, c.DefaultQuery("operation", "get"), "")
}

// putDeviceObject writes {"value": "..."} to an object. The operation
// defaults to set.
func (s *Server) putDeviceObject(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Operation == "" {
		req.Operation = "set"
	}
	s.runCommand(c, req.Operation, req.value())
}

// getDevices lists the configured devices with their states.
func (s *Server) getDevices(c *gin.Context) {
	states := s.deps.Manager.States()
	devices := s.deps.Devices.Devices()

	out := make([]Device, 0, len(devices))
	for _, d := range devices {
		state, ok := states[d.Name]
		if !ok {
			state = logic.Stopped
		}
		out = append(out, Device{
			Name:             d.Name,
			Endpoint:         opcua.EndpointURI(d.Addressable),
			SamplingInterval: d.SamplingInterval.String(),
			PublishPolicy:    d.PublishPolicy,
			State:            state,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, out)
}

// restartDevicesHandler restarts all sampling loops.
func (s *Server) restartDevicesHandler(c *gin.Context) {
	s.deps.Manager.RestartAll()
	logrus.Info("WEBUI: devices restarted")
	c.JSON(http.StatusOK, gin.H{"message": "devices restarted", "states": s.deps.Manager.States()})
}

// getCache returns the cached responses of an operation without touching
// the device.
func (s *Server) getCache(c *gin.Context) {
	responses := s.deps.Cache.GetResponses(c.Param("device"), c.Param("operation"))
	if len(responses) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "nothing cached"})
		return
	}
	c.JSON(http.StatusOK, responses)
}

// discover scans the configured discovery endpoints.
func (s *Server) discover(c *gin.Context) {
	servers, err := s.deps.Discovery.Discover(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	if servers == nil {
		servers = []map[string]string{}
	}
	c.JSON(http.StatusOK, servers)
}
