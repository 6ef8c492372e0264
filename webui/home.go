package webui

import (
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/host"
	"github.com/shirou/gopsutil/mem"
	"github.com/shirou/gopsutil/process"
	"github.com/sirupsen/logrus"
)

// BrokerStatus holds the counters of the embedded broker.
type BrokerStatus struct {
	Running        bool  `json:"running"`
	Uptime         int64 `json:"uptime"`
	NumberMessages int64 `json:"numberMessages"`
	NumberClients  int64 `json:"numberClients"`
}

// HostStatus describes the machine and the service process.
type HostStatus struct {
	Hostname      string  `json:"hostname"`
	Platform      string  `json:"platform"`
	Uptime        uint64  `json:"uptime"`
	MemTotal      uint64  `json:"memTotal"`
	MemUsed       float64 `json:"memUsedPercent"`
	ProcessRSS    uint64  `json:"processRss"`
	ProcessCPU    float64 `json:"processCpuPercent"`
	NumGoroutines int     `json:"numGoroutines"`
}

// Status is the reply of the status endpoint.
type Status struct {
	Time    time.Time         `json:"time"`
	Broker  BrokerStatus      `json:"broker"`
	Host    HostStatus        `json:"host"`
	Devices map[string]string `json:"devices"`
}

// getStatus reports broker counters, host and process figures and the
// device states.
func (s *Server) getStatus(c *gin.Context) {
	status := Status{
		Time:    time.Now(),
		Host:    hostStatus(),
		Devices: s.deps.Manager.States(),
	}
	clients, messages, uptime, ok := s.deps.Broker.Info()
	status.Broker = BrokerStatus{Running: ok, Uptime: uptime, NumberMessages: messages, NumberClients: clients}
	c.JSON(http.StatusOK, status)
}

// hostStatus collects what gopsutil can tell; missing figures stay zero.
func hostStatus() HostStatus {
	hs := HostStatus{NumGoroutines: runtime.NumGoroutine()}

	if info, err := host.Info(); err == nil {
		hs.Hostname = info.Hostname
		hs.Platform = info.Platform
		hs.Uptime = info.Uptime
	} else {
		logrus.Debugf("WEBUI: host info: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		hs.MemTotal = vm.Total
		hs.MemUsed = vm.UsedPercent
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			hs.ProcessRSS = mi.RSS
		}
		if cpu, err := p.CPUPercent(); err == nil {
			hs.ProcessCPU = cpu
		}
	}
	return hs
}

// wsSubscriptionIDs numbers the inline subscriptions of websocket clients.
var wsSubscriptionIDs atomic.Int32

func init() {
	wsSubscriptionIDs.Store(100)
}

// eventsWebSocket streams every published device event to the client.
// Events are dropped for a client that does not keep up.
func (s *Server) eventsWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.Errorf("WEBUI: error upgrading to WebSocket: %v", err)
		return
	}
	defer conn.Close()

	events := make(chan []byte, 64)
	filter := s.deps.EventTopic + "/#"
	id := int(wsSubscriptionIDs.Add(1))

	err = s.deps.Broker.Subscribe(filter, id, func(topic string, payload []byte) {
		select {
		case events <- append([]byte(nil), payload...):
		default:
		}
	})
	if err != nil {
		logrus.Errorf("WEBUI: subscribing %s: %v", filter, err)
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "event feed unavailable"))
		return
	}
	defer func() {
		if err := s.deps.Broker.Unsubscribe(filter, id); err != nil {
			logrus.Debugf("WEBUI: unsubscribe %s: %v", filter, err)
		}
	}()

	closed := make(chan struct{})
	go monitorWebSocket(conn, closed)

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case payload := <-events:
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				logrus.Warnf("WEBUI: error sending event: %v", err)
				return
			}
		}
	}
}
