package webui

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	"device-opcua/config"
	opcua "device-opcua/driver/opcua"
	"device-opcua/logic"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CommandExecutor runs device commands.
type CommandExecutor interface {
	Execute(ctx context.Context, device, object, operation, value string) (*logic.CommandResult, error)
}

// ResponseCache serves the cached responses of an operation.
type ResponseCache interface {
	GetResponses(device, operation string) []opcua.Response
}

// Discoverer scans for OPC-UA servers.
type Discoverer interface {
	Discover(ctx context.Context) ([]map[string]string, error)
}

// DeviceManager reports and restarts the sampling loops.
type DeviceManager interface {
	States() map[string]string
	RestartAll()
}

// DeviceLister lists the configured devices.
type DeviceLister interface {
	Devices() []opcua.Device
}

// Broker is the embedded MQTT broker as seen by the front-end.
type Broker interface {
	Info() (clients, messages, uptime int64, ok bool)
	Subscribe(filter string, id int, fn func(topic string, payload []byte)) error
	Unsubscribe(filter string, id int) error
}

// Deps are the services the front-end serves.
type Deps struct {
	DB         *logic.DB
	Commands   CommandExecutor
	Cache      ResponseCache
	Discovery  Discoverer
	Manager    DeviceManager
	Devices    DeviceLister
	Broker     Broker
	EventTopic string
}

// Server is the HTTP/JSON front-end.
type Server struct {
	cfg  config.WebUIConfig
	deps Deps
	r    *gin.Engine
	srv  *http.Server
}

// New builds the router. The server is started with Start.
func New(cfg config.WebUIConfig, deps Deps) *Server {
	if gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{Path: "/", MaxAge: 8 * 3600, HttpOnly: true})
	r.Use(sessions.Sessions("device-opcua", store))

	s := &Server{cfg: cfg, deps: deps, r: r}
	s.setupRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.r
}

// Start listens on the configured port in the background. With TLS enabled
// the certificate is loaded or generated first.
func (s *Server) Start() error {
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.cfg.TLS {
		cert, err := logic.LoadOrCreateCert(s.cfg.CertFile, s.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("WEBUI: failed to load TLS certificate: %w", err)
		}
		s.srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	go func() {
		var err error
		if s.cfg.TLS {
			logrus.Infof("WEBUI: starting HTTPS server on port %d", s.cfg.Port)
			err = s.srv.ListenAndServeTLS("", "")
		} else {
			logrus.Infof("WEBUI: starting HTTP server on port %d", s.cfg.Port)
			err = s.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.Errorf("WEBUI: server stopped: %v", err)
		}
	}()
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logrus.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		}).Debug("WEBUI: request")
	}
}
