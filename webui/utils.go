package webui

import (
	"net/http"
	"strconv"

	"device-opcua/logic"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// monitorWebSocket reads until the client goes away, then closes closed.
func monitorWebSocket(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("WEBUI: WebSocket disconnected: %v", err)
			}
			return
		}
	}
}

// getLogs returns the buffered log lines, the last n of them with ?n=.
func getLogs(c *gin.Context) {
	logs := logic.GetLogs()
	if n, err := strconv.Atoi(c.Query("n")); err == nil && n >= 0 && n < len(logs) {
		logs = logs[len(logs)-n:]
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func clearLogs(c *gin.Context) {
	logic.ClearLogs()
	c.Status(http.StatusNoContent)
}
