package stream

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/stormpaths/simple-kanban-sub001/channel"
)

// Register wires the live board stream endpoint on the given Echo instance.
func Register(e *echo.Echo, hub *channel.Hub, auth Authenticator, access AccessResolver, cfg ConnConfig, logger *log.Logger) {
	e.GET("/api/boards/:id/stream", streamBoard(hub, auth, access, cfg, logger))
}

func streamBoard(hub *channel.Hub, auth Authenticator, access AccessResolver, cfg ConnConfig, logger *log.Logger) echo.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	return func(c echo.Context) error {
		boardID := c.Param("id")
		if boardID == "" {
			return c.NoContent(http.StatusBadRequest)
		}
		// Browsers cannot set headers on a websocket handshake, so the
		// token may arrive as a query parameter instead.
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		if authHeader == "" {
			if token := c.QueryParam("token"); token != "" {
				authHeader = "Bearer " + token
			}
		}

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.Errorf("websocket upgrade: %v", err)
			return err
		}
		conn := newConn(ws, hub, auth, access, cfg, logger, boardID)
		conn.run(c.Request().Context(), authHeader)
		return nil
	}
}
