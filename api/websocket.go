package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/pbudner/pulselog/pipeline"
	"github.com/pbudner/pulselog/query"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// ServeQueries upgrades to the query channel. Every binary message is a
// request; replies and live pushes leave through the subscriber queue,
// drained by a single writer.
func ServeQueries(engine *query.Engine, broadcaster *pipeline.Broadcaster) echo.HandlerFunc {
	log := zap.L().Sugar().With("component", "websocket")
	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			log.Warnw("failed to upgrade the websocket", "error", err)
			return nil
		}
		defer ws.Close()

		sub := broadcaster.Register()
		if sub == nil {
			return nil
		}
		defer broadcaster.Unregister(sub)
		log.Debugw("query client connected", "id", sub.ID, "remote", c.RealIP())

		go write(ws, sub, log)

		for {
			messageType, msg, err := ws.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debugw("query client disconnected", "id", sub.ID, "error", err)
				}
				return nil
			}

			if messageType != websocket.BinaryMessage {
				log.Infow("dropping non-binary message", "id", sub.ID)
				continue
			}

			if err := engine.Serve(msg, sub); err != nil {
				if errors.Is(err, pipeline.ErrSubscriberClosed) {
					return nil
				}
				log.Errorw("could not answer query", "id", sub.ID, "error", err)
			}
		}
	}
}

func write(ws *websocket.Conn, sub *pipeline.Subscriber, log *zap.SugaredLogger) {
	for {
		select {
		case <-sub.Done():
			return
		case msg := <-sub.Outbound():
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				log.Debugw("could not write to query client", "id", sub.ID, "error", err)
				sub.Close()
				ws.Close()
				return
			}
		}
	}
}
