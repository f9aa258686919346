package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"bookfetch/internal/logging"
	"bookfetch/internal/store"
)

const (
	eventsWriteWait = 10 * time.Second
	eventsPingEvery = 30 * time.Second
)

// eventMessage is one frame on the /api/events stream.
type eventMessage struct {
	Type      string          `json:"type"` // transfer, library, resync
	ID        int64           `json:"id,omitempty"`
	Transfer  *store.Transfer `json:"transfer,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// eventsHandler upgrades to a websocket and forwards store changes until the
// client goes away.
func eventsHandler(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied
			return
		}
		defer conn.Close()

		changes, unsubscribe := st.SubscribeChanges(64)
		defer unsubscribe()

		// reads only detect the close; clients send nothing
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(eventsPingEvery)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case evt := <-changes:
				msg := changeMessage(r.Context(), st, evt)
				_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
					return
				}
			}
		}
	}
}

func changeMessage(ctx context.Context, st *store.Store, evt store.ChangeEvent) eventMessage {
	msg := eventMessage{Timestamp: time.Now().UTC()}
	switch {
	case evt.Type == store.ChangeLibrary:
		msg.Type = "library"
	case evt.ID == 0:
		msg.Type = "resync"
	default:
		msg.Type = "transfer"
		msg.ID = evt.ID
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		t, ok, err := st.GetTransfer(ctx, evt.ID)
		if err != nil {
			logging.LogDBOperation("get_transfer", evt.ID, err)
		}
		if ok {
			msg.Transfer = &t
		}
	}
	return msg
}
