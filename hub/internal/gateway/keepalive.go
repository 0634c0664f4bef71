package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// controlWriteWait bounds a single ping write.
const controlWriteWait = 10 * time.Second

// startKeepalive sets a read deadline, installs a pong handler that extends
// it, and pings every interval. The peer must answer within two intervals.
// mu must be the mutex guarding every other write on conn. The returned
// function stops the pinger.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval time.Duration) (cancel func()) {
	pongWait := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
