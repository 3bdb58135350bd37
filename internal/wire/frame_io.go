package wire

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// WriteFrame marshals and sends a control frame. Pass mu when more than one
// goroutine writes to the socket.
func WriteFrame(ws *websocket.Conn, mu *sync.Mutex, frame Frame) error {
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteMessage(websocket.TextMessage, data)
}

// ReadFrame blocks for the next control frame.
func ReadFrame(ws *websocket.Conn, frame *Frame) error {
	_, data, err := ws.ReadMessage()
	if err != nil {
		return err
	}
	return json.Unmarshal(data, frame)
}

// Bridge pumps bytes between a TCP connection and a data websocket until
// either side drops. Each direction has exactly one writer, so no write lock
// is needed on the socket.
func Bridge(conn net.Conn, ws *websocket.Conn) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if _, err := conn.Write(data); err != nil {
				return
			}
		}
	}()

	go func() {
		defer func() { done <- struct{}{} }()
		buf := make([]byte, 32*1024)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				ws.SetWriteDeadline(time.Now().Add(writeTimeout))
				if werr := ws.WriteMessage(websocket.BinaryMessage, buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	<-done
	_ = conn.Close()
	_ = ws.Close()
	<-done
}
