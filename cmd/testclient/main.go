package main

import (
	"flag"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"realtime-transcription-service/internal/api/ws"
)

func main() {
	serverURL := flag.String("server", "ws://localhost:4000/ws", "WebSocket endpoint")
	chunks := flag.Int("chunks", 3, "Number of audio-chunk events to send")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	var started ws.Message
	if err := conn.ReadJSON(&started); err != nil {
		log.Fatalf("failed to read session start: %v", err)
	}
	log.Printf("Connected to server: socketId=%s", started.SocketID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg ws.Message
			if err := conn.ReadJSON(&msg); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
					log.Printf("read failed: %v", err)
				}
				return
			}
			switch msg.Event {
			case ws.EventPartial:
				log.Printf("partial: %q", msg.Partial)
			case ws.EventFinal:
				log.Printf("final: %q", msg.Final)
			case ws.EventError:
				log.Printf("error: %s", msg.Error)
			}
		}
	}()

	for i := 0; i < *chunks; i++ {
		log.Printf("Sending chunk %d", i+1)
		if err := conn.WriteJSON(ws.Message{Event: ws.EventAudioChunk}); err != nil {
			log.Fatalf("failed to send chunk: %v", err)
		}
		time.Sleep(100 * time.Millisecond)
	}

	if err := conn.WriteJSON(ws.Message{Event: ws.EventEndStream}); err != nil {
		log.Fatalf("failed to send end-stream: %v", err)
	}

	select {
	case <-done:
		log.Println("Session closed by server")
	case <-time.After(10 * time.Second):
		log.Fatal("timed out waiting for final transcript")
	}
}
