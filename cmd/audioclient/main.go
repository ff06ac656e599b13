package main

import (
	"encoding/binary"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/gorilla/websocket"

	"realtime-transcription-service/internal/api/ws"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// At 8kHz 16-bit mono = 16000 bytes/second
// 100ms chunks = 1600 bytes
const chunkSize = 1600
const chunkIntervalMs = 100

func main() {
	audioFile := flag.String("audio", "testdata/sample-8khz.wav", "Path to WAV file (8kHz 16-bit mono)")
	serverURL := flag.String("server", "ws://localhost:4000/ws", "WebSocket endpoint")
	realtime := flag.Bool("realtime", true, "Pace chunks at playback speed")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}
	if sampleRate != 8000 {
		log.Printf("Warning: Sample rate is %d Hz, expected 8000 Hz", sampleRate)
	}

	conn, _, err := websocket.DefaultDialer.Dial(*serverURL, nil)
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	var started ws.Message
	if err := conn.ReadJSON(&started); err != nil {
		log.Fatalf("Failed to read session start: %v", err)
	}
	log.Printf("Streaming audio: socketId=%s", started.SocketID)

	final := make(chan string, 1)
	go func() {
		defer close(final)
		for {
			var msg ws.Message
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Event {
			case ws.EventFinal:
				final <- msg.Final
			case ws.EventError:
				log.Printf("Server error: %s", msg.Error)
			}
		}
	}()

	// Every binary frame is one audio chunk.
	audioChunk := make([]byte, chunkSize)
	var totalBytes int64
	var chunkNum int
	startTime := time.Now()

	for {
		n, err := f.Read(audioChunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to read audio: %v", err)
		}

		chunkNum++
		totalBytes += int64(n)
		if err := conn.WriteMessage(websocket.BinaryMessage, audioChunk[:n]); err != nil {
			log.Fatalf("Failed to send chunk: %v", err)
		}
		if chunkNum%10 == 0 {
			log.Printf("Sent chunk %d (%d bytes total)", chunkNum, totalBytes)
		}

		if *realtime {
			time.Sleep(chunkIntervalMs * time.Millisecond)
		}
	}

	log.Printf("Finished streaming: %d chunks, %d bytes in %v", chunkNum, totalBytes, time.Since(startTime))
	log.Println("Ending stream, waiting for final transcript...")

	if err := conn.WriteJSON(ws.Message{Event: ws.EventEndStream}); err != nil {
		log.Fatalf("Failed to send end-stream: %v", err)
	}

	select {
	case text, ok := <-final:
		if !ok {
			log.Fatal("Connection closed before a final transcript arrived")
		}
		log.Printf("Final transcript: %q", text)
	case <-time.After(30 * time.Second):
		log.Fatal("Timed out waiting for final transcript")
	}
}
