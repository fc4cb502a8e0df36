package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
)

type clientConfig struct {
	server   string
	identity string
	to       string
	payload  string
	listen   time.Duration
}

func main() {
	cfg := parseConfig()
	if err := run(cfg); err != nil {
		log.Fatalf("relay client failed: %v", err)
	}
}

func parseConfig() clientConfig {
	var cfg clientConfig
	flag.StringVar(&cfg.server, "server", "ws://127.0.0.1:8080", "Relay server base URL")
	flag.StringVar(&cfg.identity, "identity", "", "Identity to connect as (required)")
	flag.StringVar(&cfg.to, "to", "", "Recipient identity; when empty, only listen")
	flag.StringVar(&cfg.payload, "payload", "", "Opaque payload to send (already encrypted by the caller)")
	flag.DurationVar(&cfg.listen, "listen", 30*time.Second, "How long to keep listening for incoming frames")
	flag.Parse()

	if cfg.identity == "" {
		log.Fatal("-identity is required")
	}
	if cfg.to != "" && cfg.payload == "" {
		log.Fatal("-payload is required when -to is set")
	}
	return cfg
}

type envelope struct {
	MessageID string `json:"message_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

func run(cfg clientConfig) error {
	base, err := url.Parse(cfg.server)
	if err != nil {
		return fmt.Errorf("parse server url: %w", err)
	}
	base.Path = "/ws/" + cfg.identity

	conn, _, err := websocket.DefaultDialer.Dial(base.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", base.String(), err)
	}
	defer conn.Close()
	log.Printf("connected as %s", cfg.identity)

	if cfg.to != "" {
		env := envelope{To: cfg.to, Payload: cfg.payload}
		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return fmt.Errorf("send envelope: %w", err)
		}
		log.Printf("sent %d payload bytes to %s", len(cfg.payload), cfg.to)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	deadline := time.Now().Add(cfg.listen)
	_ = conn.SetReadDeadline(deadline)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			printFrame(data)
		}
	}()

	select {
	case <-done:
	case <-interrupt:
		log.Print("interrupted")
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	case <-time.After(cfg.listen):
	}
	return nil
}

func printFrame(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err == nil && env.To != "" {
		log.Printf("envelope %s from %s: %d payload bytes (ts=%d)",
			env.MessageID, env.From, len(env.Payload), env.Timestamp)
		return
	}
	log.Printf("frame: %s", data)
}
