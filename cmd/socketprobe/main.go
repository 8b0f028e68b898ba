// Package main provides a developer probe for the chat and call socket
// namespaces. It dials a namespace, prints every inbound frame, and turns
// stdin lines into outbound frames:
//
//	plain text         sent as {"event":"message","data":{"content":...}} (chat)
//	/<event> [json]    sent as a raw frame, e.g. /user_typing or /offer {"sdp":"..."}
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func main() {
	host := flag.String("host", "localhost:8375", "API server host")
	namespace := flag.String("namespace", "chat", "Socket namespace: chat or call")
	token := flag.String("token", "", "Pair token for the handshake (empty = anonymous)")
	room := flag.String("room", "", "Room id announced in the opening user_connected frame (chat only)")
	flag.Parse()

	if *namespace != "chat" && *namespace != "call" {
		log.Fatalf("❌ Unknown namespace %q (want chat or call)", *namespace)
	}

	u := url.URL{Scheme: "ws", Host: *host, Path: "/ws/" + *namespace}
	if *token != "" {
		u.RawQuery = "token=" + url.QueryEscape(*token)
	}
	log.Printf("🔌 Dialing %s", u.String())

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("❌ Dial failed: %v", err)
	}
	if resp != nil && resp.Body != nil {
		defer func() { _ = resp.Body.Close() }()
	}
	defer func() { _ = conn.Close() }()

	done := make(chan struct{})
	go readLoop(conn, done)

	if *namespace == "chat" && *room != "" {
		send(conn, "user_connected", map[string]string{"roomId": *room})
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-done:
			log.Println("Connection closed by server")
			return
		case <-interrupt:
			log.Println("🛑 Closing...")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(conn, *namespace, line)
		}
	}
}

func readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, raw, "", "  "); err != nil {
			log.Printf("<- %s", raw)
			continue
		}
		log.Printf("<- %s", pretty.String())
	}
}

func handleLine(conn *websocket.Conn, namespace, line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}

	if strings.HasPrefix(line, "/") {
		event, rest, _ := strings.Cut(line[1:], " ")
		if event == "" {
			log.Println("usage: /<event> [json]")
			return
		}
		var data any
		if rest = strings.TrimSpace(rest); rest != "" {
			raw := json.RawMessage(rest)
			if !json.Valid(raw) {
				log.Printf("invalid json payload: %s", rest)
				return
			}
			data = raw
		}
		send(conn, event, data)
		return
	}

	if namespace != "chat" {
		log.Println("call namespace takes /<event> [json] commands, e.g. /offer {\"sdp\":\"...\"}")
		return
	}
	send(conn, "message", map[string]string{"content": line})
}

func send(conn *websocket.Conn, event string, data any) {
	f := frame{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			log.Printf("encode %s frame: %v", event, err)
			return
		}
		f.Data = raw
	}
	payload, err := json.Marshal(f)
	if err != nil {
		log.Printf("encode %s frame: %v", event, err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		log.Printf("write %s frame: %v", event, err)
		return
	}
	fmt.Printf("-> %s\n", payload)
}
