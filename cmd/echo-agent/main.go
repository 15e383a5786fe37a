// ABOUTME: Minimal echo agent for E2E testing — connects over the gateway socket and echoes mentions.
// ABOUTME: Usage: echo-agent [-addr localhost:8080] [-token TOKEN]

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/byoa-gateway/internal/socket"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "gateway HTTP address")
	token := flag.String("token", os.Getenv("BYOA_AGENT_TOKEN"), "agent bearer token")
	flag.Parse()

	if *token == "" {
		log.Fatal("agent token required (-token or BYOA_AGENT_TOKEN)")
	}

	if err := run(*addr, *token); err != nil {
		log.Fatal(err)
	}
}

func run(addr, token string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	url := fmt.Sprintf("ws://%s/byoa/ws", addr)
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	// Authenticate
	if err := conn.WriteJSON(socket.Frame{Type: socket.TypeAuth, Token: token}); err != nil {
		return fmt.Errorf("failed to send auth: %w", err)
	}

	var welcome socket.Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("failed to receive auth reply: %w", err)
	}
	switch welcome.Type {
	case socket.TypeAuthOK:
	case socket.TypeAuthError:
		return fmt.Errorf("auth rejected: %s", welcome.Message)
	default:
		return fmt.Errorf("expected auth_ok, got %q", welcome.Type)
	}

	mentionKey := welcome.Agent.MentionKey
	fmt.Fprintf(os.Stderr, "connected as %s (%d rooms)\n", welcome.Agent.Username, len(welcome.Rooms))

	go func() {
		<-ctx.Done()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), deadline)
		conn.Close()
	}()

	// Message loop
	for {
		var frame socket.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			return fmt.Errorf("read error: %w", err)
		}

		switch frame.Type {
		case socket.TypePing:
			if err := conn.WriteJSON(socket.Frame{Type: socket.TypePong}); err != nil {
				log.Printf("pong error: %v", err)
			}
		case socket.TypeMessage:
			log.Printf("received message [%s] from %s: %s", frame.ID, frame.Sender, frame.Content)
			if !strings.Contains(strings.ToLower(frame.Content), "@"+mentionKey) {
				continue
			}
			reply := echoReply(frame.Sender, frame.Content)
			if err := conn.WriteJSON(socket.Frame{
				Type:    socket.TypeMessage,
				Room:    frame.Room,
				Content: reply,
			}); err != nil {
				log.Printf("send error: %v", err)
			}
		case socket.TypeMessageSent:
			log.Printf("delivered to %s", frame.Room)
		case socket.TypeError:
			log.Printf("gateway error [%s]: %s", frame.Code, frame.Message)
		}
	}
}

func echoReply(sender, input string) string {
	lower := strings.ToLower(input)
	if strings.Contains(lower, "markdown") || strings.Contains(lower, "bullet") || strings.Contains(lower, "list") {
		return "Here is a **markdown** response:\n\n- First item\n- Second item with `code`\n- Third item\n\n> This is a blockquote.\n"
	}
	return fmt.Sprintf("Echo for @%s: **%s**", sender, input)
}
