// Command pondchat-cli is a terminal client for one conversation. Lines typed
// on stdin are sent as messages; /older loads earlier history, /delete <id>
// removes one of your messages and /quit exits.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/eleven-am/pondchat/client"
	"github.com/eleven-am/pondchat/models"
)

func main() {
	serverURL := flag.String("server", "http://localhost:8080", "chat server base URL")
	userID := flag.String("user", "", "your user id")
	username := flag.String("name", "", "display name")
	conversationID := flag.String("conversation", "", "conversation to open")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *userID == "" || *conversationID == "" {
		fmt.Fprintln(os.Stderr, "Usage: pondchat-cli -user <id> -conversation <id> [-name <name>] [-server <url>]")
		os.Exit(1)
	}
	if *username == "" {
		*username = *userID
	}

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().
		Timestamp().
		Logger().
		Level(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	config := client.DefaultConfig()
	config.Logger = logger

	me := models.Sender{ID: *userID, Username: *username}
	rest := client.NewREST(*serverURL, me, nil)

	conn, err := client.NewConn(strings.TrimRight(*serverURL, "/")+"/ws", nil, config)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid server URL")
	}
	defer conn.Close()

	conn.OnConnectionChange(func(connected bool) {
		if connected {
			logger.Info().Msg("connected")
		} else {
			logger.Warn().Msg("disconnected")
		}
	})

	conversation, err := findConversation(ctx, rest, *conversationID)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load conversation")
	}

	list := client.NewMessageList()
	typing := client.NewTypingIndicator(config.TypingTimeout*2, func(_, name string) {
		if name != "" {
			fmt.Printf("  %s is typing...\n", name)
		}
	})
	typing.Bind(conn)

	pipeline := client.NewPipeline(client.PipelineOptions{
		ConversationID: conversation.ID,
		Participants:   conversation.Participants,
		Me:             me,
		List:           list,
		Persister:      rest,
		Reads:          rest,
		Emitter:        conn,
		Logger:         logger,
		OnNotify: func(m *models.Message) {
			fmt.Printf("  [new message in %s from %s]\n", m.ConversationID, m.Sender.Username)
		},
	})
	pipeline.Bind(conn)

	inbox := client.NewInbox(rest, config)
	inbox.SetActive(conversation.ID)
	inbox.Bind(conn)
	defer inbox.Close()

	conn.On(client.EventReceiveMessage, func(raw json.RawMessage) {
		var m models.Message
		if err := json.Unmarshal(raw, &m); err == nil && m.ConversationID == conversation.ID {
			printMessage(pipeline, &m)
		}
	})
	conn.On(client.EventError, func(raw json.RawMessage) {
		logger.Warn().RawJSON("error", raw).Msg("server rejected an event")
	})

	_ = conn.Identify(me.ID)
	_ = conn.Join(conversation.ID)
	if err := conn.Connect(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect")
	}

	history := client.NewHistory(conversation.ID, rest, list, nil, config)
	if err := history.Load(ctx, conversation.UnreadCount); err != nil {
		logger.Fatal().Err(err).Msg("failed to load history")
	}
	separator, hasSeparator := history.Separator()
	for i, m := range list.Snapshot() {
		if hasSeparator && i == separator {
			fmt.Println("  ---- unread ----")
		}
		printMessage(pipeline, m)
	}
	if conversation.UnreadCount > 0 {
		if _, err := rest.MarkRead(ctx, conversation.ID); err == nil {
			_ = conn.Emit(client.EventMarkRead, client.ReadPayload{ConversationID: conversation.ID, UserID: me.ID})
		}
	}

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	sender := client.NewTypingSender(conn, conversation.ID, me.Username, config)
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if !handleLine(ctx, line, pipeline, history, sender, logger) {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, line string, pipeline *client.Pipeline, history *client.History, sender *client.TypingSender, logger zerolog.Logger) bool {
	switch {
	case line == "/quit":
		return false
	case line == "/older":
		added, err := history.LoadOlder(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load older messages")
			return true
		}
		fmt.Printf("  loaded %d older messages\n", added)
		for _, m := range pipeline.List().Snapshot()[:added] {
			printMessage(pipeline, m)
		}
	case strings.HasPrefix(line, "/delete "):
		if err := pipeline.Delete(ctx, strings.TrimSpace(strings.TrimPrefix(line, "/delete "))); err != nil {
			logger.Warn().Err(err).Msg("delete failed")
		}
	default:
		sender.InputChanged(line)
		saved, err := pipeline.Send(ctx, line, nil)
		if err != nil {
			logger.Warn().Err(err).Msg("send failed")
			return true
		}
		printMessage(pipeline, saved)
	}
	return true
}

func findConversation(ctx context.Context, rest *client.REST, id string) (*models.Conversation, error) {
	conversations, err := rest.ListConversations(ctx)
	if err != nil {
		return nil, err
	}
	for _, c := range conversations {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, fmt.Errorf("conversation %s not found", id)
}

func printMessage(pipeline *client.Pipeline, m *models.Message) {
	status := ""
	if m.Sender.ID != "" {
		status = string(pipeline.Status(m))
	}
	fmt.Printf("[%s] %s: %s (%s, %s)\n", m.CreatedAt.Local().Format(time.Kitchen), m.Sender.Username, m.Content, m.ID, status)
}
