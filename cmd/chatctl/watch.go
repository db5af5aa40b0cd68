package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/edutalk/chatsync/pkg/chatapi"
	"github.com/edutalk/chatsync/pkg/chatsync"
)

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "Live-tail a thread, optionally auto-sending files dropped in an outbox directory",
	ArgsUsage: "<thread-id>",
	Before:    requiresAuth,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "outbox", Usage: "Directory to watch; new files are sent as attachments"},
		&cli.BoolFlag{Name: "mark-read", Usage: "Mark the thread read on every incoming message"},
	},
	Action: watch,
}

func watch(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: chatctl watch <thread-id>")
	}
	threadID := ctx.Args().First()
	log := getLogger(ctx)

	client, err := chatsync.NewClient(getConfig(ctx), log)
	if err != nil {
		return err
	}
	runCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err = client.Start(runCtx); err != nil {
		return err
	}
	defer client.Stop()

	client.OnSocketState(func(state chatsync.SocketState) {
		fmt.Printf("-- socket %s --\n", state)
	})

	printer := newMessagePrinter(client, threadID)
	cancelObserve := client.Observe(threadID, func() {
		printer.flush()
		if ctx.Bool("mark-read") {
			go func() {
				mrCtx, cancel := context.WithTimeout(runCtx, 10*time.Second)
				defer cancel()
				if err := client.MarkRead(mrCtx, threadID); err != nil {
					log.Warn().Err(err).Msg("Mark read failed")
				}
			}()
		}
	})
	defer cancelObserve()

	if err = client.OpenThread(runCtx, threadID); err != nil {
		return err
	}
	defer client.CloseThread(threadID)
	printer.flush()

	if outbox := ctx.String("outbox"); outbox != "" {
		watcher, err := watchOutbox(runCtx, client, threadID, outbox, log)
		if err != nil {
			return err
		}
		defer watcher.Close()
	}

	<-runCtx.Done()
	fmt.Println("\nbye")
	return nil
}

// messagePrinter prints each message once, oldest first, as the reconciled
// window grows.
type messagePrinter struct {
	client   *chatsync.Client
	threadID string

	mu   sync.Mutex
	seen map[string]bool
}

func newMessagePrinter(client *chatsync.Client, threadID string) *messagePrinter {
	return &messagePrinter{client: client, threadID: threadID, seen: make(map[string]bool)}
}

func (p *messagePrinter) flush() {
	msgs := p.client.Messages(p.threadID)
	p.mu.Lock()
	defer p.mu.Unlock()
	// The window is newest-first; walk backwards so output reads downwards.
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if p.seen[msg.ID] {
			continue
		}
		p.seen[msg.ID] = true
		printMessage(msg)
	}
}

func printMessage(msg *chatapi.Message) {
	ts := msg.CreatedAt.Time.Format("15:04:05")
	body := msg.Body
	if msg.Attachment != nil {
		body = strings.TrimSpace(fmt.Sprintf("[%s] %s", msg.Attachment.Filename, body))
	}
	pending := ""
	if msg.Pending {
		pending = " (sending)"
	}
	fmt.Printf("%s <%s>%s %s\n", ts, msg.SenderID, pending, body)
}

// watchOutbox sends every file created in dir as an attachment, moving it to
// a sent/ subdirectory afterwards so restarts don't re-send.
func watchOutbox(ctx context.Context, client *chatsync.Client, threadID, dir string, log zerolog.Logger) (*fsnotify.Watcher, error) {
	sentDir := filepath.Join(dir, "sent")
	if err := os.MkdirAll(sentDir, 0o755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	log.Info().Str("dir", dir).Msg("Watching outbox")

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if info, err := os.Stat(event.Name); err != nil || info.IsDir() {
					continue
				}
				// Editors and copies often fire Create before the file is
				// complete; a short settle delay avoids sending half a file.
				time.Sleep(500 * time.Millisecond)
				msg, err := client.SendAttachment(ctx, threadID, event.Name, "")
				if err != nil {
					log.Warn().Err(err).Str("path", event.Name).Msg("Outbox send failed")
					continue
				}
				target := filepath.Join(sentDir, filepath.Base(event.Name))
				if err = os.Rename(event.Name, target); err != nil {
					log.Warn().Err(err).Str("path", event.Name).Msg("Failed to move sent file")
				}
				log.Info().Str("message_id", msg.ID).Str("file", filepath.Base(event.Name)).Msg("Outbox file sent")
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Outbox watcher error")
			}
		}
	}()
	return watcher, nil
}
