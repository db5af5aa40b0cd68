package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/edutalk/chatsync/pkg/chatsync"
)

var sendCommand = &cli.Command{
	Name:      "send",
	Usage:     "Send a message to a thread",
	ArgsUsage: "<thread-id> [text...]",
	Before:    requiresAuth,
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "file", Usage: "Attach a local file (text args become the caption)"},
	},
	Action: send,
}

func send(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return fmt.Errorf("usage: chatctl send <thread-id> [text...]")
	}
	threadID := ctx.Args().First()
	text := strings.Join(ctx.Args().Tail(), " ")
	file := ctx.String("file")
	if text == "" && file == "" {
		return fmt.Errorf("nothing to send")
	}

	client, err := chatsync.NewClient(getConfig(ctx), getLogger(ctx))
	if err != nil {
		return err
	}

	if file != "" {
		client.OnUploadProgress(func(p float64) {
			fmt.Printf("\ruploading... %3.0f%%", p*100)
		})
		msg, err := client.SendAttachment(ctx.Context, threadID, file, text)
		if err != nil {
			fmt.Println()
			return err
		}
		fmt.Printf("\rsent %s (%s)\n", msg.ID, msg.Attachment.Filename)
		return nil
	}

	msg, err := client.SendText(ctx.Context, threadID, text)
	if err != nil {
		return err
	}
	fmt.Printf("sent %s\n", msg.ID)
	return nil
}
