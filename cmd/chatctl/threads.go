package main

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

var threadsCommand = &cli.Command{
	Name:   "threads",
	Usage:  "List your chat threads",
	Before: requiresAuth,
	Flags: []cli.Flag{
		&cli.IntFlag{Name: "page", Value: 1, Usage: "Page of the thread index"},
	},
	Action: listThreads,
}

func listThreads(ctx *cli.Context) error {
	api := getAPIClient(ctx)
	threads, paging, err := api.ListThreads(ctx.Context, ctx.Int("page"))
	if err != nil {
		return err
	}
	for _, th := range threads {
		marker := " "
		if th.UnreadCount > 0 {
			marker = "*"
		}
		preview := ""
		if th.LastMessage != nil {
			preview = th.LastMessage.Body
			if len(preview) > 60 {
				preview = preview[:57] + "..."
			}
		}
		fmt.Printf("%s %-24s  %-8s  unread=%-3d  %s\n", marker, th.ID, th.Kind, th.UnreadCount, preview)
	}
	if paging.HasMore {
		fmt.Printf("(page %d of %d, use --page to see more)\n", paging.CurrentPage, paging.LastPage)
	}
	return nil
}
