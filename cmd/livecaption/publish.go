package main

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hallveticapro/live-translation/internal/listener"
	"github.com/hallveticapro/live-translation/pkg/types"
)

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish [text...]",
		Short: "Send captions directly to every listener",
		Long: `Send captions to every connected listener, bypassing transcription and
translation. The server must run with captions.allow_direct_publish enabled.

With arguments, the joined arguments are sent as one caption. Without
arguments, each line read from stdin is sent as its own caption.`,
		RunE: runPublish,
	}
	cmd.Flags().String("url", "ws://localhost:3000/ws", "caption channel URL")
	cmd.Flags().String("lang", "", "language code attached to the caption")
	cmd.Flags().Duration("timeout", 5*time.Second, "connect and send timeout")
	return cmd
}

func runPublish(cmd *cobra.Command, args []string) error {
	url, _ := cmd.Flags().GetString("url")
	lang, _ := cmd.Flags().GetString("lang")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	ctx := cmd.Context()
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	client, err := listener.Dial(dialCtx, url)
	cancel()
	if err != nil {
		return err
	}
	defer client.Close()

	send := func(text string) error {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		sendCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := client.Publish(sendCtx, types.Caption{Text: text, Lang: lang}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "sent: %s\n", text)
		return nil
	}

	if len(args) > 0 {
		return send(strings.Join(args, " "))
	}

	sc := bufio.NewScanner(cmd.InOrStdin())
	for sc.Scan() {
		if err := send(sc.Text()); err != nil {
			return err
		}
	}
	return sc.Err()
}
