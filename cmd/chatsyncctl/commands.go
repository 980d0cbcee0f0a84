package main

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/spf13/cobra"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

var (
	archivedFlag bool
	attachFlag   []string
	limitFlag    int
)

func init() {
	conversationsCmd.Flags().BoolVar(&archivedFlag, "archived", false, "list archived conversations")
	sendCmd.Flags().StringArrayVar(&attachFlag, "attach", nil, "file to attach (repeatable)")
	journalCmd.Flags().IntVar(&limitFlag, "limit", 20, "number of envelopes to show")

	rootCmd.AddCommand(
		statusCmd,
		refreshCmd,
		conversationsCmd,
		openCmd,
		closeCmd,
		sendCmd,
		readCmd,
		archiveCmd,
		restoreCmd,
		typeCmd,
		presenceCmd,
		unreadCmd,
		journalCmd,
		watchCmd,
		profilesCmd,
	)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon and connection status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		err := withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.GetState(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			printStatus(os.Stdout, st)
			return nil
		})
		if grpcstatus.Code(err) == codes.Unavailable {
			return daemonDown(err)
		}
		return err
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Reload the conversation lists from the server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.Refresh(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			printConversations(os.Stdout, st.Self, st.Conversations)
			return nil
		})
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List conversations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.GetState(ctx)
			if err != nil {
				return err
			}
			list, err := c.ListConversations(ctx, archivedFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(list)
			}
			printConversations(os.Stdout, st.Self, list)
			return nil
		})
	},
}

var openCmd = &cobra.Command{
	Use:   "open <conversation-id>",
	Short: "Open a conversation and connect its push channel",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			st, err := c.OpenConversation(ctx, chat.ID(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(st)
			}
			printThread(os.Stdout, st)
			return nil
		})
	},
}

var closeCmd = &cobra.Command{
	Use:   "close",
	Short: "Close the open conversation",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.CloseConversation(ctx)
		})
	},
}

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Send a message to the open conversation",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := api.SendRequest{}
		if len(args) == 1 {
			req.Content = args[0]
		}
		for _, path := range attachFlag {
			up, err := readUpload(path)
			if err != nil {
				return err
			}
			req.Attachments = append(req.Attachments, up)
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			msg, err := c.SendMessage(ctx, req)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(msg)
			}
			fmt.Printf("sent %s (%s)\n", msg.ID, msg.Status)
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.MarkAsRead(ctx, chat.ID(args[0]))
		})
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive <conversation-id>",
	Short: "Archive a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Archive(ctx, chat.ID(args[0]))
		})
	},
}

var restoreCmd = &cobra.Command{
	Use:   "restore <conversation-id>",
	Short: "Restore an archived conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.Restore(ctx, chat.ID(args[0]))
		})
	},
}

var typeCmd = &cobra.Command{
	Use:   "type [text]",
	Short: "Report composer input to drive typing notifications",
	Long:  "Feeds the composer text to the typing debouncer. An empty or missing text clears typing.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := ""
		if len(args) == 1 {
			text = args[0]
		}
		return withClient(func(ctx context.Context, c *api.Client) error {
			return c.InputChanged(ctx, text)
		})
	},
}

var presenceCmd = &cobra.Command{
	Use:   "presence <user-id>",
	Short: "Show a user's online status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			p, err := c.GetPresence(ctx, chat.ID(args[0]))
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(p)
			}
			fmt.Printf("%s: %s\n", p.UserID, presenceLine(p))
			return nil
		})
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Compare the server unread count with the local one",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			v, err := c.CheckUnread(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(v)
			}
			fmt.Printf("server %d, local %d", v.Server, v.Local)
			if !v.Match {
				fmt.Print(" (mismatch, run refresh)")
			}
			fmt.Println()
			return nil
		})
	},
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Show recently recorded push envelopes",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(ctx context.Context, c *api.Client) error {
			v, err := c.RecentJournal(ctx, limitFlag)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(v)
			}
			printJournal(os.Stdout, v.Entries)
			return nil
		})
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream state changes until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := api.Dial(session.SocketPath(profileFlag))
		if err != nil {
			return err
		}
		defer func() { _ = c.Close() }()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		err = c.WatchState(ctx, func(evt api.EventView) error {
			if jsonOutput {
				return printJSON(evt)
			}
			fmt.Println(eventLine(evt))
			return nil
		})
		if ctx.Err() != nil {
			return nil
		}
		return err
	},
}

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List known profiles and whether a daemon holds each",
	Args:  cobra.NoArgs,
	// No daemon is needed, so skip the profile resolution of the root command.
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		names, err := session.List()
		if err != nil {
			return err
		}
		rows := make([]profileRow, 0, len(names))
		for _, name := range names {
			row := profileRow{Name: name}
			if h, err := lock.Read(session.Dir(name)); err == nil && h.PID != 0 {
				row.PID = h.PID
				row.Since = h.Since
			}
			rows = append(rows, row)
		}
		if jsonOutput {
			return printJSON(rows)
		}
		printProfiles(os.Stdout, rows)
		return nil
	},
}

// daemonDown explains an unreachable socket using the profile lock file.
func daemonDown(err error) error {
	holder, lockErr := lock.Read(session.Dir(profileFlag))
	if lockErr != nil || holder.PID == 0 {
		return fmt.Errorf("daemon for profile %q is not running", profileFlag)
	}
	return fmt.Errorf("daemon for profile %q (PID %d) holds the lock but is not answering: %w",
		profileFlag, holder.PID, err)
}

func readUpload(path string) (api.UploadView, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return api.UploadView{}, fmt.Errorf("read attachment: %w", err)
	}
	if len(data) == 0 {
		return api.UploadView{}, errors.New("read attachment: " + path + " is empty")
	}
	name := filepath.Base(path)
	return api.UploadView{FileName: name, ContentType: contentType(name, data), Data: data}, nil
}

func contentType(name string, data []byte) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}
