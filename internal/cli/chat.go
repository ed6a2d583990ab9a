package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"portalchat/pkg/client"
	"portalchat/pkg/messaging"
	"portalchat/pkg/models"
	"portalchat/pkg/state/shutdown"
)

// how long list style commands wait for the first directory snapshot
const settleTimeout = 3 * time.Second

func init() {
	rootCmd.AddCommand(loginCmd, signCmd, conversationsCmd, dmCmd, groupCmd, sendCmd, tailCmd, usersCmd)
	tailCmd.Flags().Bool("no-seen", false, "do not mark incoming messages as seen")
	dmCmd.Flags().String("title", "", "title shown for the counterpart (looked up when empty)")
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Create or complete the profile file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := LoadProfile(profilePath)
		if err != nil {
			return err
		}
		if err := fillProfile(p, os.Stdin, cmd.OutOrStdout()); err != nil {
			return err
		}
		p.withDefaults()
		if err := p.Validate(); err != nil {
			return err
		}
		if err := SaveProfile(p, profilePath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Saved profile %s\n  User: %s\n  API key: %s\n", profilePath, p.UserID, maskKey(p.APIKey))
		return nil
	},
}

var signCmd = &cobra.Command{
	Use:   "sign <user-id>",
	Short: "Print the signature for a user id (needs a backend key)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := loadProfile()
		if err != nil {
			return err
		}
		if p.BackendKey == "" {
			return fmt.Errorf("backend_key is not set in the profile")
		}
		cl := client.New(client.Options{BaseURL: p.BaseURL, BackendKey: p.BackendKey, Timeout: p.Timeout})
		defer cl.Close()
		sig, err := cl.Sign(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), sig)
		return nil
	},
}

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"ls"},
	Short:   "List your conversations, most recent first",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()
		v := waitView(cmd.Context(), c.session, settleTimeout, func(v messaging.View) bool {
			return len(v.Conversations) > 0 && len(v.Unread) >= len(v.Conversations)
		})
		printConversations(cmd.OutOrStdout(), v)
		return nil
	},
}

var dmCmd = &cobra.Command{
	Use:   "dm <user-id>",
	Short: "Open (or create) the private conversation with a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		title, _ := cmd.Flags().GetString("title")
		if title == "" && c.users != nil {
			if u, ok, err := c.users.Lookup(cmd.Context(), args[0]); err == nil && ok {
				title = u.Name
			}
		}
		cid, err := c.session.EnsurePrivateConversation(cmd.Context(), args[0], title)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cid)
		return nil
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <title> <user-id>...",
	Short: "Create a group conversation with you and the given users",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		cid, err := c.session.CreateGroupConversation(cmd.Context(), args[1:], args[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), cid)
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation-id> <text>...",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.session.SelectConversation(args[0]); err != nil {
			return err
		}
		composer := messaging.NewComposer(c.session)
		mid, err := composer.Submit(cmd.Context(), strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		if mid == "" {
			return fmt.Errorf("nothing to send")
		}
		fmt.Fprintln(cmd.OutOrStdout(), mid)
		return nil
	},
}

var tailCmd = &cobra.Command{
	Use:   "tail <conversation-id>",
	Short: "Follow a conversation live; incoming messages are marked seen",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		noSeen, _ := cmd.Flags().GetBool("no-seen")
		ctx, cancel := shutdown.SetupSignalHandler(cmd.Context())
		defer cancel()

		c, err := connect(ctx, !noSeen)
		if err != nil {
			return err
		}
		defer c.Close()
		if err := c.session.SelectConversation(args[0]); err != nil {
			return err
		}
		return follow(ctx, c.session, cmd.OutOrStdout())
	},
}

var usersCmd = &cobra.Command{
	Use:   "users <query>",
	Short: "Search the user directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer c.Close()
		if c.users == nil {
			return fmt.Errorf("user_search_url is not set in the profile")
		}

		picker := messaging.NewPicker(c.users, c.profile.UserID)
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEMAIL")
		for _, u := range picker.Search(cmd.Context(), strings.Join(args, " ")) {
			fmt.Fprintf(w, "%s\t%s\t%s\n", u.ID, u.Name, u.Email)
		}
		return w.Flush()
	},
}

// follow prints messages of the selected conversation as they arrive until
// ctx is done.
func follow(ctx context.Context, s *messaging.Session, out io.Writer) error {
	printed := make(map[string]struct{})
	var lastErr error
	for {
		v := s.Snapshot()
		for _, m := range v.Messages {
			if _, ok := printed[m.ID]; ok {
				continue
			}
			printed[m.ID] = struct{}{}
			fmt.Fprintln(out, formatMessage(m, v.User.ID))
		}
		if v.LastError != nil && v.LastError != lastErr {
			fmt.Fprintf(os.Stderr, "warning: %v\n", v.LastError)
		}
		lastErr = v.LastError
		select {
		case <-ctx.Done():
			return nil
		case <-s.Changes():
		}
	}
}

func printConversations(out io.Writer, v messaging.View) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTYPE\tTITLE\tUNREAD\tUPDATED\tLAST MESSAGE")
	for _, c := range v.Conversations {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			c.ID, c.Type, c.Title, v.Unread[c.ID], formatTime(c.UpdatedAt), truncate(c.LastMessage, 40))
	}
	_ = w.Flush()
}

func formatMessage(m models.Message, self string) string {
	name := m.SenderName
	if m.SenderID == self {
		name = "you"
	}
	line := fmt.Sprintf("[%s] %s: %s", formatTime(m.SentAt), name, m.Text)
	if m.SenderID == self {
		if seen := seenBy(m, self); len(seen) > 0 {
			line += "  (seen by " + strings.Join(seen, ", ") + ")"
		}
	}
	return line
}

func seenBy(m models.Message, self string) []string {
	var ids []string
	for id := range m.SeenBy {
		if id != self {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func formatTime(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
