package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"portalchat/pkg/client"
	"portalchat/pkg/logger"
	"portalchat/pkg/messaging"
	"portalchat/pkg/realtime"
	"portalchat/pkg/userdir"
)

var (
	profilePath string
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "portalchat-cli",
	Short: "Portalchat command line client",
	Long: `portalchat-cli talks to a portalchat server as one signed user:
list conversations, start direct or group conversations, send messages
and follow a conversation live.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := "error"
		if verbose {
			level = "debug"
		}
		logger.InitWriter(os.Stderr, level)
	},
}

// Execute runs the root command. This is called by main.main().
func Execute(version, commit string) {
	_ = godotenv.Load(".env")
	rootCmd.Version = fmt.Sprintf("%s (commit: %s)", version, commit)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&profilePath, "profile", "p", DefaultProfilePath(), "profile file path")
}

// loadProfile reads the profile file, applies env overrides and defaults.
func loadProfile() (*Profile, error) {
	p, err := LoadProfile(profilePath)
	if err != nil {
		return nil, err
	}
	p.ApplyEnv()
	p.withDefaults()
	return p, nil
}

// conn is a connected remote store plus a messaging session on top of it.
type conn struct {
	profile *Profile
	client  *client.Client
	session *messaging.Session
	users   *userdir.Client
}

func (c *conn) Close() {
	c.session.Close()
	c.client.Close()
}

func (c *conn) user() realtime.User {
	return realtime.User{ID: c.profile.UserID, Name: c.profile.UserName}
}

// connect opens the store client and binds a session to the profile's user.
func connect(ctx context.Context, autoSeen bool) (*conn, error) {
	p, err := loadProfile()
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	cl := client.New(client.Options{
		BaseURL:    p.BaseURL,
		StreamURL:  p.StreamURL,
		APIKey:     p.APIKey,
		BackendKey: p.BackendKey,
		Signature:  p.Signature,
		Timeout:    p.Timeout,
	})

	c := &conn{profile: p, client: cl}
	opts := messaging.Options{
		Store:           cl,
		WriteTimeout:    p.Timeout,
		DisableAutoSeen: !autoSeen,
	}
	if p.UserSearchURL != "" {
		c.users = userdir.New(userdir.Options{BaseURL: p.UserSearchURL, APIKey: p.APIKey, Timeout: p.Timeout})
		opts.Users = c.users
	}
	c.session = messaging.NewSession(opts)

	if err := c.session.SetUser(ctx, c.user()); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// waitView blocks until pred holds for the session view or timeout passes,
// returning the last view seen.
func waitView(ctx context.Context, s *messaging.Session, timeout time.Duration, pred func(messaging.View) bool) messaging.View {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		v := s.Snapshot()
		if pred(v) {
			return v
		}
		select {
		case <-s.Changes():
		case <-deadline.C:
			return s.Snapshot()
		case <-ctx.Done():
			return s.Snapshot()
		}
	}
}
