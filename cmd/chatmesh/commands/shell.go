package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chatmesh/chatmesh/internal/cli/output"
	"github.com/chatmesh/chatmesh/internal/cli/prompt"
	"github.com/chatmesh/chatmesh/internal/logger"
	"github.com/chatmesh/chatmesh/pkg/client"
	"github.com/chatmesh/chatmesh/pkg/config"
	"github.com/chatmesh/chatmesh/pkg/wire"
)

// shellHelp doubles as the cobra long help and the in-shell "help" output.
// It is a constant so dispatch does not reference shellCmd back.
const shellHelp = `Enter the interactive chat shell.

The shell connects to the current primary replica and follows failovers
transparently: a request interrupted by a crashing primary is retransmitted
to the next one without user involvement.

Commands inside the shell:
  create <user>            Create an account
  login <user>             Log in and subscribe for notifications
  logout                   Log out
  delete <user>            Delete an account
  send <user> <text>       Send a chat message
  list [wildcard] [page]   List accounts matching wildcard (page 0 default)
  logs [wildcard] [page]   Show received chats filtered by author
  notif                    Pull one undelivered chat manually
  fallover                 Ask the primary to shut down (testing)
  help                     Show this list
  quit                     Leave the shell`

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Enter the interactive chat shell",
	Long:  shellHelp,
	RunE:  runShell,
}

// session is the state of one interactive shell.
type session struct {
	client *client.Client
	sub    *client.Subscription
	user   string
}

func runShell(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	// The shell logs to stderr only when something is genuinely wrong.
	if err := logger.Init(logger.Config{Level: "ERROR", Format: "text", Output: "stderr"}); err != nil {
		return err
	}

	set, err := cfg.ReplicaSet()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &session{client: client.New(client.Config{
		Set:           set,
		WatchInterval: cfg.Timeouts.ProbeInterval,
	})}
	defer s.close()

	fmt.Printf("chatmesh %s - connecting to cluster of %d replicas\n", Version, set.Size())
	if err := s.client.Connect(ctx); err != nil {
		return fmt.Errorf("no reachable primary: %w", err)
	}
	fmt.Printf("connected to primary %s\n", s.client.Primary())

	for {
		line, err := prompt.Input(s.promptLabel(), "")
		if err != nil {
			if errors.Is(err, prompt.ErrAborted) {
				fmt.Println("bye")
				return nil
			}
			return err
		}
		if quit := s.dispatch(ctx, strings.TrimSpace(line)); quit {
			fmt.Println("bye")
			return nil
		}
	}
}

func (s *session) promptLabel() string {
	if s.user == "" {
		return "chatmesh"
	}
	return "chatmesh(" + s.user + ")"
}

// dispatch runs one shell command. Returns true when the shell should exit.
func (s *session) dispatch(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true
	case "help":
		fmt.Print(shellHelp, "\n")
	case "create":
		s.create(ctx, args)
	case "login":
		s.login(ctx, args)
	case "logout":
		s.logout()
	case "delete":
		s.remove(ctx, args)
	case "send":
		s.send(ctx, args)
	case "list":
		s.list(ctx, args)
	case "logs":
		s.logs(ctx, args)
	case "notif":
		s.notif(ctx)
	case "fallover":
		s.fallover(ctx)
	default:
		fmt.Printf("unknown command %q (try \"help\")\n", cmd)
	}
	return false
}

func (s *session) create(ctx context.Context, args []string) {
	user, ok := oneUser("create", args)
	if !ok {
		return
	}
	s.roundTrip(ctx, wire.Op{Kind: wire.KindCreate, UserID: user}, "account created")
}

func (s *session) login(ctx context.Context, args []string) {
	user, ok := oneUser("login", args)
	if !ok {
		return
	}
	if s.user != "" {
		fmt.Printf("already logged in as %s (logout first)\n", s.user)
		return
	}

	resp, err := s.client.Do(ctx, wire.Op{Kind: wire.KindLogin, UserID: user})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if !resp.Success {
		fmt.Println(resp.Error)
		return
	}

	sub, err := s.client.Subscribe(ctx, user, func(chat wire.Chat) {
		fmt.Printf("\n<< %s: %s\n", chat.Author, chat.Text)
	})
	if err != nil {
		if errors.Is(err, client.ErrAlreadyLoggedIn) {
			fmt.Println("already logged in elsewhere")
			return
		}
		fmt.Printf("subscription failed: %v\n", err)
		return
	}
	s.sub = sub
	s.user = user
	fmt.Printf("logged in as %s\n", user)
}

func (s *session) logout() {
	if s.user == "" {
		fmt.Println("not logged in")
		return
	}
	s.sub.Close()
	s.sub = nil
	fmt.Printf("logged out %s\n", s.user)
	s.user = ""
}

func (s *session) remove(ctx context.Context, args []string) {
	user, ok := oneUser("delete", args)
	if !ok {
		return
	}
	confirmed, err := prompt.Confirm(fmt.Sprintf("Delete account %q and its history", user), false)
	if err != nil || !confirmed {
		return
	}
	s.roundTrip(ctx, wire.Op{Kind: wire.KindDelete, UserID: user}, "account deleted")
	if user == s.user {
		s.logout()
	}
}

func (s *session) send(ctx context.Context, args []string) {
	if s.user == "" {
		fmt.Println("log in first")
		return
	}
	if len(args) < 2 {
		fmt.Println("usage: send <user> <text>")
		return
	}
	recipient := args[0]
	text := strings.Join(args[1:], " ")
	if err := wire.ValidateUserID(recipient); err != nil {
		fmt.Printf("invalid recipient: %v\n", err)
		return
	}
	if err := wire.ValidateText(text); err != nil {
		fmt.Printf("invalid text: %v\n", err)
		return
	}
	s.roundTrip(ctx, wire.Op{
		Kind:      wire.KindSend,
		UserID:    s.user,
		Recipient: recipient,
		Text:      text,
	}, "sent")
}

func (s *session) list(ctx context.Context, args []string) {
	wildcard, page, ok := wildcardPage("list", args)
	if !ok {
		return
	}
	user := s.user
	if user == "" {
		user = "-"
	}
	resp, err := s.client.Do(ctx, wire.Op{Kind: wire.KindList, UserID: user, Wildcard: wildcard, Page: page})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if !resp.Success {
		fmt.Println(resp.Error)
		return
	}
	if len(resp.Accounts) == 0 {
		fmt.Println("no accounts on this page")
		return
	}
	table := output.NewTableData("ACCOUNT")
	for _, name := range resp.Accounts {
		table.AddRow(name)
	}
	table.Render(os.Stdout)
}

func (s *session) logs(ctx context.Context, args []string) {
	if s.user == "" {
		fmt.Println("log in first")
		return
	}
	wildcard, page, ok := wildcardPage("logs", args)
	if !ok {
		return
	}
	resp, err := s.client.Do(ctx, wire.Op{Kind: wire.KindLogs, UserID: s.user, Wildcard: wildcard, Page: page})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if !resp.Success {
		fmt.Println(resp.Error)
		return
	}
	if len(resp.Chats) == 0 {
		fmt.Println("no chats on this page")
		return
	}
	table := output.NewTableData("FROM", "TEXT")
	for _, chat := range resp.Chats {
		table.AddRow(chat.Author, chat.Text)
	}
	table.Render(os.Stdout)
}

func (s *session) notif(ctx context.Context) {
	if s.user == "" {
		fmt.Println("log in first")
		return
	}
	resp, err := s.client.Do(ctx, wire.Op{Kind: wire.KindNotif, UserID: s.user})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if !resp.Success {
		fmt.Println(resp.Error)
		return
	}
	if resp.Chat != nil {
		fmt.Printf("<< %s: %s\n", resp.Chat.Author, resp.Chat.Text)
	}
}

func (s *session) fallover(ctx context.Context) {
	user := s.user
	if user == "" {
		user = "-"
	}
	resp, err := s.client.Do(ctx, wire.Op{Kind: wire.KindFallover, UserID: user})
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if resp.Success {
		fmt.Println("primary is shutting down")
	} else {
		fmt.Println(resp.Error)
	}
}

// roundTrip runs one op and prints the outcome.
func (s *session) roundTrip(ctx context.Context, op wire.Op, okMsg string) {
	resp, err := s.client.Do(ctx, op)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if resp.Success {
		fmt.Println(okMsg)
	} else {
		fmt.Println(resp.Error)
	}
}

func (s *session) close() {
	if s.sub != nil {
		s.sub.Close()
	}
	s.client.Close()
}

// oneUser parses and validates a single user_id argument.
func oneUser(cmd string, args []string) (string, bool) {
	if len(args) != 1 {
		fmt.Printf("usage: %s <user>\n", cmd)
		return "", false
	}
	if err := wire.ValidateUserID(args[0]); err != nil {
		fmt.Printf("invalid user id: %v\n", err)
		return "", false
	}
	return args[0], true
}

// wildcardPage parses the optional wildcard and page arguments of list/logs.
func wildcardPage(cmd string, args []string) (string, int, bool) {
	wildcard := ""
	page := 0
	switch len(args) {
	case 0:
	case 2:
		n, err := strconv.Atoi(args[1])
		if err != nil || n < 0 {
			fmt.Printf("usage: %s [wildcard] [page]\n", cmd)
			return "", 0, false
		}
		page = n
		fallthrough
	case 1:
		wildcard = args[0]
	default:
		fmt.Printf("usage: %s [wildcard] [page]\n", cmd)
		return "", 0, false
	}
	if strings.Contains(wildcard, "@@") || strings.Contains(wildcard, "##") {
		fmt.Println("wildcard must not contain separators")
		return "", 0, false
	}
	return wildcard, page, true
}
