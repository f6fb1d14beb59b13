package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"lanroom.dev/go/lanroom/internal/config"
	"lanroom.dev/go/lanroom/internal/events"
	"lanroom.dev/go/lanroom/internal/keystore"
	"lanroom.dev/go/lanroom/internal/node"
	"lanroom.dev/go/lanroom/internal/notify"
	"lanroom.dev/go/lanroom/internal/store"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Join the room and chat interactively",
	Long: `Start the chat engine: discover peers, create or join the room,
sync history and read messages from stdin.

Commands inside the chat:
  /name <name>    change your display name
  /peers          list known peers
  /rotate         propose a room password change
  /vote yes|no    vote on a pending password change
  /quit           leave`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	setupLogging(cfg)

	paths, err := config.GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	deviceID, err := paths.LoadOrCreateDeviceID()
	if err != nil {
		return err
	}

	keys := keystore.New(paths.SecretsDir)

	// The password is only needed when this device has no membership
	// yet; a returning member restores its key from the keystore.
	var password string
	if _, err := keys.SessionKey(); err != nil {
		password, err = promptPassword("Room password: ")
		if err != nil {
			return err
		}
	}

	n := node.New(node.Options{
		Config:   cfg,
		DeviceID: deviceID,
		Keystore: keys,
		Store:    store.NewMemoryStore(),
		Notify:   notify.NewService(cfg.Notifications.Enabled),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Start(ctx, password); err != nil {
		return err
	}
	defer n.Stop()

	fmt.Printf("Connected as %s. Type a message, or /quit to leave.\n", n.DeviceName())

	go printEvents(ctx, n)

	input := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), store.MaxContentBytes+1024)
		for scanner.Scan() {
			input <- scanner.Text()
		}
		close(input)
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nLeaving.")
			return nil
		case line, ok := <-input:
			if !ok {
				return nil
			}
			if done := handleInput(ctx, n, line); done {
				return nil
			}
		}
	}
}

func handleInput(ctx context.Context, n *node.Node, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	if !strings.HasPrefix(line, "/") {
		if err := n.SendMessage(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
		}
		return false
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true

	case "/name":
		if len(fields) < 2 {
			fmt.Println("usage: /name <name>")
			return false
		}
		name := strings.TrimSpace(strings.TrimPrefix(line, "/name"))
		if err := n.SetName(ctx, name); err != nil {
			fmt.Fprintf(os.Stderr, "rename failed: %v\n", err)
		}

	case "/peers":
		peers := n.Peers()
		if len(peers) == 0 {
			fmt.Println("no peers found")
			return false
		}
		for _, p := range peers {
			marker := " "
			if p.IsAuthenticated {
				marker = "*"
			}
			fmt.Printf(" %s %s (%s) %s:%d\n", marker, p.DeviceName, p.DeviceID, p.IPAddress, p.TCPPort)
		}

	case "/rotate":
		password, err := promptPassword("New room password: ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return false
		}
		if err := n.ProposeRotation(ctx, password); err != nil {
			fmt.Fprintf(os.Stderr, "rotation failed: %v\n", err)
			return false
		}
		fmt.Println("Proposal sent. All peers must approve.")

	case "/vote":
		if len(fields) < 2 || (fields[1] != "yes" && fields[1] != "no") {
			fmt.Println("usage: /vote yes|no")
			return false
		}
		approve := fields[1] == "yes"
		var password string
		if approve {
			var err error
			password, err = promptPassword("New room password (as shared by the proposer): ")
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return false
			}
		}
		if err := n.VoteRotation(ctx, approve, password); err != nil {
			fmt.Fprintf(os.Stderr, "vote failed: %v\n", err)
		}

	default:
		fmt.Printf("unknown command %s\n", fields[0])
	}
	return false
}

// printEvents renders the bus onto the terminal.
func printEvents(ctx context.Context, n *node.Node) {
	ch, cancel := n.Bus().Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev events.Event) {
	switch ev.Type {
	case events.TypeMessageReceived:
		var msg store.Message
		if json.Unmarshal(ev.Payload, &msg) != nil {
			return
		}
		ts := time.UnixMicro(msg.TimestampMicros).Format("15:04")
		fmt.Printf("[%s] %s: %s\n", ts, msg.SenderName, msg.Content)

	case events.TypePeerJoined:
		fmt.Printf("-- %s joined\n", payloadField(ev, "device_name"))

	case events.TypePeerLeft:
		fmt.Printf("-- %s left\n", payloadField(ev, "device_name"))

	case events.TypePeerRenamed:
		fmt.Printf("-- %s is now known as %s\n", payloadField(ev, "device_id"), payloadField(ev, "new_name"))

	case events.TypePeerTyping:
		var p struct {
			DeviceName string `json:"device_name"`
			Typing     bool   `json:"typing"`
		}
		if json.Unmarshal(ev.Payload, &p) == nil && p.Typing {
			fmt.Printf("-- %s is typing...\n", p.DeviceName)
		}

	case events.TypeRotationProposed:
		fmt.Printf("-- %s proposed a password change; /vote yes|no\n", payloadField(ev, "proposer"))

	case events.TypeRotationResolved:
		fmt.Printf("-- password change %s (%s)\n", payloadField(ev, "outcome"), payloadField(ev, "reason"))
	}
}

func payloadField(ev events.Event, key string) string {
	var m map[string]any
	if json.Unmarshal(ev.Payload, &m) != nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func promptPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	data, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	password := strings.TrimSpace(string(data))
	if password == "" {
		return "", fmt.Errorf("password must not be empty")
	}
	return password, nil
}
