package commands

import (
	"bufio"
	"fmt"
	"mime"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/criapa/torpaste"
	"github.com/criapa/torpaste/address"
	"github.com/criapa/torpaste/contact"
	"github.com/criapa/torpaste/crypto"
	"github.com/criapa/torpaste/metrics"
)

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the messaging core and chat from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			pw, err := readPassword(false)
			if err != nil {
				return err
			}
			defer crypto.ZeroBytes(pw)

			id, err := loadIdentity(pw)
			if err != nil {
				return err
			}
			defer id.Wipe()

			roster, err := loadRoster(pw)
			if err != nil {
				return err
			}

			var mtr *metrics.Metrics
			if cfg.Metrics.Enabled {
				mtr = metrics.New()
				ln, err := net.Listen("tcp", cfg.Metrics.ListenAddress)
				if err != nil {
					return fmt.Errorf("metrics listener: %w", err)
				}
				mux := http.NewServeMux()
				mux.Handle("/metrics", mtr.Handler())
				srv := &http.Server{Handler: mux}
				go srv.Serve(ln)
				defer srv.Close()
				fmt.Printf("Metrics on http://%s/metrics\n", ln.Addr())
			}

			core, err := torpaste.New(id, cfg, mtr)
			if err != nil {
				return err
			}
			defer core.Close()

			fmt.Printf("Address:     %s\n", core.Address())
			fmt.Printf("Fingerprint: %s\n", id.Fingerprint().Formatted())
			fmt.Printf("Listening on %s; point the hidden service here.\n", core.ListenAddr())
			fmt.Println("Commands: /connect <peer>, /disconnect <peer>, /msg <peer> <text>, /file <peer> <path>, /contacts, /quit")

			go printEvents(core, roster)

			sigc := make(chan os.Signal, 1)
			signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

			lines := make(chan string)
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
				close(lines)
			}()

			for {
				select {
				case <-sigc:
					fmt.Println("\nShutting down.")
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					if dispatch(core, roster, line) {
						return nil
					}
				}
			}
		},
	}
}

// dispatch handles one line of console input. It returns true when the
// user asked to quit.
func dispatch(core *torpaste.Core, roster *contact.Roster, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		fmt.Println("Say /msg <peer> <text> to send, /quit to leave.")
		return false
	}
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch name {
	case "/quit", "/exit":
		return true

	case "/contacts":
		printLiveContacts(roster)

	case "/connect":
		addr, err := resolvePeer(roster, rest)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if err := core.Connect(addr); err != nil {
			fmt.Println(err)
			return false
		}
		fmt.Printf("Connecting to %s...\n", displayName(roster, addr))

	case "/disconnect":
		addr, err := resolvePeer(roster, rest)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if err := core.Disconnect(addr); err != nil {
			fmt.Println(err)
			return false
		}
		roster.SetOnline(addr, false)
		fmt.Printf("Disconnected from %s\n", displayName(roster, addr))

	case "/msg":
		target, text, ok := strings.Cut(rest, " ")
		text = strings.TrimSpace(text)
		if !ok || text == "" {
			fmt.Println("Usage: /msg <peer> <text>")
			return false
		}
		addr, err := resolvePeer(roster, target)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if _, err := core.SendText(addr, text); err != nil {
			fmt.Println(err)
		}

	case "/file":
		target, path, ok := strings.Cut(rest, " ")
		path = strings.TrimSpace(path)
		if !ok || path == "" {
			fmt.Println("Usage: /file <peer> <path>")
			return false
		}
		addr, err := resolvePeer(roster, target)
		if err != nil {
			fmt.Println(err)
			return false
		}
		if err := announceFile(core, addr, path); err != nil {
			fmt.Println(err)
		}

	default:
		fmt.Printf("Unknown command %s\n", name)
	}
	return false
}

// printEvents mirrors the core's event stream onto the console and
// keeps roster online flags current.
func printEvents(core *torpaste.Core, roster *contact.Roster) {
	for ev := range core.Events() {
		name := displayName(roster, ev.Address)
		switch ev.Kind {
		case torpaste.EventHandshakeCompleted:
			roster.SetOnline(ev.Address, true)
			fmt.Printf("* %s connected\n", name)
		case torpaste.EventHandshakeFailed:
			fmt.Printf("* handshake with %s failed: %s\n", name, ev.Reason)
		case torpaste.EventMessageReceived:
			if ev.File != nil {
				fmt.Printf("%s offers file %q (%d bytes, %s)\n", name, ev.File.Name, ev.File.Size, ev.File.MimeType)
			} else {
				fmt.Printf("%s: %s\n", name, ev.Text)
			}
		case torpaste.EventConnectionLost:
			roster.SetOnline(ev.Address, false)
			fmt.Printf("* connection to %s lost: %s\n", name, ev.Reason)
		case torpaste.EventConnectionFailed:
			roster.SetOnline(ev.Address, false)
			fmt.Printf("* could not reach %s: %s\n", name, ev.Reason)
		}
	}
}

// resolvePeer accepts a full onion address or a roster nickname.
func resolvePeer(roster *contact.Roster, s string) (*address.Address, error) {
	if s == "" {
		return nil, fmt.Errorf("peer address or nickname required")
	}
	if addr, err := address.Parse(s); err == nil {
		return addr, nil
	}
	for _, c := range roster.List() {
		if c.Nickname == s {
			return address.Parse(c.Address)
		}
	}
	return nil, fmt.Errorf("%q is not an address or a known nickname", s)
}

func displayName(roster *contact.Roster, addr *address.Address) string {
	if c, ok := roster.Get(addr); ok && c.Nickname != "" {
		return c.Nickname
	}
	return addr.String()
}

func printLiveContacts(roster *contact.Roster) {
	if roster.Len() == 0 {
		fmt.Println("No contacts saved.")
		return
	}
	for _, c := range roster.List() {
		state := "offline"
		if c.Online {
			state = "online"
		}
		name := c.Nickname
		if name == "" {
			name = "(no nickname)"
		}
		fmt.Printf("%s  %s  [%s]\n", c.Address, name, state)
	}
}

// announceFile sends the metadata of a local file to the peer. Content
// transfer happens out of band; only name, size and type go over the
// wire.
func announceFile(core *torpaste.Core, addr *address.Address, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	_, err = core.SendFileMetadata(addr, filepath.Base(path), uint64(info.Size()), mimeType)
	return err
}
