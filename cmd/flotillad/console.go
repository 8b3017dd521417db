package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"flotilla"
	"flotilla/peer"
)

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	labelStyle  = lipgloss.NewStyle().Faint(true).Width(18)
	valueStyle  = lipgloss.NewStyle().Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	fileStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	roleStyles  = map[flotilla.Role]lipgloss.Style{
		flotilla.RoleFollower:  lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		flotilla.RoleCandidate: lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		flotilla.RoleTracker:   lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true),
	}
)

const consoleHelp = `Commands:
  status            show role, tracker and epoch
  search <file>     ask the tracker who holds a file
  get <file>        download a file from another holder
  list my           list locally shared files
  list net          list the tracker's whole index
  refresh           rescan the share directory
  election          force an election
  quit              shut the peer down`

// runConsole reads commands from stdin until quit or EOF. Cancelling the
// shared context shuts the whole daemon down.
func runConsole(ctx context.Context, shutdown context.CancelFunc, p *peer.Peer) {
	fmt.Println(consoleHelp)
	scanner := bufio.NewScanner(os.Stdin)
	prompt := promptStyle.Render(p.Status().PeerID + "> ")

	for {
		fmt.Print(prompt)
		if !scanner.Scan() {
			shutdown()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		cmd, rest := fields[0], strings.TrimSpace(strings.TrimPrefix(line, fields[0]))

		switch cmd {
		case "quit", "exit":
			shutdown()
			return
		case "help":
			fmt.Println(consoleHelp)
		case "status":
			printStatus(p.Status())
		case "refresh":
			p.Refresh()
			fmt.Println("rescanning share directory")
		case "election":
			p.ForceElection()
			fmt.Println("election requested")
		case "search":
			if rest == "" {
				printErr(fmt.Errorf("usage: search <file>"))
				continue
			}
			doSearch(ctx, p, rest)
		case "get":
			if rest == "" {
				printErr(fmt.Errorf("usage: get <file>"))
				continue
			}
			doDownload(ctx, p, rest)
		case "list":
			switch rest {
			case "my":
				for _, f := range p.LocalFiles() {
					fmt.Println(fileStyle.Render(f))
				}
			case "net":
				doListNet(ctx, p)
			default:
				printErr(fmt.Errorf("usage: list my | list net"))
			}
		default:
			printErr(fmt.Errorf("unknown command %q (try help)", cmd))
		}
	}
}

func printStatus(s peer.Status) {
	row := func(label, value string) {
		fmt.Println(labelStyle.Render(label) + valueStyle.Render(value))
	}
	fmt.Println(labelStyle.Render("role") + roleStyles[s.Role].Render(s.Role.String()))
	row("endpoint", s.Endpoint)
	row("tracker", orDash(s.KnownTracker))
	row("epoch", fmt.Sprintf("%d", s.KnownTrackerEpoch))
	row("registered epoch", fmt.Sprintf("%d", s.RegisteredAtEpoch))
	row("local files", fmt.Sprintf("%d", s.LocalFiles))
	if s.Role == flotilla.RoleTracker {
		row("indexed files", fmt.Sprintf("%d", s.IndexedFiles))
	}
}

func doSearch(ctx context.Context, p *peer.Peer, name string) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	holders, err := p.Search(ctx, name)
	if err != nil {
		printErr(err)
		return
	}
	if len(holders) == 0 {
		fmt.Println("no peer holds", name)
		return
	}
	for _, h := range holders {
		fmt.Printf("%s %s\n", fileStyle.Render(h.PeerID), h.Endpoint)
	}
}

func doDownload(ctx context.Context, p *peer.Peer, name string) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	path, err := p.Download(ctx, name)
	if err != nil {
		printErr(err)
		return
	}
	fmt.Println("saved to", fileStyle.Render(path))
}

func doListNet(ctx context.Context, p *peer.Peer) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	index, err := p.NetworkIndex(ctx)
	if err != nil {
		printErr(err)
		return
	}
	names := make([]string, 0, len(index))
	for name := range index {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ids := make([]string, 0, len(index[name]))
		for _, h := range index[name] {
			ids = append(ids, h.PeerID)
		}
		fmt.Printf("%s  [%s]\n", fileStyle.Render(name), strings.Join(ids, ", "))
	}
}

func printErr(err error) {
	fmt.Println(errStyle.Render("error: " + err.Error()))
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
