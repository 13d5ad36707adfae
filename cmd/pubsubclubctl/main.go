// Command pubsubclubctl is a terminal dashboard for one pubsubclubd node: it
// polls the admin status endpoint and renders session counts, known peers,
// and host resource usage live (§6 ambient stack).
package main

import (
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:9090", "Base URL of the pubsubclubd admin endpoint")
	flag.Parse()

	m := newModel(*addr)
	p := tea.NewProgram(m)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "pubsubclubctl: %v\n", err)
		os.Exit(1)
	}
}
