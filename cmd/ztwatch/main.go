package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/zerotrust-dash/ztdash/internal/client"
	"github.com/zerotrust-dash/ztdash/internal/logging"
	"github.com/zerotrust-dash/ztdash/internal/protocol"
	"github.com/zerotrust-dash/ztdash/internal/watch"
)

func main() {
	wsURL := flag.String("url", "ws://127.0.0.1:3001/ws", "WebSocket URL of the dashboard server")
	logFile := flag.String("log", "", "Write client logs to this file")
	flag.Parse()

	opts := client.DefaultOptions(*wsURL)
	if *logFile != "" {
		f, err := os.OpenFile(*logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		l := logging.New(logging.Options{Level: "debug", Writer: f})
		opts.Logger = &l
	}

	var p *tea.Program
	watch.Attach(&opts, func(msg tea.Msg) { p.Send(msg) })
	c := client.New(opts)

	p = tea.NewProgram(watch.New(c), tea.WithAltScreen())

	if _, err := c.Subscribe(protocol.AllChannels...); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	c.Connect(context.Background())

	_, err := p.Run()
	c.Disconnect()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
