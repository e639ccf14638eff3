// Command lmschat is a headless, line-oriented chat client. It reads
// commands from stdin and prints inbound messages, presence changes and
// connection state as they happen.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/Daniel-20051/lms-admin-app-sub003/internal/client"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/config"
	"github.com/Daniel-20051/lms-admin-app-sub003/internal/observe"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if err := run(os.Stdin, os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(in io.Reader, out io.Writer) error {
	cfg := config.LoadConfigWithPrecedence(os.Getenv(config.EnvPrefix + "CONFIG_FILE"))
	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sh := newShell(c, out)
	defer sh.close()
	go c.Bus().Watch(ctx, sh.printState, client.TopicConnectionState)

	if user := os.Getenv(config.EnvPrefix + "USER"); user != "" {
		if err := sh.execute(ctx, "login "+user); err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if err := sh.execute(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func (s *shell) printState(ev observe.Event) {
	s.printf("* connection %v -> %v\n", ev.Fields["from"], ev.Fields["to"])
}
