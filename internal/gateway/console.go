package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	"github.com/rahul/dbagent/internal/agent"
)

// ConsoleGateway is a line-based chat on stdin/stdout bound to one thread.
type ConsoleGateway struct {
	Brain    agent.Brain
	ThreadID string
	In       io.Reader
	Out      io.Writer

	mu sync.Mutex
}

func NewConsoleGateway(brain agent.Brain, threadID string) *ConsoleGateway {
	return &ConsoleGateway{
		Brain:    brain,
		ThreadID: threadID,
		In:       os.Stdin,
		Out:      os.Stdout,
	}
}

func (c *ConsoleGateway) interactive() bool {
	f, ok := c.In.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (c *ConsoleGateway) prompt() {
	if c.interactive() {
		c.write("dbagent> ")
	}
}

func (c *ConsoleGateway) write(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.Out, s)
}

// Start reads questions until EOF, "/exit" or ctx is done.
func (c *ConsoleGateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(c.In)
	c.prompt()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			c.prompt()
			continue
		case "/exit", "/quit":
			return nil
		}

		reply, err := c.Brain.Think(ctx, c.ThreadID, line)
		if err != nil && reply == "" {
			reply = "error: " + err.Error()
		}
		c.write(reply + "\n\n")
		c.prompt()
	}
	return scanner.Err()
}

func (c *ConsoleGateway) Send(chatID string, text string) error {
	c.write(fmt.Sprintf("[%s] %s\n", chatID, text))
	return nil
}

func (c *ConsoleGateway) Stop() error { return nil }
