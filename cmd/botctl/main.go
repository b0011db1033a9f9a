// botctl is a command line client for bothost-server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/bothost/pkg/client"
)

const usage = `usage: botctl [-server URL] [-user NAME] <command> [args]

commands:
  list [owner]                 list bots (no owner: all bots, admin only)
  register <name> [owner]      register an upload already placed in the bots root
  status <bot>                 show status and recent logs
  start <bot> | stop <bot>
  cmd <bot> <text...>          send a line to the bot (/clear, /log <text> are local)
  install <bot> <command...>   record the dependency install command
  delete <bot>
  files <bot>                  list the bot's files
  cat <bot> <path>             print one file
  put <bot> <path> <local>     overwrite an existing file with a local file
  user-create <name> | user-get <name> | user-delete <name>
  credit <name> <amount>       admin only
  sweep                        run a lease sweep now (admin only)
`

func main() {
	var (
		serverURL = flag.String("server", getenv("BOTHOST_SERVER", "http://127.0.0.1:8080"), "bothost server URL")
		user      = flag.String("user", getenv("BOTHOST_USER", os.Getenv("USER")), "requesting username")
		timeout   = flag.Duration("timeout", 30*time.Second, "request timeout")
	)
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(*serverURL, *user)
	out, err := run(ctx, c, args[0], args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if client.StatusOf(err) == 0 && strings.HasPrefix(err.Error(), "usage") {
			os.Exit(2)
		}
		os.Exit(1)
	}
	if out != nil {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
	}
}

func need(args []string, n int, form string) error {
	if len(args) < n {
		return fmt.Errorf("usage: botctl %s", form)
	}
	return nil
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func run(ctx context.Context, c *client.Client, cmd string, args []string) (any, error) {
	switch cmd {
	case "list":
		return c.ListBots(ctx, arg(args, 0))
	case "register":
		if err := need(args, 1, "register <name> [owner]"); err != nil {
			return nil, err
		}
		return c.RegisterBot(ctx, args[0], arg(args, 1), "")
	case "status":
		if err := need(args, 1, "status <bot>"); err != nil {
			return nil, err
		}
		return c.Status(ctx, args[0])
	case "start":
		if err := need(args, 1, "start <bot>"); err != nil {
			return nil, err
		}
		return c.Start(ctx, args[0])
	case "stop":
		if err := need(args, 1, "stop <bot>"); err != nil {
			return nil, err
		}
		return c.Stop(ctx, args[0])
	case "cmd":
		if err := need(args, 2, "cmd <bot> <text...>"); err != nil {
			return nil, err
		}
		return nil, c.Command(ctx, args[0], strings.Join(args[1:], " "))
	case "install":
		if err := need(args, 2, "install <bot> <command...>"); err != nil {
			return nil, err
		}
		return nil, c.SetInstallCommand(ctx, args[0], strings.Join(args[1:], " "))
	case "delete":
		if err := need(args, 1, "delete <bot>"); err != nil {
			return nil, err
		}
		return nil, c.DeleteBot(ctx, args[0])
	case "files":
		if err := need(args, 1, "files <bot>"); err != nil {
			return nil, err
		}
		return c.Files(ctx, args[0])
	case "cat":
		if err := need(args, 2, "cat <bot> <path>"); err != nil {
			return nil, err
		}
		content, err := c.ReadFile(ctx, args[0], args[1])
		if err != nil {
			return nil, err
		}
		fmt.Print(content)
		return nil, nil
	case "put":
		if err := need(args, 3, "put <bot> <path> <local>"); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(args[2])
		if err != nil {
			return nil, err
		}
		return nil, c.WriteFile(ctx, args[0], args[1], string(data))
	case "user-create":
		if err := need(args, 1, "user-create <name>"); err != nil {
			return nil, err
		}
		return c.CreateUser(ctx, args[0])
	case "user-get":
		if err := need(args, 1, "user-get <name>"); err != nil {
			return nil, err
		}
		return c.GetUser(ctx, args[0])
	case "user-delete":
		if err := need(args, 1, "user-delete <name>"); err != nil {
			return nil, err
		}
		orphaned, err := c.DeleteUser(ctx, args[0])
		if err != nil {
			return nil, err
		}
		return map[string]any{"username": args[0], "orphaned": orphaned}, nil
	case "credit":
		if err := need(args, 2, "credit <name> <amount>"); err != nil {
			return nil, err
		}
		amount, err := strconv.Atoi(args[1])
		if err != nil {
			return nil, fmt.Errorf("usage: amount must be an integer: %q", args[1])
		}
		return c.Credit(ctx, args[0], amount)
	case "sweep":
		return nil, c.Sweep(ctx)
	default:
		return nil, fmt.Errorf("usage: unknown command %q", cmd)
	}
}

func getenv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
