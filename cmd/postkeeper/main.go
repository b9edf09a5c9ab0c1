package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"postkeeper/internal/app/session"
	"postkeeper/internal/bootstrap"
	"postkeeper/internal/domain/token"
)

const usage = `usage: postkeeper [-config path] [-env file] <command>

commands:
  run                           start the session and the control API
  login <code> <state> <verifier>
                                finish the OAuth authorization flow
  post <text>                   publish a post, queueing it when offline
  status                        print authentication and queue state
  queue [list|process|clear]    inspect or drain the outbox
  signout                       delete stored credentials`

func main() {
	log.SetFlags(0)
	var (
		configPath = flag.String("config", "config.yaml", "Path to YAML configuration")
		envFile    = flag.String("env", "", "Optional .env file")
	)
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	opts := bootstrap.Options{ConfigPath: *configPath, EnvFile: *envFile}

	if flag.Arg(0) == "run" {
		if err := bootstrap.Run(context.Background(), opts); err != nil {
			log.Fatalf("postkeeper failed: %v", err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	app, err := bootstrap.Build(ctx, opts)
	if err != nil {
		log.Fatalf("bootstrap: %v", err)
	}
	err = runCommand(ctx, app, flag.Arg(0), flag.Args()[1:])
	_ = app.Close()
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func runCommand(ctx context.Context, app *bootstrap.App, cmd string, args []string) error {
	s := app.Session
	// Only commands that send start the background tasks.
	if cmd == "post" || (cmd == "queue" && len(args) > 0 && args[0] == "process") {
		if err := s.Start(ctx); err != nil {
			return err
		}
	} else if err := s.Tokens().Load(ctx); err != nil {
		return err
	}

	switch cmd {
	case "login":
		if len(args) != 3 {
			return fmt.Errorf("expected <code> <state> <verifier>")
		}
		err := s.CompleteAuthorization(ctx, token.AuthorizationResult{
			Code:          args[0],
			State:         args[1],
			ExpectedState: app.Config.OAuth.ExpectedState,
			Verifier:      args[2],
		})
		if err != nil {
			return err
		}
		fmt.Println("signed in")
	case "post":
		text := strings.Join(args, " ")
		res, err := s.PostTextWithProgress(ctx, text, func(p session.Phase) {
			fmt.Fprintf(os.Stderr, "... %s\n", p)
		})
		if err != nil {
			return err
		}
		if res.Queued {
			fmt.Printf("queued %s\n", res.QueueID)
		} else {
			fmt.Printf("posted %s (remaining %d)\n", res.ID, res.Remaining)
		}
	case "status":
		fmt.Printf("state:    %s\n", token.StateName(s.State()))
		if c, ok := s.Tokens().Credential(); ok && !c.ExpiresAt.IsZero() {
			fmt.Printf("expires:  %s\n", c.ExpiresAt.Format(time.RFC3339))
		}
		fmt.Printf("quality:  %s\n", s.Monitor().Probe(ctx))
		fmt.Printf("queued:   %d\n", s.Queue().Depth())
	case "queue":
		sub := "list"
		if len(args) > 0 {
			sub = args[0]
		}
		switch sub {
		case "list":
			for _, p := range s.Queue().Items() {
				fmt.Printf("%s\t%d\t%s\t%q\n", p.ID, p.RetryCount, p.NextEligibleRetryAt.Format(time.RFC3339), p.Text)
			}
		case "process":
			fmt.Printf("sent %d\n", s.Queue().ForceProcessAll(ctx))
		case "clear":
			return s.Queue().Clear(ctx)
		default:
			return fmt.Errorf("unknown queue command %q", sub)
		}
	case "signout":
		if err := s.SignOut(ctx); err != nil {
			return err
		}
		fmt.Println("signed out")
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
