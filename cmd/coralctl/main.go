package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefline/coralctl/internal/config"
	"github.com/reefline/coralctl/internal/controlapi"
	"github.com/reefline/coralctl/internal/controller"
	"github.com/reefline/coralctl/internal/observability"
)

const usage = `usage: coralctl <command> [flags]

commands:
  start    load the registry, build images, and run every agent
  status   show agent instance and registration state
  stop     stop one agent
  events   show recent lifecycle events

run "coralctl <command> -h" for command flags
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "start":
		err = runStart(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "stop":
		err = runStop(os.Args[2:])
	case "events":
		err = runEvents(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "coralctl: unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "coralctl: %v\n", err)
		os.Exit(1)
	}
}

func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "coralctl.toml", "controller config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	observability.InitLogger("coralctl")
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log.Info().Str("path", *configPath).Msg("loaded controller config")

	svc, err := controller.New(cfg)
	if err != nil {
		return err
	}
	return svc.Run()
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", ":9300", "control api address")
	agent := fs.String("agent", "", "show one agent instead of all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := controlapi.NewClient(*addr)

	var statuses []controlapi.AgentStatus
	if *agent != "" {
		status, err := client.Agent(ctx, *agent)
		if err != nil {
			return err
		}
		statuses = []controlapi.AgentStatus{status}
	} else {
		all, err := client.Agents(ctx)
		if err != nil {
			return err
		}
		statuses = all
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "AGENT\tSTATE\tRESTARTS\tREGISTRATION\tCONTAINER\tLAST ERROR")
	for _, status := range statuses {
		registration := "-"
		if status.Registration != nil {
			registration = string(status.Registration.Status)
		}
		container := status.Instance.ContainerID
		if len(container) > 12 {
			container = container[:12]
		}
		if container == "" {
			container = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			status.Instance.AgentID,
			status.Instance.State,
			status.Instance.Restarts,
			registration,
			container,
			status.Instance.LastError,
		)
	}
	return w.Flush()
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	addr := fs.String("addr", ":9300", "control api address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("stop requires exactly one agent id")
	}
	agentID := fs.Arg(0)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := controlapi.NewClient(*addr).Stop(ctx, agentID); err != nil {
		return err
	}
	fmt.Printf("stopped %s\n", agentID)
	return nil
}

func runEvents(args []string) error {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	addr := fs.String("addr", ":9300", "control api address")
	agent := fs.String("agent", "", "filter by agent id")
	limit := fs.Int("limit", 50, "max events to show")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	events, err := controlapi.NewClient(*addr).Events(ctx, *agent, *limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TS\tCATEGORY\tAGENT\tFROM\tTO\tDETAIL")
	for _, event := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			event.TS.Format(time.RFC3339),
			event.Category,
			event.AgentID,
			event.FromState,
			event.ToState,
			event.Detail,
		)
	}
	return w.Flush()
}

func loadConfig(path string) (config.ControllerConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Warn().Str("path", path).Msg("config file missing, using defaults")
		return config.Default(), nil
	}
	return config.Load(path)
}
