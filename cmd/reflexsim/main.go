// Command reflexsim runs a small simulation from a YAML config and lets
// scripts be hot-swapped and rolled back from the command line.
//
// Example config:
//
//	tick_rate: 50ms
//	history_depth: 3
//	scripts:
//	  - id: wander
//	    file: scripts/wander.go
//	entities:
//	  - name: gopher-1
//	    attachments:
//	      - script: wander
//	        priority: 100
//
// Commands on stdin:
//
//	reload <id> <file>   compile the file and install it as a new version
//	rollback <id>        restore the previous version
//	diag                 print cache diagnostics
//	failures             print recent script failures
//	quit                 shut down
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriumgames/reflex"
	"github.com/oriumgames/reflex/goscript"
)

type config struct {
	TickRate     string         `yaml:"tick_rate"`
	HistoryDepth int            `yaml:"history_depth"`
	Scripts      []scriptConfig `yaml:"scripts"`
	Entities     []entityConfig `yaml:"entities"`
}

type scriptConfig struct {
	ID   string `yaml:"id"`
	File string `yaml:"file"`
}

type entityConfig struct {
	Name        string             `yaml:"name"`
	Attachments []attachmentConfig `yaml:"attachments"`
}

type attachmentConfig struct {
	Script   string `yaml:"script"`
	Priority int    `yaml:"priority"`
}

func main() {
	configPath := flag.String("config", "reflexsim.yaml", "path to simulation config")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("reflexsim: config", "error", err)
		os.Exit(1)
	}

	tickRate := reflex.DefaultTickRate
	if cfg.TickRate != "" {
		tickRate, err = time.ParseDuration(cfg.TickRate)
		if err != nil {
			log.Error("reflexsim: invalid tick_rate", "error", err)
			os.Exit(1)
		}
	}
	historyDepth := cfg.HistoryDepth
	if historyDepth == 0 {
		historyDepth = reflex.DefaultHistoryDepth
	}

	svc := goscript.New()
	mngr := reflex.NewBuilder().
		CompileService(svc).
		TickRate(tickRate).
		HistoryDepth(historyDepth).
		Logger(log).
		Init()

	for _, sc := range cfg.Scripts {
		if err := install(mngr, svc, sc.ID, sc.File); err != nil {
			log.Error("reflexsim: install", "script", sc.ID, "error", err)
			os.Exit(1)
		}
	}

	for _, ec := range cfg.Entities {
		e := mngr.Spawn(ec.Name)
		for _, ac := range ec.Attachments {
			if err := mngr.AddAttachment(e, ac.Script, ac.Priority); err != nil {
				log.Error("reflexsim: attach", "entity", ec.Name, "script", ac.Script, "error", err)
				os.Exit(1)
			}
		}
	}

	mngr.Start()
	defer mngr.Shutdown()

	fmt.Printf("reflexsim: %d entities, %d scripts, tick rate %s\n",
		mngr.EntityCount(), mngr.Cache().Count(), tickRate)

	repl(mngr, svc, log)
}

func loadConfig(path string) (*config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func install(mngr *reflex.Manager, svc *goscript.Service, scriptID, file string) error {
	source, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	unit, err := svc.Compile(context.Background(), string(source), scriptID)
	if err != nil {
		return err
	}
	version, err := mngr.Cache().Install(scriptID, unit)
	if err != nil {
		return err
	}
	fmt.Printf("installed %s v%d (%s)\n", scriptID, version, unit.TypeName())
	return nil
}

func repl(mngr *reflex.Manager, svc *goscript.Service, log *slog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "reload":
			if len(fields) != 3 {
				fmt.Println("usage: reload <id> <file>")
				continue
			}
			if err := install(mngr, svc, fields[1], fields[2]); err != nil {
				// Compile failure: the last good version keeps running.
				fmt.Printf("reload failed: %v\n", err)
			}

		case "rollback":
			if len(fields) != 2 {
				fmt.Println("usage: rollback <id>")
				continue
			}
			if mngr.Cache().Rollback(fields[1]) {
				v, _ := mngr.Cache().Version(fields[1])
				fmt.Printf("rolled back %s to v%d\n", fields[1], v)
			} else {
				fmt.Printf("no previous version for %s\n", fields[1])
			}

		case "diag":
			for _, d := range mngr.Cache().Diagnostics() {
				fmt.Printf("%-16s v%-4d %-16s instantiated=%-5v previous=%v\n",
					d.ScriptID, d.Version, d.TypeName, d.Instantiated, d.PreviousVersion)
			}
			fmt.Printf("scripts=%d entries=%d counter=%d tick=%d\n",
				mngr.Cache().Count(), mngr.Cache().TotalEntries(),
				mngr.Cache().CurrentVersion(), mngr.TickNumber())

		case "failures":
			for _, f := range mngr.Scheduler().RecentFailures() {
				fmt.Printf("tick %d: %s on %s: %v\n", f.Tick, f.ScriptID, f.Entity, f.Err)
			}

		case "quit", "exit":
			return

		default:
			fmt.Println("commands: reload, rollback, diag, failures, quit")
		}
	}
	if err := scanner.Err(); err != nil {
		log.Error("reflexsim: stdin", "error", err)
	}
}
