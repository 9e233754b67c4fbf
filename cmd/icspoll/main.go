package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"icspoll/internal/config"
	"icspoll/internal/ics"
	appLog "icspoll/internal/log"
	"icspoll/internal/poller"
	"icspoll/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
	watch      bool
}

func main() {
	if err := run(); err != nil {
		appLog.Error("icspoll failed", err)
		os.Exit(1)
	}
}

func run() error {
	flags, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.logLevel != "" {
		appLog.SetLevel(appLog.ParseLevel(flags.logLevel))
	}
	appLog.Info("icspoll starting", "version", version)

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel == "" {
		appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", flags.configPath, err)
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"horizon_days", conf.HorizonDays,
		"drift_tolerance", conf.DriftTolerance,
		"source_count", len(conf.Sources),
		"once", flags.once,
		"watch", flags.watch,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if flags.once {
		return runOnce(ctx, conf, os.Stdout)
	}
	return runDaemon(ctx, conf, flags)
}

func parseFlags(args []string) (flagConfig, error) {
	var cfg flagConfig

	flagSet := pflag.NewFlagSet("icspoll", pflag.ContinueOnError)
	flagSet.StringVarP(&cfg.configPath, "config", "c", "/etc/icspoll/config.yaml", "path to config file")
	flagSet.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set; \"off\" disables)")
	flagSet.StringVar(&cfg.logLevel, "log-level", "", "debug, info, warn or error (overrides config if set)")
	flagSet.BoolVar(&cfg.once, "once", false, "run one poll per source, print a JSON summary and exit")
	flagSet.BoolVar(&cfg.watch, "watch", true, "reload sources when the config file changes")

	if err := flagSet.Parse(args); err != nil {
		return cfg, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return cfg, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	return cfg, nil
}

func buildSources(conf *config.Config) ([]ics.Source, error) {
	sources := make([]ics.Source, 0, len(conf.Sources))
	for _, sc := range conf.Sources {
		src, err := sc.Source()
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func runDaemon(ctx context.Context, conf *config.Config, flags flagConfig) error {
	deps, err := newCollaborators(conf)
	if err != nil {
		return err
	}
	sources, err := buildSources(conf)
	if err != nil {
		return err
	}

	sup := newSupervisor()
	sup.Apply(deps, sources)
	defer sup.StopAll()

	var wg sync.WaitGroup
	if flags.watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := config.Watch(ctx, flags.configPath, func(next *config.Config) {
				reload(sup, next)
			})
			if err != nil {
				appLog.Error("config watch stopped", err, "path", flags.configPath)
			}
		}()
	}

	if conf.Listen != "off" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := web.StartServer(ctx, conf, sup); err != nil {
				appLog.Error("HTTP server failed", err, "listen", conf.Listen)
			}
		}()
	}

	<-ctx.Done()
	appLog.Info("signal received, shutting down")
	wg.Wait()
	appLog.Info("icspoll exiting")
	return nil
}

// reload applies a changed config to the running pollers. Listen and
// basic auth changes need a restart.
func reload(sup *supervisor, next *config.Config) {
	appLog.SetLevel(appLog.ParseLevel(next.LogLevel))
	deps, err := newCollaborators(next)
	if err != nil {
		appLog.Error("config reload ignored", err)
		return
	}
	sources, err := buildSources(next)
	if err != nil {
		appLog.Error("config reload ignored", err)
		return
	}
	sup.Apply(deps, sources)
}

// onceResult is the JSON shape printed by --once, one per source.
type onceResult struct {
	Source      string         `json:"source"`
	Error       string         `json:"error,omitempty"`
	RangeStart  time.Time      `json:"range_start,omitzero"`
	RangeEnd    time.Time      `json:"range_end,omitzero"`
	Filtered    int            `json:"filtered"`
	Events      []entryDTO     `json:"events"`
	Occurrences []entryDTO     `json:"occurrences"`
	Status      *poller.Status `json:"status,omitempty"`
}

// entryDTO is a JSON-friendly view of events and occurrences.
type entryDTO struct {
	UID         string    `json:"uid"`
	InstanceKey string    `json:"instance_key,omitempty"`
	Summary     string    `json:"summary"`
	Location    string    `json:"location,omitempty"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
}

// runOnce polls every source a single time, concurrently, and writes the
// filtered windows as a JSON array.
func runOnce(ctx context.Context, conf *config.Config, out io.Writer) error {
	deps, err := newCollaborators(conf)
	if err != nil {
		return err
	}
	sources, err := buildSources(conf)
	if err != nil {
		return err
	}

	wait := conf.Timeout() + 30*time.Second
	results := make([]onceResult, len(sources))
	var wg sync.WaitGroup
	for i, src := range sources {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = pollOnce(ctx, deps, src, wait)
		}()
	}
	wg.Wait()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return err
	}
	if n := countFailed(results); n > 0 {
		return fmt.Errorf("%d of %d source(s) failed", n, len(results))
	}
	return nil
}

func pollOnce(ctx context.Context, deps collaborators, src ics.Source, wait time.Duration) onceResult {
	res := onceResult{Source: src.ID, Events: []entryDTO{}, Occurrences: []entryDTO{}}

	p, err := poller.New(poller.Options{
		Source:     src,
		Fetcher:    deps.fetcher,
		Expander:   deps.expander,
		Classifier: deps.classifier,
		Horizon:    deps.horizon,
		Log:        func(msg string) { appLog.Debug(msg) },
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	ch, unsub := p.Subscribe(8)
	defer unsub()

	p.Start()
	defer p.Stop()

	timeout := time.NewTimer(wait)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			res.Error = ctx.Err().Error()
			return res
		case <-timeout.C:
			res.Error = "no result within " + wait.String()
			return res
		case ev := <-ch:
			switch ev.Kind {
			case poller.EventError:
				res.Error = ev.Err.Error()
			case poller.EventData:
				fillWindow(&res, ev)
			default:
				continue
			}
			st := p.Status()
			res.Status = &st
			res.Filtered = st.LastFiltered
			return res
		}
	}
}

func fillWindow(res *onceResult, ev poller.Event) {
	w := ev.Window
	res.RangeStart, res.RangeEnd = w.RangeStart, w.RangeEnd
	for _, e := range w.Events {
		res.Events = append(res.Events, entryDTO{
			UID:      e.UID,
			Summary:  e.Summary,
			Location: e.Location,
			Start:    e.Start,
			End:      e.End,
		})
	}
	for _, o := range w.Occurrences {
		res.Occurrences = append(res.Occurrences, entryDTO{
			UID:         o.UID,
			InstanceKey: o.InstanceKey,
			Summary:     o.Summary,
			Location:    o.Location,
			Start:       o.Start,
			End:         o.End,
		})
	}
}

func countFailed(results []onceResult) int {
	n := 0
	for _, r := range results {
		if r.Error != "" {
			n++
		}
	}
	return n
}
