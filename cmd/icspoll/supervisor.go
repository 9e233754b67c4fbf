package main

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"icspoll/internal/allday"
	"icspoll/internal/config"
	"icspoll/internal/ics"
	appLog "icspoll/internal/log"
	"icspoll/internal/poller"
)

// collaborators are shared by every poller built from one config.
type collaborators struct {
	fetcher    poller.Fetcher
	expander   poller.Expander
	classifier *allday.Classifier
	horizon    time.Duration
	// key changes whenever a setting above changes.
	key string
}

func newCollaborators(cfg *config.Config) (collaborators, error) {
	loc, err := cfg.Location()
	if err != nil {
		return collaborators{}, err
	}
	return collaborators{
		fetcher: ics.NewFetcher(ics.FetcherOptions{
			Timeout:   cfg.Timeout(),
			UserAgent: cfg.UserAgent,
		}),
		expander:   &ics.Expander{Location: loc},
		classifier: allday.New(cfg.Tolerance()),
		horizon:    cfg.Horizon(),
		key: fmt.Sprintf("%s|%s|%s|%s|%d",
			cfg.Timezone, cfg.DriftTolerance, cfg.UserAgent, cfg.FetchTimeout, cfg.HorizonDays),
	}, nil
}

type managed struct {
	p     *poller.Poller
	unsub func()
	done  chan struct{}
}

// supervisor keeps one running poller per configured source and
// reconciles the set when the config changes.
type supervisor struct {
	mu      sync.Mutex
	deps    collaborators
	order   []string
	pollers map[string]*managed
}

func newSupervisor() *supervisor {
	return &supervisor{pollers: map[string]*managed{}}
}

// Apply starts pollers for new sources, stops removed ones and restarts
// those whose URL or interval changed. A change in shared settings
// restarts everything.
func (s *supervisor) Apply(deps collaborators, sources []ics.Source) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Equal keys keep the running collaborators so every poller shares
	// one fetcher and its conditional-GET cache.
	restartAll := s.deps.key != deps.key
	if restartAll {
		s.deps = deps
	}

	want := make(map[string]ics.Source, len(sources))
	for _, src := range sources {
		want[src.ID] = src
	}
	for id, m := range s.pollers {
		src, keep := want[id]
		if keep && !restartAll && m.p.Source() == src {
			continue
		}
		s.stopLocked(id, m)
	}

	s.order = s.order[:0]
	for _, src := range sources {
		s.order = append(s.order, src.ID)
		if _, running := s.pollers[src.ID]; running {
			continue
		}
		if err := s.startLocked(src); err != nil {
			appLog.Error("poller not started", err, "source", src.ID)
		}
	}
}

func (s *supervisor) startLocked(src ics.Source) error {
	p, err := poller.New(poller.Options{
		Source:     src,
		Fetcher:    s.deps.fetcher,
		Expander:   s.deps.expander,
		Classifier: s.deps.classifier,
		Horizon:    s.deps.horizon,
		Log:        func(msg string) { appLog.Info(msg) },
	})
	if err != nil {
		return err
	}
	ch, unsub := p.Subscribe(32)
	m := &managed{p: p, unsub: unsub, done: make(chan struct{})}
	go func() {
		defer close(m.done)
		logEvents(p, ch)
	}()
	s.pollers[src.ID] = m
	p.Start()
	appLog.Info("source scheduled",
		"source", src.ID,
		"url", ics.RedactURL(src.URL),
		"interval", src.Interval.String(),
	)
	return nil
}

func (s *supervisor) stopLocked(id string, m *managed) {
	m.p.Stop()
	m.unsub()
	<-m.done
	delete(s.pollers, id)
	appLog.Info("source unscheduled", "source", id)
}

// StopAll stops every poller.
func (s *supervisor) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.pollers {
		s.stopLocked(id, m)
	}
	s.order = nil
}

// Statuses implements web.StatusSource, in config order.
func (s *supervisor) Statuses() []poller.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]poller.Status, 0, len(s.order))
	for _, id := range s.order {
		if m, ok := s.pollers[id]; ok {
			out = append(out, m.p.Status())
		}
	}
	return out
}

func logEvents(p *poller.Poller, ch <-chan poller.Event) {
	for ev := range ch {
		switch ev.Kind {
		case poller.EventData:
			st := p.Status()
			next := "-"
			if !st.NextPoll.IsZero() {
				next = humanize.Time(st.NextPoll)
			}
			appLog.Info("window published",
				"source", ev.Source,
				"events", len(ev.Window.Events),
				"occurrences", len(ev.Window.Occurrences),
				"next_poll", next,
			)
		case poller.EventError:
			appLog.Error("poll failed", ev.Err, "source", ev.Source)
		default:
			appLog.Debug("poller "+string(ev.Kind), "source", ev.Source)
		}
	}
}
