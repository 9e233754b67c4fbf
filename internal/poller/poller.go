// Package poller drives the fetch, expand, filter and publish cycle for a
// single calendar source on a fixed interval.
//
// A Poller is either stopped or started. While started it runs one cycle
// at a time and keeps at most one timer armed for the next cycle. Results
// reach subscribers as Events; free-form progress messages go to the
// injected LogFunc.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"icspoll/internal/allday"
	"icspoll/internal/ics"
	"icspoll/internal/model"
)

// DefaultHorizon is the length of the expansion window starting at now.
const DefaultHorizon = 7 * 24 * time.Hour

// ErrExpand wraps failures reported by the Expander.
var ErrExpand = errors.New("expand feed")

// Fetcher retrieves one raw feed document.
type Fetcher interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Expander turns a raw document into the window [from, to). A nil window
// with a nil error means there is nothing to publish for this cycle.
type Expander interface {
	Expand(src ics.Source, doc []byte, from, to time.Time) (*model.Window, error)
}

// LogFunc receives human-readable progress messages.
type LogFunc func(msg string)

type State int

const (
	StateStopped State = iota
	StateStarted
)

func (s State) String() string {
	if s == StateStarted {
		return "started"
	}
	return "stopped"
}

// Options configures a Poller. Source is required; everything else has a
// default.
type Options struct {
	Source     ics.Source
	Fetcher    Fetcher
	Expander   Expander
	Classifier *allday.Classifier
	Log        LogFunc
	Clock      clockwork.Clock
	// Horizon is the expansion window length (0 = DefaultHorizon).
	Horizon time.Duration
}

// Status is a point-in-time snapshot for operators.
type Status struct {
	Source   string    `json:"source"`
	URL      string    `json:"url"`
	Interval string    `json:"interval"`
	State    string    `json:"state"`
	LastPoll time.Time `json:"last_poll,omitzero"`
	// LastSuccess is the time of the last published data window.
	LastSuccess     time.Time `json:"last_success,omitzero"`
	LastError       string    `json:"last_error,omitempty"`
	NextPoll        time.Time `json:"next_poll,omitzero"`
	Polls           int       `json:"polls"`
	Failures        int       `json:"failures"`
	LastEvents      int       `json:"last_events"`
	LastOccurrences int       `json:"last_occurrences"`
	LastFiltered    int       `json:"last_filtered"`
}

type Poller struct {
	src        ics.Source
	fetcher    Fetcher
	expander   Expander
	classifier *allday.Classifier
	logf       LogFunc
	clock      clockwork.Clock
	horizon    time.Duration
	bus        *fanout

	mu    sync.Mutex
	state State
	// gen changes on every Start and Stop; work tagged with an older gen
	// is discarded.
	gen      uint64
	timer    clockwork.Timer
	nextPoll time.Time
	cancel   context.CancelFunc
	inFlight bool
	// kick asks the finishing stale fetch to launch the current run's
	// first cycle.
	kick bool
	stat Status
}

func New(opts Options) (*Poller, error) {
	if opts.Source.Interval <= 0 {
		return nil, fmt.Errorf("source %q: %w", opts.Source.ID, ics.ErrInvalidInterval)
	}
	u, err := ics.NormalizeURL(opts.Source.URL)
	if err != nil {
		return nil, fmt.Errorf("source %q: %w", opts.Source.ID, err)
	}
	src := opts.Source
	src.URL = u
	if src.ID == "" {
		src.ID = u
	}

	p := &Poller{
		src:        src,
		fetcher:    opts.Fetcher,
		expander:   opts.Expander,
		classifier: opts.Classifier,
		logf:       opts.Log,
		clock:      opts.Clock,
		horizon:    opts.Horizon,
		bus:        newFanout(),
	}
	if p.fetcher == nil {
		p.fetcher = ics.NewFetcher(ics.FetcherOptions{})
	}
	if p.expander == nil {
		p.expander = &ics.Expander{}
	}
	if p.classifier == nil {
		p.classifier = allday.New(allday.DefaultDriftTolerance)
	}
	if p.logf == nil {
		p.logf = func(string) {}
	}
	if p.clock == nil {
		p.clock = clockwork.NewRealClock()
	}
	if p.horizon <= 0 {
		p.horizon = DefaultHorizon
	}
	p.stat = Status{
		Source:   src.ID,
		URL:      ics.RedactURL(src.URL),
		Interval: src.Interval.String(),
	}
	return p, nil
}

// Source returns the normalized source this poller was built for.
func (p *Poller) Source() ics.Source { return p.src }

// Subscribe registers a listener. The returned func unsubscribes and
// closes the channel.
func (p *Poller) Subscribe(buffer int) (<-chan Event, func()) {
	return p.bus.subscribe(buffer)
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stat
	s.State = p.state.String()
	s.NextPoll = p.nextPoll
	return s
}

// Start begins polling with an immediate first cycle. It is a no-op when
// already started.
func (p *Poller) Start() {
	p.mu.Lock()
	if p.state == StateStarted {
		p.mu.Unlock()
		return
	}
	p.state = StateStarted
	p.gen++
	gen := p.gen
	p.publishLocked(Event{Kind: EventStarted})

	// A fetch from the previous run may still be unwinding; it starts our
	// first cycle when it is done so that fetches never overlap.
	launch := !p.inFlight
	if !launch {
		p.kick = true
	}
	p.mu.Unlock()

	p.logf(p.src.ID + ": started")
	if launch {
		go p.cycle(gen)
	}
}

// Stop cancels the pending timer and the in-flight fetch. Whatever the
// fetch returns afterwards is discarded. It is a no-op when already
// stopped.
func (p *Poller) Stop() {
	p.mu.Lock()
	if p.state == StateStopped {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	p.gen++
	p.kick = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.nextPoll = time.Time{}
	if p.cancel != nil {
		p.cancel()
	}
	p.publishLocked(Event{Kind: EventStopped})
	p.mu.Unlock()

	p.logf(p.src.ID + ": stopped")
}

// cycle runs one fetch/expand/filter/publish pass for run gen.
func (p *Poller) cycle(gen uint64) {
	p.mu.Lock()
	if gen != p.gen || p.state != StateStarted {
		p.mu.Unlock()
		return
	}
	if p.inFlight {
		p.kick = true
		p.mu.Unlock()
		return
	}
	p.inFlight = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.stat.LastPoll = p.clock.Now()
	p.stat.Polls++
	p.mu.Unlock()

	p.logf(fmt.Sprintf("%s: polling %s", p.src.ID, ics.RedactURL(p.src.URL)))

	body, fetchErr := p.fetcher.Fetch(ctx, p.src.URL)
	cancel()

	var (
		window    *model.Window
		removed   int
		expandErr error
	)
	if fetchErr == nil {
		now := p.clock.Now()
		window, expandErr = p.expander.Expand(p.src, body, now, now.Add(p.horizon))
		if expandErr == nil && window != nil {
			filtered, n := p.classifier.FilterWindow(*window)
			window, removed = &filtered, n
		}
	}

	var logs []string
	p.mu.Lock()
	p.inFlight = false
	p.cancel = nil

	if gen != p.gen || p.state != StateStarted {
		relaunch := p.kick && p.state == StateStarted
		p.kick = false
		current := p.gen
		p.mu.Unlock()
		if relaunch {
			p.cycle(current)
		}
		return
	}
	p.kick = false

	switch {
	case fetchErr != nil:
		logs = append(logs, fmt.Sprintf("%s: fetch failed: %v", p.src.ID, fetchErr))
		p.failLocked(fetchErr)
	case expandErr != nil:
		err := fmt.Errorf("%w: %w", ErrExpand, expandErr)
		logs = append(logs, fmt.Sprintf("%s: %v", p.src.ID, err))
		p.failLocked(err)
	case window == nil:
		// Nothing expandable this time; try again on schedule.
	default:
		if removed > 0 {
			logs = append(logs, fmt.Sprintf("%s: filtered %d all-day event(s)", p.src.ID, removed))
		}
		p.stat.LastSuccess = p.clock.Now()
		p.stat.LastError = ""
		p.stat.LastEvents = len(window.Events)
		p.stat.LastOccurrences = len(window.Occurrences)
		p.stat.LastFiltered = removed
		p.publishLocked(Event{Kind: EventData, Window: window})
	}

	p.armLocked(gen)
	p.mu.Unlock()

	for _, msg := range logs {
		p.logf(msg)
	}
}

func (p *Poller) failLocked(err error) {
	p.stat.Failures++
	p.stat.LastError = err.Error()
	p.publishLocked(Event{Kind: EventError, Err: err})
}

// armLocked schedules the next cycle unless a timer is already pending or
// the poller was stopped.
func (p *Poller) armLocked(gen uint64) {
	if p.timer != nil || p.state != StateStarted {
		return
	}
	p.nextPoll = p.clock.Now().Add(p.src.Interval)
	p.timer = p.clock.AfterFunc(p.src.Interval, func() { p.fire(gen) })
}

func (p *Poller) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		return
	}
	p.timer = nil
	p.nextPoll = time.Time{}
	p.mu.Unlock()

	p.cycle(gen)
}

func (p *Poller) publishLocked(e Event) {
	e.Source = p.src.ID
	if e.Time.IsZero() {
		e.Time = p.clock.Now()
	}
	p.bus.publish(e)
}
