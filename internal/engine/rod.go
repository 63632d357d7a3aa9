package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"hyperchat/internal/config"
)

// Rod is the production Engine over a Chromium instance driven through CDP.
// One shared browser backs all sessions; sessions created with
// SessionConfig.Isolated get a second, dedicated browser so a crash-prone
// service cannot corrupt the shared pool.
type Rod struct {
	cfg    config.EngineConfig
	logger *zap.Logger

	mu       sync.Mutex
	shared   *rod.Browser
	isolated *rod.Browser
	closed   bool
}

// NewRod creates an unconnected engine. The shared browser is launched or
// attached on first use.
func NewRod(cfg config.EngineConfig, logger *zap.Logger) *Rod {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Rod{cfg: cfg, logger: logger}
}

// Start eagerly connects the shared browser. Optional; NewSession connects
// lazily otherwise.
func (e *Rod) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err := e.sharedLocked(ctx)
	return err
}

func (e *Rod) sharedLocked(ctx context.Context) (*rod.Browser, error) {
	if e.closed {
		return nil, errors.New("engine closed")
	}
	if e.shared != nil {
		return e.shared, nil
	}
	b, err := e.connect(ctx)
	if err != nil {
		return nil, err
	}
	e.shared = b
	return b, nil
}

func (e *Rod) isolatedLocked(ctx context.Context) (*rod.Browser, error) {
	if e.closed {
		return nil, errors.New("engine closed")
	}
	if e.isolated != nil {
		return e.isolated, nil
	}
	b, err := e.launch(ctx)
	if err != nil {
		return nil, err
	}
	e.isolated = b
	e.logger.Info("isolated browser pool launched")
	return b, nil
}

// connect attaches to a configured debugger URL or launches a browser.
func (e *Rod) connect(ctx context.Context) (*rod.Browser, error) {
	if e.cfg.DebuggerURL != "" {
		b := rod.New().ControlURL(e.cfg.DebuggerURL).Context(ctx)
		if err := b.Connect(); err != nil {
			return nil, fmt.Errorf("connect to browser: %w", err)
		}
		return b, nil
	}
	return e.launch(ctx)
}

func (e *Rod) launch(ctx context.Context) (*rod.Browser, error) {
	var controlURL string
	if len(e.cfg.Launch) > 0 {
		bin := e.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(e.cfg.Headless)
		for _, rawFlag := range e.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		url, err := launch.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = url
	} else {
		url, err := launcher.New().Headless(e.cfg.Headless).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = url
	}

	b := rod.New().ControlURL(controlURL).Context(ctx)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("connect to browser: %w", err)
	}
	return b, nil
}

// NewSession opens an incognito context and a page within the proper pool.
func (e *Rod) NewSession(ctx context.Context, cfg SessionConfig, ev Events) (Session, error) {
	e.mu.Lock()
	var browser *rod.Browser
	var err error
	if cfg.Isolated {
		browser, err = e.isolatedLocked(ctx)
	} else {
		browser, err = e.sharedLocked(ctx)
	}
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	s := &rodSession{
		engine:    e,
		incognito: incognito,
		events:    ev,
		logger:    e.logger.With(zap.String("service", cfg.ServiceID)),
	}
	if err := s.openPage(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Close shuts both pools down. Pages still open are closed with their
// browsers.
func (e *Rod) Close() error {
	e.mu.Lock()
	shared, isolated := e.shared, e.isolated
	e.shared, e.isolated = nil, nil
	e.closed = true
	e.mu.Unlock()

	var g errgroup.Group
	if shared != nil {
		g.Go(shared.Close)
	}
	if isolated != nil {
		g.Go(isolated.Close)
	}
	return g.Wait()
}

// rodSession wraps one rod page and pumps its CDP lifecycle into Events.
type rodSession struct {
	engine    *Rod
	incognito *rod.Browser
	events    Events
	logger    *zap.Logger

	mu         sync.Mutex
	page       *rod.Page
	pumpCancel context.CancelFunc
	currentURL string
	closed     bool
}

func (s *rodSession) openPage(ctx context.Context) error {
	page, err := s.incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return fmt.Errorf("create page: %w", err)
	}

	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             s.engine.cfg.GetViewportWidth(),
		Height:            s.engine.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		s.logger.Warn("failed to set viewport", zap.Error(err))
	}

	pumpCtx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.page = page
	s.pumpCancel = cancel
	s.mu.Unlock()

	s.startEventPump(pumpCtx, page)
	return nil
}

// startEventPump forwards CDP lifecycle events to the Events sink.
func (s *rodSession) startEventPump(ctx context.Context, page *rod.Page) {
	wait := page.Context(ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			// Only the main frame commit matters; iframes navigate freely.
			if ev.Frame.ParentID != "" {
				return
			}
			s.mu.Lock()
			s.currentURL = ev.Frame.URL
			s.mu.Unlock()
			s.events.LoadCommitted(ev.Frame.URL)
		},
		func(ev *proto.PageLoadEventFired) {
			s.mu.Lock()
			url := s.currentURL
			s.mu.Unlock()
			s.events.LoadFinished(url)
		},
		func(ev *proto.InspectorTargetCrashed) {
			s.logger.Warn("content process terminated")
			s.events.ProcessTerminated()
		},
	)
	go wait()
}

// Load issues a navigation and returns immediately; the outcome arrives via
// Events from a worker goroutine or the CDP pump.
func (s *rodSession) Load(url string) error {
	s.mu.Lock()
	page := s.page
	closed := s.closed
	s.mu.Unlock()
	if closed || page == nil {
		return errors.New("session closed")
	}

	s.events.LoadStarted(url)
	go func() {
		if err := page.Timeout(s.engine.cfg.NavigationTimeout()).Navigate(url); err != nil {
			s.events.LoadFailed(url, err)
		}
	}()
	return nil
}

func (s *rodSession) Stop() error {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return nil
	}
	return proto.PageStopLoading{}.Call(page)
}

func (s *rodSession) Eval(ctx context.Context, js string, args ...interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return nil, errors.New("session closed")
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           js,
		JSArgs:       args,
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}
	if res == nil || res.Value.Nil() {
		return nil, nil
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal eval result: %w", err)
	}
	return raw, nil
}

func (s *rodSession) Freeze() error {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return nil
	}
	return proto.PageSetWebLifecycleState{
		State: proto.PageSetWebLifecycleStateStateFrozen,
	}.Call(page)
}

func (s *rodSession) Resume() error {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return nil
	}
	return proto.PageSetWebLifecycleState{
		State: proto.PageSetWebLifecycleStateStateActive,
	}.Call(page)
}

func (s *rodSession) Snapshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return nil, errors.New("session closed")
	}
	return page.Context(ctx).Screenshot(false, nil)
}

// ClearSiteData drops cookies, cache and web storage so a retry starts from
// a clean slate.
func (s *rodSession) ClearSiteData(ctx context.Context) error {
	s.mu.Lock()
	page := s.page
	s.mu.Unlock()
	if page == nil {
		return nil
	}
	if err := (proto.NetworkClearBrowserCookies{}).Call(page); err != nil {
		return fmt.Errorf("clear cookies: %w", err)
	}
	if err := (proto.NetworkClearBrowserCache{}).Call(page); err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	_, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `() => {
			try { localStorage.clear(); } catch (e) {}
			try { sessionStorage.clear(); } catch (e) {}
			return true;
		}`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return fmt.Errorf("clear storage: %w", err)
	}
	return nil
}

// Recreate replaces the page with a fresh one in the same incognito context,
// giving the session a new content process without losing its identity.
func (s *rodSession) Recreate() error {
	s.mu.Lock()
	old := s.page
	cancel := s.pumpCancel
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return errors.New("session closed")
	}

	if cancel != nil {
		cancel()
	}
	if old != nil {
		_ = old.Close()
	}
	return s.openPage(context.Background())
}

func (s *rodSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	page := s.page
	cancel := s.pumpCancel
	s.page = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if page != nil {
		return page.Close()
	}
	return nil
}
