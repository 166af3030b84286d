// Package ui is the system tray surface: a status line fed by pipeline
// events, pause/resume, and quit.
package ui

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/getlantern/systray"

	"github.com/retrace/retrace-agent/internal/pipeline"
)

type Tray struct {
	scheduler *pipeline.Scheduler
	bus       *pipeline.Bus
	logger    *slog.Logger

	statusItem *systray.MenuItem
	cardsItem  *systray.MenuItem
	pauseItem  *systray.MenuItem

	mu         sync.Mutex
	cardsToday int

	onQuit func()
}

type TrayConfig struct {
	Scheduler *pipeline.Scheduler
	Bus       *pipeline.Bus
	Logger    *slog.Logger
	OnQuit    func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		scheduler: cfg.Scheduler,
		bus:       cfg.Bus,
		logger:    cfg.Logger,
		onQuit:    cfg.OnQuit,
	}
}

// Run blocks until the tray exits. Must be called from the main goroutine;
// systray owns the platform event loop.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetTitle("Retrace")
	systray.SetTooltip("Retrace Agent")

	t.statusItem = systray.AddMenuItem("Status: Idle", "Current agent status")
	t.statusItem.Disable()

	t.cardsItem = systray.AddMenuItem("Cards today: 0", "Activity cards generated today")
	t.cardsItem.Disable()

	systray.AddSeparator()

	t.pauseItem = systray.AddMenuItem("Pause", "Pause batch processing")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Retrace Agent")

	events, cancel := t.bus.Subscribe(64)

	go func() {
		defer cancel()
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				t.handleEvent(e)
			case <-t.pauseItem.ClickedCh:
				t.togglePause()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.logger.Info("system tray exiting")
}

func (t *Tray) handleEvent(e pipeline.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch e.Kind {
	case pipeline.EventProgress:
		t.setStatus(e.Message)
	case pipeline.EventCompleted:
		t.cardsToday += e.CardCount
		t.cardsItem.SetTitle(fmt.Sprintf("Cards today: %d", t.cardsToday))
		t.setStatus("Idle")
	case pipeline.EventFailed:
		t.setStatus("Last batch failed")
	}
}

// setStatus assumes t.mu is held. Paused wins over transient progress.
func (t *Tray) setStatus(status string) {
	if t.scheduler != nil && t.scheduler.Paused() {
		return
	}
	t.statusItem.SetTitle("Status: " + status)
}

func (t *Tray) togglePause() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.scheduler == nil {
		return
	}

	if t.scheduler.Paused() {
		t.scheduler.Resume()
		t.pauseItem.SetTitle("Pause")
		t.statusItem.SetTitle("Status: Idle")
	} else {
		t.scheduler.Pause()
		t.pauseItem.SetTitle("Resume")
		t.statusItem.SetTitle("Status: Paused")
	}
}

func (t *Tray) Quit() {
	systray.Quit()
}
