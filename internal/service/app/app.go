package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"e2ee_messenger/internal/model"
	"e2ee_messenger/internal/repository/conversation"
	"e2ee_messenger/internal/service/realtime"
	"e2ee_messenger/internal/service/search"
	"e2ee_messenger/internal/service/session"
	"e2ee_messenger/internal/utils/log"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const requestTimeout = 15 * time.Second

type (
	App struct {
		app     *tview.Application
		threads *tview.List
		results *tview.List
		chatbox *tview.TextView
		status  *tview.TextView
		find    *tview.InputField
		input   *tview.InputField

		session *session.Session

		quit     chan struct{}
		quitOnce sync.Once

		// Only touched on the UI goroutine.
		peers  []model.Thread
		found  []model.Peer
		peerID string
	}
)

func NewApp(s *session.Session) *App {
	return &App{
		app:     tview.NewApplication(),
		session: s,
		quit:    make(chan struct{}),
	}
}

// SetScreen replaces the terminal, e.g. with a simulation screen.
func (c *App) SetScreen(screen tcell.Screen) *App {
	c.app.SetScreen(screen)
	return c
}

// Run blocks until the user quits.
func (c *App) Run(ctx context.Context) error {
	c.build()

	unsub := c.session.Subscribe(func(ev conversation.Event) {
		c.queue(func() { c.onCacheEvent(ev) })
	})
	c.session.OnSearchResults(func(r search.Result) {
		c.queue(func() { c.showResults(r) })
	})
	c.session.OnChannelState(func(realtime.State) {
		c.queue(c.refreshStatus)
	})
	defer func() {
		c.halt()
		unsub()
		c.session.OnSearchResults(nil)
		c.session.OnChannelState(nil)
	}()

	go func() {
		ctx, cancel := context.WithTimeout(ctx, requestTimeout)
		defer cancel()
		if err := c.session.RefreshIndex(ctx); err != nil {
			log.Debug("index refresh failed", zap.Error(err))
		}
	}()

	c.reloadThreads()
	c.refreshStatus()
	return c.app.Run()
}

func (c *App) Stop() {
	c.halt()
	c.app.Stop()
}

func (c *App) halt() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// queue runs fn on the UI goroutine. tview never runs updates queued after
// the event loop ended, so queue gives up once the app has stopped.
func (c *App) queue(fn func()) {
	select {
	case <-c.quit:
		return
	default:
	}
	done := make(chan struct{})
	go func() {
		c.app.QueueUpdateDraw(fn)
		close(done)
	}()
	select {
	case <-done:
	case <-c.quit:
	}
}

func (c *App) build() {
	c.threads = tview.NewList().ShowSecondaryText(true)
	c.threads.SetBorder(true).SetTitle(" Conversations ")
	c.threads.SetSelectedFunc(func(i int, _, _ string, _ rune) {
		if i < len(c.peers) {
			c.open(c.peers[i].PeerID, c.peers[i].DisplayName)
		}
	})

	c.results = tview.NewList().ShowSecondaryText(false)
	c.results.SetBorder(true).SetTitle(" Search ")
	c.results.SetSelectedFunc(func(i int, _, _ string, _ rune) {
		if i < len(c.found) {
			c.open(c.found[i].ID, c.found[i].DisplayName())
		}
	})

	c.find = tview.NewInputField().SetLabel("Find: ").SetFieldWidth(0)
	c.find.SetChangedFunc(func(text string) {
		c.session.Search(text)
	})
	c.find.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter || key == tcell.KeyTab {
			c.app.SetFocus(c.results)
		}
	})

	c.chatbox = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	c.chatbox.SetBorder(true).SetTitle(" Chat ")

	c.status = tview.NewTextView().SetDynamicColors(true)

	c.input = tview.NewInputField().
		SetLabel("Message: ").
		SetFieldWidth(0)
	c.input.SetBorder(true).SetTitle(" New Message ")
	c.input.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter {
			return
		}
		text := c.input.GetText()
		if text == "" || c.peerID == "" {
			return
		}
		c.input.SetText("")
		go c.send(c.peerID, text)
	})

	left := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.find, 1, 0, false).
		AddItem(c.results, 6, 0, false).
		AddItem(c.threads, 0, 1, true)

	right := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(c.chatbox, 0, 1, false).
		AddItem(c.input, 3, 0, false).
		AddItem(c.status, 1, 0, false)

	layout := tview.NewFlex().
		AddItem(left, 36, 0, true).
		AddItem(right, 0, 1, false)

	focus := []tview.Primitive{c.threads, c.find, c.results, c.input}
	c.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		switch ev.Key() {
		case tcell.KeyCtrlF:
			c.app.SetFocus(c.find)
			return nil
		case tcell.KeyEscape:
			c.session.Deselect()
			c.peerID = ""
			c.chatbox.Clear().SetTitle(" Chat ")
			c.app.SetFocus(c.threads)
			return nil
		case tcell.KeyCtrlN:
			cur := c.app.GetFocus()
			for i, p := range focus {
				if p == cur {
					c.app.SetFocus(focus[(i+1)%len(focus)])
					return nil
				}
			}
		}
		return ev
	})

	c.app.SetRoot(layout, true).SetFocus(c.threads)
}

func (c *App) open(peerID, name string) {
	c.peerID = peerID
	c.chatbox.SetTitle(fmt.Sprintf(" Chat with %s ", name))
	c.app.SetFocus(c.input)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		msgs, err := c.session.Select(ctx, peerID)
		if err != nil {
			log.Error("open conversation failed", zap.String("peer", peerID), zap.Error(err))
		}
		c.queue(func() {
			if c.peerID == peerID {
				c.renderChat(msgs)
			}
		})
	}()
}

func (c *App) send(peerID, text string) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if _, err := c.session.Send(ctx, peerID, text); err != nil {
		log.Error("send message failed", zap.Error(err))
		c.queue(func() {
			c.status.SetText("[red]" + SendErrorText(err) + "[-]")
		})
	}
}

func (c *App) onCacheEvent(ev conversation.Event) {
	switch ev.Kind {
	case conversation.ThreadsChanged:
		c.reloadThreads()
	case conversation.MessagesChanged:
		if ev.PeerID == c.peerID {
			msgs, err := c.session.Messages(context.Background(), c.peerID)
			if err != nil {
				log.Error("read cache failed", zap.Error(err))
				return
			}
			c.renderChat(msgs)
		}
	}
	c.refreshStatus()
}

func (c *App) reloadThreads() {
	threads, err := c.session.Threads(context.Background())
	if err != nil {
		log.Error("read thread index failed", zap.Error(err))
		return
	}
	cur := c.threads.GetCurrentItem()
	c.peers = threads
	c.threads.Clear()
	for _, t := range threads {
		main, secondary := ThreadLabel(t)
		c.threads.AddItem(main, secondary, 0, nil)
	}
	if cur < len(threads) {
		c.threads.SetCurrentItem(cur)
	}
}

func (c *App) showResults(r search.Result) {
	c.found = r.Peers
	c.results.Clear()
	if r.Err != nil {
		c.results.AddItem("[red]search failed[-]", "", 0, nil)
		return
	}
	for _, p := range r.Peers {
		c.results.AddItem(p.DisplayName(), "", 0, nil)
	}
}

func (c *App) renderChat(msgs []model.Message) {
	c.chatbox.Clear()
	fmt.Fprint(c.chatbox, RenderMessages(msgs, c.session.Identity()))
	if c.session.Loading(c.peerID) {
		fmt.Fprint(c.chatbox, "[gray]loading history...[-]\n")
	}
	c.chatbox.ScrollToEnd()
}

func (c *App) refreshStatus() {
	c.status.SetText(StatusLine(c.session.Identity(), c.session.ChannelState(), c.session.KeyStatus()))
}
