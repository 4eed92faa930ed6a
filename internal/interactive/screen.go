package interactive

import (
	"context"
	"fmt"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/encoding"
	"github.com/mattn/go-runewidth"
	"go2tv.app/castremote/castprotocol"
)

// Player is the part of a castprotocol.Session the watch screen drives.
type Player interface {
	TogglePlayPause(ctx context.Context) error
	SkipForward(ctx context.Context, seconds float64) error
	SkipBackward(ctx context.Context, seconds float64) error
	Next(ctx context.Context) error
	Previous(ctx context.Context) error
	Stop(ctx context.Context) error
	Snapshot() castprotocol.Snapshot
	Subscribe(ctx context.Context, fn func(castprotocol.Snapshot)) (func(), error)
}

var _ Player = (*castprotocol.Session)(nil)

// Screen is the interactive terminal watching one Cast device.
type Screen struct {
	Current     tcell.Screen
	player      Player
	skipSeconds float64
	exitCTXfunc context.CancelFunc

	mu         sync.RWMutex
	lastAction string
}

// InitScreen creates the screen for player. exit is called when the user
// leaves.
func InitScreen(player Player, exit context.CancelFunc) (*Screen, error) {
	s, err := tcell.NewScreen()
	if err != nil {
		return nil, fmt.Errorf("interactive: %w", err)
	}

	return &Screen{
		Current:     s,
		player:      player,
		skipSeconds: castprotocol.DefaultSkipSeconds,
		exitCTXfunc: exit,
	}, nil
}

func (p *Screen) emitStr(x, y int, style tcell.Style, str string) {
	s := p.Current
	for _, c := range str {
		var comb []rune
		w := runewidth.RuneWidth(c)
		if w == 0 {
			comb = []rune{c}
			c = ' '
			w = 1
		}
		s.SetContent(x, y, c, comb, style)
		x += w
	}
}

func (p *Screen) emitCentered(y int, style tcell.Style, str string) {
	w, _ := p.Current.Size()
	p.emitStr(w/2-runewidth.StringWidth(str)/2, y, style, str)
}

// Draw renders the last published state of the device.
func (p *Screen) Draw() {
	snap := p.player.Snapshot()
	s := p.Current
	_, h := s.Size()

	boldStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Bold(true)
	blinkStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite).Blink(true)

	s.Clear()

	p.emitStr(1, 1, tcell.StyleDefault, "Press ESC to exit.")
	p.emitCentered(h/2-6, boldStyle, snap.Identity.DisplayName())
	p.emitCentered(h/2-3, tcell.StyleDefault, "Title: "+snap.Media.Title())
	p.emitCentered(h/2-2, tcell.StyleDefault, "Artist: "+snap.Media.Artist())

	label := stateLabel(snap)
	switch label {
	case labelWaiting, labelBuffering:
		p.emitCentered(h/2, blinkStyle, label)
	default:
		p.emitCentered(h/2, boldStyle, label)
	}

	if action := p.getLastAction(); action != "" {
		p.emitCentered(h/2+2, tcell.StyleDefault, action)
	}

	p.emitCentered(h/2+4, tcell.StyleDefault, `"p" (Play/Pause)  "s" (Stop)`)
	p.emitCentered(h/2+6, tcell.StyleDefault, `"Left" "Right" (Skip)  "b" "n" (Previous/Next)`)
	s.Show()
}

const (
	labelDisconnected = "Disconnected"
	labelIdle         = "No application running"
	labelWaiting      = "Waiting for status..."
	labelPlaying      = "Playing"
	labelPaused       = "Paused"
	labelBuffering    = "Buffering..."
	labelStopped      = "Stopped"
)

func stateLabel(snap castprotocol.Snapshot) string {
	switch {
	case snap.State != castprotocol.Connected:
		return labelDisconnected
	case !snap.MediaChannelsOpen():
		return labelIdle
	}

	switch snap.Media.PlayerState() {
	case castprotocol.PlayerPlaying:
		return labelPlaying
	case castprotocol.PlayerPaused:
		return labelPaused
	case castprotocol.PlayerBuffering:
		return labelBuffering
	case castprotocol.PlayerIdle:
		return labelStopped
	default:
		return labelWaiting
	}
}

// Run initialises the terminal and handles keys until the user exits or
// ctx is done.
func (p *Screen) Run(ctx context.Context) error {
	encoding.Register()
	s := p.Current
	if err := s.Init(); err != nil {
		return fmt.Errorf("interactive: %w", err)
	}

	defStyle := tcell.StyleDefault.
		Background(tcell.ColorBlack).
		Foreground(tcell.ColorWhite)
	s.SetStyle(defStyle)

	// Redraws are requested from the session loop and done here.
	unsubscribe, err := p.player.Subscribe(ctx, func(castprotocol.Snapshot) {
		_ = s.PostEvent(tcell.NewEventInterrupt(nil))
	})
	if err != nil {
		s.Fini()
		return fmt.Errorf("interactive: %w", err)
	}
	defer unsubscribe()

	go func() {
		<-ctx.Done()
		_ = s.PostEvent(tcell.NewEventInterrupt(ctx))
	}()

	p.Draw()
	for {
		switch ev := s.PollEvent().(type) {
		case nil:
			return nil
		case *tcell.EventResize:
			s.Sync()
			p.Draw()
		case *tcell.EventInterrupt:
			if ctx.Err() != nil {
				p.Fini()
				return nil
			}
			p.Draw()
		case *tcell.EventKey:
			if !p.HandleKey(ctx, ev.Key(), ev.Rune()) {
				return nil
			}
		}
	}
}

// HandleKey runs the command bound to a key. It returns false once the
// screen was closed.
func (p *Screen) HandleKey(ctx context.Context, key tcell.Key, r rune) bool {
	var (
		action string
		err    error
	)

	switch key {
	case tcell.KeyEscape:
		p.Fini()
		return false
	case tcell.KeyRight:
		action, err = "Skip forward", p.player.SkipForward(ctx, p.skipSeconds)
	case tcell.KeyLeft:
		action, err = "Skip backward", p.player.SkipBackward(ctx, p.skipSeconds)
	case tcell.KeyRune:
		switch r {
		case 'p':
			action, err = "Play/Pause", p.player.TogglePlayPause(ctx)
		case 'n':
			action, err = "Next", p.player.Next(ctx)
		case 'b':
			action, err = "Previous", p.player.Previous(ctx)
		case 's':
			action, err = "Stop", p.player.Stop(ctx)
		default:
			return true
		}
	default:
		return true
	}

	if err != nil {
		action = action + " failed: " + err.Error()
	}
	p.updateLastAction(action)
	p.Draw()
	return true
}

// Fini closes the screen and calls the exit function.
func (p *Screen) Fini() {
	p.Current.Fini()
	if p.exitCTXfunc != nil {
		p.exitCTXfunc()
	}
}

func (p *Screen) getLastAction() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastAction
}

func (p *Screen) updateLastAction(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastAction = s
}
