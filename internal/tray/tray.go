package tray

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"sync"

	"github.com/atotto/clipboard"
	"github.com/getlantern/systray"
	"github.com/petems/audio-router/internal/app"
	"github.com/rs/zerolog"
)

// channelChoices are the channel counts offered in the menu.
var channelChoices = []int{1, 2, 4, 6, 8}

// bufferChoices are the buffer sizes offered in the menu; 0 is "Smallest".
// Sizes the open pairing does not support are hidden.
var bufferChoices = []int{0, 32, 64, 128, 256, 512, 1024, 2048, 4096}

type UI struct {
	app     *app.App
	version string
	commit  string
	log     zerolog.Logger
	onQuit  func()

	mu    sync.Mutex
	ready bool

	// Menu items
	mStatus   *systray.MenuItem
	mStart    *systray.MenuItem
	mStop     *systray.MenuItem
	mInputs   *systray.MenuItem
	mOutputs  *systray.MenuItem
	mChannels *systray.MenuItem
	mBuffers  *systray.MenuItem

	inputs       *deviceMenu
	outputs      *deviceMenu
	channelItems map[int]*systray.MenuItem
	bufferItems  map[int]*systray.MenuItem
}

// Status update methods for the app to call
func (u *UI) SetRunning() {
	u.updateStatus("running")
}

func (u *UI) SetAttempting() {
	u.updateStatus("attempting")
}

func (u *UI) SetStopped() {
	u.updateStatus("stopped")
}

// New creates the tray UI. onQuit runs on the tray goroutine after the
// menu is torn down.
func New(application *app.App, version, commit string, log zerolog.Logger, onQuit func()) *UI {
	return &UI{
		app:          application,
		version:      version,
		commit:       commit,
		log:          log.With().Str("component", "tray").Logger(),
		onQuit:       onQuit,
		channelItems: make(map[int]*systray.MenuItem),
		bufferItems:  make(map[int]*systray.MenuItem),
	}
}

// SetApp sets the app reference (for circular dependency resolution)
func (u *UI) SetApp(application *app.App) {
	u.app = application
}

// Run blocks on the tray event loop. It must be called from the main
// goroutine.
func (u *UI) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		systray.Quit()
	}()
	systray.Run(u.onReady, u.onExit)
	return nil
}

func (u *UI) onReady() {
	systray.SetTooltip(fmt.Sprintf("Audio Router %s", u.version))

	// Build menu
	u.mStatus = systray.AddMenuItem("Stopped", "Routing status")
	u.mStatus.Disable()
	systray.AddSeparator()

	u.mStart = systray.AddMenuItem("Start", "Start routing")
	u.mStop = systray.AddMenuItem("Stop", "Stop routing")
	systray.AddSeparator()

	settings := u.app.Settings()

	u.mInputs = systray.AddMenuItem("Input Device", "Select input device")
	u.mOutputs = systray.AddMenuItem("Output Device", "Select output device")
	u.inputs = newDeviceMenu(func(name string, checked bool) menuItem {
		item := u.mInputs.AddSubMenuItemCheckbox(name, "", checked)
		go u.handleChoice(item, func() { u.selectDevice(name, true) })
		return item
	})
	u.outputs = newDeviceMenu(func(name string, checked bool) menuItem {
		item := u.mOutputs.AddSubMenuItemCheckbox(name, "", checked)
		go u.handleChoice(item, func() { u.selectDevice(name, false) })
		return item
	})
	u.syncDeviceMenus()

	u.mChannels = systray.AddMenuItem("Channels", "Number of channels to route")
	for _, n := range channelChoices {
		item := u.mChannels.AddSubMenuItemCheckbox(strconv.Itoa(n), "", n == settings.ChannelCount)
		u.channelItems[n] = item
		go u.handleChoice(item, func() { u.selectChannels(n) })
	}

	u.mBuffers = systray.AddMenuItem("Buffer Size", "Frames per callback")
	for _, n := range bufferChoices {
		item := u.mBuffers.AddSubMenuItemCheckbox(bufferLabel(n), "", n == settings.BufferSize)
		u.bufferItems[n] = item
		go u.handleChoice(item, func() { u.selectBufferSize(n) })
	}

	systray.AddSeparator()
	mRescan := systray.AddMenuItem("Rescan Devices", "Look for new audio devices")
	mCopy := systray.AddMenuItem("Copy Diagnostics", "Copy routing details to the clipboard")
	mAbout := systray.AddMenuItem(fmt.Sprintf("Audio Router %s (%s)", u.version, u.commit), "")
	mAbout.Disable()
	mQuit := systray.AddMenuItem("Quit", "Exit application")

	u.mu.Lock()
	u.ready = true
	u.mu.Unlock()
	u.updateStatus(statusName(u.app.State().String()))

	// Event loop
	go u.handleEvents(mRescan, mCopy, mQuit)
}

func (u *UI) handleEvents(mRescan, mCopy, mQuit *systray.MenuItem) {
	for {
		select {
		case <-u.mStart.ClickedCh:
			u.app.Start()
		case <-u.mStop.ClickedCh:
			u.app.Stop()
		case <-mRescan.ClickedCh:
			if err := u.app.Rescan(); err != nil {
				u.log.Error().Err(err).Msg("Failed to rescan audio devices")
				continue
			}
			u.syncDeviceMenus()
		case <-mCopy.ClickedCh:
			if err := clipboard.WriteAll(u.app.Diagnostics()); err != nil {
				u.log.Error().Err(err).Msg("Failed to copy diagnostics")
			}
		case <-mQuit.ClickedCh:
			systray.Quit()
			return
		}
	}
}

func (u *UI) handleChoice(item *systray.MenuItem, fn func()) {
	for range item.ClickedCh {
		fn()
	}
}

// syncDeviceMenus adds items for newly enumerated devices and hides items
// for devices that disappeared.
func (u *UI) syncDeviceMenus() {
	settings := u.app.Settings()
	u.inputs.sync(u.app.InputNames(), settings.InputDeviceName)
	u.outputs.sync(u.app.OutputNames(), settings.OutputDeviceName)
}

func (u *UI) selectDevice(name string, input bool) {
	var err error
	menu := u.outputs
	if input {
		menu = u.inputs
		err = u.app.SetInputDevice(name)
	} else {
		err = u.app.SetOutputDevice(name)
	}
	menu.check(name)
	if err != nil {
		u.log.Error().Err(err).Msg("Failed to save device selection")
	}
	u.log.Info().Str("device", name).Bool("input", input).Msg("Changed audio device")
}

func (u *UI) selectChannels(n int) {
	checkOnly(u.channelItems, n)
	if err := u.app.SetChannelCount(n); err != nil {
		u.log.Error().Err(err).Msg("Failed to save channel count")
	}
	u.log.Info().Int("channels", n).Msg("Changed channel count")
}

func (u *UI) selectBufferSize(n int) {
	checkOnly(u.bufferItems, n)
	if err := u.app.SetBufferSize(n); err != nil {
		u.log.Error().Err(err).Msg("Failed to save buffer size")
	}
	u.log.Info().Int("buffer_size", n).Msg("Changed buffer size")
}

func checkOnly[K comparable, I menuItem](items map[K]I, selected K) {
	for k, item := range items {
		if k == selected {
			item.Check()
		} else {
			item.Uncheck()
		}
	}
}

func (u *UI) onExit() {
	if u.onQuit != nil {
		u.onQuit()
	}
}

// updateStatus sets the tray title and menu state for a status
func (u *UI) updateStatus(status string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if !u.ready {
		return
	}

	systray.SetTitle(fmt.Sprintf("🔊 %s", emojiForStatus(status)))
	u.mStatus.SetTitle(statusTitle(status))
	if status == "stopped" {
		u.mStart.Enable()
		u.mStop.Disable()
	} else {
		u.mStart.Disable()
		u.mStop.Enable()
	}

	visible := visibleBufferChoices(u.app.AvailableBufferSizes())
	for n, item := range u.bufferItems {
		if slices.Contains(visible, n) {
			item.Show()
		} else {
			item.Hide()
		}
	}
}

// visibleBufferChoices returns the menu buffer choices supported by the
// open pairing, or all of them when none is open.
func visibleBufferChoices(available []int) []int {
	if len(available) == 0 {
		return bufferChoices
	}
	visible := []int{0}
	for _, n := range bufferChoices[1:] {
		if slices.Contains(available, n) {
			visible = append(visible, n)
		}
	}
	return visible
}

func bufferLabel(n int) string {
	if n == 0 {
		return "Smallest"
	}
	return fmt.Sprintf("%d frames", n)
}

func statusName(state string) string {
	switch state {
	case "Running":
		return "running"
	case "Attempting":
		return "attempting"
	default:
		return "stopped"
	}
}

func statusTitle(status string) string {
	switch status {
	case "running":
		return "Running"
	case "attempting":
		return "Waiting for device..."
	default:
		return "Stopped"
	}
}

// emojiForStatus returns the appropriate status emoji
func emojiForStatus(status string) string {
	switch status {
	case "running":
		return "🟢" // Green - audio flowing
	case "attempting":
		return "🟡" // Yellow - waiting for the device
	case "stopped":
		return "🔴" // Red - stopped
	default:
		return "🔴"
	}
}
