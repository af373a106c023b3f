package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/wordwrap"

	"github.com/jwebster45206/bazaar-engine/pkg/audio"
	"github.com/jwebster45206/bazaar-engine/pkg/projector"
	"github.com/jwebster45206/bazaar-engine/pkg/protocol"
	"github.com/jwebster45206/bazaar-engine/pkg/transport"
	"github.com/jwebster45206/bazaar-engine/pkg/world"
)

const (
	PlaceHolderText = "Speak to the merchants... (Enter to send)"

	// An action_result normally arrives well inside this; past it the
	// progress bar gives up so the input is not locked forever.
	pendingTimeout = 30 * time.Second
	progressEvery  = 200 * time.Millisecond
)

// Conn is the part of transport.Client the UI drives.
type Conn interface {
	Connect(ctx context.Context) error
	Send(msg protocol.ClientMessage) bool
	SendAudio(frame []byte) bool
	SessionID() string
}

// ConsoleUI is the BubbleTea model that runs the UI.
// https://github.com/charmbracelet/bubbletea
type ConsoleUI struct {
	config       *ConsoleConfig
	client       *http.Client
	conn         Conn
	capture      *audio.Capture
	logger       *slog.Logger
	view         projector.View
	notes        []string // local command output, shown under the conversation
	chatViewport viewport.Model
	metaViewport viewport.Model
	textarea     textarea.Model
	ready        bool
	width        int
	height       int

	connected bool
	sessionID string
	lastErr   error

	// Waiting for the server to answer a final transcript.
	pending      bool
	pendingSince time.Time
	progressTick int

	showQuitModal bool
}

type viewMsg struct {
	view projector.View
}

type statusMsg struct {
	connected bool
	sessionID string
}

type transportErrMsg struct {
	err error
}

type connectResultMsg struct {
	err error
}

type historyMsg struct {
	history *HistoryResponse
	err     error
}

type progressTickMsg struct{}

var (
	chatPanelStyle = lipgloss.NewStyle().
			PaddingTop(2).
			PaddingBottom(1).
			PaddingLeft(3).
			PaddingRight(0)

	metaPanelStyle = lipgloss.NewStyle().
			PaddingTop(2).
			PaddingBottom(0).
			PaddingLeft(0).
			PaddingRight(2)

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")). // pink
			Bold(true)

	speakerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("212")). // purple
			Bold(true)

	systemStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")) // green

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")) // teal

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")) // red

	loadingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")) // yellow

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")) // dark grey

	modalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2).
			Background(lipgloss.Color("235")).
			Foreground(lipgloss.Color("255"))

	modalTitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true).
			Align(lipgloss.Center)
)

var separatorStyle = lipgloss.NewStyle().
	Foreground(lipgloss.Color("240")) // dark grey

var moodStyles = map[world.Mood]lipgloss.Style{
	world.MoodFriendly: lipgloss.NewStyle().Foreground(lipgloss.Color("86")),
	world.MoodNeutral:  lipgloss.NewStyle().Foreground(lipgloss.Color("255")),
	world.MoodAnnoyed:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	world.MoodAngry:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
}

func NewConsoleUI(cfg *ConsoleConfig, client *http.Client, conn Conn, logger *slog.Logger) ConsoleUI {
	ta := textarea.New()
	ta.Placeholder = PlaceHolderText
	ta.Focus()
	ta.Prompt = promptStyle.Render(":: ")
	ta.CharLimit = 500
	ta.SetWidth(50)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false

	chatVp := viewport.New(50, 20)
	chatVp.MouseWheelEnabled = true

	metaVp := viewport.New(20, 20)

	return ConsoleUI{
		config:       cfg,
		client:       client,
		conn:         conn,
		capture:      audio.NewCapture(logger),
		logger:       logger,
		textarea:     ta,
		chatViewport: chatVp,
		metaViewport: metaVp,
		sessionID:    cfg.SessionID,
	}
}

func (m ConsoleUI) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.connect())
}

func (m ConsoleUI) connect() tea.Cmd {
	conn := m.conn
	return func() tea.Msg {
		return connectResultMsg{err: conn.Connect(context.Background())}
	}
}

func (m ConsoleUI) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.showQuitModal {
		return m.updateQuitModal(msg)
	}

	var (
		tiCmd tea.Cmd
		vpCmd tea.Cmd
		mvCmd tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.MouseMsg:
		m.chatViewport, vpCmd = m.chatViewport.Update(msg)
		m.textarea, tiCmd = m.textarea.Update(msg)
		m.metaViewport, mvCmd = m.metaViewport.Update(msg)
		return m, tea.Batch(tiCmd, vpCmd, mvCmd)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		chatWidth := int(float64(m.width)*0.75) - 4
		metaWidth := m.width - chatWidth - 6

		m.chatViewport.Width = chatWidth - 2
		m.chatViewport.Height = m.height - 7
		m.metaViewport.Width = metaWidth - 2
		m.metaViewport.Height = m.height - 4
		m.textarea.SetWidth(chatWidth - 4)

		m.ready = true
		m.refresh()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.showQuitModal = true
			return m, nil
		case tea.KeyEnter:
			input := strings.TrimSpace(m.textarea.Value())
			if input == "" {
				return m, nil
			}
			if strings.HasPrefix(input, "/") {
				return m.handleCommand(input)
			}
			if m.pending {
				return m, nil
			}
			return m.say(input)
		}

	case viewMsg:
		if m.pending && answered(m.view, msg.view) {
			m.pending = false
		}
		m.view = msg.view
		m.refresh()
		return m, nil

	case statusMsg:
		m.connected = msg.connected
		if msg.sessionID != "" {
			m.sessionID = msg.sessionID
		}
		if !msg.connected {
			m.pending = false
		}
		m.refresh()
		return m, nil

	case transportErrMsg:
		m.lastErr = msg.err
		m.refresh()
		return m, nil

	case connectResultMsg:
		if msg.err != nil {
			m.lastErr = msg.err
			m.refresh()
		}
		return m, nil

	case historyMsg:
		if msg.err != nil {
			m.addNote(errorStyle.Render("Error: " + msg.err.Error()))
		} else {
			m.addNote(titleStyle.Render("History:") + "\n" + formatHistory(msg.history))
		}
		return m, nil

	case clipSavedMsg:
		m.addNote(promptStyle.Render(fmt.Sprintf("♪ %s (%s) saved to %s",
			msg.npc, msg.duration.Round(100*time.Millisecond), msg.path)))
		return m, nil

	case progressTickMsg:
		if m.pending {
			if time.Since(m.pendingSince) > pendingTimeout {
				m.pending = false
				m.addNote(errorStyle.Render("No answer from the bazaar. Try again."))
				return m, nil
			}
			m.progressTick++
			m.writeChatContent()
			return m, progressTick()
		}
	}

	m.textarea, tiCmd = m.textarea.Update(msg)
	m.chatViewport, vpCmd = m.chatViewport.Update(msg)
	m.metaViewport, mvCmd = m.metaViewport.Update(msg)

	return m, tea.Batch(tiCmd, vpCmd, mvCmd)
}

// say sends input as a final transcript; the server echoes and answers it.
func (m ConsoleUI) say(input string) (tea.Model, tea.Cmd) {
	if !m.conn.Send(protocol.Transcript{Text: input, IsFinal: true}) {
		m.addNote(errorStyle.Render("Not connected, message not sent."))
		return m, nil
	}
	m.textarea.Reset()
	m.pending = true
	m.pendingSince = time.Now()
	m.progressTick = 0
	m.writeChatContent()
	return m, progressTick()
}

// answered reports whether next carries the reply to an outstanding transcript.
func answered(prev, next projector.View) bool {
	return next.LastAction != prev.LastAction || next.LastError != prev.LastError
}

func (m ConsoleUI) handleCommand(input string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(strings.ToLower(input))
	m.textarea.Reset()

	switch fields[0] {
	case "/help":
		m.addNote(titleStyle.Render("Help:") + helpText)

	case "/copy":
		if m.sessionID == "" {
			m.addNote(errorStyle.Render("No session yet."))
			break
		}
		if err := clipboard.WriteAll(m.sessionID); err != nil {
			m.addNote(errorStyle.Render("Clipboard unavailable: " + err.Error()))
			break
		}
		m.addNote(systemStyle.Render("Session id copied: " + m.sessionID))

	case "/mic":
		m.addNote(m.toggleMic())

	case "/history":
		if m.sessionID == "" {
			m.addNote(errorStyle.Render("No session yet."))
			break
		}
		return m, m.fetchHistory()

	default:
		m.addNote(errorStyle.Render("Unknown command " + fields[0] + ", try /help"))
	}
	return m, nil
}

const helpText = `
Commands:
• /help - Show this help
• /copy - Copy the session id
• /history - Show recorded interactions
• /mic - Start or stop voice input (--audio-file or --mic)
• Ctrl+C - Quit

How to play:
• Greet the merchants, ask prices, haggle and buy
• Polite phrasing earns better moods and discounts
• Each mission names the grammar it wants you to practice
`

func (m *ConsoleUI) toggleMic() string {
	if m.capture.Running() {
		if err := m.capture.Stop(); err != nil && !errors.Is(err, context.Canceled) {
			return errorStyle.Render("Microphone stopped: " + err.Error())
		}
		return systemStyle.Render("Microphone off.")
	}
	var src audio.Source
	label := "microphone"
	switch {
	case m.config.AudioFile != "":
		src, label = audio.WAVFileSource{Path: m.config.AudioFile}, m.config.AudioFile
	case m.config.Mic:
		src = micSource{}
	default:
		return errorStyle.Render("No audio source: start the console with --audio-file or --mic.")
	}
	conn := m.conn
	sink := func(frame []byte) error {
		if !conn.SendAudio(frame) {
			return errors.New("not connected")
		}
		return nil
	}
	if err := m.capture.Start(context.Background(), src, sink); err != nil {
		return errorStyle.Render("Microphone failed: " + err.Error())
	}
	return systemStyle.Render("Microphone on: streaming " + label)
}

func (m ConsoleUI) fetchHistory() tea.Cmd {
	client, baseURL, sessionID := m.client, m.config.APIBaseURL, m.sessionID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h, err := getHistory(ctx, client, baseURL, sessionID, 20)
		return historyMsg{history: h, err: err}
	}
}

func (m *ConsoleUI) addNote(note string) {
	m.notes = append(m.notes, note)
	m.writeChatContent()
}

func (m *ConsoleUI) refresh() {
	if !m.ready {
		return
	}
	m.writeChatContent()
	m.metaViewport.SetContent(writeMetadata(m.view.World, m.connected, m.sessionID, m.lastErr))
}

// writeChatContent rebuilds the conversation for the current viewport width.
func (m *ConsoleUI) writeChatContent() {
	chatWidth := max(m.chatViewport.Width-6, 20)

	var content strings.Builder
	content.WriteString(titleStyle.Render("THE BAZAAR") + "\n\n")
	content.WriteString("Talk to the merchants to complete your missions.\n\n")
	content.WriteString(separatorStyle.Render(strings.Repeat("─", chatWidth-6)) + "\n\n")

	for _, e := range m.view.Transcripts {
		content.WriteString(formatEntry(e, chatWidth) + "\n\n")
	}
	if m.view.Caption != "" {
		content.WriteString(promptStyle.Render("… "+m.view.Caption) + "\n\n")
	}
	for _, note := range m.notes {
		content.WriteString(note + "\n\n")
	}
	if m.pending {
		content.WriteString(m.renderProgressBar())
	}

	m.chatViewport.SetContent(content.String())
	m.chatViewport.GotoBottom()
}

func formatEntry(e projector.Entry, width int) string {
	switch e.Kind {
	case projector.EntryPlayer:
		return userStyle.Render("You: ") + wordwrap.String(e.Text, width-5)
	case projector.EntryNPC:
		prefix := e.Speaker + ": "
		return speakerStyle.Render(prefix) + wordwrap.String(e.Text, width-len(prefix))
	case projector.EntryError:
		return errorStyle.Render(wordwrap.String("Error: "+e.Text, width))
	default:
		return systemStyle.Render(wordwrap.String(e.Text, width))
	}
}

func writeMetadata(ws *world.WorldState, connected bool, sessionID string, lastErr error) string {
	var content strings.Builder
	content.WriteString(titleStyle.Render("MARKET") + "\n\n")

	content.WriteString("Connection:\n")
	if connected {
		content.WriteString(systemStyle.Render("● connected") + "\n")
	} else {
		content.WriteString(loadingStyle.Render("○ offline") + "\n")
	}
	if sessionID != "" {
		short := sessionID
		if len(short) > 12 {
			short = short[:12] + "..."
		}
		content.WriteString(short + "\n")
	}
	content.WriteString("\n")

	if ws == nil {
		content.WriteString(loadingStyle.Render("Waiting for the market...") + "\n")
		return content.String()
	}

	fmt.Fprintf(&content, "Gold: %d\n", ws.Player.Gold)
	fmt.Fprintf(&content, "Reputation: %.0f%%\n", ws.Player.Reputation*100)
	fmt.Fprintf(&content, "Time: %s (turn %d)\n\n", ws.WorldTime, ws.Turn)

	content.WriteString("Inventory:\n")
	if len(ws.Player.Inventory) == 0 {
		content.WriteString("Empty\n")
	} else {
		items := make([]string, 0, len(ws.Player.Inventory))
		for item := range ws.Player.Inventory {
			items = append(items, item)
		}
		slices.Sort(items)
		for _, item := range items {
			fmt.Fprintf(&content, "• %s ×%d\n", item, ws.Player.Inventory[item])
		}
	}
	content.WriteString("\n")

	content.WriteString("Mission:\n")
	if ws.CurrentMission == nil {
		content.WriteString("All missions complete!\n")
	} else {
		content.WriteString(ws.CurrentMission.Title + "\n")
		content.WriteString(promptStyle.Render(ws.CurrentMission.GrammarRequirement) + "\n")
	}
	fmt.Fprintf(&content, "Completed: %d\n\n", len(ws.CompletedMissions))

	content.WriteString("Merchants:\n")
	for _, npc := range ws.NPCs {
		style, ok := moodStyles[npc.Mood]
		if !ok {
			style = moodStyles[world.MoodNeutral]
		}
		fmt.Fprintf(&content, "• %s %s\n", npc.Name, style.Render(string(npc.Mood)))
	}

	if lastErr != nil {
		content.WriteString("\n" + errorStyle.Render(lastErr.Error()) + "\n")
	}

	content.WriteString("\n")
	content.WriteString("Commands:\n")
	content.WriteString("• Ctrl+C: Quit\n")
	content.WriteString("• Enter: Send\n")
	content.WriteString("• /help: Help\n")

	return content.String()
}

func (m ConsoleUI) updateQuitModal(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc, tea.KeyEnter:
			return m, m.quit()
		default:
			switch msg.String() {
			case "y", "Y":
				return m, m.quit()
			case "n", "N":
				m.showQuitModal = false
				m.textarea.Focus()
				return m, textarea.Blink
			}
		}
	}

	return m, nil
}

func (m ConsoleUI) quit() tea.Cmd {
	if m.capture.Running() {
		_ = m.capture.Stop()
	}
	return tea.Quit
}

func (m ConsoleUI) renderQuitModal() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	var content strings.Builder
	content.WriteString(modalTitleStyle.Render("Leave the Bazaar?"))
	content.WriteString("\n\n")
	content.WriteString("Your session is kept on the server; resume it with --session.")
	content.WriteString("\n\n")
	content.WriteString(promptStyle.Render("Press Y to quit, N to continue, or Ctrl+C to force quit"))

	modal := modalStyle.Width(50).Render(content.String())

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, modal, lipgloss.WithWhitespaceChars(" "))
}

func (m ConsoleUI) View() string {
	if m.showQuitModal {
		return m.renderQuitModal()
	}

	if !m.ready {
		return "\n  Initializing..."
	}

	chatWidth := int(float64(m.width)*0.75) - 4
	metaWidth := m.width - chatWidth - 6

	chatPanel := chatPanelStyle.Width(chatWidth).Height(m.height - 3).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			m.chatViewport.View(),
			"",
			separatorStyle.Render(strings.Repeat("─", chatWidth-4)),
			m.textarea.View(),
		),
	)

	metaPanel := metaPanelStyle.Width(metaWidth).Height(m.height - 2).Render(
		m.metaViewport.View(),
	)

	return lipgloss.JoinHorizontal(lipgloss.Top, chatPanel, metaPanel)
}

// renderProgressBar creates an animated progress bar while a reply is pending.
func (m ConsoleUI) renderProgressBar() string {
	usable := m.chatViewport.Width - 6
	if usable <= 0 {
		usable = 30
	}
	usable = min(max(usable, 10), 80)

	const totalFrames = 40
	frame := m.progressTick % totalFrames
	filled := (frame * usable) / totalFrames

	var bar strings.Builder
	for i := range usable {
		switch {
		case i < filled:
			bar.WriteString("█")
		case i == filled && frame%4 < 2:
			bar.WriteString("▓")
		default:
			bar.WriteString("░")
		}
	}
	return separatorStyle.Render(bar.String())
}

func progressTick() tea.Cmd {
	return tea.Tick(progressEvery, func(time.Time) tea.Msg {
		return progressTickMsg{}
	})
}

// Compile-time check that the transport client satisfies Conn.
var _ Conn = (*transport.Client)(nil)
