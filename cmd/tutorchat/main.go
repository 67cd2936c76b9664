// Command tutorchat is a terminal client for the TutorLink realtime service:
// conversation list, live message pane, peer presence, and the hire request
// lifecycle, all driven off the client facade's event bus.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tutorlink/realtime/internal/bus"
	"github.com/tutorlink/realtime/internal/client"
	"github.com/tutorlink/realtime/internal/config"
	"github.com/tutorlink/realtime/internal/hire"
	"github.com/tutorlink/realtime/internal/models"
)

var (
	configPath = flag.String("config", "", "path to the YAML config file")
	peerFlag   = flag.String("peer", "", "user ID to open a conversation with on startup")
)

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logFile, err := tea.LogToFile("tutorchat.log", "tutorchat")
	if err == nil {
		defer logFile.Close()
	}

	c := client.New(cfg)
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	if *peerFlag != "" {
		if _, err := c.StartConversation(ctx, *peerFlag); err != nil {
			log.Printf("open conversation with %s: %v", *peerFlag, err)
		}
	}

	var program *tea.Program
	m := newModel(c, func(msg tea.Msg) {
		if program != nil {
			program.Send(msg)
		}
	})

	program = tea.NewProgram(m, tea.WithAltScreen())
	bridgeBus(c, program)

	if _, err := program.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bridgeBus forwards bus events into the tea loop. Handlers run on reader
// goroutines; Program.Send is the safe crossing point.
func bridgeBus(c *client.Client, p *tea.Program) {
	c.Bus().Subscribe(bus.TopicConnected, func(any) { p.Send(connStateMsg{connected: true}) })
	c.Bus().Subscribe(bus.TopicDisconnected, func(any) { p.Send(connStateMsg{connected: false}) })
	c.Bus().Subscribe(bus.TopicMessageAppended, func(any) { p.Send(storeChangedMsg{}) })
	c.Bus().Subscribe(bus.TopicMessageConfirmed, func(any) { p.Send(storeChangedMsg{}) })
	c.Bus().Subscribe(bus.TopicMessageFailed, func(any) { p.Send(storeChangedMsg{}) })
	c.Bus().Subscribe(bus.TopicConversationUpdated, func(any) { p.Send(storeChangedMsg{}) })
	c.Bus().Subscribe(bus.TopicPresenceChanged, func(payload any) {
		if update, ok := payload.(client.PresenceUpdate); ok {
			p.Send(presenceMsg(update))
		}
	})
	c.Bus().Subscribe(bus.TopicNotification, func(payload any) {
		if n, ok := payload.(models.Notification); ok {
			p.Send(notificationMsg{n})
		}
	})
}

type connStateMsg struct{ connected bool }

// storeChangedMsg means the conversation store moved; the view re-reads it.
type storeChangedMsg struct{}

type presenceMsg client.PresenceUpdate

type notificationMsg struct{ notification models.Notification }

type hireChangedMsg struct{ request models.HireRequest }

type actionDoneMsg struct {
	status string
	err    error
}

type uiTheme struct {
	header      lipgloss.Style
	panel       lipgloss.Style
	panelTitle  lipgloss.Style
	listItem    lipgloss.Style
	listActive  lipgloss.Style
	ownMsg      lipgloss.Style
	peerMsg     lipgloss.Style
	pendingMsg  lipgloss.Style
	failedMsg   lipgloss.Style
	status      lipgloss.Style
	errorStatus lipgloss.Style
	online      lipgloss.Style
	offline     lipgloss.Style
	hireBadge   lipgloss.Style
	footer      lipgloss.Style
}

func newTheme() uiTheme {
	blue := lipgloss.Color("#01cdfe")
	mint := lipgloss.Color("#05ffa1")
	pink := lipgloss.Color("#ff71ce")
	amber := lipgloss.Color("#ffd166")
	muted := lipgloss.Color("#9ca3d8")

	return uiTheme{
		header: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(blue).
			Padding(0, 1),
		panelTitle: lipgloss.NewStyle().Foreground(mint).Bold(true),
		listItem:   lipgloss.NewStyle().Foreground(muted),
		listActive: lipgloss.NewStyle().Foreground(pink).Bold(true),
		ownMsg:     lipgloss.NewStyle().Foreground(mint),
		peerMsg:    lipgloss.NewStyle().Foreground(blue),
		pendingMsg: lipgloss.NewStyle().Foreground(muted).Italic(true),
		failedMsg:  lipgloss.NewStyle().Foreground(pink),
		status:     lipgloss.NewStyle().Foreground(blue).Bold(true),
		errorStatus: lipgloss.NewStyle().
			Foreground(pink).Bold(true),
		online:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		offline:   lipgloss.NewStyle().Foreground(muted),
		hireBadge: lipgloss.NewStyle().Foreground(amber).Bold(true),
		footer:    lipgloss.NewStyle().Foreground(muted),
	}
}

type model struct {
	client *client.Client
	send   func(tea.Msg)
	theme  uiTheme

	width, height int
	connected     bool
	statusLine    string
	statusIsErr   bool

	conversations []models.Conversation
	selected      int

	messages viewport.Model
	input    textinput.Model

	// unwatchHire tears down the pair subscription when the selection moves.
	unwatchHire func()
}

func newModel(c *client.Client, send func(tea.Msg)) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 2000
	input.Placeholder = "Message (enter to send, ctrl+h hire, ctrl+y accept, ctrl+n reject, ctrl+k cancel)"
	input.Focus()

	return model{
		client:        c,
		send:          send,
		theme:         newTheme(),
		statusLine:    "connecting...",
		conversations: c.Conversations(),
		messages:      viewport.New(0, 0),
		input:         input,
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) currentConversation() (models.Conversation, bool) {
	if m.selected < 0 || m.selected >= len(m.conversations) {
		return models.Conversation{}, false
	}
	return m.conversations[m.selected], true
}

func (m *model) watchSelectedPair() {
	if m.unwatchHire != nil {
		m.unwatchHire()
		m.unwatchHire = nil
	}
	conv, ok := m.currentConversation()
	if !ok {
		return
	}
	peer := conv.Peer(m.client.UserID())
	send := m.send
	forward := func(payload any) {
		if req, ok := payload.(models.HireRequest); ok {
			send(hireChangedMsg{request: req})
		}
	}
	// Either side may be the requester; watch both directions.
	unsubA := m.client.Bus().Subscribe(bus.Hire(m.client.UserID(), peer), forward)
	unsubB := m.client.Bus().Subscribe(bus.Hire(peer, m.client.UserID()), forward)
	m.unwatchHire = func() {
		unsubA()
		unsubB()
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.messages.Width = msg.Width - listWidth - 8
		m.messages.Height = msg.Height - 9
		m.input.Width = msg.Width - 6
		m.refreshMessages()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case connStateMsg:
		m.connected = msg.connected
		if msg.connected {
			m.setStatus("connected", false)
		} else {
			m.setStatus("disconnected, retrying...", true)
		}
		return m, nil

	case storeChangedMsg:
		m.conversations = m.client.Conversations()
		if m.selected >= len(m.conversations) {
			m.selected = 0
		}
		if m.unwatchHire == nil && len(m.conversations) > 0 {
			m.watchSelectedPair()
		}
		m.refreshMessages()
		return m, nil

	case presenceMsg:
		// Presence renders straight from the tracker; the event is only a
		// redraw trigger plus a status note for the current peer.
		if conv, ok := m.currentConversation(); ok && conv.Peer(m.client.UserID()) == msg.PeerID {
			if msg.Online {
				m.setStatus(msg.PeerID+" is online", false)
			} else {
				m.setStatus(msg.PeerID+" went offline", false)
			}
		}
		return m, nil

	case notificationMsg:
		n := msg.notification
		if n.Request != nil {
			m.setStatus(fmt.Sprintf("hire request from %s (%s)", n.SenderID, n.Request.Status), false)
		}
		return m, nil

	case hireChangedMsg:
		m.setStatus(fmt.Sprintf("hire %s -> %s: %s",
			msg.request.RequesterID, msg.request.TargetID, msg.request.Status), false)
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
		} else if msg.status != "" {
			m.setStatus(msg.status, false)
		}
		m.conversations = m.client.Conversations()
		m.refreshMessages()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "esc":
		if m.unwatchHire != nil {
			m.unwatchHire()
		}
		return m, tea.Quit

	case "up", "ctrl+p":
		if m.selected > 0 {
			m.selected--
			m.watchSelectedPair()
			m.refreshMessages()
		}
		return m, nil

	case "down", "ctrl+j":
		if m.selected < len(m.conversations)-1 {
			m.selected++
			m.watchSelectedPair()
			m.refreshMessages()
		}
		return m, nil

	case "enter":
		text := strings.TrimSpace(m.input.Value())
		conv, ok := m.currentConversation()
		if text == "" || !ok {
			return m, nil
		}
		m.input.Reset()
		return m, m.sendMessageCmd(conv.ID, text)

	case "ctrl+h":
		return m, m.hireCmd("request")
	case "ctrl+y":
		return m, m.hireCmd("accept")
	case "ctrl+n":
		return m, m.hireCmd("reject")
	case "ctrl+k":
		return m, m.hireCmd("cancel")
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) sendMessageCmd(conversationID, text string) tea.Cmd {
	c := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if _, err := c.SendMessage(ctx, conversationID, text); err != nil {
			return actionDoneMsg{err: err}
		}
		return actionDoneMsg{}
	}
}

func (m model) hireCmd(action string) tea.Cmd {
	conv, ok := m.currentConversation()
	if !ok {
		return nil
	}
	peer := conv.Peer(m.client.UserID())
	machine := m.client.Hire()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		var err error
		switch action {
		case "request":
			_, err = machine.Request(ctx, peer)
		case "cancel":
			_, err = machine.Cancel(ctx, peer)
		case "accept":
			_, err = machine.Accept(ctx, peer)
		case "reject":
			_, err = machine.Reject(ctx, peer)
		}
		switch {
		case err == nil:
			return actionDoneMsg{status: "hire " + action + " confirmed"}
		case errors.Is(err, hire.ErrRequestActive):
			return actionDoneMsg{err: fmt.Errorf("a request is already active with %s", peer)}
		case errors.Is(err, hire.ErrInvalidTransition):
			return actionDoneMsg{err: fmt.Errorf("cannot %s from the current hire status", action)}
		default:
			return actionDoneMsg{err: err}
		}
	}
}

func (m *model) setStatus(line string, isErr bool) {
	m.statusLine = line
	m.statusIsErr = isErr
}

func (m *model) refreshMessages() {
	conv, ok := m.currentConversation()
	if !ok {
		m.messages.SetContent("no conversation selected")
		return
	}

	var b strings.Builder
	for _, msg := range m.client.Messages(conv.ID) {
		line := fmt.Sprintf("%s  %s: %s",
			msg.CreatedAt.Local().Format("15:04"), msg.SenderID, msg.Text)
		switch {
		case msg.Failed:
			b.WriteString(m.theme.failedMsg.Render(line + "  ✗ failed"))
		case msg.Delivery == models.DeliveryOptimistic:
			b.WriteString(m.theme.pendingMsg.Render(line + "  …"))
		case msg.SenderID == m.client.UserID():
			b.WriteString(m.theme.ownMsg.Render(line))
		default:
			b.WriteString(m.theme.peerMsg.Render(line))
		}
		b.WriteString("\n")
	}
	m.messages.SetContent(b.String())
	m.messages.GotoBottom()
}

const listWidth = 28

func (m model) View() string {
	header := m.viewHeader()
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.viewConversationList(), m.viewMessagePane())
	input := m.theme.panel.Width(max(m.width-4, 20)).Render(m.input.View())

	status := m.theme.status.Render(m.statusLine)
	if m.statusIsErr {
		status = m.theme.errorStatus.Render(m.statusLine)
	}
	footer := m.theme.footer.Render("↑/↓ conversations · enter send · ctrl+h hire · ctrl+y accept · ctrl+n reject · ctrl+k cancel · esc quit")

	return lipgloss.JoinVertical(lipgloss.Left, header, body, input, status, footer)
}

func (m model) viewHeader() string {
	conn := m.theme.offline.Render("● offline")
	if m.connected {
		conn = m.theme.online.Render("● live")
	}

	parts := []string{
		m.theme.panelTitle.Render("tutorchat"),
		"you: " + m.client.UserID(),
		conn,
	}

	if conv, ok := m.currentConversation(); ok {
		peer := conv.Peer(m.client.UserID())
		parts = append(parts, "peer: "+peer+" "+m.presenceBadge(peer), m.hireBadge(peer))
	}
	return m.theme.header.Width(max(m.width-4, 20)).Render(strings.Join(parts, "  |  "))
}

// presenceBadge renders the event-driven picture; no events since (re)connect
// means unknown, never offline.
func (m model) presenceBadge(peer string) string {
	online, known := m.client.PeerOnline(peer)
	switch {
	case !known:
		return m.theme.offline.Render("(presence unknown)")
	case online:
		return m.theme.online.Render("(online)")
	default:
		return m.theme.offline.Render("(offline)")
	}
}

func (m model) hireBadge(peer string) string {
	machine := m.client.Hire()
	status := machine.Status(m.client.UserID(), peer)
	direction := "→"
	if status == models.HireNone {
		if incoming := machine.Status(peer, m.client.UserID()); incoming != models.HireNone {
			status = incoming
			direction = "←"
		}
	}
	if status == models.HireNone {
		return m.theme.footer.Render("hire: none")
	}
	return m.theme.hireBadge.Render("hire " + direction + " " + status)
}

func (m model) viewConversationList() string {
	var b strings.Builder
	b.WriteString(m.theme.panelTitle.Render("Conversations"))
	b.WriteString("\n")

	if len(m.conversations) == 0 {
		b.WriteString(m.theme.listItem.Render("(none yet)"))
	}
	for i, conv := range m.conversations {
		peer := conv.Peer(m.client.UserID())
		label := peer
		if conv.LastMessage != "" {
			label += ": " + truncate(conv.LastMessage, listWidth-len(peer)-4)
		}
		style := m.theme.listItem
		if i == m.selected {
			style = m.theme.listActive
			label = "▸ " + label
		} else {
			label = "  " + label
		}
		b.WriteString(style.Render(truncate(label, listWidth)))
		b.WriteString("\n")
	}
	return m.theme.panel.Width(listWidth + 2).Height(max(m.height-8, 5)).Render(b.String())
}

func (m model) viewMessagePane() string {
	title := m.theme.panelTitle.Render("Messages")
	return m.theme.panel.
		Width(max(m.width-listWidth-8, 20)).
		Height(max(m.height-8, 5)).
		Render(title + "\n" + m.messages.View())
}

func truncate(s string, n int) string {
	if n < 1 {
		n = 1
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
