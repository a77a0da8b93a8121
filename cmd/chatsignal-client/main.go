// Command chatsignal-client is a terminal reference client: it dials the
// /ws endpoint, logs in with a display name, and renders an in-room chat
// view with a simple /command surface for room operations.
//
// Concurrency: a reader goroutine decodes frames off the WebSocket and
// forwards them to the pkts channel; the Bubbletea event loop consumes
// one frame at a time via waitForFrame and immediately re-queues the next
// read.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"

	"chatsignal/internal/protocol"
)

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	green  = lipgloss.Color("82")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().Bold(true).Background(purple).Foreground(white).Padding(0, 1)
	footerStyle = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(gray).Padding(0, 1)
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(purple).Padding(0, 2)
	hintStyle   = lipgloss.NewStyle().Foreground(gray).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
	meStyle     = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
	successStyl = lipgloss.NewStyle().Foreground(green)
	_           = cyan
)

type serverFrameMsg []byte
type disconnectedMsg struct{}

type appState int

const (
	stateLogin appState = iota
	stateChat
)

type model struct {
	conn *websocket.Conn
	pkts chan []byte

	state appState
	me    string
	room  string

	usernameField textinput.Model
	statusMsg     string

	ready     bool
	viewport  viewport.Model
	chatInput textinput.Model
	chatLines []string

	width, height int
}

func newModel(conn *websocket.Conn, pkts chan []byte) model {
	uf := textinput.New()
	uf.Placeholder = "display name"
	uf.Focus()
	uf.CharLimit = 30
	uf.Width = 30

	ci := textinput.New()
	ci.Placeholder = "Type a message, or /help for commands…"
	ci.CharLimit = 2000

	return model{conn: conn, pkts: pkts, state: stateLogin, usernameField: uf, chatInput: ci}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForFrame(m.pkts))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverFrameMsg:
		m = m.handleFrame([]byte(msg))
		return m, waitForFrame(m.pkts)

	case disconnectedMsg:
		m.statusMsg = "disconnected from server"
		return m, tea.Quit

	case tea.KeyMsg:
		if m.state == stateLogin {
			return m.handleLoginKey(msg)
		}
		return m.handleChatKey(msg)
	}
	return m, nil
}

func (m model) vpHeight() int {
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

func (m model) handleLoginKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEnter:
		name := strings.TrimSpace(m.usernameField.Value())
		if name == "" {
			m.statusMsg = "display name is required"
			return m, nil
		}
		sendFrame(m.conn, protocol.TypeConnect, protocol.ConnectPayload{Username: name})
		m.statusMsg = "connecting…"
		return m, nil
	}
	var cmd tea.Cmd
	m.usernameField, cmd = m.usernameField.Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		sendFrame(m.conn, protocol.TypeDisconnect, protocol.DisconnectPayload{Username: m.me})
		return m, tea.Quit

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil
	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil

	case tea.KeyEnter:
		text := strings.TrimSpace(m.chatInput.Value())
		m.chatInput.Reset()
		if text == "" {
			return m, nil
		}
		if strings.HasPrefix(text, "/") {
			m.runCommand(text)
			return m, nil
		}
		sendFrame(m.conn, protocol.TypeChatMessage, protocol.ChatMessagePayload{RoomName: m.room, Content: text})
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// runCommand handles the client-local "/" command surface: /create, /join,
// /leave, /rooms, /help. Any other /word is reported as an unknown
// command; input without a leading "/" is sent as a chat message by the
// caller and never reaches here.
func (m *model) runCommand(text string) {
	fields := strings.Fields(text)
	switch fields[0] {
	case "/create":
		if len(fields) < 2 {
			m.appendChat(errorStyle.Render("usage: /create <room_name>"))
			return
		}
		sendFrame(m.conn, protocol.TypeCreateRoom, protocol.CreateRoomPayload{RoomName: fields[1]})
	case "/join":
		if len(fields) < 2 {
			m.appendChat(errorStyle.Render("usage: /join <room_name>"))
			return
		}
		sendFrame(m.conn, protocol.TypeJoinRoom, protocol.JoinRoomPayload{RoomName: fields[1]})
	case "/leave":
		sendFrame(m.conn, protocol.TypeLeaveRoom, protocol.LeaveRoomPayload{})
	case "/rooms":
		sendFrame(m.conn, protocol.TypeListRooms, protocol.ListRoomsPayload{})
	case "/help":
		m.appendChat(hintStyle.Render("/create <room>  /join <room>  /leave  /rooms  Ctrl+C: quit"))
	default:
		m.appendChat(errorStyle.Render("unknown command: " + fields[0]))
	}
}

func (m model) handleFrame(raw []byte) model {
	frame, err := protocol.DecodeFrame(raw)
	if err != nil {
		return m
	}

	switch frame.Type {
	case protocol.TypeConnectionAck:
		var p protocol.ConnectionAckPayload
		if unmarshal(frame.Payload, &p) {
			m.me = p.Username
			m.state = stateChat
			m.chatInput.Focus()
		}

	case protocol.TypeConnectionError:
		var p protocol.ConnectionErrorPayload
		if unmarshal(frame.Payload, &p) {
			m.statusMsg = p.Reason
		}

	case protocol.TypeRoomsList:
		var p protocol.RoomsListPayload
		if unmarshal(frame.Payload, &p) && m.state == stateChat {
			names := make([]string, 0, len(p.Rooms))
			for _, r := range p.Rooms {
				names = append(names, fmt.Sprintf("%s (%d)", r.Name, r.UserCount))
			}
			m.appendChat(hintStyle.Render("rooms: " + strings.Join(names, ", ")))
		}

	case protocol.TypeRoomUsers:
		var p protocol.RoomUsersPayload
		if unmarshal(frame.Payload, &p) {
			m.room = p.RoomName
		}

	case protocol.TypeChatMessage:
		var p protocol.ChatMessagePayload
		if unmarshal(frame.Payload, &p) {
			name := peerStyle.Render(p.Username)
			if p.Username == m.me {
				name = meStyle.Render(p.Username)
			}
			m.appendChat(tsStyle.Render(frame.Timestamp) + " " + name + ": " + p.Content)
		}

	case protocol.TypeSystemMessage:
		var p protocol.SystemMessagePayload
		if unmarshal(frame.Payload, &p) {
			m.appendChat(sysStyle.Render("⚡ " + p.Content))
		}

	case protocol.TypeUserJoined:
		var p protocol.UserJoinedPayload
		if unmarshal(frame.Payload, &p) {
			m.appendChat(successStyl.Render(p.Username + " joined " + p.RoomName))
		}

	case protocol.TypeUserLeft:
		var p protocol.UserLeftPayload
		if unmarshal(frame.Payload, &p) {
			m.appendChat(hintStyle.Render(p.Username + " left " + p.RoomName))
		}

	case protocol.TypeError:
		var p protocol.ErrorPayload
		if unmarshal(frame.Payload, &p) {
			m.appendChat(errorStyle.Render("⚠ " + p.Message))
		}
	}
	return m
}

func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

func (m model) View() string {
	if m.state == stateLogin {
		return m.viewLogin()
	}
	return m.viewChat()
}

func (m model) viewLogin() string {
	if m.width == 0 {
		return "\n  Connecting to server…"
	}
	form := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("  chatsignal  "),
		"",
		"  Display name: "+m.usernameField.View(),
		"",
		hintStyle.Render("  Enter: connect   Ctrl+C: quit"),
		"",
		errorStyle.Render("  "+m.statusMsg),
	)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}
	room := m.room
	if room == "" {
		room = "(no room)"
	}
	hdr := headerStyle.Width(m.width).Render(
		fmt.Sprintf(" chatsignal  ·  %s  ·  %s  ·  /help for commands", m.me, room))
	footer := footerStyle.Width(m.width - 2).Render(m.chatInput.View())
	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

func waitForFrame(ch <-chan []byte) tea.Cmd {
	return func() tea.Msg {
		data, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return serverFrameMsg(data)
	}
}

func sendFrame(conn *websocket.Conn, t protocol.MessageType, payload any) {
	f, err := protocol.NewFrame(t, payload)
	if err != nil {
		return
	}
	data, err := f.Encode()
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func unmarshal(raw []byte, v any) bool {
	return json.Unmarshal(raw, v) == nil
}

func main() {
	addr := flag.String("addr", "ws://localhost:8765/ws", "server websocket address")
	flag.Parse()

	conn, _, err := websocket.DefaultDialer.Dial(*addr, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	pkts := make(chan []byte, 64)
	go func() {
		defer close(pkts)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pkts <- data
		}
	}()

	p := tea.NewProgram(newModel(conn, pkts), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
