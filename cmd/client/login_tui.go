package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

type viewState int

const (
	userView viewState = iota
	passwordView
)

const (
	txtUserPlaceholder     = "user name"
	txtPasswordPlaceholder = "password"
	txtUserPrompt          = "Enter your SwissDisk user name"
	txtPasswordPrompt      = "Enter the password of %s"
	txtChecking            = "Checking credentials..."
	txtInvalidUser         = "User name is required"
	txtEmptyPassword       = "Password is required"
	txtHelp                = "Press 'Enter' to submit. 'Esc' to go back/quit. 'Ctrl+C' to quit."
)

var (
	focusedStyle     = green
	helpStyle        = gray
	errorTextStyle   = red
	errorHeaderStyle = red.Bold(true)
	spinnerStyle     = cyan
	placeholderStyle = gray
	titleStyle       = cyan.Bold(true)
)

var errLoginCanceled = errors.New("login cancelled by user")

type LoginTUIOpts struct {
	User       string
	ServerURL  string
	LocalDir   string
	ConfigPath string
	Note       string

	// CredentialsHandler checks user and password against the server.
	CredentialsHandler func(user, password string) error
}

type loginModel struct {
	opts *LoginTUIOpts

	userInput     textinput.Model
	passwordInput textinput.Model
	spinner       spinner.Model

	currentView viewState

	isLoading    bool
	done         bool
	errorMessage string
	message      string
	width        int

	submittedUser string
}

type credentialsCheckedMsg struct{ err error }

func newLoginModel(opts *LoginTUIOpts) loginModel {
	user := textinput.New()
	user.Placeholder = txtUserPlaceholder
	user.SetValue(opts.User)
	user.CharLimit = 128
	user.Width = 64
	user.PromptStyle = focusedStyle
	user.TextStyle = focusedStyle
	user.PlaceholderStyle = placeholderStyle

	password := textinput.New()
	password.Placeholder = txtPasswordPlaceholder
	password.EchoMode = textinput.EchoPassword
	password.EchoCharacter = '•'
	password.CharLimit = 256
	password.Width = 64
	password.PromptStyle = focusedStyle
	password.TextStyle = focusedStyle
	password.PlaceholderStyle = placeholderStyle

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = spinnerStyle

	m := loginModel{
		opts:          opts,
		currentView:   userView,
		userInput:     user,
		passwordInput: password,
		spinner:       s,
	}
	if opts.User != "" {
		m.currentView = passwordView
		m.submittedUser = opts.User
		m.passwordInput.Focus()
	} else {
		m.userInput.Focus()
	}
	return m
}

func (m loginModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.spinner.Tick)
}

func (m loginModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.userInput.Focused() {
			m.errorMessage = ""
			m.userInput, cmd = m.userInput.Update(msg)
			cmds = append(cmds, cmd)
		} else if m.passwordInput.Focused() {
			m.errorMessage = ""
			m.passwordInput, cmd = m.passwordInput.Update(msg)
			cmds = append(cmds, cmd)
		}

		switch msg.Type {
		case tea.KeyCtrlC:
			return m, tea.Quit

		case tea.KeyEsc:
			return m.handleEscapeKey()

		case tea.KeyEnter:
			if m.isLoading {
				return m, nil
			}
			switch m.currentView {
			case userView:
				return m.submitUser()
			case passwordView:
				return m.submitPassword()
			}
		}

	case spinner.TickMsg:
		var spinnerCmd tea.Cmd
		m.spinner, spinnerCmd = m.spinner.Update(msg)
		cmds = append(cmds, spinnerCmd)

	case credentialsCheckedMsg:
		return m.handleCredentialsMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
	}

	return m, tea.Batch(cmds...)
}

func (m loginModel) handleEscapeKey() (tea.Model, tea.Cmd) {
	if m.currentView == passwordView {
		m.currentView = userView
		m.passwordInput.Blur()
		m.passwordInput.Reset()
		m.userInput.Focus()
		m.errorMessage = ""
		return m, textinput.Blink
	}
	return m, tea.Quit
}

func (m loginModel) submitUser() (tea.Model, tea.Cmd) {
	user := strings.TrimSpace(m.userInput.Value())
	if user == "" {
		m.errorMessage = txtInvalidUser
		return m, nil
	}

	m.errorMessage = ""
	m.submittedUser = user
	m.currentView = passwordView
	m.userInput.Blur()
	m.passwordInput.Focus()
	return m, textinput.Blink
}

func (m loginModel) submitPassword() (tea.Model, tea.Cmd) {
	password := m.passwordInput.Value()
	if password == "" {
		m.errorMessage = txtEmptyPassword
		return m, nil
	}

	m.errorMessage = ""
	m.isLoading = true
	m.message = txtChecking
	m.passwordInput.Blur()

	user := m.submittedUser
	handler := m.opts.CredentialsHandler
	return m, func() tea.Msg {
		return credentialsCheckedMsg{err: handler(user, password)}
	}
}

func (m loginModel) handleCredentialsMsg(msg credentialsCheckedMsg) (tea.Model, tea.Cmd) {
	m.isLoading = false

	if msg.err != nil {
		m.errorMessage = fmt.Sprintf("%s %s", errorHeaderStyle.Render("ERROR:"), msg.err.Error())
		m.passwordInput.Reset()
		m.passwordInput.Focus()
		return m, textinput.Blink
	}

	m.done = true
	return m, tea.Quit
}

func (m loginModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(swissDiskArt))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Server  "), green.Render(m.opts.ServerURL)))
	b.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Local   "), green.Render(m.opts.LocalDir)))
	b.WriteString(fmt.Sprintf("%s%s\n", gray.Render("Config  "), green.Render(m.opts.ConfigPath)))
	if m.opts.Note != "" {
		b.WriteString(fmt.Sprintf("\n%s\n", yellow.Render(m.opts.Note)))
	}
	b.WriteString("\n")

	switch m.currentView {
	case userView:
		b.WriteString(txtUserPrompt)
		b.WriteString("\n\n")
		b.WriteString(m.userInput.View())
	case passwordView:
		b.WriteString(fmt.Sprintf(txtPasswordPrompt, green.Render(m.submittedUser)))
		b.WriteString("\n\n")
		b.WriteString(m.passwordInput.View())
	}

	if m.isLoading {
		b.WriteString("\n\n")
		b.WriteString(fmt.Sprintf("%s %s", m.spinner.View(), m.message))
	}
	if m.errorMessage != "" {
		b.WriteString("\n\n")
		b.WriteString(errorTextStyle.Render(m.errorMessage))
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render(txtHelp))
	b.WriteString("\n")
	return b.String()
}

// RunLoginTUI asks for user and password until the handler accepts them.
// It returns the accepted user.
func RunLoginTUI(opts LoginTUIOpts) (string, error) {
	model, err := tea.NewProgram(newLoginModel(&opts), tea.WithAltScreen()).Run()
	if err != nil {
		return "", fmt.Errorf("login screen: %w", err)
	}

	fm, ok := model.(loginModel)
	if !ok || !fm.done {
		return "", errLoginCanceled
	}
	return fm.submittedUser, nil
}
