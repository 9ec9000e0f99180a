package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/taigrr/colorhash"
	"go.uber.org/multierr"

	"github.com/wippyai/wasm-kernel/runtime"
	"github.com/wippyai/wasm-kernel/vfs"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	dirStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#87CEEB"))

	linkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	stderrStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB86C"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const shellHelp = `commands:
  ls [PATH]          list a directory
  cd PATH            change the shell directory
  pwd                print the shell directory
  cat PATH           print a file
  stat PATH          show node attributes
  mkdir PATH         create a directory tree
  write PATH TEXT    replace a file with TEXT
  rm PATH            remove a file or empty directory
  run                start the program; typed lines go to its stdin
  clear              clear the screen
  quit               leave the shell`

func newShellCmd() *cobra.Command {
	var flags processFlags
	cmd := &cobra.Command{
		Use:   "shell FILE.wasm [-- ARGS...]",
		Short: "Browse and edit a program's filesystem, then run it interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd.Context(), &flags, args[0], args[1:])
		},
	}
	flags.register(cmd)
	return cmd
}

type shellState int

const (
	stateIdle shellState = iota
	stateRunning
	stateExited
)

type outputMsg struct {
	text   string
	stderr bool
}

type exitMsg struct {
	err  error
	code int32
}

// outputWriter forwards guest terminal lines to the UI.
type outputWriter struct {
	ch     chan<- outputMsg
	stderr bool
}

func (w outputWriter) Write(p []byte) (int, error) {
	w.ch <- outputMsg{text: string(p), stderr: w.stderr}
	return len(p), nil
}

type interactiveModel struct {
	ctx      context.Context
	cancel   context.CancelFunc
	proc     *runtime.Process
	output   chan outputMsg
	filename string
	cwd      string
	lines    []string
	input    textinput.Model
	view     viewport.Model
	state    shellState
	ready    bool
}

func newInteractiveModel(ctx context.Context, cancel context.CancelFunc, proc *runtime.Process, output chan outputMsg, filename string) *interactiveModel {
	in := textinput.New()
	in.Prompt = "$ "
	in.Focus()
	return &interactiveModel{
		ctx:      ctx,
		cancel:   cancel,
		proc:     proc,
		output:   output,
		filename: filename,
		cwd:      proc.FS().Cwd(),
		input:    in,
		lines:    []string{helpStyle.Render("type help for commands")},
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, m.waitOutput)
}

func (m *interactiveModel) waitOutput() tea.Msg {
	return <-m.output
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		height := msg.Height - 4
		if !m.ready {
			m.view = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.view.Width, m.view.Height = msg.Width, height
		}
		m.input.Width = msg.Width - 4
		m.refresh()

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.state != stateRunning {
				return m, tea.Quit
			}
			m.cancel()
			return m, nil
		case "enter":
			line := m.input.Value()
			m.input.SetValue("")
			if cmd := m.submit(line); cmd != nil {
				cmds = append(cmds, cmd)
			}
			m.refresh()
		case "pgup", "pgdown":
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}

	case outputMsg:
		text := strings.TrimSuffix(msg.text, "\n")
		if msg.stderr {
			text = stderrStyle.Render(text)
		}
		m.print(text)
		m.refresh()
		cmds = append(cmds, m.waitOutput)

	case exitMsg:
		m.state = stateExited
		if msg.err != nil {
			m.print(errorStyle.Render(fmt.Sprintf("error: %v", msg.err)))
		}
		m.print(resultStyle.Render(fmt.Sprintf("exit status %d", msg.code)))
		m.input.Prompt = "$ "
		m.refresh()
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *interactiveModel) print(lines ...string) {
	m.lines = append(m.lines, lines...)
}

func (m *interactiveModel) refresh() {
	if !m.ready {
		return
	}
	m.view.SetContent(strings.Join(m.lines, "\n"))
	m.view.GotoBottom()
}

// submit handles one input line. While the program runs, lines go to its
// stdin; otherwise they are shell commands.
func (m *interactiveModel) submit(line string) tea.Cmd {
	if m.state == stateRunning {
		m.print(line)
		tty := m.proc.Devices().TTY
		m.proc.Post(func() { tty.Feed([]byte(line + "\n")) })
		return nil
	}

	m.print(m.input.Prompt + line)
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	if err := m.exec(fields[0], fields[1:]); err != nil {
		m.print(errorStyle.Render(err.Error()))
	}
	switch fields[0] {
	case "quit", "exit":
		return tea.Quit
	case "run":
		if m.state == stateExited {
			m.print(errorStyle.Render("the program already ran; restart the shell to run it again"))
			return nil
		}
		m.state = stateRunning
		m.input.Prompt = "> "
		proc, ctx := m.proc, m.ctx
		return func() tea.Msg {
			code, err := proc.Run(ctx)
			return exitMsg{code: code, err: err}
		}
	}
	return nil
}

func (m *interactiveModel) abs(p string) string {
	if p == "" {
		return m.cwd
	}
	if !path.IsAbs(p) {
		p = path.Join(m.cwd, p)
	}
	return path.Clean(p)
}

func arg(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func (m *interactiveModel) exec(name string, args []string) error {
	fs := m.proc.FS()
	switch name {
	case "help":
		m.print(helpStyle.Render(shellHelp))
	case "clear":
		m.lines = nil
	case "pwd":
		m.print(m.cwd)
	case "cd":
		p := m.abs(arg(args, 0))
		a, err := fs.Stat(p)
		if err != nil {
			return err
		}
		if !a.Mode.IsDir() {
			return fmt.Errorf("cd %s: not a directory", p)
		}
		m.cwd = p
	case "ls":
		return m.list(fs, m.abs(arg(args, 0)))
	case "cat":
		data, err := fs.ReadFile(m.abs(arg(args, 0)))
		if err != nil {
			return err
		}
		m.print(strings.TrimSuffix(string(data), "\n"))
	case "stat":
		p := m.abs(arg(args, 0))
		a, err := fs.Lstat(p)
		if err != nil {
			return err
		}
		m.print(fmt.Sprintf("%s: ino %d mode %o size %d nlink %d mtime %s",
			p, a.Ino, a.Mode, a.Size, a.Nlink, a.Mtime.Format("2006-01-02 15:04:05")))
	case "mkdir":
		return fs.MkdirTree(m.abs(arg(args, 0)), 0o777)
	case "write":
		if len(args) < 1 {
			return fmt.Errorf("usage: write PATH TEXT")
		}
		text := strings.Join(args[1:], " ")
		return fs.WriteFile(m.abs(args[0]), []byte(text+"\n"), 0o666)
	case "rm":
		p := m.abs(arg(args, 0))
		a, err := fs.Lstat(p)
		if err != nil {
			return err
		}
		if a.Mode.IsDir() {
			return fs.Rmdir(p)
		}
		return fs.Unlink(p)
	case "run", "quit", "exit":
	default:
		return fmt.Errorf("%s: unknown command", name)
	}
	return nil
}

// list prints a directory, colouring each regular file by its name so the
// same file keeps its colour across listings.
func (m *interactiveModel) list(fs *vfs.FS, dir string) error {
	names, err := fs.Readdir(dir)
	if err != nil {
		return err
	}
	slices.Sort(names)
	var out []string
	for _, name := range names {
		if name == "." || name == ".." {
			continue
		}
		a, err := fs.Lstat(path.Join(dir, name))
		if err != nil {
			continue
		}
		switch {
		case a.Mode.IsDir():
			out = append(out, dirStyle.Render(name+"/"))
		case a.Mode.IsLink():
			target, _ := fs.Readlink(path.Join(dir, name))
			out = append(out, linkStyle.Render(name+" -> "+target))
		default:
			color := lipgloss.Color(strconv.Itoa(1 + int(uint(colorhash.HashString(name))%14)))
			out = append(out, lipgloss.NewStyle().Foreground(color).Render(name))
		}
	}
	m.print(strings.Join(out, "  "))
	return nil
}

func (m *interactiveModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	status := "idle"
	switch m.state {
	case stateRunning:
		status = "running"
	case stateExited:
		status = "exited"
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("WASM Shell"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString(helpStyle.Render(fmt.Sprintf("  [%s] %s", status, m.cwd)))
	b.WriteString("\n")
	b.WriteString(m.view.View())
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("enter submit • pgup/pgdown scroll • ctrl+c quit"))
	return b.String()
}

func runInteractive(ctx context.Context, flags *processFlags, file string, args []string) (err error) {
	wasm, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	cfg, stores, err := flags.config(append([]string{filepath.Base(file)}, args...))
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStores(stores)) }()

	output := make(chan outputMsg, 256)
	cfg.WithStdout(outputWriter{ch: output}).
		WithStderr(outputWriter{ch: output, stderr: true}).
		WithTerminalSize(terminalSize)

	proc, err := runtime.NewProcess(ctx, wasm, cfg)
	if err != nil {
		return fmt.Errorf("load %s: %w", file, err)
	}
	defer func() { err = multierr.Append(err, proc.Close(context.Background())) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p := tea.NewProgram(newInteractiveModel(ctx, cancel, proc, output, file), tea.WithAltScreen())
	_, err = p.Run()
	return err
}
