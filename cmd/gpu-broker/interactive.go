package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/broker"
	"github.com/virtgfx/gpu-broker/resource"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const historyLines = 8

type interactiveModel struct {
	b       *broker.Broker
	input   textinput.Model
	history []string
	nextCtx uint32
}

func newInteractiveModel(b *broker.Broker) *interactiveModel {
	ti := textinput.New()
	ti.Placeholder = "create 64 64"
	ti.Prompt = "> "
	ti.Width = 48
	ti.Focus()
	return &interactiveModel{
		b:       b,
		input:   ti,
		nextCtx: 1,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line == "" {
				return m, nil
			}
			if line == "quit" || line == "q" {
				return m, tea.Quit
			}
			m.record(line, m.execute(line))
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *interactiveModel) record(line string, err error) {
	if err != nil {
		m.history = append(m.history, errorStyle.Render(fmt.Sprintf("%s: %v", line, err)))
	} else {
		m.history = append(m.history, okStyle.Render(line+": ok"))
	}
	if len(m.history) > historyLines {
		m.history = m.history[len(m.history)-historyLines:]
	}
}

// execute parses one command line against the live broker.
func (m *interactiveModel) execute(line string) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "create":
		w, h := uint64(64), uint64(64)
		var err error
		if len(args) > 0 {
			if w, err = strconv.ParseUint(args[0], 10, 32); err != nil {
				return err
			}
		}
		if len(args) > 1 {
			if h, err = strconv.ParseUint(args[1], 10, 32); err != nil {
				return err
			}
		}
		id, err := m.b.CreateResource3D(resource.Descriptor{
			Format: gpubroker.FormatB8G8R8A8,
			Width:  uint32(w),
			Height: uint32(h),
		})
		if err != nil {
			return err
		}
		return m.b.AttachBacking(id, gpubroker.Iovecs{{Base: make([]byte, w*h*4)}})

	case "destroy":
		id, err := parseID(args)
		if err != nil {
			return err
		}
		return m.b.DestroyResource(gpubroker.ResourceID(id))

	case "ctx":
		id := m.nextCtx
		if err := m.b.CreateContext(gpubroker.ContextID(id), gpubroker.CapsetVirgl,
			fmt.Sprintf("tui-%d", id)); err != nil {
			return err
		}
		m.nextCtx++
		return nil

	case "submit":
		ctx, err := parseID(args)
		if err != nil {
			return err
		}
		seq, err := m.b.Submit(gpubroker.ContextID(ctx), []byte{0}, true)
		if err != nil {
			return err
		}
		return m.b.WaitFence(context.Background(), seq)

	case "fence":
		seq, err := m.b.CreateFence(0)
		if err != nil {
			return err
		}
		return m.b.WaitFence(context.Background(), seq)

	case "scanout":
		if len(args) < 2 {
			return fmt.Errorf("usage: scanout <index> <resource>")
		}
		idx, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return err
		}
		id, err := strconv.ParseUint(args[1], 10, 32)
		if err != nil {
			return err
		}
		return m.b.SetScanout(uint32(idx), gpubroker.ScanoutInfo{
			ResourceID: gpubroker.ResourceID(id),
		})

	case "clear":
		idx, err := parseID(args)
		if err != nil {
			return err
		}
		return m.b.ClearScanout(idx)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseID(args []string) (uint32, error) {
	if len(args) == 0 {
		return 0, fmt.Errorf("missing id argument")
	}
	v, err := strconv.ParseUint(args[0], 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("GPU Broker"))
	b.WriteString("\n\n")

	b.WriteString(headerStyle.Render("Resources"))
	b.WriteString("\n")
	var lines []string
	m.b.Table().Each(func(r *resource.Resource) bool {
		owner := "-"
		if r.Owner != 0 {
			owner = fmt.Sprintf("ctx %d", r.Owner)
		}
		lines = append(lines, fmt.Sprintf("  #%-4d %dx%d  %d bytes  %s",
			r.ID, r.Width, r.Height, r.Size, owner))
		return true
	})
	sort.Strings(lines)
	if len(lines) == 0 {
		b.WriteString(helpStyle.Render("  none"))
		b.WriteString("\n")
	} else {
		b.WriteString(strings.Join(lines, "\n"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(headerStyle.Render("Contexts"))
	b.WriteString(" ")
	ctxs := m.b.Contexts()
	if len(ctxs) == 0 {
		b.WriteString(helpStyle.Render("none"))
	} else {
		var ids []string
		for _, id := range ctxs {
			ids = append(ids, strconv.FormatUint(uint64(id), 10))
		}
		sort.Strings(ids)
		b.WriteString(strings.Join(ids, ", "))
	}
	b.WriteString("   ")
	b.WriteString(headerStyle.Render("Pending fences"))
	b.WriteString(fmt.Sprintf(" %d", m.b.Fences().Pending()))
	b.WriteString("\n\n")

	for _, h := range m.history {
		b.WriteString(h)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("create W H • destroy ID • ctx • submit CTX • fence • scanout I ID • clear I • esc quit"))

	return b.String()
}

func runInteractive(b *broker.Broker) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("interactive mode needs a terminal")
	}
	p := tea.NewProgram(newInteractiveModel(b), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
