package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/gwillem/brewie/pkg/config"
	"github.com/gwillem/brewie/pkg/leader"
	"github.com/gwillem/brewie/pkg/robot"
	"github.com/gwillem/brewie/pkg/teleop"
)

type TeleoperateCommand struct {
	Hz     int    `long:"hz" description:"Control loop frequency (default from config)"`
	Source string `long:"source" choice:"leader" choice:"joystick" description:"Action source (default from config)"`
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// Joint colors, assigned in plotting order.
var jointPalette = []string{"196", "208", "226", "46", "51", "201", "33", "141", "214", "118", "87", "231"}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type teleopModel struct {
	ctrl          *teleop.Controller
	source        string
	joints        []robot.JointName // plotted joints
	colors        map[robot.JointName]string
	chart         *streamlinechart.Model
	width         int
	height        int
	logs          []string
	stale         []robot.JointName
	quitting      bool
	lastPositions map[robot.JointName]float64
}

func (m *teleopModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// hasMovement reports whether a plotted joint moved since the last state.
func (m *teleopModel) hasMovement(positions map[robot.JointName]float64) bool {
	if m.lastPositions == nil {
		return true
	}
	for _, name := range m.joints {
		if pos, ok := positions[name]; ok && pos != m.lastPositions[name] {
			return true
		}
	}
	return false
}

// Messages from the controller
type stateMsg teleop.State
type logMsg string

func waitForState(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-ctrl.States())
	}
}

func waitForLog(ctrl *teleop.Controller) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-ctrl.Logs())
	}
}

func (m *teleopModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func (m *teleopModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

// chartRange spans the normalized range of every plotted joint.
func chartRange(cfg robot.Config, joints []robot.JointName) (lo, hi float64) {
	lo, hi = cfg.ModeFor(joints[0]).Bounds()
	for _, name := range joints[1:] {
		l, h := cfg.ModeFor(name).Bounds()
		lo, hi = min(lo, l), max(hi, h)
	}
	return lo, hi
}

func initialTeleopModel(ctrl *teleop.Controller, cfg robot.Config, source string, joints []robot.JointName) teleopModel {
	lo, hi := chartRange(cfg, joints)
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(lo, hi))

	colors := make(map[robot.JointName]string, len(joints))
	for i, name := range joints {
		colors[name] = jointPalette[i%len(jointPalette)]
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(colors[name]))
		chart.SetDataSetStyles(string(name), runes.ThinLineStyle, style)
	}

	return teleopModel{
		ctrl:   ctrl,
		source: source,
		joints: joints,
		colors: colors,
		chart:  &chart,
	}
}

func (m teleopModel) Init() tea.Cmd {
	return tea.Batch(
		waitForState(m.ctrl),
		waitForLog(m.ctrl),
	)
}

func (m teleopModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case stateMsg:
		state := teleop.State(msg)
		m.stale = state.Stale
		if state.Positions != nil && m.hasMovement(state.Positions) {
			for _, name := range m.joints {
				if pos, ok := state.Positions[name]; ok {
					m.chart.PushDataSet(string(name), pos)
				}
			}
			m.chart.DrawAll()
			m.lastPositions = state.Positions
		}
		return m, waitForState(m.ctrl)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.ctrl)
	}

	return m, nil
}

func (m teleopModel) View() string {
	if m.quitting {
		return "Teleoperation stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("Brewie Teleoperate"))
	sb.WriteString(fmt.Sprintf(" - %s @ %d Hz", m.source, m.ctrl.Hz()))
	if len(m.stale) > 0 {
		sb.WriteString(warnStyle.Render(fmt.Sprintf("  stale: %d joints", len(m.stale))))
	}
	if m.width > 0 {
		sb.WriteString(statusStyle.Render(fmt.Sprintf("  [%dx%d]", m.width, m.height)))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	sb.WriteString(m.renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20)).
		Foreground(lipgloss.Color("9"))

	logLines := statusStyle.Render("Press 'q' to quit")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m teleopModel) renderLegend() string {
	items := make([]string, 0, len(m.joints))
	for _, name := range m.joints {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(m.colors[name])).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+string(name))
	}
	return strings.Join(items, "  ")
}

// actionSource is an ActionSource that may hold hardware open.
type actionSource interface {
	teleop.ActionSource
	io.Closer
}

type joystickSource struct{ *teleop.JoystickSource }

func (joystickSource) Close() error { return nil }

// newSource builds the configured action source and lists the joints it
// drives.
func newSource(ctx context.Context, cfg *config.File, name string) (actionSource, []robot.JointName, error) {
	switch name {
	case config.SourceJoystick:
		src, err := teleop.NewJoystickSource(cfg.Teleop.Joystick, cfg.Robot)
		if err != nil {
			return nil, nil, err
		}
		var joints []robot.JointName
		seen := make(map[robot.JointName]bool)
		for _, b := range cfg.Teleop.Joystick.Bindings {
			if !seen[b.Joint] {
				seen[b.Joint] = true
				joints = append(joints, b.Joint)
			}
		}
		return joystickSource{src}, joints, nil

	case config.SourceLeader:
		if cfg.Leader.Port == "" || !cfg.Leader.IsCalibrated() {
			return nil, nil, errors.New("leader arm not configured, run 'brewie setup' first")
		}
		arm, err := leader.Open(ctx, cfg.Leader, cfg.Robot)
		if err != nil {
			return nil, nil, err
		}
		bindings := cfg.Leader.Bindings
		if len(bindings) == 0 {
			bindings = leader.DefaultBindings()
		}
		joints := make([]robot.JointName, 0, len(bindings))
		for _, b := range bindings {
			joints = append(joints, b.Joint)
		}
		return arm, joints, nil
	}
	return nil, nil, fmt.Errorf("unknown source %q", name)
}

func (c *TeleoperateCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !config.ConfigExists(opts.Config) {
		fmt.Fprintf(os.Stderr, "No configuration found at %s, using defaults. Run 'brewie setup' to change them.\n", opts.Config)
	}

	hz := cfg.Teleop.Hz
	if c.Hz > 0 {
		hz = c.Hz
	}
	source := cfg.Teleop.Source
	if c.Source != "" {
		source = c.Source
	}

	logger, closer, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src, joints, err := newSource(ctx, cfg, source)
	if err != nil {
		return err
	}
	defer src.Close()
	if len(joints) == 0 {
		return errors.New("action source drives no joints")
	}

	r, err := connectRobot(ctx, cfg.Robot, logger)
	if err != nil {
		return err
	}
	defer r.Disconnect()

	ctrl := teleop.NewController(r, src, hz, logger)

	go func() {
		if err := ctrl.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("controller stopped", "error", err)
		}
	}()

	p := tea.NewProgram(initialTeleopModel(ctrl, cfg.Robot, source, joints), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("run TUI: %w", err)
	}
	slog.Info("teleoperation finished")
	return nil
}
