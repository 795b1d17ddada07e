package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/brewie/pkg/config"
	"github.com/gwillem/brewie/pkg/leader"
	"github.com/gwillem/brewie/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type SetupCommand struct {
	SkipLeader bool `long:"skip-leader" description:"Only configure the robot connection"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Brewie Setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Step 1: robot connection
	if err := askRobotSettings(cfg); err != nil {
		return err
	}
	if err := cfg.SaveTo(opts.Config); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	// Step 2: leader arm
	if !c.SkipLeader && cfg.Teleop.Source == config.SourceLeader {
		fmt.Println()
		fmt.Println(subHeaderStyle.Render("━━━ Leader Arm ━━━"))
		fmt.Println()

		port := scanForLeader()
		if port == "" {
			fmt.Println(warnStyle.Render("No leader arm identified, keeping the previous leader settings."))
		} else {
			cfg.Leader.Port = port
			cal, err := calibrateLeader(port)
			if err != nil {
				return err
			}
			cfg.Leader.Calibration = cal
			if len(cfg.Leader.Bindings) == 0 {
				cfg.Leader.Bindings = leader.DefaultBindings()
			}
		}
		if err := cfg.SaveTo(opts.Config); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
	}

	fmt.Println()
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"))
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println()
	fmt.Println("Check the connection with: " + headerStyle.Render("brewie info"))
	fmt.Println("Start teleoperation with:  " + headerStyle.Render("brewie teleoperate"))
	return nil
}

// askRobotSettings edits the connection and safety settings in place.
func askRobotSettings(cfg *config.File) error {
	r := &cfg.Robot
	port := strconv.Itoa(r.Port)
	step := ""
	if r.MaxRelativeTarget != nil {
		step = strconv.FormatFloat(*r.MaxRelativeTarget, 'f', -1, 64)
	}
	duration := r.ServoDuration.D().String()
	mode := r.NormMode
	if mode == "" {
		mode = robot.Pulses
	}
	source := cfg.Teleop.Source

	modeOptions := make([]huh.Option[robot.NormMode], 0, len(robot.NormModes()))
	for _, m := range robot.NormModes() {
		modeOptions = append(modeOptions, huh.NewOption(string(m), m))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Rosbridge host").
				Value(&r.Host).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("host is required")
					}
					return nil
				}),
			huh.NewInput().
				Title("Rosbridge port").
				Value(&port).
				Validate(func(s string) error {
					p, err := strconv.Atoi(s)
					if err != nil || p <= 0 || p > 65535 {
						return errors.New("enter a port between 1 and 65535")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[robot.NormMode]().
				Title("Joint units").
				Description("Units of observed positions and action targets").
				Options(modeOptions...).
				Value(&mode),
			huh.NewInput().
				Title("Max step per action").
				Description("In joint units, empty disables the limit").
				Value(&step).
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					v, err := strconv.ParseFloat(s, 64)
					if err != nil || v <= 0 {
						return errors.New("enter a positive number")
					}
					return nil
				}),
			huh.NewInput().
				Title("Servo move duration").
				Value(&duration).
				Validate(func(s string) error {
					d, err := time.ParseDuration(s)
					if err != nil || d <= 0 {
						return errors.New("enter a duration such as 100ms")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Teleoperation source").
				Options(
					huh.NewOption("Leader arm (SO-101 on USB)", config.SourceLeader),
					huh.NewOption("Brewie joystick", config.SourceJoystick),
				).
				Value(&source),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println()
			os.Exit(0)
		}
		return err
	}

	r.Port, _ = strconv.Atoi(port)
	d, _ := time.ParseDuration(duration)
	r.ServoDuration = robot.Duration(d)
	r.NormMode = mode
	r.MaxRelativeTarget = nil
	if step != "" {
		v, _ := strconv.ParseFloat(step, 64)
		*r = r.WithMaxRelativeTarget(v)
	}
	cfg.Teleop.Source = source
	return cfg.Validate()
}

type armInfo struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

// scanForLeader finds SO-101 arms and asks which one is the leader.
func scanForLeader() string {
	fmt.Println("Scanning for leader arms...")
	fmt.Println()

	arms := findArms()
	if len(arms) == 0 {
		fmt.Println("No SO-101 arms found.")
		fmt.Println("Make sure the leader is connected and powered on.")
		return ""
	}

	var port string
	for _, arm := range arms {
		if port != "" {
			arm.bus.Close()
			continue
		}
		if identifyArmWithWiggle(arm) {
			port = arm.port
		}
	}
	if port != "" {
		fmt.Println()
		fmt.Println(successStyle.Render("Leader arm: ") + port)
	}
	return port
}

func findArms() []armInfo {
	ports, err := serial.GetPortsList()
	if err != nil {
		fmt.Printf("Error listing ports: %v\n", err)
		return nil
	}

	var arms []armInfo
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}

		bus, err := leader.OpenBus(port)
		if err != nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		servos, err := bus.Scan(ctx, 1, 6)
		cancel()
		if err != nil || !isSOArm(servos) {
			bus.Close()
			continue
		}

		fmt.Printf("  Found SO-101 arm on %s\n", port)
		arms = append(arms, armInfo{port: port, servos: servos, bus: bus})
	}
	return arms
}

// isSOArm reports whether the scan found exactly servos 1-6.
func isSOArm(servos []feetech.FoundServo) bool {
	if len(servos) != 6 {
		return false
	}
	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= 6; i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

// identifyArmWithWiggle moves the shoulder of arm a little and asks the
// user whether that was the leader. It closes the arm's bus.
func identifyArmWithWiggle(arm armInfo) bool {
	defer arm.bus.Close()

	ctx := context.Background()

	var servo *feetech.Servo
	for _, s := range arm.servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return false
	}

	origin, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return false
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return false
	}

	fmt.Printf("\n  Wiggling arm on %s...\n", arm.port)

	const (
		wiggle = 30
		moveMs = 500
	)
	for _, target := range []int{origin + wiggle, origin - wiggle, origin} {
		servo.SetPositionWithTime(ctx, target, moveMs)
		time.Sleep((moveMs + 100) * time.Millisecond)
	}
	servo.Disable(ctx)

	var isLeader bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Is the arm on %s your leader arm?", arm.port)).
				Description("The arm that just wiggled").
				Affirmative("Yes").
				Negative("No").
				Value(&isLeader),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	return isLeader
}

// calibrateLeader records the range of every leader motor.
func calibrateLeader(port string) (leader.Calibration, error) {
	fmt.Printf("Calibrating leader arm on %s\n", port)
	fmt.Println()

	bus, err := leader.OpenBus(port)
	if err != nil {
		return nil, fmt.Errorf("open leader bus: %w", err)
	}
	defer bus.Close()

	ctx := context.Background()
	scanCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	found, err := bus.Scan(scanCtx, 1, 6)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("scan leader: %w", err)
	}
	if !isSOArm(found) {
		return nil, errors.New("not an SO-101 arm (expected 6 servos with IDs 1-6)")
	}
	byID := make(map[int]feetech.FoundServo, len(found))
	for _, f := range found {
		byID[f.ID] = f
	}

	motors := leader.AllMotors()
	servos := make(map[leader.MotorName]*feetech.Servo, len(motors))
	start := make(map[leader.MotorName]int, len(motors))
	for i, name := range motors {
		f := byID[i+1]
		s := feetech.NewServo(bus, f.ID, f.Model)
		s.Disable(ctx)
		pos, err := s.Position(ctx)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		servos[name] = s
		start[name] = pos
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println()

	model := calibrationModel{motors: motors, servos: servos, rec: leader.NewRangeRecorder(start)}
	final, err := tea.NewProgram(model).Run()
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}

	cal := final.(calibrationModel).rec.Calibration()
	if err := cal.Validate(); err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	fmt.Println("Leader arm calibrated.")
	return cal, nil
}

// Calibration TUI model
type calibrationModel struct {
	motors   []leader.MotorName
	servos   map[leader.MotorName]*feetech.Servo
	rec      *leader.RangeRecorder
	quitting bool
}

type tickMsg time.Time

func calibrationTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return calibrationTick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		ctx := context.Background()
		for _, name := range m.motors {
			pos, err := m.servos[name].Position(ctx)
			if err != nil {
				continue
			}
			m.rec.Observe(name, pos)
		}
		return m, calibrationTick()
	}

	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	tableHeaderStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
	tableMotorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Padding(0, 1)
	tableCellStyle := lipgloss.NewStyle().Padding(0, 1)
	tableCurrentStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Padding(0, 1)
	tableRangeGoodStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Padding(0, 1)
	tableRangeLowStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)

	rows := make([][]string, 0, len(m.motors))
	spans := make([]int, 0, len(m.motors))
	for _, name := range m.motors {
		span := m.rec.Span(name)
		spans = append(spans, span)
		rows = append(rows, []string{
			string(name),
			strconv.Itoa(m.rec.Current[name]),
			strconv.Itoa(m.rec.Min[name]),
			strconv.Itoa(m.rec.Max[name]),
			strconv.Itoa(span),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Motor", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			switch col {
			case 0:
				return tableMotorStyle
			case 1:
				return tableCurrentStyle
			case 4:
				if row >= 0 && row < len(spans) && spans[row] > 500 {
					return tableRangeGoodStyle
				}
				return tableRangeLowStyle
			default:
				return tableCellStyle
			}
		})

	return t.Render() + "\n\n" + dimStyle.Render("Press Enter when done")
}
