package main

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/brewie/pkg/robot"
)

type InfoCommand struct {
	Samples  int           `short:"n" long:"samples" default:"1" description:"Number of observations to print"`
	Interval time.Duration `long:"interval" default:"500ms" description:"Delay between observations"`
}

func (c *InfoCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closer, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	r, err := connectRobot(ctx, cfg.Robot, logger)
	if err != nil {
		return err
	}
	defer r.Disconnect()

	fmt.Println(headerStyle.Render(r.String()) + dimStyle.Render("  "+r.State().String()))
	fmt.Println()
	fmt.Println(subHeaderStyle.Render("Features"))
	fmt.Println(renderFeatures(r.ObservationFeatures(), r.ActionFeatures()))

	for i := range c.Samples {
		if i > 0 {
			time.Sleep(c.Interval)
		}
		obs, err := r.GetObservation(ctx)
		if err != nil {
			return err
		}
		fmt.Println()
		fmt.Println(subHeaderStyle.Render(fmt.Sprintf("Observation %d", i+1)) +
			dimStyle.Render("  "+obs.Timestamp.Format("15:04:05.000")))
		if obs.FetchErr != nil {
			fmt.Println(warnStyle.Render("position fetch failed: " + obs.FetchErr.Error()))
		}
		fmt.Println(renderJoints(r.Joints(), obs))
		fmt.Println(renderSensors(obs))
	}

	fmt.Println()
	fmt.Println(subHeaderStyle.Render("Feeds"))
	fmt.Println(renderFeeds(r))
	return nil
}

var (
	cellStyle    = lipgloss.NewStyle().Padding(0, 1)
	tableHdStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")).Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHdStyle
			}
			return cellStyle
		})
}

func renderFeatures(obs, act robot.Features) string {
	t := newTable("Key", "Kind", "Shape", "Action")
	for _, key := range obs.Keys() {
		f := obs[key]
		isAction := ""
		if _, ok := act[key]; ok {
			isAction = "yes"
		}
		t.Row(key, string(f.Kind), fmt.Sprint(f.Shape), isAction)
	}
	return t.Render()
}

func renderJoints(joints []robot.JointName, obs robot.Observation) string {
	t := newTable("Joint", "Position", "")
	for _, name := range joints {
		flag := ""
		if slices.Contains(obs.StaleJoints, name) {
			flag = warnStyle.Render("stale")
		}
		t.Row(string(name), strconv.FormatFloat(obs.Joints[name], 'f', 1, 64), flag)
	}
	return t.Render()
}

func renderSensors(obs robot.Observation) string {
	imu := obs.IMU
	cam := "no frame"
	if !obs.Camera.IsBlank() {
		cam = fmt.Sprintf("%dx%d %s", obs.Camera.Width, obs.Camera.Height, obs.Camera.Format)
	}
	t := newTable("Sensor", "Value").
		Row("camera", cam).
		Row("orientation", fmt.Sprintf("x=%.3f y=%.3f z=%.3f w=%.3f",
			imu.Orientation.X, imu.Orientation.Y, imu.Orientation.Z, imu.Orientation.W)).
		Row("angular_velocity", fmt.Sprintf("x=%.3f y=%.3f z=%.3f",
			imu.AngularVelocity.X, imu.AngularVelocity.Y, imu.AngularVelocity.Z)).
		Row("linear_acceleration", fmt.Sprintf("x=%.3f y=%.3f z=%.3f",
			imu.LinearAcceleration.X, imu.LinearAcceleration.Y, imu.LinearAcceleration.Z)).
		Row("joystick axes", fmt.Sprint(obs.Joystick.Axes)).
		Row("joystick buttons", fmt.Sprint(obs.Joystick.Buttons))
	return t.Render()
}

func renderFeeds(r *robot.Robot) string {
	stats := r.FeedStats()
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	slices.Sort(names)

	now := time.Now()
	t := newTable("Feed", "Received", "Decode errors", "Replaced", "Age")
	for _, name := range names {
		s := stats[name]
		age := "-"
		if !s.LastUpdate.IsZero() {
			age = s.Age(now).Round(time.Millisecond).String()
		}
		t.Row(name,
			strconv.FormatUint(s.Received, 10),
			strconv.FormatUint(s.DecodeErrors, 10),
			strconv.FormatUint(s.Replaced, 10),
			age)
	}

	cs := r.CameraStatus()
	if !cs.HasFrame {
		return t.Render() + "\n" + warnStyle.Render("camera "+cs.Topic+" has not delivered a frame")
	}
	return t.Render()
}
