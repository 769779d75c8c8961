// usbmuxd-monitor is a small terminal client for usbmuxd: it lists
// currently attached devices and then streams live attach/detach events,
// the Go-daemon equivalent of idevice_id -l.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"usbmuxd/internal/client"
)

var socketPath = flag.String("socket", "/var/run/usbmuxd", "usbmuxd UNIX socket path")

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#34D399")).
			Padding(0, 2).
			Bold(true)

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#60A5FA"))

	detachedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#9CA3AF")).
			Italic(true)
)

type deviceRow struct {
	id     uint32
	serial string
	speed  uint32
}

type model struct {
	cli     *client.Client
	devices []deviceRow
	logs    []string
	err     error
	events  chan client.Event
}

type eventMsg client.Event
type errMsg error

func waitForEvent(events chan client.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-events)
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	case eventMsg:
		ev := client.Event(msg)
		if ev.Attached {
			m.devices = append(m.devices, deviceRow{
				id:     ev.DeviceID,
				serial: ev.Device.Properties.SerialNumber,
				speed:  ev.Device.Properties.ConnectionSpeed,
			})
			m.logs = append(m.logs, fmt.Sprintf("%s attached: device %d (%s)", time.Now().Format("15:04:05"), ev.DeviceID, ev.Device.Properties.SerialNumber))
		} else {
			filtered := m.devices[:0]
			for _, d := range m.devices {
				if d.id != ev.DeviceID {
					filtered = append(filtered, d)
				}
			}
			m.devices = filtered
			m.logs = append(m.logs, fmt.Sprintf("%s detached: device %d", time.Now().Format("15:04:05"), ev.DeviceID))
		}
		if len(m.logs) > 20 {
			m.logs = m.logs[len(m.logs)-20:]
		}
		return m, waitForEvent(m.events)
	case errMsg:
		m.err = msg
		return m, tea.Quit
	}
	return m, nil
}

func (m model) View() string {
	s := headerStyle.Render("usbmuxd-monitor") + "\n\n"
	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("error: %v", m.err)) + "\n"
		return s
	}
	if len(m.devices) == 0 {
		s += rowStyle.Render("no devices attached") + "\n"
	}
	for _, d := range m.devices {
		s += rowStyle.Render(fmt.Sprintf("device %-4d  serial=%-24s  speed=%d Mbit/s", d.id, d.serial, d.speed)) + "\n"
	}
	s += "\n"
	for _, l := range m.logs {
		s += detachedStyle.Render(l) + "\n"
	}
	s += "\n" + helpStyle.Render("q to quit")
	return s
}

func main() {
	flag.Parse()

	cli, err := client.Dial(*socketPath)
	if err != nil {
		log.Fatalf("usbmuxd-monitor: %v", err)
	}
	defer cli.Close()

	devices, err := cli.ListDevices()
	if err != nil {
		log.Fatalf("usbmuxd-monitor: ListDevices: %v", err)
	}
	rows := make([]deviceRow, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, deviceRow{id: d.DeviceID, serial: d.Properties.SerialNumber, speed: d.Properties.ConnectionSpeed})
	}

	events := make(chan client.Event, 16)
	go func() {
		if err := cli.Listen(events); err != nil {
			log.Printf("usbmuxd-monitor: listen stream ended: %v", err)
		}
	}()

	m := model{cli: cli, devices: rows, events: events}
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Fprintf(os.Stderr, "usbmuxd-monitor: %v\n", err)
		os.Exit(1)
	}
}
