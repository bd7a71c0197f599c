package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
)

type statsBody struct {
	Total            int            `json:"total"`
	ByKind           map[string]int `json:"by_kind"`
	ByGroup          map[string]int `json:"by_group"`
	Recent24h        int            `json:"recent_24h"`
	Identity         string         `json:"identity"`
	UptimeSeconds    int            `json:"uptime_seconds"`
	Connected        bool           `json:"connected"`
	SubscribedGroups []string       `json:"subscribed_groups"`
}

func statsCmd() *cli.Command {
	return &cli.Command{
		Name:  "stats",
		Usage: "Live terminal dashboard for a running bridge",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://127.0.0.1:3847",
				Usage: "Base URL of the bridge's HTTP API",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 2 * time.Second,
				Usage: "Poll interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runStatsTUI(c.String("addr"), c.Duration("interval"))
		},
	}
}

func runStatsTUI(addr string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("stats: init terminal: %w", err)
	}
	defer ui.Close()

	summary := widgets.NewParagraph()
	summary.Title = "bridge"
	summary.SetRect(0, 0, 60, 8)

	byGroup := widgets.NewList()
	byGroup.Title = "by group"
	byGroup.SetRect(0, 8, 60, 20)

	render := func(body statsBody, err error) {
		if err != nil {
			summary.Text = fmt.Sprintf("[error](fg:red)\n%s", err.Error())
			summary.BorderStyle.Fg = ui.ColorRed
			ui.Render(summary, byGroup)
			return
		}
		status := "connected"
		color := "green"
		if !body.Connected {
			status = "disconnected"
			color = "red"
		}
		summary.BorderStyle.Fg = ui.ColorWhite
		summary.Text = fmt.Sprintf(
			"status:   [%s](fg:%s)\nidentity: %s\nuptime:   %ds\ntotal:    %d\nlast 24h: %d",
			status, color, body.Identity, body.UptimeSeconds, body.Total, body.Recent24h,
		)

		rows := make([]string, 0, len(body.ByGroup))
		for _, g := range body.SubscribedGroups {
			rows = append(rows, fmt.Sprintf("%-20s %d", g, body.ByGroup[g]))
		}
		byGroup.Rows = rows

		ui.Render(summary, byGroup)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	poll := func() (statsBody, error) {
		var body statsBody
		resp, err := client.Get(addr + "/stats")
		if err != nil {
			return body, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return body, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return body, err
		}
		return body, nil
	}

	body, err := poll()
	render(body, err)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := ui.PollEvents()

	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				ui.Render(summary, byGroup)
			}
		case <-ticker.C:
			body, err := poll()
			render(body, err)
		}
	}
}
