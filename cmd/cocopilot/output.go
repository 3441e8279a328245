package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/cocopilot/cocopilot/pkg/models"
)

var (
	activeColor  = color.New(color.FgGreen, color.Bold)
	waitingColor = color.New(color.FgYellow)
	mutedColor   = color.New(color.FgHiBlack)
	errorColor   = color.New(color.FgRed, color.Bold)
)

// phaseLabel colours a worker phase for terminal output.
func phaseLabel(phase string) string {
	switch phase {
	case "active":
		return activeColor.Sprint(phase)
	case "waiting", "installing", "activating":
		return waitingColor.Sprint(phase)
	default:
		return mutedColor.Sprint(phase)
	}
}

// sourceLabel colours where a response came from.
func sourceLabel(source string) string {
	switch source {
	case "hit":
		return activeColor.Sprint(source)
	case "stale":
		return waitingColor.Sprint(source)
	case "error":
		return errorColor.Sprint(source)
	default:
		return source
	}
}

// printState renders a registration as a table of worker slots.
func printState(w io.Writer, state models.RegistrationState) error {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"Slot", "Version", "Cache", "Phase", "Worker"})

	var data [][]string
	for _, slot := range []struct {
		name string
		ws   *models.WorkerState
	}{{"active", state.Active}, {"waiting", state.Waiting}} {
		if slot.ws == nil {
			data = append(data, []string{slot.name, "-", "-", "-", "-"})
			continue
		}
		data = append(data, []string{slot.name, slot.ws.Version, slot.ws.Cache, phaseLabel(slot.ws.Phase), slot.ws.ID})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	if err := table.Render(); err != nil {
		return err
	}

	pending := "none"
	if len(state.PendingSync) > 0 {
		pending = strings.Join(state.PendingSync, ", ")
	}
	if _, err := fmt.Fprintf(w, "Pending sync: %s\n", pending); err != nil {
		return err
	}
	if c := state.Cache; c != nil {
		_, err := fmt.Fprintf(w, "Cache: %d hits, %d misses, %d entries in %d generations\n",
			c.Hits, c.Misses, c.Entries, c.Generations)
		return err
	}
	return nil
}

// printGenerations renders cache generations, marking the active one.
func printGenerations(w io.Writer, gens []models.GenerationInfo, active string) error {
	if len(gens) == 0 {
		_, err := fmt.Fprintln(w, "No cache generations.")
		return err
	}

	table := tablewriter.NewWriter(w)
	table.Header([]string{"Name", "Entries", "Bytes", "Created", "Active"})

	var data [][]string
	for _, g := range gens {
		mark := ""
		if g.Name == active {
			mark = activeColor.Sprint("*")
		}
		data = append(data, []string{
			g.Name,
			strconv.FormatInt(g.Entries, 10),
			strconv.FormatInt(g.Bytes, 10),
			g.CreatedAt.Format(time.DateTime),
			mark,
		})
	}
	if err := table.Bulk(data); err != nil {
		return err
	}
	return table.Render()
}
