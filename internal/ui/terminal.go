// Package ui renders a live terminal view of books and stop-loss orders.
package ui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/types"
	"golang.org/x/term"
)

// ANSI escape codes
const (
	ClearLine   = "\033[2K"
	MoveToStart = "\r"
	MoveUp      = "\033[%dA"
	HideCursor  = "\033[?25l"
	ShowCursor  = "\033[?25h"
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorRed    = "\033[31m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorDim    = "\033[2m"
	ColorBold   = "\033[1m"
)

// Book is one instrument's state as shown on the dashboard.
type Book struct {
	Instrument string
	Depth      types.DepthSnapshot
	HasDepth   bool
	Orders     []*types.StopLoss
}

// Status is everything one frame shows.
type Status struct {
	SessionActive bool
	Dispatched    int
	Books         []Book
}

// Dashboard redraws a status frame in place.
type Dashboard struct {
	out      io.Writer
	color    bool
	width    int
	barWidth int

	// Track lines printed for cleanup
	linesPrinted int
}

// NewDashboard creates a dashboard writing to stdout. Colors and in-place
// redraws are used only when stdout is a terminal.
func NewDashboard() *Dashboard {
	fd := int(os.Stdout.Fd())
	return newDashboard(os.Stdout, term.IsTerminal(fd), getTerminalSize(fd))
}

func newDashboard(out io.Writer, color bool, width int) *Dashboard {
	barWidth := width - 40 // Leave room for price and size columns
	if barWidth < 10 {
		barWidth = 10
	}
	if barWidth > 60 {
		barWidth = 60
	}
	return &Dashboard{out: out, color: color, width: width, barWidth: barWidth}
}

// Start hides the cursor.
func (d *Dashboard) Start() {
	if d.color {
		fmt.Fprint(d.out, HideCursor)
	}
	fmt.Fprintln(d.out)
}

// Stop restores the cursor.
func (d *Dashboard) Stop() {
	if d.color {
		fmt.Fprint(d.out, ShowCursor)
	}
	fmt.Fprintln(d.out)
}

// Render draws s, overwriting the previous frame on a terminal.
func (d *Dashboard) Render(s Status) {
	if d.color && d.linesPrinted > 0 {
		fmt.Fprintf(d.out, MoveUp, d.linesPrinted)
	}

	lines := d.Frame(s)
	for _, line := range lines {
		if d.color {
			fmt.Fprint(d.out, ClearLine)
		}
		fmt.Fprintln(d.out, line)
	}
	d.linesPrinted = len(lines)
}

// Frame returns the lines of one frame.
func (d *Dashboard) Frame(s Status) []string {
	session := d.paint(ColorGreen, "UP")
	if !s.SessionActive {
		session = d.paint(ColorRed, "DOWN")
	}
	active := 0
	for _, b := range s.Books {
		active += len(b.Orders)
	}

	lines := []string{
		fmt.Sprintf("%s %s │ %s %d │ %s %d",
			d.paint(ColorBold, "Session:"), session,
			d.paint(ColorBold, "Active:"), active,
			d.paint(ColorBold, "Working:"), s.Dispatched),
	}

	books := append([]Book(nil), s.Books...)
	sort.Slice(books, func(i, j int) bool { return books[i].Instrument < books[j].Instrument })
	for _, b := range books {
		lines = append(lines, d.renderBook(b)...)
	}
	return lines
}

// renderBook draws the bid ladder with each stop price marked.
func (d *Dashboard) renderBook(b Book) []string {
	lines := []string{d.paint(ColorCyan, strings.Repeat("─", 4)+" "+b.Instrument)}

	stops := make([]decimal.Decimal, 0, len(b.Orders))
	for _, o := range b.Orders {
		stops = append(stops, o.Price())
	}

	if !b.HasDepth || b.Depth.Levels() == 0 {
		lines = append(lines, d.paint(ColorDim, "        no depth"))
	} else {
		levels := b.Depth.Levels()
		idx := make([]int, levels)
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(x, y int) bool {
			return b.Depth.BidPrices[idx[x]].GreaterThan(b.Depth.BidPrices[idx[y]])
		})

		var maxLots int64 = 1
		for _, i := range idx {
			if b.Depth.BidSizes[i] > maxLots {
				maxLots = b.Depth.BidSizes[i]
			}
		}

		for _, i := range idx {
			price, lots := b.Depth.BidPrices[i], b.Depth.BidSizes[i]
			filled := int(lots * int64(d.barWidth) / maxLots)
			bar := strings.Repeat("█", filled) + strings.Repeat("░", d.barWidth-filled)

			color := ColorGreen
			marker := ""
			for _, sp := range stops {
				if price.LessThan(sp) {
					continue
				}
				// Bids at or above a stop price are liquidity that stop can hit.
				color = ColorYellow
				marker = " ◄"
			}
			lines = append(lines, fmt.Sprintf("%10s │%s %6d%s", price.String(), d.paint(color, bar), lots, marker))
		}
	}

	for _, o := range b.Orders {
		lines = append(lines, fmt.Sprintf("        stop %s below %s  remaining %d/%d",
			o.ID()[:min(8, len(o.ID()))], o.Price().String(), o.Remaining(), o.Volume()))
	}
	return lines
}

func (d *Dashboard) paint(color, s string) string {
	if !d.color {
		return s
	}
	return color + s + ColorReset
}

// getTerminalSize returns the terminal width
func getTerminalSize(fd int) int {
	width, _, err := term.GetSize(fd)
	if err != nil {
		return 80 // Default
	}
	return width
}
