package tui

import (
	"fmt"
	"io"

	"github.com/muesli/termenv"
)

var bannerLines = []struct {
	text  string
	color string
}{
	{"       _            __ _   _                             ", "#34d399"},
	{"    __| |_ __ __ _ / _| |_| | _____  ___ _ __   ___ _ __ ", "#2dd4bf"},
	{"   / _` | '__/ _` | |_| __| |/ / _ \\/ _ \\ '_ \\ / _ \\ '__|", "#22d3ee"},
	{"  | (_| | | | (_| |  _| |_|   <  __/  __/ |_) |  __/ |   ", "#38bdf8"},
	{"   \\__,_|_|  \\__,_|_|  \\__|_|\\_\\___|\\___| .__/ \\___|_|   ", "#60a5fa"},
	{"                                        |_|              ", "#818cf8"},
}

// PrintBanner writes the startup banner to w, colored for the terminal's profile.
func PrintBanner(w io.Writer, version string) {
	p := termenv.ColorProfile()
	fmt.Fprintln(w)
	for _, l := range bannerLines {
		fmt.Fprintln(w, termenv.String(l.text).Foreground(p.Color(l.color)))
	}
	fmt.Fprintln(w, termenv.String("  session keeper "+version).Faint())
	fmt.Fprintln(w)
}
