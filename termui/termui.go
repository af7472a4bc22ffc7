// Package termui renders collaboration state as colored terminal lines and
// mirrors the shared text into a file.
package termui

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/alimasry/go-collab-notes/collab"
)

var (
	bannerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#fab387")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6adc8"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#a6e3a1"))
	hotStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#e74c3c")).Bold(true)
)

// Sink is a collab.UISink that prints to a writer. Names maps participant IDs
// to display names; unknown IDs print as-is.
type Sink struct {
	mu     sync.Mutex
	out    io.Writer
	mirror string
	names  map[string]string
	lines  map[string]int
	colors map[string]string
	text   string
}

var _ collab.UISink = (*Sink)(nil)

// New returns a Sink writing to out. When mirror is non-empty every content
// replacement is also written to that file.
func New(out io.Writer, mirror string) *Sink {
	return &Sink{
		out:    out,
		mirror: mirror,
		names:  make(map[string]string),
		lines:  make(map[string]int),
		colors: make(map[string]string),
	}
}

// SetName records a display name for a participant.
func (s *Sink) SetName(id, name string) {
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
}

// Text returns the last content shown.
func (s *Sink) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.text
}

func (s *Sink) ReplaceContent(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text = text
	if s.mirror != "" {
		if err := os.WriteFile(s.mirror, []byte(text), 0o644); err != nil {
			fmt.Fprintln(s.out, hotStyle.Render("mirror write failed: "+err.Error()))
		}
	}
	n := strings.Count(text, "\n") + 1
	fmt.Fprintln(s.out, mutedStyle.Render(fmt.Sprintf("content updated (%d lines)", n)))
}

func (s *Sink) HighlightLines(lines []int) {
	if len(lines) == 0 {
		return
	}
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = strconv.Itoa(l)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, bannerStyle.Render("changed lines: "+strings.Join(parts, ", ")))
}

func (s *Sink) ShowBanner(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.out, bannerStyle.Render("» "+text))
}

func (s *Sink) RenderParticipant(id, color string, lineIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.lines[id]; ok && prev == lineIndex && s.colors[id] == color {
		return
	}
	s.lines[id] = lineIndex
	s.colors[id] = color

	where := "idle"
	if lineIndex >= 0 {
		where = "line " + strconv.Itoa(lineIndex+1)
	}
	dot := lipgloss.NewStyle().Foreground(lipgloss.Color(color)).Render("●")
	fmt.Fprintf(s.out, "%s %s %s\n", dot, s.label(id), mutedStyle.Render(where))
}

func (s *Sink) RemoveParticipant(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lines[id]; !ok {
		return
	}
	delete(s.lines, id)
	delete(s.colors, id)
	fmt.Fprintln(s.out, mutedStyle.Render(s.label(id)+" left"))
}

func (s *Sink) ConnectionChanged(connected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if connected {
		fmt.Fprintln(s.out, okStyle.Render("connected"))
		return
	}
	fmt.Fprintln(s.out, hotStyle.Render("disconnected"))
}

// Roster renders the participants currently shown, ordered by line.
func (s *Sink) Roster() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.lines))
	for id := range s.lines {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		if s.lines[ids[i]] != s.lines[ids[j]] {
			return s.lines[ids[i]] < s.lines[ids[j]]
		}
		return ids[i] < ids[j]
	})
	rows := make([]string, len(ids))
	for i, id := range ids {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(s.colors[id]))
		rows[i] = style.Render(s.label(id))
	}
	return lipgloss.JoinVertical(lipgloss.Left, rows...)
}

func (s *Sink) label(id string) string {
	if name, ok := s.names[id]; ok {
		return name
	}
	return id
}
