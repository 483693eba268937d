package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/RichardoC/Pad-i/internal/citations"
	"github.com/RichardoC/Pad-i/internal/models"
)

const untitled = "New chat…"

// renderReply writes the settled assistant text with citation markers
// resolved against its sources, followed by the source list.
func renderReply(w io.Writer, msg models.Message) {
	sources := msg.Sources()
	segments := citations.Parse(msg.Text(), sources)
	if !citations.HasCitations(segments) {
		return
	}

	var b strings.Builder
	for _, seg := range segments {
		if !seg.IsCitation() {
			b.WriteString(seg.Text)
			continue
		}
		hosts := make([]string, 0, len(seg.SourceIndices))
		for _, i := range seg.SourceIndices {
			hosts = append(hosts, hostname(sources[i]))
		}
		fmt.Fprintf(&b, "[%s]", strings.Join(hosts, ", "))
	}
	fmt.Fprintf(w, "\n%s\n", b.String())

	fmt.Fprintln(w, "Sources:")
	for i, src := range sources {
		title := src.Title
		if title == "" {
			title = src.URL
		}
		fmt.Fprintf(w, "  [%d] %s (%s)\n", i+1, title, src.URL)
	}
}

func hostname(src models.Part) string {
	u, err := url.Parse(src.URL)
	if err != nil || u.Host == "" {
		if src.Title != "" {
			return src.Title
		}
		return src.URL
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func renderThreads(w io.Writer, threads []models.Thread, activeID string) {
	if len(threads) == 0 {
		fmt.Fprintln(w, "No chats yet.")
		return
	}
	for i, t := range threads {
		marker := " "
		if t.ID == activeID {
			marker = "*"
		}
		fmt.Fprintf(w, "%s %2d. %-40s %-20s %s\n",
			marker, i+1, t.DisplayTitle(untitled), t.Model, humanize.Time(t.UpdatedAt))
	}
}

func renderHistory(w io.Writer, msgs []models.Message) {
	for _, m := range msgs {
		switch m.Role {
		case models.RoleUser:
			fmt.Fprintf(w, "you> %s\n", m.Text())
		case models.RoleAssistant:
			fmt.Fprintf(w, "%s\n", m.Text())
			renderReply(w, m)
		}
	}
}
