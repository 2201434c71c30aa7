// Package status renders room state for terminal output.
package status

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/adwski/proximity-chat/backend/client/room"
	"github.com/adwski/proximity-chat/backend/model"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/lucasb-eyer/go-colorful"
)

var (
	primary = lipgloss.Color("#22d3ee")
	muted   = lipgloss.Color("#6B7280")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(primary).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(muted)
)

// AvatarColor converts avatar color in "hsl(h,s%,l%)" form into hex.
// Colors in other forms are returned as is, so hex and ANSI values keep working.
func AvatarColor(color string) string {
	var h, s, l float64
	if _, err := fmt.Sscanf(color, "hsl(%g,%g%%,%g%%)", &h, &s, &l); err != nil {
		return color
	}
	return colorful.Hsl(h, s/100, l/100).Clamped().Hex()
}

// Username renders name in avatar color.
func Username(identity model.Identity) string {
	if identity.Color == "" {
		return identity.Username
	}
	return lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color(AvatarColor(identity.Color))).
		Render(identity.Username)
}

// View renders local participant and the table of remote peers ordered by name.
func View(local model.PeerRecord, peers map[model.PeerID]room.Peer) string {
	header := fmt.Sprintf("%s at (%.0f, %.0f)",
		Username(local.Identity), local.Movement.Position.X, local.Movement.Position.Y)
	if len(peers) == 0 {
		return header + "\n" + mutedStyle.Render("nobody else is here")
	}

	list := make([]room.Peer, 0, len(peers))
	for _, p := range peers {
		list = append(list, p)
	}
	slices.SortFunc(list, func(a, b room.Peer) int {
		return cmp.Or(cmp.Compare(a.Username, b.Username), cmp.Compare(a.ID, b.ID))
	})

	rows := make([][]string, 0, len(list))
	for _, p := range list {
		rows = append(rows, []string{
			Username(p.Identity),
			p.State.String(),
			fmt.Sprintf("(%.0f, %.0f)", p.Movement.Position.X, p.Movement.Position.Y),
			fmt.Sprintf("%.0f%%", p.Level.Gain*100),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(primary)).
		Headers("Peer", "State", "Position", "Volume").
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	return header + "\n" + tbl.Render()
}
