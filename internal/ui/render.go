package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/skalibog/tradesync/internal/feed"
	"github.com/skalibog/tradesync/internal/format"
	"github.com/skalibog/tradesync/internal/reconnect"
	"github.com/skalibog/tradesync/pkg/models"
)

// Стили UI
var (
	// Основные цвета
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")
	mutedColor     = lipgloss.Color("#999999")

	appStyle = lipgloss.NewStyle().
			Padding(0, 1).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 1)

	upStyle       = lipgloss.NewStyle().Foreground(successColor)
	downStyle     = lipgloss.NewStyle().Foreground(errorColor)
	warnStyle     = lipgloss.NewStyle().Foreground(warningColor)
	mutedStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("#222222"))
)

func render(m *Model) string {
	st := m.state

	title := titleStyle.Render("TradeSync - синхронизация торгового состояния")
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		renderConnection(st.Connection, st.Streaming, st.LastUpdate),
		" ",
		renderOrderForm(st.OrderForm, m.busy),
	)

	parts := []string{
		title,
		top,
		renderTickers(st.MarketData),
		renderPositions(st.Positions, m.selected),
		renderTrades(st.Trades, m.opts.UI.TradesVisible),
		renderNotes(m.notes),
	}
	if len(m.logs) > 0 {
		parts = append(parts, renderLogs(m.logs))
	}
	parts = append(parts, footerStyle.Render(
		"Клавиши: b/s - сторона, +/- объем, tab - символ, enter - ордер, ↑/↓ x - закрыть позицию, d - отключить, c - переподключить, q - выход"))

	return appStyle.Render(lipgloss.JoinVertical(lipgloss.Left, parts...))
}

func section(title string, lines []string) string {
	body := strings.Join(lines, "\n")
	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, headerStyle.Render(title), body))
}

func renderConnection(c models.ConnectionState, streaming bool, lastUpdate int64) string {
	var phase string
	switch c.Phase {
	case models.PhaseConnected:
		phase = upStyle.Render("● ПОДКЛЮЧЕНО")
	case models.PhaseReconnecting:
		phase = warnStyle.Render(fmt.Sprintf("◌ ПЕРЕПОДКЛЮЧЕНИЕ (%d/%d)", c.RetryCount+1, reconnect.MaxAttempts))
	default:
		phase = downStyle.Render("○ ОТКЛЮЧЕНО")
	}

	mode := "опрос"
	if streaming {
		mode = "поток"
	}

	lines := []string{
		phase,
		fmt.Sprintf("Режим: %s", mode),
		fmt.Sprintf("Обновлено: %s", format.Clock(lastUpdate)),
	}
	if c.LastError != nil && c.Phase != models.PhaseConnected {
		lines = append(lines, downStyle.Render(fmt.Sprintf("%s: %s", c.LastError.Code, c.LastError.Message)))
	}
	if c.Exhausted {
		lines = append(lines, warnStyle.Render("Нажмите c для переподключения"))
	}
	return section("СОЕДИНЕНИЕ", lines)
}

func renderOrderForm(f models.OrderForm, busy bool) string {
	side := upStyle.Render("BUY")
	if f.Side == models.SideSell {
		side = downStyle.Render("SELL")
	}
	lines := []string{
		fmt.Sprintf("Биржа:  %s", f.Exchange),
		fmt.Sprintf("Символ: %s", f.Symbol),
		fmt.Sprintf("Сторона: %s", side),
		fmt.Sprintf("Объем:  %s", format.Number(f.Amount, 4)),
	}
	if busy {
		lines = append(lines, mutedStyle.Render("Выполняется..."))
	}
	return section("ОРДЕР", lines)
}

func renderTickers(ticks []models.MarketTick) string {
	if len(ticks) == 0 {
		return section("КОТИРОВКИ", []string{"  Ожидание данных..."})
	}
	lines := make([]string, 0, len(ticks))
	for _, t := range ticks {
		change := format.Percent(t.Change24h, 2, true)
		if t.Change24h >= 0 {
			change = upStyle.Render(change)
		} else {
			change = downStyle.Render(change)
		}
		lines = append(lines, fmt.Sprintf("  %-10s %14s %10s  объем %s",
			t.Symbol, format.Price(t.Price), change, format.Number(t.Volume24h, 0)))
	}
	return section("КОТИРОВКИ", lines)
}

func renderPositions(positions []models.Position, selected int) string {
	if len(positions) == 0 {
		return section("ПОЗИЦИИ", []string{mutedStyle.Render("  Нет открытых позиций")})
	}
	lines := make([]string, 0, len(positions))
	for i, p := range positions {
		pnl := fmt.Sprintf("%s (%s)", format.USD(p.PnL, 2), format.Percent(p.PnLPercent, 2, true))
		if p.PnL >= 0 {
			pnl = upStyle.Render(pnl)
		} else {
			pnl = downStyle.Render(pnl)
		}
		line := fmt.Sprintf("  %-10s %-5s %10s  вход %s  тек. %s  %s",
			p.Symbol, strings.ToUpper(string(p.Side)), format.Number(p.Size, 4),
			format.Price(p.EntryPrice), format.Price(p.CurrentPrice), pnl)
		if i == selected {
			line = selectedStyle.Render("> " + line[2:])
		}
		lines = append(lines, line)
	}
	return section("ПОЗИЦИИ", lines)
}

func renderTrades(trades []models.Trade, visible int) string {
	if len(trades) == 0 {
		return section("СДЕЛКИ", []string{mutedStyle.Render("  Сделок нет")})
	}
	if len(trades) > visible {
		trades = trades[:visible]
	}
	lines := make([]string, 0, len(trades))
	for _, t := range trades {
		side := upStyle.Render("BUY ")
		if t.Side == models.SideSell {
			side = downStyle.Render("SELL")
		}
		lines = append(lines, fmt.Sprintf("  %s  %-9s %-10s %s %10s @ %s  %s",
			format.Clock(t.Timestamp), t.Exchange, t.Symbol, side,
			format.Number(t.Amount, 4), format.Price(t.Price), t.Status))
	}
	return section("СДЕЛКИ", lines)
}

func renderNotes(notes []feed.Notification) string {
	if len(notes) == 0 {
		return ""
	}
	lines := make([]string, 0, len(notes))
	for i := len(notes) - 1; i >= 0; i-- {
		n := notes[i]
		text := fmt.Sprintf("  [%s] %s", format.Clock(n.At), n.Message)
		switch n.Level {
		case feed.LevelError:
			text = downStyle.Render(text)
		case feed.LevelSuccess:
			text = upStyle.Render(text)
		}
		lines = append(lines, text)
	}
	return section("УВЕДОМЛЕНИЯ", lines)
}

func renderLogs(logs []string) string {
	lines := make([]string, 0, len(logs))
	for _, l := range logs {
		// Выделение по уровню логирования
		switch {
		case strings.Contains(l, "[ERROR]"):
			l = downStyle.Render(l)
		case strings.Contains(l, "[WARN]"):
			l = warnStyle.Render(l)
		case strings.Contains(l, "[DEBUG]"):
			l = mutedStyle.Render(l)
		}
		lines = append(lines, "  "+l)
	}
	return section("ЛОГИ", lines)
}
