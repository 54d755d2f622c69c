package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	gorillaWS "github.com/gorilla/websocket"
)

// watch 盯盘面板：连引擎 dashboard 的 WS 收持仓推送，
// 周期性拉 /api/status 补状态行。面板只读，不带任何交易入口。

var (
	watchHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("15")).
				Background(lipgloss.Color("62")).
				Padding(0, 1)

	watchOKStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")) // 绿色

	watchBadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("1")) // 红色

	watchDimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	watchBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(lipgloss.Color("238")).
				Padding(0, 1)
)

// wireEvent dashboard WS 的事件封包，Data 延迟解码。
type wireEvent struct {
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// wirePosition /api/positions 和 WS positions 事件的条目。
type wirePosition struct {
	Market           string  `json:"market"`
	QtyUp            float64 `json:"qty_up"`
	QtyDown          float64 `json:"qty_down"`
	PairCost         float64 `json:"pair_cost"`
	HedgedPairs      float64 `json:"hedged_pairs"`
	GuaranteedProfit float64 `json:"guaranteed_profit"`
	Imbalance        float64 `json:"imbalance"`
}

// wireStatus /api/status 响应。
type wireStatus struct {
	UptimeSecs    int64 `json:"uptime_secs"`
	Markets       int   `json:"markets"`
	Subscriptions int   `json:"subscriptions"`
	OpenOrders    int   `json:"open_orders"`
	WSClients     int   `json:"ws_clients"`
	Breakers      *struct {
		ConsecutiveLosses int     `json:"consecutive_losses"`
		SessionLossUSD    float64 `json:"session_loss_usd"`
		ActiveGames       int     `json:"active_games"`
		ActiveCycles      int     `json:"active_cycles"`
	} `json:"breakers"`
	AUM *struct {
		CashUSDC       float64 `json:"cash_usdc"`
		PositionsValue float64 `json:"positions_value"`
		Total          float64 `json:"total"`
	} `json:"aum"`
}

type watchTickMsg time.Time

type wsConnectedMsg struct {
	conn *gorillaWS.Conn
}

type wsEventMsg wireEvent

type wsErrMsg struct{ err error }

type statusMsg struct {
	status *wireStatus
	err    error
}

type watchModel struct {
	addr string
	conn *gorillaWS.Conn

	connected bool
	lastErr   error

	status     *wireStatus
	positions  []wirePosition
	lastEvents []string // 最近的模式切换/熔断事件行
	updatedAt  time.Time
}

func cmdWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	addr := fs.String("addr", "127.0.0.1:18080", "dashboard 监听地址")
	_ = fs.Parse(args)

	m := watchModel{addr: *addr}
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		watchTickCmd(),
		dialCmd(m.addr),
		fetchStatusCmd(m.addr),
	)
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.conn != nil {
				_ = m.conn.Close()
			}
			return m, tea.Quit
		}

	case watchTickMsg:
		return m, tea.Batch(watchTickCmd(), fetchStatusCmd(m.addr))

	case wsConnectedMsg:
		m.conn = msg.conn
		m.connected = true
		m.lastErr = nil
		return m, readEventCmd(m.conn)

	case wsEventMsg:
		m.updatedAt = msg.At
		switch msg.Type {
		case "positions":
			var ps []wirePosition
			if err := json.Unmarshal(msg.Data, &ps); err == nil {
				m.positions = ps
			}
		default:
			// 模式切换、熔断之类的业务事件，原样留一行
			line := fmt.Sprintf("%s  %s %s",
				msg.At.Format("15:04:05"), msg.Type, strings.TrimSpace(string(msg.Data)))
			m.lastEvents = append(m.lastEvents, line)
			if len(m.lastEvents) > 5 {
				m.lastEvents = m.lastEvents[len(m.lastEvents)-5:]
			}
		}
		return m, readEventCmd(m.conn)

	case wsErrMsg:
		m.connected = false
		m.conn = nil
		m.lastErr = msg.err
		// 断线后下个 tick 重连
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return dialCmd(m.addr)()
		})

	case statusMsg:
		if msg.err == nil {
			m.status = msg.status
		}
	}
	return m, nil
}

func (m watchModel) View() string {
	var b strings.Builder

	b.WriteString(watchHeaderStyle.Render(" goarb 盯盘 · " + m.addr))
	b.WriteString("  ")
	if m.connected {
		b.WriteString(watchOKStyle.Render("● 已连接"))
	} else {
		b.WriteString(watchBadStyle.Render("● 未连接"))
		if m.lastErr != nil {
			b.WriteString(watchDimStyle.Render("  " + m.lastErr.Error()))
		}
	}
	b.WriteString("\n\n")

	b.WriteString(m.statusLine())
	b.WriteString("\n")
	b.WriteString(watchBorderStyle.Render(m.positionsTable()))
	b.WriteString("\n")

	if len(m.lastEvents) > 0 {
		b.WriteString("\n最近事件:\n")
		for _, line := range m.lastEvents {
			b.WriteString(watchDimStyle.Render("  " + line))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(watchDimStyle.Render("q 退出"))
	b.WriteString("\n")
	return b.String()
}

func (m watchModel) statusLine() string {
	if m.status == nil {
		return watchDimStyle.Render("状态: 等待 /api/status ...")
	}
	s := m.status
	line := fmt.Sprintf("运行 %s · 市场 %d · 订阅 %d · 挂单 %d",
		(time.Duration(s.UptimeSecs) * time.Second).String(),
		s.Markets, s.Subscriptions, s.OpenOrders)
	if s.AUM != nil {
		line += fmt.Sprintf(" · AUM $%.2f", s.AUM.Total)
	}
	if s.Breakers != nil {
		brk := fmt.Sprintf("连败 %d · 场次亏损 $%.2f · 活跃周期 %d",
			s.Breakers.ConsecutiveLosses, s.Breakers.SessionLossUSD, s.Breakers.ActiveCycles)
		if s.Breakers.ConsecutiveLosses > 0 || s.Breakers.SessionLossUSD > 0 {
			line += " · " + watchBadStyle.Render(brk)
		} else {
			line += " · " + watchDimStyle.Render(brk)
		}
	}
	return line
}

func (m watchModel) positionsTable() string {
	if len(m.positions) == 0 {
		return watchDimStyle.Render("暂无持仓")
	}
	var b strings.Builder
	b.WriteString(fmt.Sprintf("%-28s %8s %8s %8s %8s %10s %8s\n",
		"市场", "Up", "Down", "对成本", "配对", "锁定利润", "失衡"))
	for _, p := range m.positions {
		profit := fmt.Sprintf("$%.2f", p.GuaranteedProfit)
		if p.GuaranteedProfit > 0 {
			profit = watchOKStyle.Render(profit)
		} else if p.GuaranteedProfit < 0 {
			profit = watchBadStyle.Render(profit)
		}
		b.WriteString(fmt.Sprintf("%-28s %8.1f %8.1f %8.3f %8.1f %10s %8.1f\n",
			truncate(p.Market, 28), p.QtyUp, p.QtyDown, p.PairCost,
			p.HedgedPairs, profit, p.Imbalance))
	}
	if !m.updatedAt.IsZero() {
		b.WriteString(watchDimStyle.Render("更新于 " + m.updatedAt.Format("15:04:05")))
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func watchTickCmd() tea.Cmd {
	return tea.Tick(3*time.Second, func(t time.Time) tea.Msg {
		return watchTickMsg(t)
	})
}

func dialCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		u := url.URL{Scheme: "ws", Host: addr, Path: "/ws"}
		conn, _, err := gorillaWS.DefaultDialer.Dial(u.String(), nil)
		if err != nil {
			return wsErrMsg{err: err}
		}
		return wsConnectedMsg{conn: conn}
	}
}

// readEventCmd 阻塞读一条 WS 事件；bubbletea 的命令模型下
// 每收一条就重新排一个读命令。
func readEventCmd(conn *gorillaWS.Conn) tea.Cmd {
	return func() tea.Msg {
		var evt wireEvent
		if err := conn.ReadJSON(&evt); err != nil {
			return wsErrMsg{err: err}
		}
		return wsEventMsg(evt)
	}
}

func fetchStatusCmd(addr string) tea.Cmd {
	return func() tea.Msg {
		client := &http.Client{Timeout: 2 * time.Second}
		resp, err := client.Get("http://" + addr + "/api/status")
		if err != nil {
			return statusMsg{err: err}
		}
		defer resp.Body.Close()
		var s wireStatus
		if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
			return statusMsg{err: err}
		}
		return statusMsg{status: &s}
	}
}
