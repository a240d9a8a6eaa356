package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/okxloot20-pixel/Mexc-bot/internal/alerts"
	"github.com/okxloot20-pixel/Mexc-bot/internal/engine"
	"github.com/okxloot20-pixel/Mexc-bot/internal/mexc"
	"github.com/okxloot20-pixel/Mexc-bot/internal/spread"
	"github.com/okxloot20-pixel/Mexc-bot/internal/store"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID int64     `json:"update_id"`
	Time     time.Time `json:"time"`
	Action   string    `json:"action"`
	Command  string    `json:"command"`
	UserID   int64     `json:"user_id"`
	Username string    `json:"username,omitempty"`
	ChatID   int64     `json:"chat_id"`
	Detail   string    `json:"detail,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || !a.alerts.Enabled() {
		return
	}
	pollInterval := a.cfg.Telegram.PollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.AdminUserIDs))
	for _, id := range a.cfg.Telegram.AdminUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, allowedUsers map[int64]struct{}) {
	if upd.Message == nil || upd.Message.From == nil {
		return
	}
	msg := upd.Message
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, meta.ChatID, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	// Group chats address commands as /cmd@BotName.
	if at := strings.IndexByte(cmd, '@'); at >= 0 {
		cmd = cmd[:at]
	}
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "start", "help":
		return operatorHelpText(), nil
	case "register":
		return a.handleRegister(ctx, args, meta)
	case "status":
		return a.handleStatus(ctx, meta)
	case "monitor":
		return a.handleMonitor(ctx, args, meta)
	case "watch":
		return a.handleWatch(ctx, args, meta)
	case "price":
		return a.handlePrice(ctx, args)
	case "short":
		return a.handleShort(ctx, args, meta)
	case "close":
		return a.handleClose(ctx, args, meta)
	case "positions":
		return a.handlePositions(ctx, meta)
	case "orders":
		return a.handleOrders(ctx, meta)
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleRegister(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 2 {
		return "", errors.New("usage: /register <api_key> <api_secret>")
	}
	acct := store.Account{
		UserID:    meta.UserID,
		ChatID:    meta.ChatID,
		APIKey:    args[0],
		APISecret: args[1],
	}
	if err := a.store.UpsertAccount(ctx, acct); err != nil {
		return "", err
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   "register",
		Command:  "/register ***",
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
	})
	return "account registered, use /watch add <symbol> and /monitor on", nil
}

func (a *App) handleStatus(ctx context.Context, meta operatorMeta) (string, error) {
	acct, ok, err := a.store.Account(ctx, meta.UserID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "not registered, use /register <api_key> <api_secret>", nil
	}
	items, err := a.store.Watchlist(ctx, meta.UserID)
	if err != nil {
		return "", err
	}
	lines := []string{
		fmt.Sprintf("monitoring: %t", acct.MonitoringEnabled),
		fmt.Sprintf("tick_interval: %s", a.cfg.Monitor.TickInterval),
		fmt.Sprintf("thresholds: entry>=%.2f%% reset<%.2f%% exit<%.2f%%",
			a.cfg.Monitor.EntryThresholdPercent,
			a.cfg.Monitor.ResetThresholdPercent,
			a.cfg.Monitor.ExitThresholdPercent),
		fmt.Sprintf("watched: %d", len(items)),
	}
	for _, item := range items {
		st, err := a.store.GetOrInit(ctx, meta.UserID, item.Symbol)
		if err != nil {
			return "", err
		}
		state := "watching"
		if st.Armed {
			state = "armed"
		}
		line := fmt.Sprintf("%s: %s", item.Symbol, state)
		if !st.LastSpreadPercent.IsZero() {
			line += fmt.Sprintf(" (last spread %s%%)", st.LastSpreadPercent.StringFixed(2))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) handleMonitor(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /monitor on|off")
	}
	var enable bool
	switch strings.ToLower(args[0]) {
	case "on":
		enable = true
	case "off":
		enable = false
	default:
		return "", errors.New("usage: /monitor on|off")
	}
	if _, ok, err := a.store.Account(ctx, meta.UserID); err != nil {
		return "", err
	} else if !ok {
		return "not registered, use /register <api_key> <api_secret>", nil
	}
	if err := a.store.SetMonitoring(ctx, meta.UserID, enable); err != nil {
		return "", err
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   "monitor",
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Detail:   strconv.FormatBool(enable),
	})
	if enable {
		return "monitoring enabled", nil
	}
	return "monitoring disabled", nil
}

func (a *App) handleWatch(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "list") {
		items, err := a.store.Watchlist(ctx, meta.UserID)
		if err != nil {
			return "", err
		}
		if len(items) == 0 {
			return "watchlist empty", nil
		}
		lines := make([]string, 0, len(items))
		for _, item := range items {
			if item.PairMint == "" {
				lines = append(lines, item.Symbol+" (no reference pair)")
				continue
			}
			lines = append(lines, item.Symbol)
		}
		return strings.Join(lines, "\n"), nil
	}
	if len(args) != 2 {
		return "", errors.New("usage: /watch add|remove <symbol> or /watch list")
	}
	symbol := strings.TrimSuffix(strings.ToUpper(args[1]), "_USDT")
	switch strings.ToLower(args[0]) {
	case "add":
		var mint string
		if a.universe != nil {
			m, ok, err := a.universe.PairMint(ctx, symbol)
			if err != nil {
				return "", err
			}
			if !ok {
				return fmt.Sprintf("%s is not in the active token universe", symbol), nil
			}
			mint = m
		}
		if err := a.store.AddWatch(ctx, store.WatchItem{UserID: meta.UserID, Symbol: symbol, PairMint: mint}); err != nil {
			return "", err
		}
		if mint == "" {
			return fmt.Sprintf("watching %s (no reference pair, symbol will not auto-trade)", symbol), nil
		}
		return fmt.Sprintf("watching %s", symbol), nil
	case "remove":
		removed, err := a.store.RemoveWatch(ctx, meta.UserID, symbol)
		if err != nil {
			return "", err
		}
		if !removed {
			return fmt.Sprintf("%s was not watched", symbol), nil
		}
		return fmt.Sprintf("stopped watching %s", symbol), nil
	default:
		return "", errors.New("usage: /watch add|remove <symbol> or /watch list")
	}
}

func (a *App) handlePrice(ctx context.Context, args []string) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /price <symbol>")
	}
	symbol := strings.ToUpper(args[0])
	exchangePrice, err := a.feeds.ExchangePrice(ctx, symbol)
	if err != nil {
		return "", err
	}
	lines := []string{fmt.Sprintf("%s exchange: %s", symbol, exchangePrice)}
	if a.universe != nil {
		if mint, ok, err := a.universe.PairMint(ctx, symbol); err == nil && ok {
			if referencePrice, err := a.jupiter.Price(ctx, mint); err == nil {
				if sp, err := spread.Compute(exchangePrice, referencePrice); err == nil {
					direction := "unfavorable"
					if sp.Favorable {
						direction = "favorable"
					}
					lines = append(lines,
						fmt.Sprintf("reference: %s", referencePrice),
						fmt.Sprintf("spread: %s%% (%s)", sp.Percent.StringFixed(2), direction),
					)
				}
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) handleShort(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", errors.New("usage: /short <symbol> [volume]")
	}
	acct, resp, err := a.requireAccount(ctx, meta.UserID)
	if resp != "" || err != nil {
		return resp, err
	}
	symbol := strings.ToUpper(args[0])
	var vol float64
	if len(args) == 2 {
		vol, err = strconv.ParseFloat(args[1], 64)
		if err != nil || vol <= 0 {
			return "", errors.New("volume must be a positive number")
		}
	}
	orderID, err := a.evaluator.ManualShort(ctx, acct, symbol, vol)
	if err != nil {
		return "", err
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   "manual_short",
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Detail:   orderID,
	})
	return fmt.Sprintf("short opened on %s, order %s", symbol, orderID), nil
}

func (a *App) handleClose(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) != 1 {
		return "", errors.New("usage: /close <symbol>")
	}
	acct, resp, err := a.requireAccount(ctx, meta.UserID)
	if resp != "" || err != nil {
		return resp, err
	}
	symbol := strings.ToUpper(args[0])
	orderID, err := a.evaluator.ManualClose(ctx, acct, symbol)
	if errors.Is(err, engine.ErrNoOpenShort) {
		return fmt.Sprintf("no open short on %s", symbol), nil
	}
	if err != nil {
		return "", err
	}
	a.auditOperatorEvent(ctx, operatorAuditEvent{
		UpdateID: meta.UpdateID,
		Time:     time.Now().UTC(),
		Action:   "manual_close",
		Command:  meta.Raw,
		UserID:   meta.UserID,
		Username: meta.Username,
		ChatID:   meta.ChatID,
		Detail:   orderID,
	})
	return fmt.Sprintf("short closed on %s, order %s", symbol, orderID), nil
}

func (a *App) handlePositions(ctx context.Context, meta operatorMeta) (string, error) {
	acct, resp, err := a.requireAccount(ctx, meta.UserID)
	if resp != "" || err != nil {
		return resp, err
	}
	positions, err := a.exchange.OpenPositions(ctx, mexc.Credentials{APIKey: acct.APIKey, APISecret: acct.APISecret})
	if err != nil {
		return "", err
	}
	if len(positions) == 0 {
		return "no open positions", nil
	}
	lines := make([]string, 0, len(positions))
	for _, pos := range positions {
		side := "long"
		if pos.PositionType == mexc.PositionShort {
			side = "short"
		}
		lines = append(lines, fmt.Sprintf("%s %s vol %.4f", pos.Symbol, side, pos.HoldVol))
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) handleOrders(ctx context.Context, meta operatorMeta) (string, error) {
	acct, resp, err := a.requireAccount(ctx, meta.UserID)
	if resp != "" || err != nil {
		return resp, err
	}
	orders, err := a.exchange.OpenOrders(ctx, mexc.Credentials{APIKey: acct.APIKey, APISecret: acct.APISecret})
	if err != nil {
		return "", err
	}
	if len(orders) == 0 {
		return "no open orders", nil
	}
	lines := make([]string, 0, len(orders))
	for _, order := range orders {
		lines = append(lines, fmt.Sprintf("%s order %s side %d vol %.4f", order.Symbol, order.OrderID, order.Side, order.Vol))
	}
	return strings.Join(lines, "\n"), nil
}

func (a *App) requireAccount(ctx context.Context, userID int64) (store.Account, string, error) {
	acct, ok, err := a.store.Account(ctx, userID)
	if err != nil {
		return store.Account{}, "", err
	}
	if !ok {
		return store.Account{}, "not registered, use /register <api_key> <api_secret>", nil
	}
	return acct, "", nil
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/register <api_key> <api_secret> - link your exchange account",
		"/status - monitoring state and per-symbol hysteresis",
		"/monitor on|off - start or stop automatic trading",
		"/watch add <symbol> - add a symbol to the watchlist",
		"/watch remove <symbol> - drop a symbol",
		"/watch list - show watched symbols",
		"/price <symbol> - current exchange and reference prices",
		"/short <symbol> [volume] - open a market short now",
		"/close <symbol> - close the open short now",
		"/positions - open positions",
		"/orders - open orders",
	}, "\n")
}

func (a *App) logOperatorError(err error) {
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}
