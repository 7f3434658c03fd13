// Package telegram mirrors notifications into a Telegram chat.
//
// Each (tag, id) maps to the messages that rendered it, so a replacement
// edits the existing message in place and a cancel deletes it.
package telegram

import (
	"context"
	"errors"
	"html"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/manager"
	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

const textLimit = 4000

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

// api is the subset of *tele.Bot the presenter needs.
type api interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	Edit(msg tele.Editable, what interface{}, opts ...interface{}) (*tele.Message, error)
	Delete(msg tele.Editable) error
}

type Presenter struct {
	cfg Config
	log logx.Logger
	bot api

	mu   sync.Mutex
	sent map[manager.Key][]*tele.Message
}

func New(cfg Config, log logx.Logger) (*Presenter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Client: &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return newWithAPI(cfg, log, b), nil
}

func newWithAPI(cfg Config, log logx.Logger, bot api) *Presenter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Presenter{cfg: cfg, log: log, bot: bot, sent: map[manager.Key][]*tele.Message{}}
}

func (p *Presenter) Name() string { return "telegram" }

func (p *Presenter) Present(ctx context.Context, posted manager.Posted, replaced bool) error {
	chunks := renderChunks(posted.Notification, textLimit)
	opt := &tele.SendOptions{
		ParseMode:           tele.ModeHTML,
		DisableNotification: posted.Notification.Silent,
		ThreadID:            p.cfg.ThreadID,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	old := p.sent[posted.Key]
	if !replaced || len(old) == 0 {
		msgs, err := p.sendAll(ctx, chunks, opt)
		if len(msgs) > 0 {
			p.sent[posted.Key] = msgs
		}
		return err
	}

	// Edit what is already in the chat; trim or extend to the new length.
	msgs := make([]*tele.Message, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			if i < len(old) {
				msgs = append(msgs, old[i:]...)
			}
			p.sent[posted.Key] = msgs
			return err
		}
		if i < len(old) {
			m, err := p.bot.Edit(old[i], chunk, &tele.SendOptions{ParseMode: tele.ModeHTML})
			switch {
			case err == nil:
				msgs = append(msgs, m)
				continue
			case errors.Is(err, tele.ErrSameMessageContent):
				msgs = append(msgs, old[i])
				continue
			default:
				p.log.Debug("edit failed; sending a new message", logx.Int("message_id", old[i].ID), logx.Err(err))
			}
		}
		m, err := p.bot.Send(p.chat(), chunk, opt)
		if err != nil {
			p.sent[posted.Key] = msgs
			return err
		}
		msgs = append(msgs, m)
	}
	for _, extra := range old[min(len(chunks), len(old)):] {
		if err := p.bot.Delete(extra); err != nil {
			p.log.Debug("delete of surplus message failed", logx.Int("message_id", extra.ID), logx.Err(err))
		}
	}
	p.sent[posted.Key] = msgs
	return nil
}

func (p *Presenter) Dismiss(ctx context.Context, key manager.Key) error {
	p.mu.Lock()
	msgs := p.sent[key]
	delete(p.sent, key)
	p.mu.Unlock()

	var errs []error
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.bot.Delete(m); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Presenter) chat() *tele.Chat { return &tele.Chat{ID: p.cfg.ChatID} }

func (p *Presenter) sendAll(ctx context.Context, chunks []string, opt *tele.SendOptions) ([]*tele.Message, error) {
	out := make([]*tele.Message, 0, len(chunks))
	for _, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		m, err := p.bot.Send(p.chat(), chunk, opt)
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// renderChunks renders n as Telegram HTML in messages of at most limit runes.
// Plain text is cut before escaping, so a chunk never splits an entity and
// closes every tag it opens. Cuts prefer newlines.
func renderChunks(n notification.Notification, limit int) []string {
	parts := []struct{ open, close, text string }{
		{"<b>", "</b>", n.Title},
		{"<i>", "</i>", n.Subtitle},
		{"", "", n.Body},
	}

	var (
		out  []string
		cur  strings.Builder
		size int
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
			size = 0
		}
	}

	for _, part := range parts {
		rs := []rune(part.text)
		wrap := len(part.open) + len(part.close)
		for len(rs) > 0 {
			sep := 0
			if size > 0 {
				sep = 1
			}
			room := limit - size - sep - wrap
			if size > 0 && room < limit/3 {
				flush()
				continue
			}

			end, used := 0, 0
			for end < len(rs) {
				w := escapedLen(rs[end])
				if used+w > room {
					break
				}
				used += w
				end++
			}
			if end < len(rs) {
				for i := end - 1; i > 0 && i >= end/3; i-- {
					if rs[i] == '\n' {
						end = i + 1
						break
					}
				}
			}
			if end == 0 {
				if size > 0 {
					flush()
					continue
				}
				end = 1
			}

			piece := strings.TrimRight(string(rs[:end]), "\n")
			rs = rs[end:]
			for len(rs) > 0 && rs[0] == '\n' {
				rs = rs[1:]
			}
			if piece != "" {
				esc := html.EscapeString(piece)
				if sep > 0 {
					cur.WriteString("\n")
				}
				cur.WriteString(part.open)
				cur.WriteString(esc)
				cur.WriteString(part.close)
				size += sep + wrap + utf8.RuneCountInString(esc)
			}
			if len(rs) > 0 {
				flush()
			}
		}
	}
	flush()
	if len(out) == 0 {
		return []string{"(empty notification)"}
	}
	return out
}

// escapedLen is the rune length of r after html.EscapeString.
func escapedLen(r rune) int {
	switch r {
	case '<', '>':
		return 4
	case '&', '\'', '"':
		return 5
	}
	return 1
}
