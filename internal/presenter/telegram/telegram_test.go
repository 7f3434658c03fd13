package telegram

import (
	"context"
	"errors"
	"html"
	"strings"
	"testing"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"notifyd/internal/manager"
	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"
)

type fakeBot struct {
	nextID  int
	sent    []string
	edits   map[int]string
	deleted []int
	editErr error
}

func (f *fakeBot) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.nextID++
	f.sent = append(f.sent, what.(string))
	return &tele.Message{ID: f.nextID, Chat: &tele.Chat{ID: 42}}, nil
}

func (f *fakeBot) Edit(msg tele.Editable, what interface{}, _ ...interface{}) (*tele.Message, error) {
	if f.editErr != nil {
		return nil, f.editErr
	}
	m := msg.(*tele.Message)
	if f.edits == nil {
		f.edits = map[int]string{}
	}
	f.edits[m.ID] = what.(string)
	return m, nil
}

func (f *fakeBot) Delete(msg tele.Editable) error {
	f.deleted = append(f.deleted, msg.(*tele.Message).ID)
	return nil
}

func posted(tag, title string) manager.Posted {
	return manager.Posted{Key: manager.Key{Tag: tag}, Notification: notification.Notification{Title: title, Body: "a < b"}}
}

func TestPresentEditsInPlaceOnReplace(t *testing.T) {
	bot := &fakeBot{}
	p := newWithAPI(Config{ChatID: 42}, logx.Nop(), bot)
	ctx := context.Background()

	if err := p.Present(ctx, posted("abc", "one"), false); err != nil {
		t.Fatalf("present: %v", err)
	}
	if len(bot.sent) != 1 || bot.sent[0] != "<b>one</b>\na &lt; b" {
		t.Fatalf("sent=%q", bot.sent)
	}
	if err := p.Present(ctx, posted("abc", "two"), true); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("replacement should edit, not send: %q", bot.sent)
	}
	if bot.edits[1] != "<b>two</b>\na &lt; b" {
		t.Fatalf("edits=%v", bot.edits)
	}

	if err := p.Dismiss(ctx, manager.Key{Tag: "abc"}); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if len(bot.deleted) != 1 || bot.deleted[0] != 1 {
		t.Fatalf("deleted=%v", bot.deleted)
	}
}

func TestPresentFallsBackToSendWhenEditFails(t *testing.T) {
	bot := &fakeBot{}
	p := newWithAPI(Config{ChatID: 42}, logx.Nop(), bot)
	ctx := context.Background()

	_ = p.Present(ctx, posted("x", "one"), false)
	bot.editErr = errors.New("message to edit not found")
	if err := p.Present(ctx, posted("x", "two"), true); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if len(bot.sent) != 2 {
		t.Fatalf("expected a fresh message, sent=%q", bot.sent)
	}
	bot.editErr = nil
	_ = p.Dismiss(ctx, manager.Key{Tag: "x"})
	if len(bot.deleted) != 1 || bot.deleted[0] != 2 {
		t.Fatalf("should delete the replacement message, deleted=%v", bot.deleted)
	}
}

func checkChunks(t *testing.T, chunks []string, limit int) {
	t.Helper()
	for i, c := range chunks {
		if n := utf8.RuneCountInString(c); n > limit {
			t.Fatalf("chunk %d has %d runes, limit %d", i, n, limit)
		}
		if strings.Count(c, "<b>") != strings.Count(c, "</b>") || strings.Count(c, "<i>") != strings.Count(c, "</i>") {
			t.Fatalf("chunk %d has unbalanced tags: %q", i, c)
		}
		if strings.HasSuffix(c, "\n") {
			t.Fatalf("chunk %d should be trimmed: %q", i, c)
		}
		rest := c
		for {
			j := strings.IndexByte(rest, '&')
			if j < 0 {
				break
			}
			semi := strings.IndexByte(rest[j:], ';')
			if semi < 0 || semi > 5 {
				t.Fatalf("chunk %d cuts an entity: %q", i, rest[j:min(len(rest), j+8)])
			}
			rest = rest[j+semi:]
		}
	}
}

func TestRenderChunksPrefersNewlines(t *testing.T) {
	line := strings.Repeat("x", 30) + "\n"
	n := notification.Notification{Body: strings.Repeat(line, 10)}
	chunks := renderChunks(n, 100)
	if len(chunks) < 4 {
		t.Fatalf("chunks=%d", len(chunks))
	}
	checkChunks(t, chunks, 100)
	for _, c := range chunks {
		for _, l := range strings.Split(c, "\n") {
			if len(l) != 30 {
				t.Fatalf("line was cut mid-way: %q", l)
			}
		}
	}
}

func TestRenderChunksLongTitleKeepsTagsBalanced(t *testing.T) {
	n := notification.Notification{Title: strings.Repeat("T", 4100), Subtitle: "sub", Body: "body"}
	chunks := renderChunks(n, textLimit)
	if len(chunks) < 2 {
		t.Fatalf("chunks=%d", len(chunks))
	}
	checkChunks(t, chunks, textLimit)
	if !strings.HasPrefix(chunks[1], "<b>") {
		t.Fatalf("continued title should reopen bold: %q", chunks[1][:10])
	}
	last := chunks[len(chunks)-1]
	if !strings.Contains(last, "<i>sub</i>") || !strings.HasSuffix(last, "body") {
		t.Fatalf("last=%q", last)
	}
}

func TestRenderChunksNeverCutsEntities(t *testing.T) {
	for _, body := range []string{strings.Repeat("&", 4100), strings.Repeat("a<b", 2000), "x" + strings.Repeat("\"'", 1500)} {
		n := notification.Notification{Title: "t", Body: body}
		chunks := renderChunks(n, textLimit)
		checkChunks(t, chunks, textLimit)
		var plain strings.Builder
		for i, c := range chunks {
			if i == 0 {
				c = strings.TrimPrefix(c, "<b>t</b>\n")
			}
			plain.WriteString(html.UnescapeString(c))
		}
		if plain.String() != body {
			t.Fatalf("content lost across chunks (%d runes, want %d)", utf8.RuneCountInString(plain.String()), utf8.RuneCountInString(body))
		}
	}
}

func TestRenderChunksEmpty(t *testing.T) {
	if got := renderChunks(notification.Notification{}, textLimit); len(got) != 1 || got[0] != "(empty notification)" {
		t.Fatalf("got=%q", got)
	}
}
