package sender

import (
	"context"
	"errors"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type fakeBot struct {
	sent []tgbotapi.MessageConfig
	err  error
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if msg, ok := c.(tgbotapi.MessageConfig); ok {
		b.sent = append(b.sent, msg)
	}
	return tgbotapi.Message{}, b.err
}

func TestTelegramSender_Send(t *testing.T) {
	ctx := context.Background()

	t.Run("escapes and joins", func(t *testing.T) {
		bot := &fakeBot{}
		s := newTelegramSender(bot, 42)

		if err := s.Send(ctx, []string{"cap <10> reached", "a & b"}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(bot.sent) != 1 {
			t.Fatalf("expected 1 message, got %d", len(bot.sent))
		}
		msg := bot.sent[0]
		if msg.ChatID != 42 || msg.ParseMode != "HTML" {
			t.Errorf("unexpected message config: %+v", msg)
		}
		want := "<b>forecast-quota</b>\n\ncap &lt;10&gt; reached\n\na &amp; b"
		if msg.Text != want {
			t.Errorf("wrong text:\n got: %q\nwant: %q", msg.Text, want)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		bot := &fakeBot{}
		if err := newTelegramSender(bot, 1).Send(ctx, nil); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(bot.sent) != 0 {
			t.Errorf("expected no messages, got %d", len(bot.sent))
		}
	})

	t.Run("long text is split", func(t *testing.T) {
		bot := &fakeBot{}
		long := strings.Repeat("x", 3000)
		if err := newTelegramSender(bot, 1).Send(ctx, []string{long, long}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(bot.sent) != 2 {
			t.Fatalf("expected 2 parts, got %d", len(bot.sent))
		}
	})

	t.Run("bot error is wrapped", func(t *testing.T) {
		boom := errors.New("forbidden")
		err := newTelegramSender(&fakeBot{err: boom}, 1).Send(ctx, []string{"x"})
		if !errors.Is(err, boom) {
			t.Fatalf("expected wrapped error, got %v", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		bot := &fakeBot{}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err := newTelegramSender(bot, 1).Send(cctx, []string{"x"})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
		if len(bot.sent) != 0 {
			t.Errorf("nothing should be sent after cancel")
		}
	})
}

func TestEscapeTelegramHTML(t *testing.T) {
	in := "a&b<c>d"
	got := escapeTelegramHTML(in)
	want := "a&amp;b&lt;c&gt;d"
	if got != want {
		t.Fatalf("want %q, got %q", want, got)
	}
}

func TestSplitByLimit(t *testing.T) {
	text := strings.Repeat("a", 9000)

	parts := splitByLimit(text, 4000)
	if len(parts) < 2 {
		t.Fatalf("expected multiple parts, got %d", len(parts))
	}
	for i, p := range parts {
		if len(p) > 4000 {
			t.Fatalf("part %d too long: %d", i, len(p))
		}
	}
}
