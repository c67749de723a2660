package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/alexjbarnes/chat-sync/chat"
	"github.com/alexjbarnes/chat-sync/internal/credentials"
	"github.com/alexjbarnes/chat-sync/internal/render"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const followHelp = `Type a message and press enter to send it. End a line with \ to
continue the message on the next line. Commands:
  /older            load older history
  /edit <id> <text> replace one of your messages
  /delete <id>      delete one of your messages
  /read             mark the conversation read
  /switch <id>      follow another conversation
  /quit             leave`

func newFollowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "follow [conversation-id]",
		Short: "Follow a conversation live and post from stdin",
		Long: "Follow a conversation live and post from stdin. Without an id the\n" +
			"conversation followed last is reopened.\n\n" + followHelp,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWithApp(cmd, func(ctx context.Context, a *app) error {
				conversationID := a.state.LastConversation(a.cfg.APIURL)

				if len(args) == 1 {
					id, err := parseID(args[0], "conversation id")
					if err != nil {
						return err
					}

					conversationID = id
				}

				if conversationID == 0 {
					return errors.New("no conversation given and none followed before")
				}

				f := &follower{
					app:            a,
					in:             cmd.InOrStdin(),
					out:            cmd.OutOrStdout(),
					conversationID: conversationID,
					tokens:         make(chan string, 1),
					printed:        make(map[int64]bool),
				}

				return f.run(ctx)
			})
		},
	}
}

// inputKind classifies one line typed while following.
type inputKind int

const (
	inputMessage inputKind = iota
	inputContinue
	inputOlder
	inputEdit
	inputDelete
	inputRead
	inputSwitch
	inputQuit
	inputHelp
	inputInvalid
)

type input struct {
	kind inputKind
	id   int64
	text string
}

// parseInput interprets a line. Unknown slash commands are invalid so a
// mistyped command is never sent as a message.
func parseInput(line string) input {
	if strings.HasSuffix(line, `\`) {
		return input{kind: inputContinue, text: strings.TrimSuffix(line, `\`)}
	}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return input{kind: inputMessage, text: line}
	}

	name, rest, _ := strings.Cut(trimmed, " ")
	rest = strings.TrimSpace(rest)

	withID := func(kind inputKind) input {
		idStr, text, _ := strings.Cut(rest, " ")

		id, err := parseID(idStr, "id")
		if err != nil {
			return input{kind: inputInvalid, text: err.Error()}
		}

		return input{kind: kind, id: id, text: strings.TrimSpace(text)}
	}

	switch name {
	case "/older":
		return input{kind: inputOlder}
	case "/edit":
		in := withID(inputEdit)
		if in.kind == inputEdit && in.text == "" {
			return input{kind: inputInvalid, text: "usage: /edit <id> <text>"}
		}

		return in
	case "/delete":
		return withID(inputDelete)
	case "/read":
		return input{kind: inputRead}
	case "/switch":
		return withID(inputSwitch)
	case "/quit", "/q":
		return input{kind: inputQuit}
	case "/help", "/?":
		return input{kind: inputHelp}
	}

	return input{kind: inputInvalid, text: "unknown command " + name}
}

// follower runs one interactive follow. Router callbacks arrive on the
// connection goroutine, so all output goes through mu.
type follower struct {
	app            *app
	in             io.Reader
	out            io.Writer
	conversationID int64
	tokens         chan string

	mu      sync.Mutex
	printer *render.Printer
	printed map[int64]bool
	pending []string
}

func (f *follower) run(ctx context.Context) error {
	token, err := f.app.token(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if path := f.app.cfg.TokenFile; path != "" {
		watcher, err := credentials.NewFileWatcher(path, f.app.logger, func(tok string) {
			select {
			case f.tokens <- tok:
			default:
				// Replace the rotation not yet picked up.
				select {
				case <-f.tokens:
				default:
				}
				f.tokens <- tok
			}
		})
		if err != nil {
			return err
		}

		g.Go(func() error { return watcher.Watch(gctx) })
	}

	// Reads from stdin cannot be interrupted, so this goroutine is not
	// part of the group and simply exits with the process.
	lines := make(chan string)
	go readLines(f.in, lines)

	g.Go(func() error {
		defer cancel()
		return f.loop(gctx, token, lines)
	})

	return g.Wait()
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines <- scanner.Text()
	}
}

func (f *follower) loop(ctx context.Context, token string, lines <-chan string) error {
	s, err := f.open(ctx, token)
	if err != nil {
		return err
	}
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case tok := <-f.tokens:
			f.app.logger.Info("token rotated, reconnecting")
			s.Close()

			next, err := f.open(ctx, tok)
			if err != nil {
				s = nil
				return err
			}

			s = next

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			next, quit := f.handle(ctx, s, parseInput(line))
			if quit {
				return nil
			}

			f.conversationID = next
		}
	}
}

// open creates a session with token and selects the followed
// conversation.
func (f *follower) open(ctx context.Context, token string) (*chat.Session, error) {
	f.mu.Lock()
	f.printer = render.NewPrinter(f.out, selfID(token))
	f.mu.Unlock()

	s := chat.NewSession(ctx, f.app.client(token), token, f.app.sessionConfig(), f.app.logger)

	s.Router().Subscribe(chat.Handlers{
		Message: func(m chat.Message) {
			if m.ConversationID == 0 || m.ConversationID == s.Store().Active() {
				f.printMessage(m)
			}
		},
		Typing: func(chat.TypingEvent) {
			f.println(render.Typing(s.Store().TypingUsers()))
		},
		Error: func(ev chat.ErrorEvent) {
			f.withPrinter(func(p *render.Printer) string { return p.Error(ev) })
		},
		State: func(sc chat.StateChange) {
			f.withPrinter(func(p *render.Printer) string { return p.State(sc) })
		},
	})

	if err := s.RefreshConversations(ctx); err != nil {
		f.app.logger.Warn("loading conversations", slog.String("error", err.Error()))
	}

	if err := f.selectConversation(ctx, s, f.conversationID); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

func (f *follower) selectConversation(ctx context.Context, s *chat.Session, conversationID int64) error {
	if err := s.Select(ctx, conversationID); err != nil {
		return err
	}

	if c, ok := s.Store().Conversation(conversationID); ok {
		f.withPrinter(func(p *render.Printer) string { return p.Conversation(c) })
	}

	for _, m := range s.Store().Messages() {
		f.printMessage(m)
	}

	if err := f.app.state.SetLastConversation(f.app.cfg.APIURL, conversationID); err != nil {
		f.app.logger.Warn("failed to save conversation", slog.String("error", err.Error()))
	}

	return nil
}

// handle applies one input and returns the conversation now followed.
// Action errors are shown, not returned, so a failed send does not end
// the session.
func (f *follower) handle(ctx context.Context, s *chat.Session, in input) (int64, bool) {
	current := f.conversationID

	switch in.kind {
	case inputQuit:
		return current, true

	case inputHelp:
		f.println(followHelp)

	case inputInvalid:
		f.println(in.text)

	case inputContinue:
		f.pending = append(f.pending, in.text)
		s.Keystroke()

	case inputMessage:
		body := strings.Join(append(f.pending, in.text), "\n")
		f.pending = nil

		if chat.NormalizeBody(body) == "" {
			break
		}

		msg, err := s.Send(ctx, body)
		if err != nil {
			f.println("send failed: " + err.Error())
			break
		}

		f.printMessage(*msg)

	case inputOlder:
		before := len(s.Store().Messages())

		more, err := s.LoadOlder(ctx)
		if err != nil {
			f.println("loading history failed: " + err.Error())
			break
		}

		msgs := s.Store().Messages()
		for _, m := range msgs[:max(len(msgs)-before, 0)] {
			f.printMessage(m)
		}

		if !more {
			f.println("(start of conversation)")
		}

	case inputEdit:
		var before string

		for _, m := range s.Store().Messages() {
			if m.ID == in.id {
				before = m.Body
			}
		}

		msg, err := s.Edit(ctx, in.id, in.text)
		if err != nil {
			f.println("edit failed: " + err.Error())
			break
		}

		f.withPrinter(func(p *render.Printer) string { return p.EditDiff(before, msg.Body) })

	case inputDelete:
		if err := s.Delete(ctx, in.id); err != nil {
			f.println("delete failed: " + err.Error())
			break
		}

		f.println(fmt.Sprintf("deleted message %d", in.id))

	case inputRead:
		if err := s.MarkRead(ctx); err != nil {
			f.println("mark read failed: " + err.Error())
		}

	case inputSwitch:
		f.pending = nil

		if err := f.selectConversation(ctx, s, in.id); err != nil {
			f.println("switch failed: " + err.Error())
			break
		}

		return in.id, false
	}

	return current, false
}

func (f *follower) printMessage(m chat.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.printed[m.ID] {
		return
	}

	f.printed[m.ID] = true
	f.printer.Println(f.printer.Message(m))
}

func (f *follower) withPrinter(fn func(p *render.Printer) string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.printer.Println(fn(f.printer))
}

func (f *follower) println(line string) {
	f.withPrinter(func(*render.Printer) string { return line })
}
