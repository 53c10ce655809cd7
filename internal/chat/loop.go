// Package chat runs the console conversation loop. It owns all rendering
// and input reading; the session driver underneath never prints anything.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/mwmacmahon/llmtextadventure/internal/history"
	"github.com/mwmacmahon/llmtextadventure/internal/session"
	"github.com/mwmacmahon/llmtextadventure/internal/store"
)

// Loop reads user text, streams replies to the console, and repeats until
// the user ends the session.
type Loop struct {
	driver    *session.Driver
	transform func(string) string
	in        *bufio.Scanner
	out       io.Writer
	aiPrefix  string
}

func NewLoop(driver *session.Driver, transformFn func(string) string, in io.Reader, out io.Writer, aiPrefix string) *Loop {
	if transformFn == nil {
		transformFn = func(s string) string { return s }
	}
	if aiPrefix == "" {
		aiPrefix = "Assistant: "
	}
	return &Loop{
		driver:    driver,
		transform: transformFn,
		in:        bufio.NewScanner(in),
		out:       out,
		aiPrefix:  aiPrefix,
	}
}

type scanLine struct {
	text string
	err  error
	eof  bool
}

// Run loops until EOF, an exit command, or context cancellation. A signal on
// interrupts cancels only the query in flight; a signal with no query in
// flight ends the session, so two interrupts in a row always exit.
func (l *Loop) Run(ctx context.Context, interrupts <-chan os.Signal) error {
	l.displayHistory()

	lines := make(chan scanLine)
	go func() {
		for l.in.Scan() {
			lines <- scanLine{text: l.in.Text()}
		}
		lines <- scanLine{err: l.in.Err(), eof: true}
	}()

	for {
		fmt.Fprint(l.out, "\nYou: ")

		var input string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-interrupts:
			fmt.Fprintln(l.out)
			return nil
		case line := <-lines:
			if line.eof {
				return line.err
			}
			input = strings.TrimSpace(line.text)
		}

		switch input {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/undo":
			// Withdraw the latest exchange and redraw.
			l.driver.History().TrimLast(2)
			l.displayHistory()
			continue
		case "/history":
			l.displayHistory()
			continue
		}

		res, err := l.runExchange(ctx, interrupts, l.transform(input))
		if err != nil {
			var interrupted *session.StreamInterruptedError
			switch {
			case res != nil && errors.Is(err, store.ErrPersistence):
				// The exchange committed; only the snapshot write failed.
				log.Printf("chat: exchange kept in memory only: %v", err)
			case errors.As(err, &interrupted):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				fmt.Fprintf(l.out, "\nYour query was interrupted (%v). You may enter a new one.\n", interrupted.Err)
				continue
			default:
				// The turn failed before or after streaming; show it and let
				// the user try again.
				fmt.Fprintf(l.out, "\nError: %v\n", err)
				continue
			}
		}

		fmt.Fprintln(l.out)
		if res.Overflow {
			log.Printf("chat: protected turns alone exceed the context budget; request was sent oversized")
		}
	}
}

// runExchange drives one turn under a per-query context so that an
// interrupt cancels the stream without ending the session.
func (l *Loop) runExchange(ctx context.Context, interrupts <-chan os.Signal, prompt string) (*session.Result, error) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	settled := make(chan struct{})
	defer close(settled)
	go func() {
		select {
		case <-interrupts:
			cancel()
		case <-settled:
		}
	}()

	first := true
	return l.driver.RunTurn(turnCtx, prompt, func(frag string) {
		if first {
			fmt.Fprintf(l.out, "\n%s", l.aiPrefix)
			first = false
		}
		fmt.Fprint(l.out, frag)
	})
}

func (l *Loop) displayHistory() {
	for _, t := range l.driver.History().Turns() {
		switch t.Role {
		case history.RoleSystem:
			fmt.Fprintf(l.out, "System: %s\n\n", t.Content)
		case history.RoleUser:
			fmt.Fprintf(l.out, "You: %s\n\n", t.Content)
		case history.RoleAssistant:
			fmt.Fprintf(l.out, "%s%s\n\n", l.aiPrefix, t.Content)
		}
	}
}
