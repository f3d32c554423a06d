// Package repl reads statements line by line and feeds them to an executor.
//
// Lines accumulate until one ends with ';'. The statement "exit;" ends the
// session. On a terminal input is read with readline and prompts are shown;
// otherwise lines are read as they come, without prompts.
package repl

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/chzyer/readline"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"

	"github.com/jacentio/magicdb/internal/dsl"
)

const (
	prompt             = ">>> "
	continuationPrompt = "... "
)

// Executor runs one statement and returns its output.
type Executor interface {
	Run(ctx context.Context, stmt string) (string, error)
}

// Config holds the session options.
type Config struct {
	// HistoryFile keeps readline history between interactive sessions.
	// Empty disables it.
	HistoryFile string
}

// Session is one read-execute loop.
type Session struct {
	exec   Executor
	in     io.Reader
	out    io.Writer
	config Config
	logger *zap.Logger
}

// New creates a session reading from in and writing outputs to out.
func New(exec Executor, in io.Reader, out io.Writer, config Config, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{exec: exec, in: in, out: out, config: config, logger: logger}
}

// lineReader yields input lines without their newline. It returns io.EOF
// when input ends.
type lineReader interface {
	ReadLine(prompt string) (string, error)
	Close() error
}

// Run loops until exit;, end of input or a fatal error. Syntax errors are
// printed and the session continues. A statement left unterminated at end
// of input is still executed.
func (s *Session) Run(ctx context.Context) error {
	lines, err := s.open()
	if err != nil {
		return err
	}
	defer lines.Close()

	var buf []string
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		p := prompt
		if len(buf) > 0 {
			p = continuationPrompt
		}
		line, err := lines.ReadLine(p)
		if errors.Is(err, readline.ErrInterrupt) {
			// ^C drops the pending statement.
			buf = buf[:0]
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(buf) == 0 {
				return nil
			}
			_, err := s.execute(ctx, strings.Join(buf, "\n"))
			return err
		}
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}

		if len(buf) == 0 && strings.TrimSpace(line) == "" {
			continue
		}
		buf = append(buf, line)
		if !strings.HasSuffix(strings.TrimSpace(line), ";") {
			continue
		}

		stmt := strings.Join(buf, "\n")
		buf = buf[:0]
		done, err := s.execute(ctx, stmt)
		if err != nil || done {
			return err
		}
	}
}

// execute runs one complete statement. done reports exit;.
func (s *Session) execute(ctx context.Context, stmt string) (done bool, err error) {
	stmt = strings.TrimSpace(stmt)
	if isExit(stmt) {
		return true, nil
	}

	out, err := s.exec.Run(ctx, stmt)
	var syntaxErr *dsl.SyntaxError
	if errors.As(err, &syntaxErr) {
		s.logger.Warn("rejected statement", zap.String("statement", stmt), zap.Error(err))
		_, werr := fmt.Fprintln(s.out, "syntax error: "+syntaxErr.Error())
		return false, werr
	}
	if err != nil {
		s.logger.Error("statement failed", zap.String("statement", stmt), zap.Error(err))
		return false, err
	}
	_, err = fmt.Fprintln(s.out, out)
	return false, err
}

func isExit(stmt string) bool {
	word := strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	return strings.EqualFold(word, "exit")
}

func (s *Session) open() (lineReader, error) {
	if f, ok := s.in.(*os.File); ok && isTerminal(f) {
		rl, err := readline.NewEx(&readline.Config{
			Prompt:            prompt,
			HistoryFile:       s.config.HistoryFile,
			InterruptPrompt:   "^C",
			EOFPrompt:         "exit;",
			HistorySearchFold: true,
			Stdin:             f,
			Stdout:            s.out,
		})
		if err != nil {
			return nil, fmt.Errorf("initialize console: %w", err)
		}
		return &terminalReader{rl: rl}, nil
	}
	return newPlainReader(s.in), nil
}

func isTerminal(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

type terminalReader struct {
	rl *readline.Instance
}

func (r *terminalReader) ReadLine(p string) (string, error) {
	r.rl.SetPrompt(p)
	return r.rl.Readline()
}

func (r *terminalReader) Close() error { return r.rl.Close() }

// plainReader reads piped input.
type plainReader struct {
	scanner *bufio.Scanner
}

func newPlainReader(in io.Reader) *plainReader {
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	return &plainReader{scanner: sc}
}

func (r *plainReader) ReadLine(string) (string, error) {
	if r.scanner.Scan() {
		return r.scanner.Text(), nil
	}
	if err := r.scanner.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

func (r *plainReader) Close() error { return nil }
