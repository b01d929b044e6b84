package stt

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/loqalabs/voskrelay/internal/config"
	"github.com/mattn/go-shellwords"
)

// maxExecLine bounds one JSON reply from the worker process.
const maxExecLine = 1 << 20

// execEngine runs one worker process per recognizer. The worker speaks line-delimited
// JSON on stdin/stdout: every request line gets exactly one reply line.
type execEngine struct {
	cmd []string
	cfg config.RecognizerConfig
	log *slog.Logger
}

type execRequest struct {
	Op  string `json:"op"`
	PCM []byte `json:"pcm,omitempty"`
}

type execAcceptReply struct {
	Accepted bool   `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

func NewExecEngine(cfg config.RecognizerConfig, log *slog.Logger) (Engine, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse recognizer command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("recognizer command is empty")
	}
	if _, err := exec.LookPath(args[0]); err != nil {
		return nil, fmt.Errorf("recognizer command not found: %w", err)
	}
	return &execEngine{cmd: args, cfg: cfg, log: log}, nil
}

func (e *execEngine) Name() string { return "exec" }

func (e *execEngine) NewRecognizer(_ context.Context, sampleRate int) (Recognizer, error) {
	args := append([]string{}, e.cmd[1:]...)
	if e.cfg.ModelPath != "" {
		args = append(args, "--model", e.cfg.ModelPath)
	}
	args = append(args, "--sample-rate", strconv.Itoa(sampleRate))

	procCtx, cancel := context.WithCancel(context.Background())
	command := exec.CommandContext(procCtx, e.cmd[0], args...)
	stdin, err := command.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("recognizer stdin: %w", err)
	}
	stdout, err := command.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start recognizer: %w", err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxExecLine)
	return &execRecognizer{
		command: command,
		cancel:  cancel,
		stdin:   stdin,
		stdout:  scanner,
		log:     e.log,
	}, nil
}

func (e *execEngine) Close() error { return nil }

type execRecognizer struct {
	command *exec.Cmd
	cancel  context.CancelFunc
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	log     *slog.Logger
	closed  bool
	broken  error
}

func (r *execRecognizer) AcceptWaveform(ctx context.Context, pcm []byte) (bool, error) {
	line, err := r.call(ctx, execRequest{Op: "accept", PCM: pcm})
	if err != nil {
		return false, err
	}
	var reply execAcceptReply
	if err := json.Unmarshal(line, &reply); err != nil {
		return false, fmt.Errorf("decode recognizer output: %w", err)
	}
	if reply.Error != "" {
		return false, fmt.Errorf("recognizer error: %s", reply.Error)
	}
	return reply.Accepted, nil
}

func (r *execRecognizer) Result(ctx context.Context) (string, error) {
	line, err := r.call(ctx, execRequest{Op: "result"})
	if err != nil {
		return "", err
	}
	return ParseResult(line)
}

func (r *execRecognizer) PartialResult(ctx context.Context) (string, error) {
	line, err := r.call(ctx, execRequest{Op: "partial"})
	if err != nil {
		return "", err
	}
	return ParsePartial(line)
}

func (r *execRecognizer) FinalResult(ctx context.Context) (string, error) {
	line, err := r.call(ctx, execRequest{Op: "final"})
	if err != nil {
		return "", err
	}
	return ParseResult(line)
}

func (r *execRecognizer) Reset(ctx context.Context) error {
	line, err := r.call(ctx, execRequest{Op: "reset"})
	if err != nil {
		return err
	}
	_, err = decodeResult(line)
	return err
}

func (r *execRecognizer) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	_ = r.stdin.Close()
	r.cancel()
	if err := r.command.Wait(); err != nil && r.broken == nil {
		r.log.Debug("recognizer process exited", slogError(err))
	}
	return nil
}

type execReply struct {
	line []byte
	err  error
}

func (r *execRecognizer) call(ctx context.Context, req execRequest) ([]byte, error) {
	if r.closed {
		return nil, ErrClosed
	}
	if r.broken != nil {
		return nil, r.broken
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode recognizer request: %w", err)
	}

	done := make(chan execReply, 1)
	go func() {
		if _, err := r.stdin.Write(append(data, '\n')); err != nil {
			done <- execReply{err: fmt.Errorf("write to recognizer: %w", err)}
			return
		}
		if !r.stdout.Scan() {
			err := r.stdout.Err()
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			done <- execReply{err: fmt.Errorf("read from recognizer: %w", err)}
			return
		}
		done <- execReply{line: append([]byte(nil), r.stdout.Bytes()...)}
	}()

	select {
	case <-ctx.Done():
		// Killing the process unblocks the pending read.
		r.cancel()
		<-done
		r.broken = fmt.Errorf("recognizer interrupted: %w", ctx.Err())
		return nil, ctx.Err()
	case reply := <-done:
		if reply.err != nil {
			r.broken = reply.err
		}
		return reply.line, reply.err
	}
}
