package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog/log"
)

// ProcessConfig describes the child process that serves the tools.
type ProcessConfig struct {
	Command string
	Args    []string
	// Env is appended to the current environment.
	Env []string
	Dir string

	Timeout     time.Duration
	StopTimeout time.Duration

	ClientName    string
	ClientVersion string
}

func DefaultProcessConfig() ProcessConfig {
	command, err := os.Executable()
	if err != nil {
		command = "eveguard"
	}
	return ProcessConfig{
		Command:       command,
		Args:          []string{"serve"},
		Timeout:       DefaultTimeout,
		StopTimeout:   5 * time.Second,
		ClientName:    "eveguard-agent",
		ClientVersion: "1.0.0",
	}
}

// Process tracks a running child.
type Process struct {
	cmd         *exec.Cmd
	stopTimeout time.Duration

	done    chan struct{}
	waitErr error

	stopOnce sync.Once
}

// Spawn starts the child, wires a Client to its stdio and performs the
// initialize handshake. The child's stderr is forwarded to the log.
func Spawn(ctx context.Context, config ProcessConfig) (*Client, error) {
	if config.Command == "" {
		return nil, &ConnectError{Command: "<empty>", Err: errors.New("no command configured")}
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = 5 * time.Second
	}

	cmd := exec.Command(config.Command, config.Args...)
	cmd.Env = append(os.Environ(), config.Env...)
	cmd.Dir = config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &ConnectError{Command: config.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &ConnectError{Command: config.Command, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &ConnectError{Command: config.Command, Err: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &ConnectError{Command: config.Command, Err: err}
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("command", config.Command).Strs("args", config.Args).Msg("Tool server started")

	proc := &Process{
		cmd:         cmd,
		stopTimeout: config.StopTimeout,
		done:        make(chan struct{}),
	}

	var pumps sync.WaitGroup
	pumps.Add(1)
	go func() {
		defer pumps.Done()
		pumpStderr(stderr, cmd.Process.Pid)
	}()

	client := NewClient(stdout, stdin, Options{
		Timeout: config.Timeout,
		OnNotification: func(method string, params json.RawMessage) {
			log.Debug().Str("method", method).Msg("Notification from tool server")
		},
	})
	client.process = proc

	go func() {
		// Wait closes the pipes, so let the readers finish first.
		<-client.Done()
		pumps.Wait()
		proc.waitErr = cmd.Wait()
		close(proc.done)
	}()

	if err := handshake(ctx, client, config); err != nil {
		if code, exited := proc.exitCode(100 * time.Millisecond); exited {
			err = errors.Wrapf(err, "tool server exited with code %d", code)
		}
		client.Close()
		return nil, &ConnectError{Command: config.Command, Err: err}
	}
	return client, nil
}

func handshake(ctx context.Context, client *Client, config ProcessConfig) error {
	raw, err := client.Request(ctx, MethodInitialize, InitializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      Implementation{Name: config.ClientName, Version: config.ClientVersion},
	})
	if err != nil {
		return errors.Wrap(err, "initialize")
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return errors.Wrap(err, "decode initialize result")
	}
	if err := client.Notify(MethodInitialized, nil); err != nil {
		return err
	}

	log.Info().
		Str("server", result.ServerInfo.Name).
		Str("version", result.ServerInfo.Version).
		Str("protocol", result.ProtocolVersion).
		Msg("Connected to tool server")
	return nil
}

func pumpStderr(r io.Reader, pid int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		log.Info().Int("child_pid", pid).Msg(line)
	}
}

// exitCode waits up to d for the child to exit.
func (p *Process) exitCode(d time.Duration) (int, bool) {
	select {
	case <-p.done:
		return p.cmd.ProcessState.ExitCode(), true
	case <-time.After(d):
		return 0, false
	}
}

// Stop sends SIGTERM, waits up to the stop timeout, then kills the child.
func (p *Process) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		select {
		case <-p.done:
			log.Debug().Msg("Tool server already exited")
			return
		default:
		}

		pid := p.cmd.Process.Pid
		log.Info().Int("pid", pid).Msg("Stopping tool server")

		if sigErr := p.cmd.Process.Signal(syscall.SIGTERM); sigErr != nil {
			log.Warn().Err(sigErr).Msg("SIGTERM failed, killing tool server")
			_ = p.cmd.Process.Kill()
		}

		select {
		case <-p.done:
			log.Info().Int("pid", pid).Msg("Tool server stopped gracefully")
		case <-time.After(p.stopTimeout):
			log.Warn().Int("pid", pid).Msg("Tool server did not stop in time, killing")
			if killErr := p.cmd.Process.Kill(); killErr != nil {
				err = errors.Wrap(killErr, "kill tool server")
			}
			<-p.done
		}
	})
	return err
}
